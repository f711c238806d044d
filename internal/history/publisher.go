// ABOUTME: Best-effort delivery of finalized histories to the local ledger and the control plane
// ABOUTME: Failures are logged and counted; the caller's response never depends on them

package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/beamlit/agent-runtime/internal/observability"
)

// Remote receives finalized histories, normally the control plane.
type Remote interface {
	PutHistory(ctx context.Context, h *History) error
}

// Ledger keeps finalized histories locally.
type Ledger interface {
	SaveHistory(ctx context.Context, h *History) error
}

// Publisher targets
const (
	TargetLedger = "ledger"
	TargetRemote = "control_plane"
)

// Publisher fans a history out to its sinks. Either sink may be nil.
type Publisher struct {
	remote  Remote
	ledger  Ledger
	timeout time.Duration
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger

	inflight conc.WaitGroup
}

// NewPublisher creates a publisher. timeout bounds each detached publish.
func NewPublisher(remote Remote, ledger Ledger, timeout time.Duration, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		remote:  remote,
		ledger:  ledger,
		timeout: timeout,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger.With("component", "publisher"),
	}
}

// Publish writes h to every configured sink. The returned error joins the
// individual failures and wraps ErrPublish; it is informational only.
func (p *Publisher) Publish(ctx context.Context, h *History) error {
	if h == nil {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "history.publish")

	var errs []error
	if p.ledger != nil {
		errs = append(errs, p.deliver(ctx, TargetLedger, h, p.ledger.SaveHistory))
	}
	if p.remote != nil {
		errs = append(errs, p.deliver(ctx, TargetRemote, h, p.remote.PutHistory))
	}

	err := errors.Join(errs...)
	observability.End(span, err)
	return err
}

func (p *Publisher) deliver(ctx context.Context, target string, h *History, fn func(context.Context, *History) error) error {
	if err := fn(ctx, h); err != nil {
		p.metrics.RecordPublish(target, "error")
		p.logger.Warn("history publish failed",
			"target", target,
			"request_id", h.RequestID,
			"error", err,
		)
		return fmt.Errorf("%w to %s: %w", ErrPublish, target, err)
	}
	p.metrics.RecordPublish(target, "ok")
	return nil
}

// PublishAsync publishes h in the background, detached from the request
// context so a finished response does not cancel the upload.
func (p *Publisher) PublishAsync(ctx context.Context, h *History) {
	base := context.WithoutCancel(ctx)
	p.inflight.Go(func() {
		ctx, cancel := context.WithTimeout(base, p.timeout)
		defer cancel()
		_ = p.Publish(ctx, h)
	})
}

// Wait blocks until every background publish has returned.
func (p *Publisher) Wait() {
	p.inflight.Wait()
}
