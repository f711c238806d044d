// ABOUTME: Background loop keeping a minted bearer token fresh
// ABOUTME: Re-exchanges credentials shortly before expiry and reports failures to its supervisor

package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beamlit/agent-runtime/internal/config"
	"github.com/beamlit/agent-runtime/internal/observability"
)

// RefreshLead is how long before expiry the token is re-exchanged.
const RefreshLead = 10 * time.Second

// Refresher is the sole writer of a credentials-mode Context token.
type Refresher struct {
	auth          *Context
	policy        string
	retryInterval time.Duration
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	logger        *slog.Logger

	// after is time.After, replaceable in tests.
	after func(time.Duration) <-chan time.Time
}

// NewRefresher creates a refresher. policy is config.RefreshFailureExit or
// config.RefreshFailureKeep.
func NewRefresher(c *Context, policy string, retryInterval time.Duration, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	if retryInterval <= 0 {
		retryInterval = config.DefaultRetryInterval
	}
	return &Refresher{
		auth:          c,
		policy:        policy,
		retryInterval: retryInterval,
		metrics:       metrics,
		tracer:        tracer,
		logger:        logger.With("component", "token-refresher"),
		after:         time.After,
	}
}

// Run blocks until ctx is done or, under the exit policy, a refresh fails.
// Static credentials return immediately.
func (r *Refresher) Run(ctx context.Context) error {
	if r.auth.Mode() != ModeCredentials {
		r.logger.Debug("static credential, refresher not needed", "mode", r.auth.Mode())
		return nil
	}

	wait := r.untilRefresh()
	for {
		var fire <-chan time.Time
		if wait >= 0 {
			fire = r.after(wait)
		} else {
			r.logger.Warn("token has no expiry, refresher idle")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-fire:
		}

		if err := r.refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.metrics.RecordTokenRefresh("error")
			if r.policy != config.RefreshFailureKeep {
				r.logger.Error("token refresh failed", "error", err)
				return fmt.Errorf("refreshing token: %w", err)
			}
			r.logger.Warn("token refresh failed, keeping current token", "error", err, "retry_in", r.retryInterval)
			wait = r.retryInterval
			continue
		}

		r.metrics.RecordTokenRefresh("ok")
		wait = r.untilRefresh()
	}
}

func (r *Refresher) refresh(ctx context.Context) (err error) {
	ctx, span := r.tracer.Start(ctx, "auth.refresh")
	defer func() { observability.End(span, err) }()

	tok, err := r.auth.exchange(ctx)
	if err != nil {
		return err
	}
	r.auth.SetToken(tok)
	r.logger.Info("token refreshed", "expires_at", tok.Expiry)
	return nil
}

// untilRefresh returns the delay before the next exchange, or -1 when the
// token carries no expiry. Tokens living less than RefreshLead plus the
// retry interval are re-exchanged after the retry interval.
func (r *Refresher) untilRefresh() time.Duration {
	exp := r.auth.expiry()
	if exp.IsZero() {
		return -1
	}
	d := exp.Sub(r.auth.now()) - RefreshLead
	if d < r.retryInterval {
		return r.retryInterval
	}
	return d
}
