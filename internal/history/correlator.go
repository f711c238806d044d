// ABOUTME: Per-request event correlator fed by the agent loop without blocking it
// ABOUTME: One worker per correlation id applies steps in order; Finalize drains and evicts

package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/beamlit/agent-runtime/internal/dedupe"
	"github.com/beamlit/agent-runtime/internal/descriptor"
	"github.com/beamlit/agent-runtime/internal/observability"
)

// Anomaly kinds reported to metrics.
const (
	AnomalyOrphanCompletion = "orphan_completion"
	AnomalyRunningAtFinish  = "running_at_finalize"
	AnomalyUnknownRequest   = "unknown_request"
	AnomalyApplyPanic       = "apply_panic"
)

// Resolver maps a public tool name to the descriptor that owns it.
type Resolver interface {
	ResolveTool(toolName string) (name, subFunction string, chain, ok bool)
}

// Info identifies the agent a history belongs to.
type Info struct {
	Agent       string
	Workspace   string
	Environment string
}

// Outcome is how the request ended from the caller's point of view.
// Either flag forces the history to failed.
type Outcome struct {
	Cancelled bool
	Failed    bool
}

// Options tune a Correlator. Zero values pick defaults.
type Options struct {
	Resolver     Resolver
	FinalizedTTL time.Duration
	MaxFinalized int
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

// Correlator owns one in-flight History per correlation id.
type Correlator struct {
	info      Info
	resolver  Resolver
	metrics   *observability.Metrics
	logger    *slog.Logger
	finalized *dedupe.Cache[Status]
	now       func() time.Time

	mu       sync.Mutex
	requests map[string]*request
	closed   bool
	workers  conc.WaitGroup
}

// NewCorrelator creates a correlator for the given agent.
func NewCorrelator(info Info, opts Options) *Correlator {
	if opts.FinalizedTTL <= 0 {
		opts.FinalizedTTL = 10 * time.Minute
	}
	if opts.MaxFinalized <= 0 {
		opts.MaxFinalized = 10000
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Correlator{
		info:      info,
		resolver:  opts.Resolver,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "history"),
		finalized: dedupe.New[Status](opts.FinalizedTTL, opts.MaxFinalized, time.Minute),
		now:       time.Now,
		requests:  make(map[string]*request),
	}
}

// request is the state owned by one worker. Only the worker touches
// history, events and order; producers only touch pending.
type request struct {
	id      string
	history *History
	events  map[string]*Event
	order   []*Event

	mu      sync.Mutex
	pending []Step
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func (r *request) push(s Step) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.pending = append(r.pending, s)
	r.mu.Unlock()
	r.signal()
	return true
}

func (r *request) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.signal()
}

func (r *request) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// drain takes everything queued so far and reports whether the queue is closed.
func (r *request) drain() ([]Step, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := r.pending
	r.pending = nil
	return batch, r.closed
}

// Begin registers a new History for id. Registering an id that is still in
// flight fails; an id that was finalized earlier may be reused.
func (c *Correlator) Begin(id string) error {
	if id == "" {
		return errEmptyCorrelation
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCorrelatorClosed
	}
	if _, exists := c.requests[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, id)
	}

	r := &request{
		id: id,
		history: &History{
			RequestID:   id,
			Status:      StatusRunning,
			Agent:       c.info.Agent,
			Workspace:   c.info.Workspace,
			Environment: c.info.Environment,
			Start:       c.now().UTC(),
			Events:      []Event{},
		},
		events: make(map[string]*Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.requests[id] = r
	c.workers.Go(func() { c.run(r) })
	c.metrics.RequestStarted()
	return nil
}

// Ingest queues a step for id and returns immediately.
func (c *Correlator) Ingest(id string, s Step) error {
	c.mu.Lock()
	r := c.requests[id]
	c.mu.Unlock()

	if r == nil {
		c.metrics.RecordAnomaly(AnomalyUnknownRequest)
		c.logger.Warn("step for unknown request dropped", "request_id", id)
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	if !r.push(s) {
		return fmt.Errorf("%w: %s", ErrAlreadyFinalized, id)
	}
	return nil
}

// Finalize waits for every step queued for id to be applied, then returns
// the completed History and forgets the request.
func (c *Correlator) Finalize(ctx context.Context, id string, out Outcome) (*History, error) {
	c.mu.Lock()
	r := c.requests[id]
	if r != nil {
		delete(c.requests, id)
		c.finalized.Put(id, StatusRunning)
	}
	c.mu.Unlock()

	if r == nil {
		if _, seen := c.finalized.Get(id); seen {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyFinalized, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}

	r.close()
	select {
	case <-r.done:
	case <-ctx.Done():
		c.metrics.RequestFinished()
		return nil, fmt.Errorf("finalizing %s: %w", id, ctx.Err())
	}

	h := c.complete(r, out)
	c.finalized.Put(id, h.Status)
	c.metrics.HistoryFinalized(string(h.Status))
	c.metrics.RequestFinished()

	c.logger.Debug("history finalized",
		"request_id", id,
		"status", h.Status,
		"events", len(h.Events),
	)
	return h, nil
}

// InFlight returns the number of requests not yet finalized.
func (c *Correlator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Close stops accepting requests and waits for running workers to exit.
// Requests still in flight are dropped.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := make([]*request, 0, len(c.requests))
	for id, r := range c.requests {
		pending = append(pending, r)
		delete(c.requests, id)
	}
	c.mu.Unlock()

	for _, r := range pending {
		c.logger.Warn("dropping unfinished history", "request_id", r.id)
		r.close()
	}
	if rec := c.workers.WaitAndRecover(); rec != nil {
		c.logger.Error("history worker panicked", "panic", rec.String())
	}
	c.finalized.Close()
}

func (c *Correlator) run(r *request) {
	defer close(r.done)
	for {
		batch, closed := r.drain()
		for _, s := range batch {
			c.apply(r, s)
		}
		if closed {
			return
		}
		<-r.wake
	}
}

func (c *Correlator) apply(r *request, s Step) {
	var pc panics.Catcher
	pc.Try(func() {
		switch st := s.(type) {
		case CallsInitiated:
			c.initiated(r, st)
		case CallsCompleted:
			c.completed(r, st)
		}
	})
	if rec := pc.Recovered(); rec != nil {
		c.metrics.RecordAnomaly(AnomalyApplyPanic)
		c.logger.Error("applying step failed", "request_id", r.id, "panic", rec.String())
	}
}

func (c *Correlator) initiated(r *request, st CallsInitiated) {
	for _, call := range st.Calls {
		ev := r.events[call.ID]
		if ev == nil {
			ev = &Event{ID: call.ID}
			r.events[call.ID] = ev
			r.order = append(r.order, ev)
		}
		name, sub, typ := c.classify(call.Name)
		ev.Name = name
		ev.SubFunction = sub
		ev.Type = typ
		ev.Parameters = call.Arguments
		ev.Start = st.Start.UTC()
		ev.End = nil
		ev.Status = StatusRunning
		ev.Error = ""
	}
}

func (c *Correlator) completed(r *request, st CallsCompleted) {
	for _, res := range st.Results {
		ev := r.events[res.ID]
		if ev == nil {
			c.metrics.RecordAnomaly(AnomalyOrphanCompletion)
			c.logger.Warn("completion without matching call dropped",
				"request_id", r.id,
				"call_id", res.ID,
			)
			continue
		}
		end := st.End.UTC()
		ev.End = &end
		if res.IsError {
			ev.Status = StatusFailed
			ev.Error = res.Content
		} else {
			ev.Status = StatusSuccess
			ev.Error = ""
		}
	}
}

// classify maps a public tool name to the descriptor name and event type.
func (c *Correlator) classify(toolName string) (name, sub string, typ EventType) {
	if c.resolver != nil {
		if n, s, chain, ok := c.resolver.ResolveTool(toolName); ok {
			if chain {
				return n, s, EventAgent
			}
			return n, s, EventFunction
		}
	}
	switch {
	case strings.HasPrefix(toolName, descriptor.ChainPrefix):
		return strings.TrimPrefix(toolName, descriptor.ChainPrefix), "", EventAgent
	case strings.HasPrefix(toolName, descriptor.FunctionPrefix):
		return strings.TrimPrefix(toolName, descriptor.FunctionPrefix), "", EventFunction
	default:
		return toolName, "", EventFunction
	}
}

// complete builds the final History. Only called after the worker exited.
func (c *Correlator) complete(r *request, out Outcome) *History {
	h := r.history
	sort.SliceStable(r.order, func(i, j int) bool {
		return r.order[i].Start.Before(r.order[j].Start)
	})

	h.Events = make([]Event, 0, len(r.order))
	for _, ev := range r.order {
		if ev.Status == StatusRunning {
			c.metrics.RecordAnomaly(AnomalyRunningAtFinish)
			c.logger.Warn("event still running at finalize",
				"request_id", r.id,
				"call_id", ev.ID,
				"tool", ev.Name,
			)
		}
		h.Events = append(h.Events, *ev)
	}

	switch {
	case out.Cancelled, out.Failed:
		h.Status = StatusFailed
	case len(h.Events) == 0:
		h.Status = StatusSuccess
	default:
		h.Status = h.Events[len(h.Events)-1].Status
	}

	end := c.now().UTC()
	h.End = &end
	return h
}
