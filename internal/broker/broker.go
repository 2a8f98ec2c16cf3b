// Package broker schedules code executions. A global slot cap bounds how
// many run at once, every caller has a queued-or-running cap enforced with
// immediate rejection, and waiting submissions start in arrival order, so
// each caller's submissions run FIFO relative to each other.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kimbia/internal/execution"
	"github.com/jkaninda/kimbia/internal/registry"
	"github.com/jkaninda/kimbia/internal/runner"
)

const (
	defaultMaxConcurrent  = 2
	defaultPerCallerLimit = 2
)

// Config configures the broker's capacity.
type Config struct {
	// MaxConcurrent is the global slot cap. 0 = 2.
	MaxConcurrent int

	// PerCallerLimit caps queued-or-running submissions per caller.
	// A submission over the cap is rejected immediately, never queued. 0 = 2.
	PerCallerLimit int
}

func (c Config) maxConcurrent() int {
	if c.MaxConcurrent > 0 {
		return c.MaxConcurrent
	}
	return defaultMaxConcurrent
}

func (c Config) perCallerLimit() int {
	if c.PerCallerLimit > 0 {
		return c.PerCallerLimit
	}
	return defaultPerCallerLimit
}

type ticketState int

const (
	stateQueued ticketState = iota
	stateRunning
	stateCancelled
)

// ticket is one submission moving through the queue.
type ticket struct {
	id         uuid.UUID
	callerID   string
	profile    *registry.Profile
	req        execution.Request
	ctx        context.Context
	done       chan *execution.Result
	enqueuedAt time.Time
	state      ticketState
}

// Broker owns the execution queue and slot accounting.
type Broker struct {
	cfg      Config
	registry *registry.Registry
	runner   runner.Runner
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer

	mu      sync.Mutex
	queue   []*ticket      // arrival order, queued tickets only
	counts  map[string]int // queued + running per caller
	running int
}

// New creates a Broker. metrics may be nil.
func New(reg *registry.Registry, run runner.Runner, cfg Config, logger *slog.Logger, metrics *Metrics) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:      cfg,
		registry: reg,
		runner:   run,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer("kimbia/broker"),
		counts:   make(map[string]int),
	}
}

// Registry exposes the language registry backing this broker.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// InFlight reports how many executions are queued or running.
func (b *Broker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running + len(b.queue)
}

// Submit runs one request through the queue and blocks until it completes,
// is rejected, or ctx is cancelled.
//
// Errors: execution.ErrLanguageNotFound for an unknown language,
// execution.ErrRejected when the caller is at capacity, and
// execution.ErrCancelled when ctx ends before the result is produced.
// Every other failure mode comes back as a Result, not an error.
func (b *Broker) Submit(ctx context.Context, req execution.Request) (*execution.Result, error) {
	ctx, span := b.tracer.Start(ctx, "broker.Submit",
		trace.WithAttributes(
			attribute.String("execution.language", req.Language),
			attribute.String("execution.caller_id", req.CallerID),
		),
	)
	defer span.End()

	profile, err := b.registry.Resolve(req.Language)
	if err != nil {
		return nil, err
	}

	t := &ticket{
		id:         uuid.New(),
		callerID:   req.CallerID,
		profile:    profile,
		req:        req,
		ctx:        ctx,
		done:       make(chan *execution.Result, 1),
		enqueuedAt: time.Now(),
	}
	span.SetAttributes(attribute.String("execution.id", t.id.String()))

	b.mu.Lock()
	if b.counts[t.callerID] >= b.cfg.perCallerLimit() {
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.Rejected.Inc()
		}
		b.logger.InfoContext(ctx, "submission rejected",
			slog.String("execution_id", t.id.String()),
			slog.String("caller_id", t.callerID),
			slog.String("language", profile.ID),
		)
		return nil, fmt.Errorf("caller %q is at capacity: %w", t.callerID, execution.ErrRejected)
	}
	b.counts[t.callerID]++
	b.queue = append(b.queue, t)
	b.updateGaugesLocked()
	b.dispatchLocked()
	b.mu.Unlock()

	select {
	case res := <-t.done:
		return b.deliver(ctx, t, res)

	case <-ctx.Done():
		if b.withdraw(t) {
			if b.metrics != nil {
				b.metrics.Cancelled.Inc()
			}
			b.logger.Info("queued submission cancelled",
				slog.String("execution_id", t.id.String()),
				slog.String("caller_id", t.callerID),
			)
			return nil, execution.ErrCancelled
		}
		// Already running. The runner shares ctx, so it unwinds promptly
		// and delivers a result either way.
		res := <-t.done
		return b.deliver(ctx, t, res)
	}
}

// deliver maps a finished ticket to the caller-facing return values.
func (b *Broker) deliver(ctx context.Context, t *ticket, res *execution.Result) (*execution.Result, error) {
	if errors.Is(ctx.Err(), context.Canceled) && res.Outcome == execution.OutcomeInternalError {
		if b.metrics != nil {
			b.metrics.Cancelled.Inc()
		}
		return nil, execution.ErrCancelled
	}

	if b.metrics != nil {
		b.metrics.Executions.WithLabelValues(t.profile.ID, string(res.Outcome)).Inc()
		b.metrics.Duration.WithLabelValues(t.profile.ID).Observe(res.Duration.Seconds())
	}
	b.logger.InfoContext(ctx, "execution finished",
		slog.String("execution_id", t.id.String()),
		slog.String("caller_id", t.callerID),
		slog.String("language", t.profile.ID),
		slog.String("outcome", string(res.Outcome)),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// dispatchLocked starts queued tickets while free slots remain.
// Caller holds b.mu.
func (b *Broker) dispatchLocked() {
	for b.running < b.cfg.maxConcurrent() && len(b.queue) > 0 {
		t := b.queue[0]
		b.queue = b.queue[1:]
		t.state = stateRunning
		b.running++
		b.updateGaugesLocked()
		go b.execute(t)
	}
}

// execute runs one ticket to completion and frees its slot.
func (b *Broker) execute(t *ticket) {
	if b.metrics != nil {
		b.metrics.QueueLatency.Observe(time.Since(t.enqueuedAt).Seconds())
	}

	res := b.runner.Run(t.ctx, t.profile, t.req)

	b.mu.Lock()
	b.running--
	b.releaseCallerLocked(t.callerID)
	b.updateGaugesLocked()
	b.dispatchLocked()
	b.mu.Unlock()

	t.done <- res
}

// withdraw removes a still-queued ticket. Returns false when the ticket
// already started running.
func (b *Broker) withdraw(t *ticket) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.state != stateQueued {
		return false
	}
	for i, q := range b.queue {
		if q == t {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	t.state = stateCancelled
	b.releaseCallerLocked(t.callerID)
	b.updateGaugesLocked()
	return true
}

func (b *Broker) releaseCallerLocked(callerID string) {
	if b.counts[callerID] <= 1 {
		delete(b.counts, callerID)
		return
	}
	b.counts[callerID]--
}

func (b *Broker) updateGaugesLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.QueueDepth.Set(float64(len(b.queue)))
	b.metrics.SlotsInUse.Set(float64(b.running))
}
