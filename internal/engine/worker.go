package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/flashpoint/internal/deadletter"
	"github.com/linnemanlabs/flashpoint/internal/fragment"
	"github.com/linnemanlabs/flashpoint/internal/simindex"
)

var (
	// ErrQueueFull is returned by Enqueue when the intake queue is at
	// capacity. The caller decides whether to shed or block upstream.
	ErrQueueFull = errors.New("ingest queue full")

	// ErrPoolStopped is returned by Enqueue after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")
)

// PoolConfig carries the worker pool tunables.
type PoolConfig struct {
	Workers       int
	QueueCapacity int
	// MaxAttempts bounds how often a transiently failing fragment is
	// retried before dead-lettering.
	MaxAttempts int
	// RetryBaseDelay is the first requeue delay; it doubles per attempt
	// with jitter so synchronized retries spread out.
	RetryBaseDelay time.Duration
}

// Processor is the part of the service the pool drives.
type Processor interface {
	Process(ctx context.Context, f *fragment.Fragment) (*ProcessResult, error)
}

// Pool pulls fragments off a bounded queue and runs them through the
// processor with a fixed number of workers. Transient failures (bucket
// lock timeouts, index outages) are requeued with jittered backoff up
// to MaxAttempts; malformed fragments and exhausted retries go to the
// dead-letter sink. A fragment is never silently dropped.
type Pool struct {
	proc   Processor
	sink   deadletter.Sink
	cfg    PoolConfig
	logger log.Logger
	hooks  EngineHooks
	now    func() time.Time

	queue   chan poolTask
	wg      sync.WaitGroup
	pending sync.WaitGroup // requeue timers in flight
	stopped atomic.Bool
}

type poolTask struct {
	frag    *fragment.Fragment
	attempt int
}

// NewPool creates a pool feeding proc. sink must not be nil.
func NewPool(proc Processor, sink deadletter.Sink, cfg PoolConfig, logger log.Logger, hooks EngineHooks) *Pool {
	if logger == nil {
		logger = log.Nop()
	}
	return &Pool{
		proc:   proc,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		hooks:  hooks,
		now:    time.Now,
		queue:  make(chan poolTask, cfg.QueueCapacity),
	}
}

// Start launches the workers. They run until Stop drains the queue or
// ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop refuses new work, waits for queued and retrying fragments to
// finish, then returns. Call at most once.
func (p *Pool) Stop() {
	p.stopped.Store(true)
	p.pending.Wait()
	close(p.queue)
	p.wg.Wait()
}

// Enqueue hands a fragment to the pool without blocking.
func (p *Pool) Enqueue(ctx context.Context, f *fragment.Fragment) error {
	return p.enqueue(ctx, poolTask{frag: f, attempt: 0})
}

// QueueDepth reports the number of fragments waiting.
func (p *Pool) QueueDepth() int { return len(p.queue) }

func (p *Pool) enqueue(_ context.Context, t poolTask) error {
	if p.stopped.Load() {
		return ErrPoolStopped
	}
	select {
	case p.queue <- t:
		p.hooks.queueDepth(len(p.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			p.hooks.queueDepth(len(p.queue))
			p.run(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, t poolTask) {
	_, err := p.proc.Process(ctx, t.frag)
	if err == nil {
		return
	}

	attempt := t.attempt + 1
	L := p.logger.With("fragment_id", t.frag.ID, "attempt", attempt)

	switch {
	case errors.Is(err, fragment.ErrMalformed):
		// Out of contract; retrying can never help.
		L.Warn(ctx, "malformed fragment rejected", "reason", err.Error())
		p.deadLetter(ctx, t.frag, attempt, err)

	case errors.Is(err, ErrLockTimeout), errors.Is(err, simindex.ErrUnavailable):
		if attempt >= p.cfg.MaxAttempts {
			L.Warn(ctx, "fragment retries exhausted", "reason", err.Error())
			p.deadLetter(ctx, t.frag, attempt, err)
			return
		}
		p.requeue(ctx, poolTask{frag: t.frag, attempt: attempt}, err)

	default:
		L.Error(ctx, err, "fragment processing failed")
		p.deadLetter(ctx, t.frag, attempt, err)
	}
}

// requeue re-enqueues the task after a jittered exponential delay.
// During shutdown the fragment dead-letters instead, so it survives in
// the sink rather than in a timer that never fires.
func (p *Pool) requeue(ctx context.Context, t poolTask, cause error) {
	if p.stopped.Load() {
		p.deadLetter(ctx, t.frag, t.attempt, cause)
		return
	}
	delay := p.cfg.RetryBaseDelay << (t.attempt - 1)
	delay = delay/2 + time.Duration(rand.Int63n(int64(delay)))

	p.pending.Add(1)
	time.AfterFunc(delay, func() {
		defer p.pending.Done()
		if err := p.enqueue(ctx, t); err != nil {
			p.logger.Warn(ctx, "requeue failed, dead-lettering",
				"fragment_id", t.frag.ID, "reason", err.Error())
			p.deadLetter(ctx, t.frag, t.attempt, cause)
		}
	})
}

func (p *Pool) deadLetter(ctx context.Context, f *fragment.Fragment, attempts int, cause error) {
	p.hooks.deadLetter()
	e := deadletter.Entry{
		Fragment: f,
		Reason:   cause.Error(),
		Attempts: attempts,
		FailedAt: p.now(),
	}
	if err := p.sink.Add(ctx, e); err != nil {
		p.logger.Error(ctx, err, "dead-letter sink write failed", "fragment_id", f.ID)
	}
}
