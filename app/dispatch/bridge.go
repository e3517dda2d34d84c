// Package dispatch bridges work from the webhook listener into the single
// logical worker that owns ledger and reservation state.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	// ErrNotRunning means the owning worker is not accepting jobs; the
	// webhook answers 503 so the processor redelivers.
	ErrNotRunning = errors.New("dispatch bridge is not running")

	// ErrTimeout means the job was not scheduled or did not finish inside
	// the bounded wait; treated as transient, never fire-and-forget.
	ErrTimeout = errors.New("dispatch bridge timed out")
)

// job is one typed unit of work with its reply channel
type job struct {
	name string
	fn   func(context.Context) error
	done chan error
	ctx  context.Context
}

// Bridge serializes all state-mutating work onto one worker goroutine. The
// submitting side blocks until the worker reports the result, so a webhook
// is only acknowledged after its effect is durable.
type Bridge struct {
	jobs    chan job
	timeout time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewBridge(queueSize int, timeout time.Duration) *Bridge {
	if queueSize <= 0 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bridge{
		jobs:    make(chan job, queueSize),
		timeout: timeout,
	}
}

// Start launches the owning worker. Returns a stop function that drains in
// flight work before returning.
func (b *Bridge) Start(ctx context.Context) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return func() {}
	}
	b.running = true
	b.stop = make(chan struct{})

	b.wg.Add(1)
	go b.run(ctx)

	return func() {
		b.mu.Lock()
		if !b.running {
			b.mu.Unlock()
			return
		}
		b.running = false
		close(b.stop)
		b.mu.Unlock()
		b.wg.Wait()
	}
}

func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case j := <-b.jobs:
			start := time.Now()
			err := b.execute(j)
			if err != nil {
				log.Printf("dispatch: job %s failed after %s: %v", j.name, time.Since(start), err)
			}
			select {
			case j.done <- err:
			case <-j.ctx.Done():
				// Submitter gave up; the effect is already applied, the
				// processor's retry will be absorbed by the ledger.
			}
		}
	}
}

func (b *Bridge) execute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic in dispatched job")
			log.Printf("dispatch: panic in job %s: %v", j.name, r)
		}
	}()
	return j.fn(j.ctx)
}

// Do schedules fn onto the owning worker and waits for its result, bounded
// by the bridge timeout and the caller's context.
func (b *Bridge) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	j := job{name: name, fn: fn, done: make(chan error, 1), ctx: waitCtx}

	select {
	case b.jobs <- j:
	case <-waitCtx.Done():
		return ErrTimeout
	case <-b.stop:
		return ErrNotRunning
	}

	select {
	case err := <-j.done:
		return err
	case <-waitCtx.Done():
		return ErrTimeout
	}
}
