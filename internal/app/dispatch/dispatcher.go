// Package dispatch fans a challenge out to every registered worker.
//
// The dispatcher:
//  1. Sends the challenge to each worker concurrently (bounded by MaxConcurrent)
//  2. Bounds every call with the same response timeout
//  3. Stamps SubmittedAt and Elapsed from its own clock
//  4. Checks the response against the challenge's task schema
//
// It records outcomes only. Scoring and ranking happen downstream.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/oracle/internal/domain"
)

// Config controls dispatch behavior.
type Config struct {
	MaxConcurrent int           // Maximum in-flight worker calls (default: 64)
	Timeout       time.Duration // Per-worker response timeout (default: 8s)
}

// DefaultConfig returns dispatch defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 64,
		Timeout:       8 * time.Second,
	}
}

// Result is one worker's outcome. Response is nil when Err is set.
type Result struct {
	WorkerID string
	Response *domain.Response
	Missing  []string // requested metrics absent from a valid response
	Err      error    // ErrTimeout, ErrUnknownMetric, ErrInvalidResponse, or a transport error
}

// TimedOut reports whether the worker missed the deadline.
func (r Result) TimedOut() bool { return errors.Is(r.Err, domain.ErrTimeout) }

// Dispatcher sends challenges through a Transport.
type Dispatcher struct {
	cfg       Config
	transport domain.Transport

	mu        sync.Mutex
	active    int
	completed int64
	timedOut  int64
	rejected  int64

	// Injectable clock for testing.
	now func() time.Time
}

// New creates a dispatcher.
func New(cfg Config, t domain.Transport) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Dispatcher{cfg: cfg, transport: t, now: time.Now}
}

// SetClock replaces the dispatcher clock.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Timeout returns the per-worker response timeout.
func (d *Dispatcher) Timeout() time.Duration { return d.cfg.Timeout }

// Stream sends c to every worker and emits each Result as soon as it is
// known. The channel closes once every worker has answered or timed out, so
// a slow worker never delays the results of the others.
func (d *Dispatcher) Stream(ctx context.Context, c domain.Challenge, workers []string) <-chan Result {
	out := make(chan Result, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxConcurrent)

	go func() {
		defer close(out)
		for _, id := range workers {
			g.Go(func() error {
				out <- d.call(gctx, c, id)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

// Dispatch is Stream collected into a map keyed by worker ID.
func (d *Dispatcher) Dispatch(ctx context.Context, c domain.Challenge, workers []string) map[string]Result {
	results := make(map[string]Result, len(workers))
	for r := range d.Stream(ctx, c, workers) {
		results[r.WorkerID] = r
	}
	return results
}

// call performs one bounded worker round trip. A transport that ignores
// its context still cannot hold the caller past the timeout.
func (d *Dispatcher) call(ctx context.Context, c domain.Challenge, workerID string) Result {
	d.track(1)
	defer d.track(-1)

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	type reply struct {
		resp domain.Response
		err  error
	}
	start := d.now()
	done := make(chan reply, 1)
	go func() {
		resp, err := d.transport.Send(callCtx, workerID, c)
		done <- reply{resp, err}
	}()

	var rep reply
	select {
	case rep = <-done:
	case <-callCtx.Done():
		rep.err = callCtx.Err()
	}

	res := Result{WorkerID: workerID}
	switch {
	case rep.err != nil && (errors.Is(rep.err, context.DeadlineExceeded) || errors.Is(rep.err, domain.ErrTimeout)):
		res.Err = fmt.Errorf("%w: worker %s after %v", domain.ErrTimeout, workerID, d.cfg.Timeout)
		d.count(&d.timedOut)
		return res
	case rep.err != nil:
		res.Err = fmt.Errorf("send to %s: %w", workerID, rep.err)
		d.count(&d.rejected)
		return res
	}

	resp := rep.resp
	resp.WorkerID = workerID
	resp.SubmittedAt = d.now()
	resp.Elapsed = resp.SubmittedAt.Sub(start)
	if resp.Elapsed > d.cfg.Timeout {
		res.Err = fmt.Errorf("%w: worker %s answered after %v", domain.ErrTimeout, workerID, resp.Elapsed)
		d.count(&d.timedOut)
		return res
	}

	missing, err := c.Validate(resp)
	if err != nil {
		res.Err = err
		d.count(&d.rejected)
		return res
	}
	res.Response = &resp
	res.Missing = missing
	d.count(&d.completed)
	return res
}

func (d *Dispatcher) track(delta int) {
	d.mu.Lock()
	d.active += delta
	d.mu.Unlock()
}

func (d *Dispatcher) count(n *int64) {
	d.mu.Lock()
	*n++
	d.mu.Unlock()
}

// Stats reports cumulative dispatch outcomes.
type Stats struct {
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	TimedOut  int64 `json:"timed_out"`
	Rejected  int64 `json:"rejected"`
	MaxSlots  int   `json:"max_slots"`
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Active:    d.active,
		Completed: d.completed,
		TimedOut:  d.timedOut,
		Rejected:  d.rejected,
		MaxSlots:  d.cfg.MaxConcurrent,
	}
}
