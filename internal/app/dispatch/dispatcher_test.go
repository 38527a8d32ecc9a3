package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tutu-network/oracle/internal/domain"
)

// mockTransport answers per worker with a fixed delay and values.
type mockTransport struct {
	delay    map[string]time.Duration
	values   map[string]map[string]float64
	err      map[string]error
	ignore   bool // ignore ctx cancellation
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (m *mockTransport) Send(ctx context.Context, workerID string, c domain.Challenge) (domain.Response, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if d := m.delay[workerID]; d > 0 {
		if m.ignore {
			time.Sleep(d)
		} else {
			select {
			case <-ctx.Done():
				return domain.Response{}, ctx.Err()
			case <-time.After(d):
			}
		}
	}
	if err := m.err[workerID]; err != nil {
		return domain.Response{}, err
	}
	values := m.values[workerID]
	if values == nil {
		values = map[string]float64{
			domain.MetricTemperature:   20,
			domain.MetricPrecipitation: 5,
			domain.MetricRiskIndex:     0.2,
		}
	}
	return domain.Response{ChallengeID: c.ID, Values: values, Confidence: 0.8}, nil
}

func testChallenge() domain.Challenge {
	return domain.Challenge{
		ID:               "c-1",
		TaskType:         domain.TaskShortTerm,
		RequestedMetrics: []string{domain.MetricTemperature, domain.MetricPrecipitation, domain.MetricRiskIndex},
		IssuedAt:         time.Now(),
	}
}

func newTestDispatcher(t *testing.T, tr domain.Transport) *Dispatcher {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Timeout = 100 * time.Millisecond
	return New(cfg, tr)
}

// ─── Config Tests ───────────────────────────────────────────────────────────

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Timeout != 8*time.Second {
		t.Errorf("Timeout = %v, want 8s", cfg.Timeout)
	}
	if cfg.MaxConcurrent != 64 {
		t.Errorf("MaxConcurrent = %d, want 64", cfg.MaxConcurrent)
	}
	d := New(Config{}, &mockTransport{})
	if d.Timeout() != 8*time.Second {
		t.Errorf("zero config Timeout = %v, want 8s", d.Timeout())
	}
}

// ─── Dispatch Tests ─────────────────────────────────────────────────────────

func TestDispatchAllRespond(t *testing.T) {
	d := newTestDispatcher(t, &mockTransport{})
	results := d.Dispatch(context.Background(), testChallenge(), []string{"a", "b", "c"})
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for id, r := range results {
		if r.Err != nil {
			t.Errorf("%s: Err = %v", id, r.Err)
			continue
		}
		if r.Response.WorkerID != id {
			t.Errorf("%s: WorkerID = %q", id, r.Response.WorkerID)
		}
		if r.Response.Elapsed < 0 || r.Response.Elapsed > d.Timeout() {
			t.Errorf("%s: Elapsed = %v", id, r.Response.Elapsed)
		}
	}
	if s := d.Stats(); s.Completed != 3 || s.Active != 0 {
		t.Errorf("Stats = %+v, want 3 completed, 0 active", s)
	}
}

func TestDispatchTimeoutIsSentinel(t *testing.T) {
	tr := &mockTransport{delay: map[string]time.Duration{"slow": time.Second}}
	d := newTestDispatcher(t, tr)
	results := d.Dispatch(context.Background(), testChallenge(), []string{"fast", "slow"})

	if results["fast"].Err != nil {
		t.Errorf("fast: Err = %v", results["fast"].Err)
	}
	slow := results["slow"]
	if !slow.TimedOut() {
		t.Errorf("slow: Err = %v, want ErrTimeout", slow.Err)
	}
	if slow.Response != nil {
		t.Error("slow: Response should be nil on timeout")
	}
}

func TestDispatchTransportIgnoringContext(t *testing.T) {
	tr := &mockTransport{delay: map[string]time.Duration{"stuck": 2 * time.Second}, ignore: true}
	d := newTestDispatcher(t, tr)

	start := time.Now()
	results := d.Dispatch(context.Background(), testChallenge(), []string{"stuck"})
	if took := time.Since(start); took > time.Second {
		t.Errorf("Dispatch took %v, want about the 100ms timeout", took)
	}
	if !results["stuck"].TimedOut() {
		t.Errorf("Err = %v, want ErrTimeout", results["stuck"].Err)
	}
}

func TestStreamDoesNotWaitForSlowest(t *testing.T) {
	tr := &mockTransport{delay: map[string]time.Duration{"slow": 80 * time.Millisecond}}
	d := newTestDispatcher(t, tr)
	ch := d.Stream(context.Background(), testChallenge(), []string{"slow", "fast"})

	first := <-ch
	if first.WorkerID != "fast" {
		t.Errorf("first result from %q, want fast", first.WorkerID)
	}
	second := <-ch
	if second.WorkerID != "slow" || second.Err != nil {
		t.Errorf("second = %+v, want slow without error", second)
	}
	if _, open := <-ch; open {
		t.Error("stream should be closed after every worker reported")
	}
}

func TestDispatchRejectsUnknownMetric(t *testing.T) {
	tr := &mockTransport{values: map[string]map[string]float64{
		"bad": {domain.MetricTemperature: 20, "pressure": 1013},
	}}
	d := newTestDispatcher(t, tr)
	r := d.Dispatch(context.Background(), testChallenge(), []string{"bad"})["bad"]
	if !errors.Is(r.Err, domain.ErrUnknownMetric) {
		t.Errorf("Err = %v, want ErrUnknownMetric", r.Err)
	}
	if d.Stats().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", d.Stats().Rejected)
	}
}

func TestDispatchReportsMissingMetrics(t *testing.T) {
	tr := &mockTransport{values: map[string]map[string]float64{
		"partial": {domain.MetricTemperature: 20},
	}}
	d := newTestDispatcher(t, tr)
	r := d.Dispatch(context.Background(), testChallenge(), []string{"partial"})["partial"]
	if r.Err != nil {
		t.Fatalf("Err = %v", r.Err)
	}
	if len(r.Missing) != 2 {
		t.Errorf("Missing = %v, want precipitation and risk_index", r.Missing)
	}
}

func TestDispatchTransportError(t *testing.T) {
	tr := &mockTransport{err: map[string]error{"down": fmt.Errorf("connection refused")}}
	d := newTestDispatcher(t, tr)
	r := d.Dispatch(context.Background(), testChallenge(), []string{"down"})["down"]
	if r.Err == nil || r.TimedOut() {
		t.Errorf("Err = %v, want transport error", r.Err)
	}
}

func TestDispatchConcurrencyLimit(t *testing.T) {
	delays := map[string]time.Duration{}
	workers := make([]string, 12)
	for i := range workers {
		workers[i] = fmt.Sprintf("w%02d", i)
		delays[workers[i]] = 10 * time.Millisecond
	}
	tr := &mockTransport{delay: delays}
	d := New(Config{MaxConcurrent: 3, Timeout: time.Second}, tr)
	results := d.Dispatch(context.Background(), testChallenge(), workers)
	if len(results) != 12 {
		t.Fatalf("len(results) = %d, want 12", len(results))
	}
	if p := tr.peak.Load(); p > 3 {
		t.Errorf("peak in-flight = %d, want <= 3", p)
	}
}

func TestDispatchElapsedFromClock(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	d := newTestDispatcher(t, &mockTransport{})
	d.SetClock(func() time.Time {
		n := calls.Add(1)
		return base.Add(time.Duration(n-1) * 30 * time.Millisecond)
	})
	r := d.Dispatch(context.Background(), testChallenge(), []string{"a"})["a"]
	if r.Err != nil {
		t.Fatalf("Err = %v", r.Err)
	}
	if r.Response.Elapsed != 30*time.Millisecond {
		t.Errorf("Elapsed = %v, want 30ms", r.Response.Elapsed)
	}
	if !r.Response.SubmittedAt.Equal(base.Add(30 * time.Millisecond)) {
		t.Errorf("SubmittedAt = %v", r.Response.SubmittedAt)
	}
}
