package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/kimbia/internal/execution"
	"github.com/jkaninda/kimbia/internal/registry"
)

// stubRunner lets each test script the runner behavior.
type stubRunner struct {
	run func(ctx context.Context, p *registry.Profile, req execution.Request) *execution.Result
}

func (s *stubRunner) Run(ctx context.Context, p *registry.Profile, req execution.Request) *execution.Result {
	return s.run(ctx, p, req)
}

func okResult() *execution.Result {
	return &execution.Result{
		Outcome:  execution.OutcomeSuccess,
		Stdout:   "ok",
		ExitCode: execution.ExitCode(0),
		Duration: time.Millisecond,
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Config{})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func newTestBroker(t *testing.T, cfg Config, run *stubRunner) *Broker {
	t.Helper()
	return New(testRegistry(t), run, cfg, nil, nil)
}

// waitInFlight polls until the broker tracks n submissions or the deadline passes.
func waitInFlight(t *testing.T, b *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if b.InFlight() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("broker never reached %d in-flight submissions (now %d)", n, b.InFlight())
}

func TestSubmitSuccess(t *testing.T) {
	run := &stubRunner{run: func(ctx context.Context, p *registry.Profile, req execution.Request) *execution.Result {
		if p.ID != "python3" {
			t.Errorf("profile.ID = %q, want python3", p.ID)
		}
		return okResult()
	}}
	b := newTestBroker(t, Config{}, run)

	res, err := b.Submit(context.Background(), execution.Request{
		Language: "py", // alias resolves through the registry
		Source:   "print('ok')",
		CallerID: "u1",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Outcome != execution.OutcomeSuccess {
		t.Errorf("Outcome = %s, want %s", res.Outcome, execution.OutcomeSuccess)
	}
	if b.InFlight() != 0 {
		t.Errorf("InFlight = %d after completion, want 0", b.InFlight())
	}
}

func TestSubmitUnknownLanguage(t *testing.T) {
	b := newTestBroker(t, Config{}, &stubRunner{run: func(context.Context, *registry.Profile, execution.Request) *execution.Result {
		t.Error("runner invoked for unknown language")
		return okResult()
	}})

	_, err := b.Submit(context.Background(), execution.Request{Language: "klingon", CallerID: "u1"})
	if !errors.Is(err, execution.ErrLanguageNotFound) {
		t.Errorf("err = %v, want ErrLanguageNotFound", err)
	}
}

func TestGlobalSlotCap(t *testing.T) {
	var cur, peak int32
	run := &stubRunner{run: func(context.Context, *registry.Profile, execution.Request) *execution.Result {
		c := atomic.AddInt32(&cur, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if c <= p || atomic.CompareAndSwapInt32(&peak, p, c) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&cur, -1)
		return okResult()
	}}
	b := newTestBroker(t, Config{MaxConcurrent: 2, PerCallerLimit: 10}, run)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := b.Submit(context.Background(), execution.Request{
				Language: "python3",
				Source:   "pass",
				CallerID: "u1",
			})
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			if res.Outcome != execution.OutcomeSuccess {
				t.Errorf("Outcome = %s", res.Outcome)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPerCallerRejection(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 8)
	run := &stubRunner{run: func(context.Context, *registry.Profile, execution.Request) *execution.Result {
		started <- struct{}{}
		<-block
		return okResult()
	}}
	b := newTestBroker(t, Config{MaxConcurrent: 4, PerCallerLimit: 1}, run)
	defer close(block)

	go func() {
		_, _ = b.Submit(context.Background(), execution.Request{Language: "python3", CallerID: "alice"})
	}()
	<-started

	// Second submission from the same caller must fail immediately,
	// without waiting for the first to finish.
	begin := time.Now()
	_, err := b.Submit(context.Background(), execution.Request{Language: "python3", CallerID: "alice"})
	if !errors.Is(err, execution.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("rejection took %v, want immediate", elapsed)
	}

	// A different caller is unaffected.
	go func() {
		_, _ = b.Submit(context.Background(), execution.Request{Language: "python3", CallerID: "bob"})
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Error("other caller's submission never started")
	}
}

func TestCallerFIFO(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var order []string

	run := &stubRunner{run: func(_ context.Context, _ *registry.Profile, req execution.Request) *execution.Result {
		mu.Lock()
		order = append(order, req.Stdin)
		mu.Unlock()
		if req.Stdin == "first" {
			started <- struct{}{}
			<-block
		}
		return okResult()
	}}
	b := newTestBroker(t, Config{MaxConcurrent: 1, PerCallerLimit: 4}, run)

	var wg sync.WaitGroup
	submit := func(marker string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Submit(context.Background(), execution.Request{
				Language: "python3",
				CallerID: "alice",
				Stdin:    marker,
			})
			if err != nil {
				t.Errorf("Submit(%s): %v", marker, err)
			}
		}()
	}

	submit("first")
	<-started
	submit("second")
	waitInFlight(t, b, 2)
	submit("third")
	waitInFlight(t, b, 3)

	close(block)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestCancelQueued(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	run := &stubRunner{run: func(context.Context, *registry.Profile, execution.Request) *execution.Result {
		started <- struct{}{}
		<-block
		return okResult()
	}}
	b := newTestBroker(t, Config{MaxConcurrent: 1, PerCallerLimit: 2}, run)
	defer close(block)

	go func() {
		_, _ = b.Submit(context.Background(), execution.Request{Language: "python3", CallerID: "filler"})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Submit(ctx, execution.Request{Language: "python3", CallerID: "carol"})
		errCh <- err
	}()
	waitInFlight(t, b, 2)

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, execution.ErrCancelled) {
			t.Errorf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled submission never returned")
	}

	// The withdrawn ticket must release carol's capacity. A pre-cancelled
	// context keeps the probe from occupying the single slot: below the
	// cap it queues and comes back ErrCancelled, at the cap it would be
	// ErrRejected before queueing.
	waitInFlight(t, b, 1)
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	_, err := b.Submit(ctx2, execution.Request{Language: "python3", CallerID: "carol"})
	if errors.Is(err, execution.ErrRejected) {
		t.Error("carol still at capacity after cancelling her queued submission")
	}
}

func TestCancelRunning(t *testing.T) {
	started := make(chan struct{}, 1)
	run := &stubRunner{run: func(ctx context.Context, _ *registry.Profile, _ execution.Request) *execution.Result {
		started <- struct{}{}
		<-ctx.Done()
		// Mirrors the real runner's behavior on cancellation.
		return &execution.Result{
			Outcome: execution.OutcomeInternalError,
			Detail:  "execution cancelled",
		}
	}}
	b := newTestBroker(t, Config{}, run)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Submit(ctx, execution.Request{Language: "python3", CallerID: "dave"})
		errCh <- err
	}()
	<-started

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, execution.ErrCancelled) {
			t.Errorf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled submission never returned")
	}
}

func TestResultOutcomePassthrough(t *testing.T) {
	tests := []struct {
		name    string
		outcome execution.Outcome
	}{
		{"compile error", execution.OutcomeCompileError},
		{"runtime error", execution.OutcomeRuntimeError},
		{"timeout", execution.OutcomeTimeout},
		{"resource exceeded", execution.OutcomeResourceExceeded},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			run := &stubRunner{run: func(context.Context, *registry.Profile, execution.Request) *execution.Result {
				return &execution.Result{Outcome: tc.outcome, Stage: "run"}
			}}
			b := newTestBroker(t, Config{}, run)

			res, err := b.Submit(context.Background(), execution.Request{Language: "python3", CallerID: "u1"})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if res.Outcome != tc.outcome {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tc.outcome)
			}
		})
	}
}

func TestMetricsRecorded(t *testing.T) {
	promReg := prometheus.NewRegistry()
	m := NewMetrics(promReg)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	run := &stubRunner{run: func(_ context.Context, _ *registry.Profile, req execution.Request) *execution.Result {
		if req.Stdin == "block" {
			started <- struct{}{}
			<-block
		}
		return okResult()
	}}
	b := New(testRegistry(t), run, Config{MaxConcurrent: 4, PerCallerLimit: 1}, nil, m)

	if _, err := b.Submit(context.Background(), execution.Request{Language: "python3", CallerID: "u1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Drive one rejection.
	go func() {
		_, _ = b.Submit(context.Background(), execution.Request{Language: "python3", CallerID: "u2", Stdin: "block"})
	}()
	<-started
	if _, err := b.Submit(context.Background(), execution.Request{Language: "python3", CallerID: "u2"}); !errors.Is(err, execution.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	close(block)

	families, err := promReg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	if got := counterValue(families, "kimbia_broker_executions_total", map[string]string{
		"language": "python3",
		"outcome":  "success",
	}); got < 1 {
		t.Errorf("executions_total{python3,success} = %v, want >= 1", got)
	}
	if got := counterValue(families, "kimbia_broker_rejected_total", nil); got != 1 {
		t.Errorf("rejected_total = %v, want 1", got)
	}
}

// counterValue extracts a counter's value from gathered metric families.
func counterValue(families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for k, v := range labels {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
						break
					}
				}
				if !found {
					continue metric
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return -1
}
