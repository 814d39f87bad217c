package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// collector records every callback invocation.
type collector struct {
	calls   atomic.Int32
	results chan Result
}

func newCollector() *collector {
	return &collector{results: make(chan Result, 8)}
}

func (c *collector) onDone(r Result) {
	c.calls.Add(1)
	c.results <- r
}

func (c *collector) wait(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-c.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for batch result")
		return Result{}
	}
}

func (c *collector) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case r := <-c.results:
		t.Fatalf("unexpected callback with %d payloads and %d failures", r.Len(), r.FailureCount())
	case <-time.After(d):
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("fetch goroutines did not finish")
	}
}

func identifiers(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("https://images.example.com/photo-%d.jpg", i)
	}
	return ids
}

// echoFetcher succeeds immediately with the identifier as payload.
var echoFetcher = FetcherFunc(func(ctx context.Context, req Request) Outcome {
	return Succeeded(req.Index, []byte(req.Identifier))
})

// blockingFetcher waits for cancellation.
var blockingFetcher = FetcherFunc(func(ctx context.Context, req Request) Outcome {
	<-ctx.Done()
	return Failed(req.Index, NewFetchError(KindCancelled, req.Identifier, ctx.Err()))
})

func newTestCoordinator(f Fetcher, cfg Config) *Coordinator {
	return NewCoordinator(f, cfg, zerolog.Nop())
}

func TestRun_EmptyBatch(t *testing.T) {
	var fetched atomic.Int32
	f := FetcherFunc(func(ctx context.Context, req Request) Outcome {
		fetched.Add(1)
		return Succeeded(req.Index, nil)
	})

	c := newCollector()
	h, err := newTestCoordinator(f, DefaultConfig()).Run(context.Background(), nil, c.onDone)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := c.wait(t)
	if r.Len() != 0 || r.FailureCount() != 0 || r.Total != 0 {
		t.Errorf("expected empty result, got len=%d failures=%d total=%d", r.Len(), r.FailureCount(), r.Total)
	}
	if h.Status() != StatusComplete {
		t.Errorf("Status = %v, want complete", h.Status())
	}
	if fetched.Load() != 0 {
		t.Errorf("fetcher called %d times for empty batch", fetched.Load())
	}
	waitDone(t, h)
	c.expectNone(t, 20*time.Millisecond)
}

func TestRun_Preconditions(t *testing.T) {
	if _, err := newTestCoordinator(echoFetcher, DefaultConfig()).Run(context.Background(), identifiers(1), nil); !errors.Is(err, ErrNilCallback) {
		t.Errorf("expected ErrNilCallback, got %v", err)
	}

	if _, err := newTestCoordinator(nil, DefaultConfig()).Run(context.Background(), identifiers(1), func(Result) {}); !errors.Is(err, ErrNilFetcher) {
		t.Errorf("expected ErrNilFetcher, got %v", err)
	}
}

func TestRun_ExactlyOnce(t *testing.T) {
	for _, n := range []int{0, 1, 2, 7, 50} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			c := newCollector()
			h, err := newTestCoordinator(echoFetcher, DefaultConfig()).Run(context.Background(), identifiers(n), c.onDone)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			r := c.wait(t)
			waitDone(t, h)
			c.expectNone(t, 20*time.Millisecond)

			if got := c.calls.Load(); got != 1 {
				t.Errorf("callback invoked %d times, want 1", got)
			}
			if r.Len() != n {
				t.Errorf("Len = %d, want %d", r.Len(), n)
			}
		})
	}
}

func TestRun_PreservesInputOrder(t *testing.T) {
	const n = 4
	release := make([]chan struct{}, n)
	for i := range release {
		release[i] = make(chan struct{})
	}

	f := FetcherFunc(func(ctx context.Context, req Request) Outcome {
		<-release[req.Index]
		if req.Index == 2 {
			return Failed(req.Index, NewFetchError(KindServerError, req.Identifier, errors.New("404 Not Found")))
		}
		return Succeeded(req.Index, []byte(req.Identifier))
	})

	ids := identifiers(n)
	c := newCollector()
	h, err := newTestCoordinator(f, DefaultConfig()).Run(context.Background(), ids, c.onDone)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Complete in reverse order: 3, 2, 1, 0.
	for i := n - 1; i >= 0; i-- {
		close(release[i])
		want := n - i
		eventually(t, func() bool {
			completed, _ := h.Progress()
			return completed == want
		})
	}

	r := c.wait(t)

	wantIndices := []int{0, 1, 3}
	if len(r.Indices) != len(wantIndices) {
		t.Fatalf("Indices = %v, want %v", r.Indices, wantIndices)
	}
	for i, idx := range wantIndices {
		if r.Indices[i] != idx {
			t.Errorf("Indices[%d] = %d, want %d", i, r.Indices[i], idx)
		}
		if string(r.Payloads[i]) != ids[idx] {
			t.Errorf("Payloads[%d] = %s, want %s", i, r.Payloads[i], ids[idx])
		}
	}

	if r.FailureCount() != 1 || r.Failures[0].Index != 2 || r.Failures[0].Kind != KindServerError {
		t.Errorf("unexpected failures: %+v", r.Failures)
	}
	if r.Failures[0].Identifier != ids[2] {
		t.Errorf("failure identifier = %s, want %s", r.Failures[0].Identifier, ids[2])
	}
}

func TestRun_AllFail(t *testing.T) {
	const n = 25
	f := FetcherFunc(func(ctx context.Context, req Request) Outcome {
		return Failed(req.Index, errors.New("connection refused"))
	})

	c := newCollector()
	if _, err := newTestCoordinator(f, DefaultConfig()).Run(context.Background(), identifiers(n), c.onDone); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := c.wait(t)
	c.expectNone(t, 20*time.Millisecond)

	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
	if r.FailureCount() != n {
		t.Errorf("FailureCount = %d, want %d", r.FailureCount(), n)
	}
	if got := r.FailuresByKind()[KindTransport]; got != n {
		t.Errorf("transport failures = %d, want %d", got, n)
	}
}

func TestRun_StressConcurrentCompletions(t *testing.T) {
	const n = 2000
	var fetched atomic.Int32
	f := FetcherFunc(func(ctx context.Context, req Request) Outcome {
		fetched.Add(1)
		if req.Index%10 == 0 {
			return Failed(req.Index, errors.New("boom"))
		}
		return Succeeded(req.Index, []byte{byte(req.Index)})
	})

	c := newCollector()
	h, err := newTestCoordinator(f, DefaultConfig()).Run(context.Background(), identifiers(n), c.onDone)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := c.wait(t)
	waitDone(t, h)
	c.expectNone(t, 50*time.Millisecond)

	if got := c.calls.Load(); got != 1 {
		t.Fatalf("callback invoked %d times, want 1", got)
	}
	if got := fetched.Load(); got != n {
		t.Errorf("fetcher called %d times, want %d", got, n)
	}
	completed, total := h.Progress()
	if completed != n || total != n {
		t.Errorf("Progress = %d/%d, want %d/%d", completed, total, n, n)
	}
	if r.Len()+r.FailureCount() != n {
		t.Errorf("Len+FailureCount = %d, want %d", r.Len()+r.FailureCount(), n)
	}
	for i := 1; i < len(r.Indices); i++ {
		if r.Indices[i] <= r.Indices[i-1] {
			t.Fatalf("indices out of order at %d: %d after %d", i, r.Indices[i], r.Indices[i-1])
		}
	}
}

func TestRun_CancelBeforeCompletion(t *testing.T) {
	c := newCollector()
	h, err := newTestCoordinator(blockingFetcher, DefaultConfig()).Run(context.Background(), identifiers(5), c.onDone)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !h.Cancel() {
		t.Error("first Cancel should report true")
	}
	waitDone(t, h)
	c.expectNone(t, 50*time.Millisecond)

	if h.Status() != StatusCancelled {
		t.Errorf("Status = %v, want cancelled", h.Status())
	}
}

func TestRun_CancelAfterPartialCompletion(t *testing.T) {
	const n = 6
	f := FetcherFunc(func(ctx context.Context, req Request) Outcome {
		if req.Index%2 == 1 {
			return Succeeded(req.Index, []byte("ok"))
		}
		<-ctx.Done()
		return Failed(req.Index, ctx.Err())
	})

	c := newCollector()
	h, err := newTestCoordinator(f, DefaultConfig()).Run(context.Background(), identifiers(n), c.onDone)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	eventually(t, func() bool {
		completed, _ := h.Progress()
		return completed == n/2
	})

	h.Cancel()
	waitDone(t, h)
	c.expectNone(t, 50*time.Millisecond)

	completed, _ := h.Progress()
	if completed != n/2 {
		t.Errorf("outcomes after cancel were counted: completed = %d, want %d", completed, n/2)
	}
}

func TestHandle_CancelIdempotent(t *testing.T) {
	c := newCollector()
	h, err := newTestCoordinator(blockingFetcher, DefaultConfig()).Run(context.Background(), identifiers(3), c.onDone)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	first := h.Cancel()
	second := h.Cancel()
	if !first || second {
		t.Errorf("Cancel results = %v, %v; want true, false", first, second)
	}
	waitDone(t, h)
	c.expectNone(t, 20*time.Millisecond)
}

func TestHandle_CancelAfterComplete(t *testing.T) {
	c := newCollector()
	h, err := newTestCoordinator(echoFetcher, DefaultConfig()).Run(context.Background(), identifiers(3), c.onDone)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	c.wait(t)
	if h.Cancel() {
		t.Error("Cancel after completion should be a no-op")
	}
	if h.Status() != StatusComplete {
		t.Errorf("Status = %v, want complete", h.Status())
	}
}

func TestRun_ParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	c := newCollector()
	h, err := newTestCoordinator(blockingFetcher, DefaultConfig()).Run(ctx, identifiers(4), c.onDone)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	cancel()
	waitDone(t, h)
	eventually(t, func() bool { return h.Status() == StatusCancelled })
	c.expectNone(t, 50*time.Millisecond)
}

// TestRun_ParentCancelWhileQueued cancels the parent while most fetches
// still wait for a concurrency slot. Whichever goroutine notices first, the
// batch must end cancelled and never deliver.
func TestRun_ParentCancelWhileQueued(t *testing.T) {
	coord := newTestCoordinator(blockingFetcher, Config{MaxConcurrency: 1})

	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())

		c := newCollector()
		h, err := coord.Run(ctx, identifiers(3), c.onDone)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		cancel()
		waitDone(t, h)
		eventually(t, func() bool { return h.Status() == StatusCancelled })
		if n := c.calls.Load(); n != 0 {
			t.Fatalf("iteration %d: %d callbacks after parent cancel", i, n)
		}
	}
}

func TestRun_Timeout(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, req Request) Outcome {
		if req.Index < 2 {
			return Succeeded(req.Index, []byte("fast"))
		}
		<-ctx.Done()
		return Failed(req.Index, ctx.Err())
	})

	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond

	c := newCollector()
	h, err := newTestCoordinator(f, cfg).Run(context.Background(), identifiers(4), c.onDone)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := c.wait(t)
	waitDone(t, h)
	c.expectNone(t, 20*time.Millisecond)

	if !r.TimedOut {
		t.Error("expected TimedOut to be set")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
	if got := r.FailuresByKind()[KindTimeout]; got != 2 {
		t.Errorf("timeout failures = %d, want 2", got)
	}
	for _, f := range r.Failures {
		if !errors.Is(f.Err, ErrTimeout) {
			t.Errorf("failure %d: expected ErrTimeout, got %v", f.Index, f.Err)
		}
	}
	if h.Status() != StatusComplete {
		t.Errorf("Status = %v, want complete", h.Status())
	}
}

func TestRun_TimeoutNotTriggeredWhenFast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond

	c := newCollector()
	if _, err := newTestCoordinator(echoFetcher, cfg).Run(context.Background(), identifiers(3), c.onDone); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := c.wait(t)
	if r.TimedOut {
		t.Error("fast batch should not time out")
	}
	c.expectNone(t, 60*time.Millisecond)
}

func TestRun_BadIdentifiers(t *testing.T) {
	var fetched atomic.Int32
	f := FetcherFunc(func(ctx context.Context, req Request) Outcome {
		fetched.Add(1)
		return Succeeded(req.Index, []byte(req.Identifier))
	})

	ids := []string{
		"https://images.example.com/a.jpg",
		"not a url",
		"",
		"ftp://images.example.com/b.jpg",
		"http://images.example.com/c.png",
	}

	c := newCollector()
	if _, err := newTestCoordinator(f, DefaultConfig()).Run(context.Background(), ids, c.onDone); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := c.wait(t)
	if fetched.Load() != 2 {
		t.Errorf("fetcher called %d times, want 2", fetched.Load())
	}
	if r.Len() != 2 || r.Indices[0] != 0 || r.Indices[1] != 4 {
		t.Errorf("unexpected successes: %v", r.Indices)
	}
	if got := r.FailuresByKind()[KindBadIdentifier]; got != 3 {
		t.Errorf("bad_identifier failures = %d, want 3", got)
	}
	for _, f := range r.Failures {
		if !errors.Is(f.Err, ErrBadIdentifier) {
			t.Errorf("failure %d: expected ErrBadIdentifier, got %v", f.Index, f.Err)
		}
	}
}

func TestRun_AllBadIdentifiers(t *testing.T) {
	c := newCollector()
	h, err := newTestCoordinator(echoFetcher, DefaultConfig()).Run(context.Background(), []string{"::", "nope"}, c.onDone)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := c.wait(t)
	waitDone(t, h)
	if r.FailureCount() != 2 || r.Len() != 0 {
		t.Errorf("unexpected result: len=%d failures=%d", r.Len(), r.FailureCount())
	}
}

func TestRun_FetcherPanic(t *testing.T) {
	f := FetcherFunc(func(ctx context.Context, req Request) Outcome {
		if req.Index == 1 {
			panic("decoder exploded")
		}
		return Succeeded(req.Index, []byte("ok"))
	})

	c := newCollector()
	if _, err := newTestCoordinator(f, DefaultConfig()).Run(context.Background(), identifiers(3), c.onDone); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := c.wait(t)
	if r.Len() != 2 || r.FailureCount() != 1 {
		t.Fatalf("unexpected result: len=%d failures=%d", r.Len(), r.FailureCount())
	}
	if !errors.Is(r.Failures[0].Err, ErrFetcherPanic) {
		t.Errorf("expected ErrFetcherPanic, got %v", r.Failures[0].Err)
	}
	if r.Failures[0].Kind != KindTransport {
		t.Errorf("Kind = %s, want transport", r.Failures[0].Kind)
	}
}

func TestRun_OutcomeIndexIsForced(t *testing.T) {
	// A fetcher that reports the wrong index must not corrupt another slot.
	f := FetcherFunc(func(ctx context.Context, req Request) Outcome {
		return Succeeded(0, []byte(req.Identifier))
	})

	ids := identifiers(3)
	c := newCollector()
	if _, err := newTestCoordinator(f, DefaultConfig()).Run(context.Background(), ids, c.onDone); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := c.wait(t)
	for i, p := range r.Payloads {
		if string(p) != ids[i] {
			t.Errorf("Payloads[%d] = %s, want %s", i, p, ids[i])
		}
	}
}

func TestRun_MaxConcurrency(t *testing.T) {
	const limit = 3
	var inFlight, peak atomic.Int32

	f := FetcherFunc(func(ctx context.Context, req Request) Outcome {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return Succeeded(req.Index, nil)
	})

	cfg := DefaultConfig()
	cfg.MaxConcurrency = limit

	c := newCollector()
	if _, err := newTestCoordinator(f, cfg).Run(context.Background(), identifiers(20), c.onDone); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r := c.wait(t)
	if r.Len() != 20 {
		t.Errorf("Len = %d, want 20", r.Len())
	}
	if p := peak.Load(); p > limit {
		t.Errorf("peak concurrency = %d, want <= %d", p, limit)
	}
}

func TestRun_QueueDispatcher(t *testing.T) {
	q := NewQueue()
	cfg := DefaultConfig()
	cfg.Dispatcher = q

	c := newCollector()
	if _, err := newTestCoordinator(echoFetcher, cfg).Run(context.Background(), identifiers(2), c.onDone); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	eventually(t, func() bool { return q.Len() == 1 })
	if c.calls.Load() != 0 {
		t.Fatal("callback ran before the queue was drained")
	}

	if ran := q.Drain(); ran != 1 {
		t.Errorf("Drain ran %d callbacks, want 1", ran)
	}
	r := c.wait(t)
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRun_IsolatedBatches(t *testing.T) {
	coord := newTestCoordinator(echoFetcher, DefaultConfig())

	c1, c2 := newCollector(), newCollector()
	h1, err := coord.Run(context.Background(), identifiers(3), c1.onDone)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	h2, err := coord.Run(context.Background(), identifiers(5), c2.onDone)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r1, r2 := c1.wait(t), c2.wait(t)
	if r1.Len() != 3 || r2.Len() != 5 {
		t.Errorf("results leaked between batches: %d, %d", r1.Len(), r2.Len())
	}
	if h1.ID() == h2.ID() || r1.BatchID != h1.ID() || r2.BatchID != h2.ID() {
		t.Error("batch IDs should be unique and match their handles")
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status   Status
		expected string
	}{
		{StatusPending, "pending"},
		{StatusComplete, "complete"},
		{StatusCancelled, "cancelled"},
		{Status(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.expected)
		}
	}
}
