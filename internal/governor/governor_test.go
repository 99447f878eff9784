package governor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"repolm/internal/breaker"
	"repolm/internal/cache"
	"repolm/internal/pool"
	"repolm/internal/ratelimit"
	"repolm/internal/store"
	"repolm/internal/stream"
	"repolm/internal/upstream"
)

// memStore is an in-memory store.Store with failure injection.
type memStore struct {
	mu       sync.Mutex
	entities map[string][]byte
	events   map[string][]store.Event
	failLoad error
}

func newMemStore() *memStore {
	return &memStore{
		entities: make(map[string][]byte),
		events:   make(map[string][]store.Event),
	}
}

func (m *memStore) LoadEntity(ctx context.Context, id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLoad != nil {
		return nil, m.failLoad
	}
	value, ok := m.entities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return value, nil
}

func (m *memStore) SaveEntity(ctx context.Context, id string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[id] = value
	return nil
}

func (m *memStore) AppendEvent(ctx context.Context, jobID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[jobID] = append(m.events[jobID], store.Event{At: time.Now(), Message: message})
	return nil
}

func (m *memStore) Events(ctx context.Context, jobID string) ([]store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Event(nil), m.events[jobID]...), nil
}

func (m *memStore) Cleanup(ctx context.Context) (int, error) { return 0, nil }
func (m *memStore) Close() error                             { return nil }

func (m *memStore) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entities[id]
	return ok
}

// fakeIngester returns fixture text, optionally blocking until released.
type fakeIngester struct {
	text  []byte
	block chan struct{}
	err   error
}

func (f *fakeIngester) Fetch(ctx context.Context, url string, progress func(string)) ([]byte, error) {
	progress("cloning repository")
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	progress("collecting source text")
	return f.text, nil
}

type harness struct {
	gov      *Governor
	st       *memStore
	invoker  *upstream.FakeInvoker
	ingester *fakeIngester
}

func newHarness(t *testing.T, steps ...upstream.FakeStep) *harness {
	t.Helper()

	logger := log.NewWithOptions(io.Discard, log.Options{Level: log.FatalLevel})
	st := newMemStore()
	invoker := upstream.NewFake(steps...)
	ingester := &fakeIngester{text: []byte("===== main.go =====\npackage fixture\n")}

	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	c := cache.New(64, time.Hour, time.Hour)
	t.Cleanup(c.Close)

	bridge := stream.NewBridge(16, time.Minute)

	client := upstream.NewClient(invoker, breakers, upstream.Config{
		CallTimeout: time.Second,
		MaxQPS:      1000,
		Burst:       1000,
		RetryDelays: []time.Duration{time.Millisecond},
	}, logger)

	pools := map[pool.Kind]*pool.Pool{
		pool.KindIngest:   pool.New("ingest", 1, 2, time.Second, logger),
		pool.KindGenerate: pool.New("generate", 2, 2, time.Second, logger),
		pool.KindAudio:    pool.New("audio", 1, 1, time.Second, logger),
	}
	limiters := map[pool.Kind]*ratelimit.Limiter{
		pool.KindIngest:   ratelimit.New(100, time.Hour),
		pool.KindGenerate: ratelimit.New(100, time.Hour),
		pool.KindAudio:    ratelimit.New(100, time.Hour),
	}
	for _, lim := range limiters {
		t.Cleanup(lim.Close)
	}

	gov := New(pools, limiters, breakers, c, st, bridge, client, ingester, Options{
		ShedAbove: 0.99,
		Optional:  map[pool.Kind]bool{pool.KindAudio: true},
		CancelOnAbandon: map[pool.Kind]bool{
			pool.KindGenerate: true,
		},
	}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		gov.Shutdown(ctx)
	})

	return &harness{gov: gov, st: st, invoker: invoker, ingester: ingester}
}

func waitJob(t *testing.T, g *Governor, jobID string, want pool.Status) pool.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := g.JobStatus(jobID)
		if err != nil {
			t.Fatalf("JobStatus failed: %v", err)
		}
		if snap.Status == want {
			return snap
		}
		if snap.Status.Terminal() {
			t.Fatalf("Job reached %s (%s), wanted %s", snap.Status, snap.Error, want)
		}
		if time.Now().After(deadline) {
			t.Fatalf("Job stuck at %s, wanted %s", snap.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func drainStream(t *testing.T, ch *stream.Channel) ([]stream.Chunk, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var chunks []stream.Chunk
	for {
		chunk, err := ch.Next(ctx)
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
		if chunk.Kind == stream.KindDone {
			return chunks, nil
		}
	}
}

func TestIngestEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.ingester.block = make(chan struct{})
	ctx := context.Background()

	jobID, err := h.gov.SubmitJob(ctx, pool.KindIngest, "client-1", map[string]string{
		"url": "https://example.com/fixture.git",
	})
	if err != nil {
		t.Fatalf("SubmitJob failed: %v", err)
	}

	ch, err := h.gov.AttachStream(jobID)
	if err != nil {
		t.Fatalf("AttachStream failed: %v", err)
	}

	waitJob(t, h.gov, jobID, pool.StatusRunning)
	close(h.ingester.block)

	chunks, err := drainStream(t, ch)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(chunks) == 0 || chunks[len(chunks)-1].Kind != stream.KindDone {
		t.Fatal("Stream must terminate with an explicit done marker")
	}

	snap := waitJob(t, h.gov, jobID, pool.StatusSucceeded)
	if len(snap.Result) == 0 {
		t.Error("Expected a non-empty result")
	}
	if snap.StartedAt.IsZero() || snap.FinishedAt.IsZero() {
		t.Error("Expected lifecycle timestamps")
	}

	if !h.st.has(repoKey("https://example.com/fixture.git")) {
		t.Error("Ingested text should be persisted")
	}
}

func TestGenerateStreamsInOrder(t *testing.T) {
	h := newHarness(t, upstream.FakeStep{Parts: []upstream.Part{
		{Content: []byte("alpha ")},
		{Content: []byte("beta ")},
		{Content: []byte("gamma")},
	}})
	ctx := context.Background()

	// Ingest first so repository text exists.
	ingestID, err := h.gov.SubmitJob(ctx, pool.KindIngest, "c", map[string]string{"url": "repo"})
	if err != nil {
		t.Fatal(err)
	}
	waitJob(t, h.gov, ingestID, pool.StatusSucceeded)

	genID, err := h.gov.SubmitJob(ctx, pool.KindGenerate, "c", map[string]string{
		"url": "repo", "kind": "overview",
	})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := h.gov.AttachStream(genID)
	if err != nil {
		t.Fatal(err)
	}

	chunks, err := drainStream(t, ch)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	var text strings.Builder
	for _, chunk := range chunks {
		if chunk.Kind == stream.KindChunk {
			text.Write(chunk.Data)
		}
	}
	if text.String() != "alpha beta gamma" {
		t.Errorf("Chunks out of order: %q", text.String())
	}

	snap := waitJob(t, h.gov, genID, pool.StatusSucceeded)
	if string(snap.Result) != "alpha beta gamma" {
		t.Errorf("Result should be the concatenated stream, got %q", snap.Result)
	}
}

func TestGenerateCachedFastPath(t *testing.T) {
	h := newHarness(t, upstream.FakeStep{Parts: []upstream.Part{{Content: []byte("artifact")}}})
	ctx := context.Background()

	ingestID, _ := h.gov.SubmitJob(ctx, pool.KindIngest, "c", map[string]string{"url": "repo"})
	waitJob(t, h.gov, ingestID, pool.StatusSucceeded)

	params := map[string]string{"url": "repo", "kind": "overview"}

	first, _ := h.gov.SubmitJob(ctx, pool.KindGenerate, "c", params)
	waitJob(t, h.gov, first, pool.StatusSucceeded)

	second, _ := h.gov.SubmitJob(ctx, pool.KindGenerate, "c", params)
	ch, err := h.gov.AttachStream(second)
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := drainStream(t, ch)
	if err != nil {
		t.Fatal(err)
	}

	if chunks[0].Kind != stream.KindCached {
		t.Errorf("Replay should start with the cached marker, got %s", chunks[0].Kind)
	}
	if h.invoker.Calls() != 1 {
		t.Errorf("Cached result must not re-invoke the upstream, got %d calls", h.invoker.Calls())
	}
}

func TestGenerateWithoutIngestFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	genID, err := h.gov.SubmitJob(ctx, pool.KindGenerate, "c", map[string]string{
		"url": "never-ingested", "kind": "overview",
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ := h.gov.JobStatus(genID)
		if snap.Status.Terminal() {
			if snap.Status != pool.StatusFailed || !strings.Contains(snap.Error, "not ingested") {
				t.Errorf("Expected failed with not-ingested error, got %s (%s)", snap.Status, snap.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Job never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lim := ratelimit.New(1, time.Hour)
	t.Cleanup(lim.Close)
	h.gov.limiters[pool.KindIngest] = lim

	if _, err := h.gov.SubmitJob(ctx, pool.KindIngest, "greedy", map[string]string{"url": "a"}); err != nil {
		t.Fatal(err)
	}
	_, err := h.gov.SubmitJob(ctx, pool.KindIngest, "greedy", map[string]string{"url": "b"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
	if !errors.Is(err, ErrAdmissionRejected) {
		t.Error("Rate limit rejection should be an admission rejection")
	}

	// Another caller is unaffected.
	if _, err := h.gov.SubmitJob(ctx, pool.KindIngest, "other", map[string]string{"url": "c"}); err != nil {
		t.Errorf("Different caller should be admitted: %v", err)
	}
}

func TestSubmitPoolBusy(t *testing.T) {
	h := newHarness(t)
	h.ingester.block = make(chan struct{})
	defer close(h.ingester.block)
	ctx := context.Background()

	// 1 worker + queue depth 2: the fourth submission must bounce.
	var lastErr error
	for i := 0; i < 4; i++ {
		_, lastErr = h.gov.SubmitJob(ctx, pool.KindIngest, "c", map[string]string{"url": "u"})
	}
	if !errors.Is(lastErr, ErrPoolBusy) {
		t.Fatalf("Expected ErrPoolBusy, got %v", lastErr)
	}
	if !errors.Is(lastErr, ErrAdmissionRejected) {
		t.Error("Pool rejection should be an admission rejection")
	}
}

func TestSheddingDeclinesOptionalKinds(t *testing.T) {
	h := newHarness(t)
	h.ingester.block = make(chan struct{})
	defer close(h.ingester.block)
	ctx := context.Background()

	h.gov.opts.ShedAbove = 0.5

	if h.gov.Degraded(pool.KindAudio) {
		t.Fatal("Idle system should not shed")
	}

	// Saturate the single-worker ingest pool.
	id, _ := h.gov.SubmitJob(ctx, pool.KindIngest, "c", map[string]string{"url": "u"})
	waitJob(t, h.gov, id, pool.StatusRunning)

	if !h.gov.Degraded(pool.KindAudio) {
		t.Error("Optional kind should be shed above the threshold")
	}
	if h.gov.Degraded(pool.KindGenerate) {
		t.Error("Non-optional kinds are never shed")
	}

	_, err := h.gov.SubmitJob(ctx, pool.KindAudio, "c", map[string]string{"text": "hi"})
	if !errors.Is(err, ErrShedding) {
		t.Errorf("Expected ErrShedding, got %v", err)
	}

	load := h.gov.CurrentLoad()
	if !load.Shedding {
		t.Error("CurrentLoad should report shedding")
	}
}

func TestCacheLoadErrorSurfaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.st.mu.Lock()
	h.st.failLoad = errors.New("store down")
	h.st.mu.Unlock()

	jobID, err := h.gov.SubmitJob(ctx, pool.KindIngest, "c", map[string]string{"url": "u"})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, _ := h.gov.JobStatus(jobID)
		if snap.Status.Terminal() {
			if snap.Status != pool.StatusFailed {
				t.Fatalf("Expected failed, got %s", snap.Status)
			}
			if !strings.Contains(snap.Error, "cache load") {
				t.Errorf("Store failure must surface as a load error, got %s", snap.Error)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Job never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAudioCachedFastPath(t *testing.T) {
	h := newHarness(t, upstream.FakeStep{Response: upstream.Response{Content: []byte("pcm-bytes")}})
	ctx := context.Background()
	params := map[string]string{"text": "hello world", "voice": "nova"}

	first, err := h.gov.SubmitJob(ctx, pool.KindAudio, "c", params)
	if err != nil {
		t.Fatal(err)
	}
	waitJob(t, h.gov, first, pool.StatusSucceeded)

	second, err := h.gov.SubmitJob(ctx, pool.KindAudio, "c", params)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := h.gov.AttachStream(second)
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := drainStream(t, ch)
	if err != nil {
		t.Fatal(err)
	}

	if chunks[0].Kind != stream.KindCached {
		t.Errorf("Replay should start with the cached marker, got %s", chunks[0].Kind)
	}
	snap := waitJob(t, h.gov, second, pool.StatusSucceeded)
	if string(snap.Result) != "pcm-bytes" {
		t.Errorf("Expected the cached audio, got %q", snap.Result)
	}
	if h.invoker.Calls() != 1 {
		t.Errorf("Repeated synthesis must not re-invoke the upstream, got %d calls", h.invoker.Calls())
	}
}

func TestActiveJobCapPerCaller(t *testing.T) {
	h := newHarness(t)
	h.ingester.block = make(chan struct{})
	defer close(h.ingester.block)
	ctx := context.Background()

	h.gov.opts.MaxActive = map[pool.Kind]int{pool.KindIngest: 2}

	for i, url := range []string{"a", "b"} {
		id, err := h.gov.SubmitJob(ctx, pool.KindIngest, "greedy", map[string]string{"url": url})
		if err != nil {
			t.Fatalf("Submit %s failed: %v", url, err)
		}
		if i == 0 {
			// The worker must dequeue the first job before later submissions
			// can count on a free queue slot.
			waitJob(t, h.gov, id, pool.StatusRunning)
		}
	}

	_, err := h.gov.SubmitJob(ctx, pool.KindIngest, "greedy", map[string]string{"url": "c"})
	if !errors.Is(err, ErrTooManyActive) {
		t.Fatalf("Expected ErrTooManyActive, got %v", err)
	}
	if !errors.Is(err, ErrAdmissionRejected) {
		t.Error("Active cap rejection should be an admission rejection")
	}

	// Another caller has their own budget.
	if _, err := h.gov.SubmitJob(ctx, pool.KindIngest, "other", map[string]string{"url": "d"}); err != nil {
		t.Errorf("Different caller should be admitted: %v", err)
	}
}

func TestActiveJobCapReleasesOnCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.gov.opts.MaxActive = map[pool.Kind]int{pool.KindIngest: 1}

	id, err := h.gov.SubmitJob(ctx, pool.KindIngest, "c", map[string]string{"url": "a"})
	if err != nil {
		t.Fatal(err)
	}
	waitJob(t, h.gov, id, pool.StatusSucceeded)

	if _, err := h.gov.SubmitJob(ctx, pool.KindIngest, "c", map[string]string{"url": "b"}); err != nil {
		t.Errorf("Finished job must not count against the cap: %v", err)
	}
}

func TestStreamGaugePerCaller(t *testing.T) {
	h := newHarness(t)
	h.gov.opts.MaxStreams = 2

	for i := 0; i < 2; i++ {
		if err := h.gov.AcquireStream("watcher"); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
	}

	err := h.gov.AcquireStream("watcher")
	if !errors.Is(err, ErrTooManyStreams) {
		t.Fatalf("Expected ErrTooManyStreams, got %v", err)
	}
	if !errors.Is(err, ErrAdmissionRejected) {
		t.Error("Stream cap rejection should be an admission rejection")
	}

	if err := h.gov.AcquireStream("other"); err != nil {
		t.Errorf("Different caller should get a slot: %v", err)
	}

	h.gov.ReleaseStream("watcher")
	if err := h.gov.AcquireStream("watcher"); err != nil {
		t.Errorf("Released slot should be reusable: %v", err)
	}
}

func TestJobStatusUnknown(t *testing.T) {
	h := newHarness(t)

	if _, err := h.gov.JobStatus("job-nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Expected ErrUnknownJob, got %v", err)
	}
	if _, err := h.gov.AttachStream("job-nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Expected ErrUnknownJob for stream attach, got %v", err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	h := newHarness(t)
	h.ingester.block = make(chan struct{})
	defer close(h.ingester.block)
	ctx := context.Background()

	running, _ := h.gov.SubmitJob(ctx, pool.KindIngest, "c", map[string]string{"url": "a"})
	waitJob(t, h.gov, running, pool.StatusRunning)

	queued, err := h.gov.SubmitJob(ctx, pool.KindIngest, "c", map[string]string{"url": "b"})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.gov.CancelJob(queued); err != nil {
		t.Fatal(err)
	}
	snap, _ := h.gov.JobStatus(queued)
	if snap.Status != pool.StatusCancelled {
		t.Errorf("Expected cancelled, got %s", snap.Status)
	}
}

func TestCurrentLoadShape(t *testing.T) {
	h := newHarness(t)

	load := h.gov.CurrentLoad()
	if len(load.Pools) != 3 {
		t.Errorf("Expected 3 pools, got %d", len(load.Pools))
	}
	for _, p := range load.Pools {
		if p.Workers <= 0 || p.QueueCap <= 0 {
			t.Errorf("Pool %s missing capacity info: %+v", p.Name, p)
		}
	}
	if load.Cache.Capacity != 64 {
		t.Errorf("Expected cache capacity 64, got %d", load.Cache.Capacity)
	}
}

func TestCacheKeyNormalizes(t *testing.T) {
	a := CacheKey("https://github.com/Org/Repo.git", "overview")
	b := CacheKey("https://github.com/org/repo/", "overview")
	if a != b {
		t.Error("Equivalent repo URLs should produce the same key")
	}
	if len(a) != 32 {
		t.Errorf("Expected 32-char key, got %d", len(a))
	}
}
