package governor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"repolm/internal/breaker"
	"repolm/internal/cache"
	"repolm/internal/ingest"
	"repolm/internal/pool"
	"repolm/internal/ratelimit"
	"repolm/internal/store"
	"repolm/internal/stream"
	"repolm/internal/upstream"
)

var (
	// ErrAdmissionRejected is the base of every admission failure: the caller
	// should back off and retry later.
	ErrAdmissionRejected = errors.New("admission rejected")

	ErrRateLimited    = fmt.Errorf("%w: rate limit exceeded", ErrAdmissionRejected)
	ErrPoolBusy       = fmt.Errorf("%w: pool at capacity", ErrAdmissionRejected)
	ErrShedding       = fmt.Errorf("%w: load shedding active", ErrAdmissionRejected)
	ErrTooManyActive  = fmt.Errorf("%w: too many active jobs", ErrAdmissionRejected)
	ErrTooManyStreams = fmt.Errorf("%w: too many open streams", ErrAdmissionRejected)

	ErrUnknownKind = errors.New("unknown job kind")
	ErrUnknownJob  = errors.New("unknown job")
)

// CacheLoadError distinguishes "the store failed" from "not cached": a miss
// with a broken store must surface, never silently read as absence.
type CacheLoadError struct {
	Key string
	Err error
}

func (e *CacheLoadError) Error() string {
	return fmt.Sprintf("cache load for %s: %v", e.Key, e.Err)
}

func (e *CacheLoadError) Unwrap() error { return e.Err }

// Options carries the knobs the Governor does not own itself.
type Options struct {
	ShedAbove       float64            // pool utilization threshold, 0 disables
	Optional        map[pool.Kind]bool // kinds declined while shedding
	CancelOnAbandon map[pool.Kind]bool // kinds cancelled when their stream is abandoned
	MaxActive       map[pool.Kind]int  // per-caller cap on concurrently active jobs, 0 unlimited
	MaxStreams      int                // per-caller cap on attached streams, 0 unlimited
	ResultTTL       time.Duration      // cache/store TTL for results
	JobRetention    time.Duration      // terminal jobs pruned after this
}

// Governor composes admission control, pools, cache, store, streaming and the
// upstream client into the job surface the HTTP layer calls. It is an
// explicit long-lived object constructed once at startup, never a package
// singleton, so tests build isolated instances.
type Governor struct {
	pools    map[pool.Kind]*pool.Pool
	limiters map[pool.Kind]*ratelimit.Limiter
	breakers *breaker.Registry
	cache    *cache.Cache
	store    store.Store
	bridge   *stream.Bridge
	client   *upstream.Client
	ingester ingest.Ingester
	opts     Options
	logger   *log.Logger

	mu     sync.RWMutex
	jobs   map[string]*pool.Job
	owners map[string]string // jobID -> callerKey

	streamsMu sync.Mutex
	streams   map[string]int // callerKey -> attached stream count

	pruner   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
}

// Load is the utilization signal exposed for load shedding and autoscaling.
type Load struct {
	Pools       []pool.Load     `json:"pools"`
	Breakers    []breaker.Stats `json:"breakers"`
	Cache       cache.Stats     `json:"cache"`
	OpenStreams int             `json:"open_streams"`
	Shedding    bool            `json:"shedding"`
}

func New(
	pools map[pool.Kind]*pool.Pool,
	limiters map[pool.Kind]*ratelimit.Limiter,
	breakers *breaker.Registry,
	c *cache.Cache,
	st store.Store,
	bridge *stream.Bridge,
	client *upstream.Client,
	ingester ingest.Ingester,
	opts Options,
	logger *log.Logger,
) *Governor {
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 7 * 24 * time.Hour
	}
	if opts.JobRetention <= 0 {
		opts.JobRetention = time.Hour
	}

	g := &Governor{
		pools:    pools,
		limiters: limiters,
		breakers: breakers,
		cache:    c,
		store:    st,
		bridge:   bridge,
		client:   client,
		ingester: ingester,
		opts:     opts,
		logger:   logger,
		jobs:     make(map[string]*pool.Job),
		owners:   make(map[string]string),
		streams:  make(map[string]int),
		pruner:   time.NewTicker(time.Minute),
		stopChan: make(chan struct{}),
	}

	go g.pruneLoop()

	return g
}

// SubmitJob admits one unit of blocking work. callerKey identifies the client
// for rate limiting. All admission decisions resolve here, immediately; a
// rejected caller never waits.
func (g *Governor) SubmitJob(ctx context.Context, kind pool.Kind, callerKey string, params map[string]string) (string, error) {
	p, ok := g.pools[kind]
	if !ok {
		return "", ErrUnknownKind
	}

	if lim, ok := g.limiters[kind]; ok && !lim.Allow(callerKey) {
		return "", ErrRateLimited
	}

	if g.Degraded(kind) {
		return "", ErrShedding
	}

	job := pool.NewJob(kind, params, g.handler(kind))

	// Registration and the active-count check share one critical section so
	// a caller bursting submissions cannot slip past its cap.
	g.mu.Lock()
	if max := g.opts.MaxActive[kind]; max > 0 && g.activeLocked(callerKey, kind) >= max {
		g.mu.Unlock()
		return "", ErrTooManyActive
	}
	g.jobs[job.ID] = job
	g.owners[job.ID] = callerKey
	g.mu.Unlock()

	ch := g.bridge.Open(job.ID)

	if err := p.Submit(job); err != nil {
		ch.Cancel()
		g.mu.Lock()
		delete(g.jobs, job.ID)
		delete(g.owners, job.ID)
		g.mu.Unlock()
		g.logger.Info("submission rejected", "kind", kind, "err", err)
		return "", fmt.Errorf("%w: %v", ErrPoolBusy, err)
	}

	g.logger.Info("job admitted", "kind", kind, "job", job.ID)
	return job.ID, nil
}

// activeLocked counts callerKey's non-terminal jobs of kind. Caller holds g.mu.
func (g *Governor) activeLocked(callerKey string, kind pool.Kind) int {
	n := 0
	for id, owner := range g.owners {
		if owner != callerKey {
			continue
		}
		job, ok := g.jobs[id]
		if !ok || job.Kind != kind {
			continue
		}
		if !job.Status().Terminal() {
			n++
		}
	}
	return n
}

// AcquireStream claims one of callerKey's stream slots. Callers must pair it
// with ReleaseStream when the consumer detaches.
func (g *Governor) AcquireStream(callerKey string) error {
	g.streamsMu.Lock()
	defer g.streamsMu.Unlock()

	if g.opts.MaxStreams > 0 && g.streams[callerKey] >= g.opts.MaxStreams {
		return ErrTooManyStreams
	}
	g.streams[callerKey]++
	return nil
}

func (g *Governor) ReleaseStream(callerKey string) {
	g.streamsMu.Lock()
	defer g.streamsMu.Unlock()

	if g.streams[callerKey] <= 1 {
		delete(g.streams, callerKey)
		return
	}
	g.streams[callerKey]--
}

// AttachStream connects a consumer to a job's progress stream.
func (g *Governor) AttachStream(jobID string) (*stream.Channel, error) {
	ch, err := g.bridge.Attach(jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return ch, nil
}

// JobStatus returns a point-in-time snapshot of the job record.
func (g *Governor) JobStatus(jobID string) (pool.Snapshot, error) {
	g.mu.RLock()
	job, ok := g.jobs[jobID]
	g.mu.RUnlock()
	if !ok {
		return pool.Snapshot{}, ErrUnknownJob
	}

	snap := job.Snapshot()
	if snap.Status == pool.StatusQueued {
		if p, ok := g.pools[job.Kind]; ok {
			snap.QueuePosition = p.Position(job)
		}
	}
	return snap, nil
}

// CancelJob requests cancellation and tears down the job's stream.
func (g *Governor) CancelJob(jobID string) error {
	g.mu.RLock()
	job, ok := g.jobs[jobID]
	g.mu.RUnlock()
	if !ok {
		return ErrUnknownJob
	}

	job.Cancel(errors.New("cancelled by caller"))
	if ch, err := g.bridge.Attach(jobID); err == nil {
		ch.Cancel()
	}
	return nil
}

// RetryAfter reports how long callerKey must wait before kind admits again.
func (g *Governor) RetryAfter(kind pool.Kind, callerKey string) time.Duration {
	lim, ok := g.limiters[kind]
	if !ok {
		return 0
	}
	return lim.RetryAfter(callerKey)
}

// CurrentLoad reports per-pool utilization, breaker states and cache
// occupancy so an outer layer can shed optional work or scale.
func (g *Governor) CurrentLoad() Load {
	pools := make([]pool.Load, 0, len(g.pools))
	shedding := false
	for _, p := range g.pools {
		pools = append(pools, p.Load())
	}
	for kind := range g.opts.Optional {
		if g.Degraded(kind) {
			shedding = true
			break
		}
	}

	return Load{
		Pools:       pools,
		Breakers:    g.breakers.Stats(),
		Cache:       g.cache.Stats(),
		OpenStreams: g.bridge.OpenCount(),
		Shedding:    shedding,
	}
}

// Degraded reports whether kind is currently shed. Only kinds marked optional
// are ever declined, and only while some pool runs above the threshold.
func (g *Governor) Degraded(kind pool.Kind) bool {
	if g.opts.ShedAbove <= 0 || !g.opts.Optional[kind] {
		return false
	}
	for _, p := range g.pools {
		if p.Utilization() >= g.opts.ShedAbove {
			return true
		}
	}
	return false
}

// Shutdown drains every pool and stops background loops.
func (g *Governor) Shutdown(ctx context.Context) {
	g.stopOnce.Do(func() {
		g.pruner.Stop()
		close(g.stopChan)
	})

	var wg sync.WaitGroup
	for _, p := range g.pools {
		wg.Add(1)
		go func(p *pool.Pool) {
			defer wg.Done()
			p.Shutdown(ctx)
		}(p)
	}
	wg.Wait()

	g.bridge.Close()
}

func (g *Governor) pruneLoop() {
	for {
		select {
		case <-g.pruner.C:
			g.pruneJobs()
		case <-g.stopChan:
			return
		}
	}
}

// pruneJobs drops terminal job records past the retention window. Results
// live on in the cache and the store.
func (g *Governor) pruneJobs() {
	cutoff := time.Now().Add(-g.opts.JobRetention)

	g.mu.Lock()
	defer g.mu.Unlock()

	for id, job := range g.jobs {
		snap := job.Snapshot()
		if snap.Status.Terminal() && !snap.FinishedAt.IsZero() && snap.FinishedAt.Before(cutoff) {
			delete(g.jobs, id)
			delete(g.owners, id)
		}
	}
}

// CacheKey derives the deterministic key for a generation request.
func CacheKey(parts ...string) string {
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSuffix(strings.TrimRight(strings.TrimSpace(p), "/"), ".git"))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:32]
}

func (g *Governor) handler(kind pool.Kind) pool.Handler {
	switch kind {
	case pool.KindIngest:
		return g.runIngest
	case pool.KindGenerate:
		return g.runGenerate
	case pool.KindAudio:
		return g.runAudio
	default:
		return func(ctx context.Context, job *pool.Job) ([]byte, error) {
			return nil, ErrUnknownKind
		}
	}
}

// emit pushes one chunk to the job's stream. An abandoned stream is fatal
// only for kinds that opt into cancel-on-abandon; everyone else keeps
// working so a re-attaching consumer does not force duplicate work.
func (g *Governor) emit(ctx context.Context, job *pool.Job, ch *stream.Channel, chunk stream.Chunk) error {
	if ch == nil {
		return nil
	}
	err := ch.Push(ctx, chunk)
	if err == nil {
		return nil
	}
	if errors.Is(err, stream.ErrChannelClosed) {
		if g.opts.CancelOnAbandon[job.Kind] {
			return context.Canceled
		}
		return nil
	}
	return err
}

func (g *Governor) channel(job *pool.Job) *stream.Channel {
	ch, err := g.bridge.Attach(job.ID)
	if err != nil {
		return nil
	}
	return ch
}

// lookup is the load-and-populate path: cache first, then the persistent
// store on miss. A store failure becomes CacheLoadError, not a miss.
func (g *Governor) lookup(ctx context.Context, key string) ([]byte, error) {
	if value, ok := g.cache.Get(key); ok {
		return value, nil
	}

	value, err := g.store.LoadEntity(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &CacheLoadError{Key: key, Err: err}
	}

	// Re-populating after a load is idempotent against the store.
	g.cache.Set(key, value, g.opts.ResultTTL)
	return value, nil
}

// persist writes a finished result to the store and cache and records the
// final event.
func (g *Governor) persist(ctx context.Context, job *pool.Job, key string, value []byte) error {
	if err := g.store.SaveEntity(ctx, key, value, g.opts.ResultTTL); err != nil {
		return err
	}
	g.cache.Set(key, value, g.opts.ResultTTL)
	g.store.AppendEvent(ctx, job.ID, "result persisted")
	return nil
}

func (g *Governor) progress(ctx context.Context, job *pool.Job, msg string) {
	job.Progress(msg)
	if err := g.store.AppendEvent(ctx, job.ID, msg); err != nil {
		g.logger.Debug("event append failed", "job", job.ID, "err", err)
	}
}
