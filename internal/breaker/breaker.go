package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without invoking the wrapped call while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// UpstreamError wraps a failure from the protected dependency. It counts
// toward the breaker's failure ratio.
type UpstreamError struct {
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	Window        time.Duration // rolling window for outcome counting
	FailureRatio  float64       // open at or above this ratio
	MinCalls      int           // outcomes required before the ratio applies
	Cooldown      time.Duration // open duration before half-open
	MaxCooldown   time.Duration // backoff cap
	BackoffFactor float64       // cooldown multiplier on reopen
	TrialCalls    int           // calls admitted in half-open
}

func DefaultConfig() Config {
	return Config{
		Window:        60 * time.Second,
		FailureRatio:  0.5,
		MinCalls:      5,
		Cooldown:      60 * time.Second,
		MaxCooldown:   10 * time.Minute,
		BackoffFactor: 2.0,
		TrialCalls:    2,
	}
}

type outcome struct {
	at     time.Time
	failed bool
}

// Breaker guards one logical upstream target. Transitions are driven by the
// failure ratio over a rolling window, never by a single failure.
type Breaker struct {
	mu       sync.Mutex
	target   string
	cfg      Config
	state    State
	outcomes []outcome
	openedAt time.Time
	cooldown time.Duration
	trials   int // trial calls admitted while half-open

	totalCalls  uint64
	totalErrors uint64
	consecFails int
	latencies   []time.Duration // last 100, successes only
}

type Stats struct {
	Target              string  `json:"target"`
	State               string  `json:"state"`
	TotalCalls          uint64  `json:"total_calls"`
	TotalErrors         uint64  `json:"total_errors"`
	ErrorRate           float64 `json:"error_rate"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
}

func New(target string, cfg Config) *Breaker {
	if cfg.TrialCalls <= 0 {
		cfg.TrialCalls = 1
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	return &Breaker{
		target:   target,
		cfg:      cfg,
		state:    Closed,
		cooldown: cfg.Cooldown,
	}
}

// Call invokes fn under the breaker's policy. While open it fails immediately
// with ErrCircuitOpen; failures are wrapped in UpstreamError.
func (b *Breaker) Call(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	start := time.Now()
	err := fn()
	if err != nil {
		b.recordFailure()
		return &UpstreamError{Target: b.target, Err: err}
	}
	b.recordSuccess(time.Since(start))
	return nil
}

// admit decides whether a call may reach the upstream right now.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		b.state = HalfOpen
		b.trials = 0
		fallthrough
	case HalfOpen:
		if b.trials >= b.cfg.TrialCalls {
			return ErrCircuitOpen
		}
		b.trials++
		return nil
	}
	return nil
}

func (b *Breaker) recordSuccess(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.consecFails = 0
	b.latencies = append(b.latencies, latency)
	if len(b.latencies) > 100 {
		b.latencies = b.latencies[len(b.latencies)-100:]
	}

	if b.state == HalfOpen {
		// A trial success closes the breaker and resets counters.
		b.state = Closed
		b.outcomes = nil
		b.cooldown = b.cfg.Cooldown
		return
	}

	b.pushOutcome(outcome{at: time.Now(), failed: false})
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.totalErrors++
	b.consecFails++

	if b.state == HalfOpen {
		// A trial failure reopens with a longer cooldown.
		b.reopenLocked()
		return
	}

	b.pushOutcome(outcome{at: time.Now(), failed: true})

	total, failed := b.windowCountsLocked(time.Now())
	if total >= b.cfg.MinCalls && float64(failed)/float64(total) >= b.cfg.FailureRatio {
		b.state = Open
		b.openedAt = time.Now()
	}
}

func (b *Breaker) reopenLocked() {
	b.state = Open
	b.openedAt = time.Now()
	b.cooldown = time.Duration(float64(b.cooldown) * b.cfg.BackoffFactor)
	if b.cfg.MaxCooldown > 0 && b.cooldown > b.cfg.MaxCooldown {
		b.cooldown = b.cfg.MaxCooldown
	}
}

func (b *Breaker) pushOutcome(o outcome) {
	b.outcomes = append(b.outcomes, o)
	b.pruneLocked(o.at)
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.outcomes) && b.outcomes[i].at.Before(cutoff) {
		i++
	}
	b.outcomes = b.outcomes[i:]
}

func (b *Breaker) windowCountsLocked(now time.Time) (total, failed int) {
	b.pruneLocked(now)
	for _, o := range b.outcomes {
		total++
		if o.failed {
			failed++
		}
	}
	return total, failed
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Surface the pending half-open transition so status reads don't show
	// "open" past the cooldown.
	if b.state == Open && time.Since(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) Stats() Stats {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()

	var avg float64
	if len(b.latencies) > 0 {
		var sum time.Duration
		for _, l := range b.latencies {
			sum += l
		}
		avg = float64(sum.Milliseconds()) / float64(len(b.latencies))
	}

	rate := 0.0
	if b.totalCalls > 0 {
		rate = float64(b.totalErrors) / float64(b.totalCalls)
	}

	return Stats{
		Target:              b.target,
		State:               state.String(),
		TotalCalls:          b.totalCalls,
		TotalErrors:         b.totalErrors,
		ErrorRate:           rate,
		ConsecutiveFailures: b.consecFails,
		AvgLatencyMs:        avg,
	}
}

// Registry holds one breaker per logical upstream target so one failing
// dependency does not trip calls to an unrelated one.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(target string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[target]
	if !ok {
		b = New(target, r.cfg)
		r.breakers[target] = b
	}
	return b
}

func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	targets := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		targets = append(targets, b)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(targets))
	for _, b := range targets {
		out = append(out, b.Stats())
	}
	return out
}
