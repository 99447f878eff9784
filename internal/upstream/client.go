package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"repolm/internal/breaker"
)

// Request describes one call to the generation/TTS dependency.
type Request struct {
	Target string // logical upstream: "llm", "tts"
	Kind   string // overview, podcast, slides, chat, audio
	Prompt string
	Input  string
}

type Response struct {
	Content []byte
}

// Part is one partial response from a streamed invocation.
type Part struct {
	Content []byte
}

// Invoker is the raw blocking dependency. Implementations talk to the actual
// model API; tests script one.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
	InvokeStream(ctx context.Context, req Request, emit func(Part) error) error
}

// TransientError marks a failure worth retrying (throttling, 5xx, timeouts).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

type Config struct {
	CallTimeout time.Duration
	MaxQPS      float64
	Burst       int
	RetryDelays []time.Duration
}

func DefaultConfig() Config {
	return Config{
		CallTimeout: 120 * time.Second,
		MaxQPS:      10,
		Burst:       20,
		RetryDelays: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
	}
}

// Client wraps an Invoker with per-target circuit breakers, global outbound
// pacing, a per-call timeout, and retry on transient failures. Retrying stops
// the moment the breaker opens, so a down dependency never absorbs a retry
// storm on top of its troubles.
type Client struct {
	invoker  Invoker
	breakers *breaker.Registry
	pace     *rate.Limiter
	cfg      Config
	logger   *log.Logger
}

func NewClient(invoker Invoker, breakers *breaker.Registry, cfg Config, logger *log.Logger) *Client {
	if cfg.MaxQPS <= 0 {
		cfg.MaxQPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		invoker:  invoker,
		breakers: breakers,
		pace:     rate.NewLimiter(rate.Limit(cfg.MaxQPS), cfg.Burst),
		cfg:      cfg,
		logger:   logger,
	}
}

// Invoke performs one call, retrying transient failures per the delay ladder.
func (c *Client) Invoke(ctx context.Context, req Request) (Response, error) {
	var resp Response
	err := c.call(ctx, req, func(callCtx context.Context) error {
		var err error
		resp, err = c.invoker.Invoke(callCtx, req)
		return err
	}, nil)
	return resp, err
}

// InvokeStream performs one streamed call. Parts go to emit in order; emit
// returning an error aborts the stream. A failure after the first part was
// delivered is not retried: a fresh attempt would replay parts the consumer
// already has.
func (c *Client) InvokeStream(ctx context.Context, req Request, emit func(Part) error) error {
	emitted := false
	return c.call(ctx, req, func(callCtx context.Context) error {
		return c.invoker.InvokeStream(callCtx, req, func(part Part) error {
			emitted = true
			return emit(part)
		})
	}, func() bool { return emitted })
}

// call runs fn under the target's breaker with pacing, timeout and retries.
// delivered, when non-nil, reports whether output already reached the caller,
// which makes the attempt unrepeatable.
func (c *Client) call(ctx context.Context, req Request, fn func(context.Context) error, delivered func() bool) error {
	br := c.breakers.Get(req.Target)

	for attempt := 0; ; attempt++ {
		if err := c.pace.Wait(ctx); err != nil {
			return err
		}

		err := br.Call(func() error {
			callCtx := ctx
			if c.cfg.CallTimeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
				defer cancel()
			}
			return fn(callCtx)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return err
		}
		if !IsTransient(err) || attempt >= len(c.cfg.RetryDelays) {
			return err
		}
		if delivered != nil && delivered() {
			return err
		}

		delay := c.cfg.RetryDelays[attempt]
		c.logger.Warn("upstream call failed, retrying",
			"target", req.Target, "attempt", attempt+1, "delay", delay, "err", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
