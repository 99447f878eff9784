package stream

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrChannelClosed is returned to a producer pushing into a channel the
	// consumer has cancelled or the reaper has torn down.
	ErrChannelClosed = errors.New("stream channel closed")
	// ErrNoChannel is returned when attaching to a job with no open channel.
	ErrNoChannel = errors.New("no stream channel for job")
)

// ChunkKind mirrors the event names on the serving side.
type ChunkKind string

const (
	KindChunk  ChunkKind = "chunk"
	KindCached ChunkKind = "cached"
	KindMeta   ChunkKind = "meta"
	KindDone   ChunkKind = "done"
	KindError  ChunkKind = "error"
)

// Chunk is one unit handed from a blocking producer to the serving loop.
type Chunk struct {
	Kind ChunkKind
	Data []byte
}

// Bridge hands incrementally produced chunks from blocking workers to
// non-blocking consumers. One channel per job, single producer, single
// consumer, FIFO. Channels nobody consumes for longer than the grace period
// are torn down and their buffers discarded.
type Bridge struct {
	mu       sync.Mutex
	channels map[string]*Channel
	bufSize  int
	grace    time.Duration
	reaper   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewBridge(bufSize int, grace time.Duration) *Bridge {
	if bufSize <= 0 {
		bufSize = 1
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	b := &Bridge{
		channels: make(map[string]*Channel),
		bufSize:  bufSize,
		grace:    grace,
		reaper:   time.NewTicker(grace / 2),
		stopChan: make(chan struct{}),
	}

	go b.reapLoop()

	return b
}

// Open creates the channel for jobID, or returns the existing one.
func (b *Bridge) Open(jobID string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channels[jobID]; ok {
		return ch
	}

	ch := &Channel{
		jobID:    jobID,
		bridge:   b,
		buf:      make(chan Chunk, b.bufSize),
		closed:   make(chan struct{}),
		lastRead: time.Now(),
	}
	b.channels[jobID] = ch
	return ch
}

// Attach returns the open channel for jobID and marks it consumed so the
// reaper leaves it alone.
func (b *Bridge) Attach(jobID string) (*Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[jobID]
	if !ok {
		return nil, ErrNoChannel
	}
	ch.touch()
	return ch, nil
}

// OpenCount reports how many channels are live.
func (b *Bridge) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

func (b *Bridge) Close() {
	b.stopOnce.Do(func() {
		b.reaper.Stop()
		close(b.stopChan)
	})

	b.mu.Lock()
	channels := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		ch.Cancel()
	}
}

func (b *Bridge) remove(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, jobID)
}

func (b *Bridge) reapLoop() {
	for {
		select {
		case <-b.reaper.C:
			b.reapIdle()
		case <-b.stopChan:
			return
		}
	}
}

// reapIdle tears down channels with no attached consumer for longer than the
// grace period so abandoned streams cannot buffer forever. A consumer parked
// inside Next counts as attached no matter how long the producer stays quiet.
func (b *Bridge) reapIdle() {
	now := time.Now()

	b.mu.Lock()
	var idle []*Channel
	for _, ch := range b.channels {
		if ch.idle(now, b.grace) {
			idle = append(idle, ch)
		}
	}
	b.mu.Unlock()

	for _, ch := range idle {
		ch.Cancel()
	}
}

// Channel is the per-job handoff pipe.
type Channel struct {
	jobID  string
	bridge *Bridge
	buf    chan Chunk

	mu        sync.Mutex
	lastRead  time.Time
	consumers int  // callers currently parked in Next
	abandoned bool // torn down from the consumer side before the producer finished

	closed    chan struct{}
	closeOnce sync.Once
	err       error // terminal error, set before closed is closed
	done      bool  // producer finished cleanly
}

func (c *Channel) JobID() string { return c.jobID }

// Push hands one chunk to the consumer. A full buffer is the back-pressure
// point: Push blocks until the consumer drains, ctx is cancelled, or the
// channel is closed from the consumer side.
func (c *Channel) Push(ctx context.Context, chunk Chunk) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	select {
	case c.buf <- chunk:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseDone marks the stream complete. Buffered chunks remain readable; the
// consumer then observes a Done chunk.
func (c *Channel) CloseDone() {
	c.close(nil, true)
}

// CloseWithError terminates the stream with err. Buffered chunks are
// discarded so the consumer's next read surfaces the error, not stale output.
func (c *Channel) CloseWithError(err error) {
	c.close(err, false)
	c.drain()
}

// Cancel is the consumer-side teardown. The producer observes it on its next
// Push. Buffered chunks are discarded.
func (c *Channel) Cancel() {
	c.mu.Lock()
	c.abandoned = true
	c.mu.Unlock()

	c.close(ErrChannelClosed, false)
	c.bridge.remove(c.jobID)
	c.drain()
}

// drain empties the buffer so a producer blocked in Push is released promptly.
func (c *Channel) drain() {
	for {
		select {
		case <-c.buf:
		default:
			return
		}
	}
}

// Abandoned reports whether the channel was torn down from the consumer side.
func (c *Channel) Abandoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abandoned
}

// Next suspends the caller until a chunk arrives, the stream terminates, or
// ctx fires. Termination is explicit: a Done chunk for clean close, an error
// otherwise. There is no polling path.
func (c *Channel) Next(ctx context.Context) (Chunk, error) {
	c.attach()
	defer c.detach()

	select {
	case chunk := <-c.buf:
		return chunk, nil
	default:
	}

	select {
	case chunk := <-c.buf:
		return chunk, nil
	case <-c.closed:
		// Drain anything pushed before close won the race.
		select {
		case chunk := <-c.buf:
			return chunk, nil
		default:
		}
		c.mu.Lock()
		err, done := c.err, c.done
		c.mu.Unlock()
		c.bridge.remove(c.jobID)
		if done {
			return Chunk{Kind: KindDone}, nil
		}
		return Chunk{}, err
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// close marks the channel terminated. The bridge entry stays so a consumer
// attaching after a fast producer finished can still drain the buffer; the
// reaper removes it once the grace period passes unconsumed.
func (c *Channel) close(err error, done bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.done = done
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *Channel) touch() {
	c.mu.Lock()
	c.lastRead = time.Now()
	c.mu.Unlock()
}

func (c *Channel) attach() {
	c.mu.Lock()
	c.consumers++
	c.lastRead = time.Now()
	c.mu.Unlock()
}

func (c *Channel) detach() {
	c.mu.Lock()
	c.consumers--
	c.lastRead = time.Now()
	c.mu.Unlock()
}

// idle reports whether no consumer is attached and none has read within the
// grace period.
func (c *Channel) idle(now time.Time, grace time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumers == 0 && now.Sub(c.lastRead) > grace
}
