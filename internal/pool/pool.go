package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

var (
	// ErrQueueFull means the admission queue is at capacity. The caller gets
	// this immediately; submissions are never silently dropped or parked.
	ErrQueueFull = errors.New("admission queue full")
	// ErrShuttingDown declines submissions while the pool drains.
	ErrShuttingDown = errors.New("pool shutting down")
)

// Pool runs blocking jobs on a fixed set of workers behind a bounded FIFO
// admission queue. One job's failure never terminates its worker or other
// queued work.
type Pool struct {
	name      string
	workers   int
	timeout   time.Duration // wall-clock limit per job
	queue     chan *Job
	active    int32
	submitted atomic.Int64
	started   atomic.Int64
	jobWG     sync.WaitGroup // one unit per admitted, unfinished job
	wg        sync.WaitGroup
	baseCtx   context.Context
	baseStop  context.CancelFunc
	draining  atomic.Bool
	logger    *log.Logger
}

type Load struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int     `json:"active"`
	QueueDepth  int     `json:"queue_depth"`
	QueueCap    int     `json:"queue_cap"`
	Utilization float64 `json:"utilization"`
}

func New(name string, workers, queueDepth int, jobTimeout time.Duration, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}

	ctx, stop := context.WithCancel(context.Background())
	p := &Pool{
		name:     name,
		workers:  workers,
		timeout:  jobTimeout,
		queue:    make(chan *Job, queueDepth),
		baseCtx:  ctx,
		baseStop: stop,
		logger:   logger,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

// Submit admits job into the queue, or rejects it right away.
func (p *Pool) Submit(job *Job) error {
	if p.draining.Load() {
		return ErrShuttingDown
	}

	p.jobWG.Add(1)
	select {
	case p.queue <- job:
		job.setSeq(p.submitted.Add(1))
		return nil
	default:
		p.jobWG.Done()
		return ErrQueueFull
	}
}

// Position reports how many submissions are ahead of a queued job, 1-based.
// Zero means the job is not waiting in this pool's queue.
func (p *Pool) Position(job *Job) int {
	if job.Status() != StatusQueued {
		return 0
	}
	pos := job.seqValue() - p.started.Load()
	if pos < 0 {
		return 0
	}
	return int(pos)
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.baseCtx.Done():
			return
		case job := <-p.queue:
			p.started.Add(1)
			p.run(job)
		}
	}
}

func (p *Pool) run(job *Job) {
	defer p.jobWG.Done()

	ctx := p.baseCtx
	var cancel context.CancelFunc
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if !job.markRunning(cancel) {
		// Cancelled while queued.
		return
	}

	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	result, err := p.invoke(ctx, job)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	job.finish(result, err)

	if err != nil {
		p.logger.Warn("job finished with error", "pool", p.name, "job", job.ID, "err", err)
	} else {
		p.logger.Debug("job finished", "pool", p.name, "job", job.ID)
	}
}

// invoke runs the handler, turning a panic into a job failure instead of a
// dead worker.
func (p *Pool) invoke(ctx context.Context, job *Job) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return job.fn(ctx, job)
}

// Shutdown stops intake, cancels queued-but-unstarted jobs, and waits for
// in-flight jobs until ctx expires, after which they are cancelled too.
func (p *Pool) Shutdown(ctx context.Context) {
	p.draining.Store(true)

	// Flush the queue: anything not yet claimed by a worker is declined.
	for {
		select {
		case job := <-p.queue:
			job.Cancel(ErrShuttingDown)
			p.jobWG.Done()
		default:
			goto drained
		}
	}
drained:

	done := make(chan struct{})
	go func() {
		p.jobWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("shutdown deadline hit, cancelling in-flight jobs", "pool", p.name)
	}

	p.baseStop()
	p.wg.Wait()
}

func (p *Pool) Active() int {
	return int(atomic.LoadInt32(&p.active))
}

func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

// Utilization is occupied workers over total workers, 0.0-1.0.
func (p *Pool) Utilization() float64 {
	return float64(p.Active()) / float64(p.workers)
}

func (p *Pool) Load() Load {
	return Load{
		Name:        p.name,
		Workers:     p.workers,
		Active:      p.Active(),
		QueueDepth:  p.QueueDepth(),
		QueueCap:    cap(p.queue),
		Utilization: p.Utilization(),
	}
}
