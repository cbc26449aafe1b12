package fiber

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Runner resumes a single fiber until it suspends or completes. The
// dispatch loop (package vm) implements Runner; this package never calls
// into vm directly, avoiding an import cycle.
type Runner interface {
	Run(f *Fiber)
}

// Scheduler runs Workers OS-thread workers, each a cooperative scheduler
// over a disjoint set of fibers pinned to it for their lifetime.
// golang.org/x/sync/errgroup supervises the worker goroutines so a fatal
// worker error tears the whole scheduler down cleanly, and
// golang.org/x/sync/semaphore bounds how many fibers may be concurrently
// in flight across the scheduler.
type Scheduler struct {
	runner  Runner
	workers []*worker
	sem     *semaphore.Weighted

	mu   sync.Mutex
	next int // round-robin cursor for pinning new fibers to a worker
}

type worker struct {
	id    int
	queue chan *Fiber
	done  chan struct{}
}

// Stats is a point-in-time, YAML-serializable snapshot of scheduler
// occupancy for the inspector CLI command; it is purely
// observational and never consulted by dispatch.
type Stats struct {
	Workers      int            `yaml:"workers"`
	QueueDepths  []int          `yaml:"queue_depths"`
	FibersByState map[string]int `yaml:"fibers_by_state"`
}

// NewScheduler constructs a scheduler with the given worker count and
// maximum concurrently in-flight fibers.
func NewScheduler(runner Runner, workers, maxInFlight int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		runner: runner,
		sem:    semaphore.NewWeighted(int64(maxInFlight)),
	}
	for i := 0; i < workers; i++ {
		s.workers = append(s.workers, &worker{id: i, queue: make(chan *Fiber, 64), done: make(chan struct{})})
	}
	return s
}

// Run drives every worker until ctx is cancelled or a worker returns a
// fatal error, at which point errgroup cancels the remaining workers'
// context and Run returns that first error.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		w := w
		g.Go(func() error { return s.runWorker(gctx, w) })
	}
	return g.Wait()
}

func (s *Scheduler) runWorker(ctx context.Context, w *worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d panicked: %v", w.id, r)
		}
		close(w.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-w.queue:
			if !ok {
				return nil
			}
			f.WorkerID = w.id
			f.Resume()
			s.runner.Run(f)
			if f.State == StateDone {
				s.sem.Release(1)
			}
		}
	}
}

// Spawn pins f to a worker (round-robin, for the fiber's lifetime — a
// fiber never migrates once assigned) and enqueues it for its first
// resume. It blocks, respecting ctx, until the semaphore admits one more
// in-flight fiber.
func (s *Scheduler) Spawn(ctx context.Context, f *Fiber) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	s.mu.Lock()
	w := s.workers[s.next%len(s.workers)]
	s.next++
	s.mu.Unlock()
	w.queue <- f
	return nil
}

// Requeue re-enqueues an already-admitted, suspended fiber onto the
// worker it is pinned to (never round-robins it elsewhere — a fiber
// never migrates once assigned). Unlike Spawn it does not touch the
// admission semaphore, since f is not released from in-flight accounting
// while merely suspended (see runWorker).
func (s *Scheduler) Requeue(f *Fiber) {
	s.workers[f.WorkerID].queue <- f
}

// Close stops accepting new fibers on every worker queue.
func (s *Scheduler) Close() {
	for _, w := range s.workers {
		close(w.queue)
	}
}

// StatsOf renders an occupancy snapshot across the given fibers (the
// scheduler itself does not retain fiber references past dispatch, so the
// caller — typically the engine — supplies the live set it tracks).
func (s *Scheduler) StatsOf(fibers []*Fiber) Stats {
	byState := map[string]int{}
	for _, f := range fibers {
		byState[f.State.String()]++
	}
	depths := make([]int, len(s.workers))
	for i, w := range s.workers {
		depths[i] = len(w.queue)
	}
	return Stats{Workers: len(s.workers), QueueDepths: depths, FibersByState: byState}
}
