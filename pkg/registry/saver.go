package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/statorio/stator/pkg/core"
)

// ErrBackpressure is returned when the save queue is full. The caller
// falls back to a synchronous save.
var ErrBackpressure = errors.New("save queue is full")

// saveJob is one persistence attempt. onSuccess runs after the save lands
// (possibly after retries); the eviction of offline machines is deferred
// until then so state is never dropped unsaved.
type saveJob struct {
	machineID string
	attempt   func(ctx context.Context) error
	onSuccess func()
}

// saver runs saves on a bounded worker pool and retries failures with
// exponential backoff. A failed attempt logs a warning; an exhausted
// retry budget is surfaced as an error.
type saver struct {
	logger  core.Logger
	jobs    chan saveJob
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	retries int
	backoff time.Duration

	onRetry func()
	onError func(machineID string, err error)
}

func newSaver(workers, queue, retries int, backoff time.Duration, logger core.Logger, onRetry func(), onError func(string, error)) *saver {
	if workers <= 0 {
		workers = 2
	}
	if queue <= 0 {
		queue = 256
	}
	if retries < 0 {
		retries = 0
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	s := &saver{
		logger:  logger,
		jobs:    make(chan saveJob, queue),
		stop:    make(chan struct{}),
		retries: retries,
		backoff: backoff,
		onRetry: onRetry,
		onError: onError,
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// submit queues a save without blocking the firing path.
func (s *saver) submit(job saveJob) error {
	select {
	case <-s.stop:
		return errors.New("saver stopped")
	default:
	}
	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *saver) worker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.jobs:
			s.run(job)
		case <-s.stop:
			// Drain queued jobs before exiting.
			for {
				select {
				case job := <-s.jobs:
					s.run(job)
				default:
					return
				}
			}
		}
	}
}

// run executes the job with retries. The first failure and every retry
// failure are warnings; only an exhausted budget is an error.
func (s *saver) run(job saveJob) {
	ctx := context.Background()
	err := job.attempt(ctx)
	if err == nil {
		if job.onSuccess != nil {
			job.onSuccess()
		}
		return
	}
	s.logger.Warnf("save failed for machine %s: %v", job.machineID, err)

	delay := s.backoff
	for i := 0; i < s.retries; i++ {
		time.Sleep(delay)
		delay *= 2
		if s.onRetry != nil {
			s.onRetry()
		}
		if err = job.attempt(ctx); err == nil {
			if job.onSuccess != nil {
				job.onSuccess()
			}
			return
		}
		s.logger.Warnf("save retry %d failed for machine %s: %v", i+1, job.machineID, err)
	}

	s.logger.Errorf("save exhausted %d retries for machine %s: %v", s.retries, job.machineID, err)
	if s.onError != nil {
		s.onError(job.machineID, err)
	}
}

// drain stops intake and waits for queued jobs to finish, up to the
// timeout.
func (s *saver) drain(timeout time.Duration) bool {
	s.once.Do(func() { close(s.stop) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
