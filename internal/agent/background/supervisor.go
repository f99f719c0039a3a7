package background

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chative-companion/server/internal/agent/model"
	logx "github.com/chative-companion/server/pkg/logger"
)

const (
	DefaultJobTimeout = 2 * time.Minute

	jobsLaunchedMetric = "chative_background_jobs_launched_total"
	jobsFinishedMetric = "chative_background_jobs_finished_total"
)

// ErrJobPanicked marks a job whose body panicked.
var ErrJobPanicked = errors.New("background job panicked")

// JobFunc is the body of a background job.
type JobFunc func(ctx context.Context, job *model.BackgroundJob) error

// Supervisor runs fire-and-forget jobs detached from the request that
// launched them. Every job ends in a logged terminal state.
type Supervisor struct {
	timeout    time.Duration
	onComplete func(model.BackgroundJob)
	now        func() time.Time

	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[uuid.UUID]*model.BackgroundJob

	launched metric.Int64Counter
	finished metric.Int64Counter
}

type Option func(*Supervisor)

func WithJobTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithCompletion registers a callback invoked with a snapshot of every finished job.
func WithCompletion(fn func(model.BackgroundJob)) Option {
	return func(s *Supervisor) { s.onComplete = fn }
}

func WithMeter(meter metric.Meter) Option {
	return func(s *Supervisor) {
		if meter == nil {
			return
		}
		var err error
		if s.launched, err = meter.Int64Counter(jobsLaunchedMetric,
			metric.WithDescription("Background jobs launched by kind"),
			metric.WithUnit("1"),
		); err != nil {
			logx.Warn().Err(err).Str("metric", jobsLaunchedMetric).Msg("failed to create job counter")
		}
		if s.finished, err = meter.Int64Counter(jobsFinishedMetric,
			metric.WithDescription("Background jobs finished by kind and status"),
			metric.WithUnit("1"),
		); err != nil {
			logx.Warn().Err(err).Str("metric", jobsFinishedMetric).Msg("failed to create job counter")
		}
	}
}

func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		timeout: DefaultJobTimeout,
		now:     time.Now,
		active:  map[uuid.UUID]*model.BackgroundJob{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Launch starts fn in its own goroutine and returns immediately. The job
// outlives ctx's cancellation but keeps its values, and is bounded by the
// supervisor's job timeout. The job must not be touched by the caller until
// it completes.
func (s *Supervisor) Launch(ctx context.Context, job *model.BackgroundJob, fn JobFunc) {
	if job == nil || fn == nil {
		return
	}
	s.mu.Lock()
	job.Status = model.JobRunning
	job.AttemptCount++
	s.active[job.ID] = job
	s.mu.Unlock()

	if s.launched != nil {
		s.launched.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(job.Kind))))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		started := s.now()
		err := s.run(jobCtx, job, fn)
		s.finish(jobCtx, job, err, s.now().Sub(started))
	}()
}

func (s *Supervisor) run(ctx context.Context, job *model.BackgroundJob, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error().
				Str("job_id", job.ID.String()).
				Int64("user_id", job.UserID).
				Bytes("stack", debug.Stack()).
				Msgf("background job panic: %v", r)
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return fn(ctx, job)
}

func (s *Supervisor) finish(ctx context.Context, job *model.BackgroundJob, err error, took time.Duration) {
	s.mu.Lock()
	job.FinishedAt = s.now()
	job.Err = err
	if err != nil {
		job.Status = model.JobFailed
	} else {
		job.Status = model.JobSucceeded
	}
	delete(s.active, job.ID)
	snapshot := *job
	s.mu.Unlock()

	if err != nil {
		logx.Error().
			Err(err).
			Str("job_id", job.ID.String()).
			Int64("user_id", job.UserID).
			Str("kind", string(job.Kind)).
			Str("status", string(snapshot.Status)).
			Int("attempt", snapshot.AttemptCount).
			Dur("took", took).
			Msg("background job failed")
	} else {
		logx.Info().
			Str("job_id", job.ID.String()).
			Int64("user_id", job.UserID).
			Str("kind", string(job.Kind)).
			Str("status", string(snapshot.Status)).
			Dur("took", took).
			Msg("background job finished")
	}

	if s.finished != nil {
		s.finished.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
			attribute.String("kind", string(job.Kind)),
			attribute.String("status", string(snapshot.Status)),
		))
	}
	if s.onComplete != nil {
		s.notify(snapshot)
	}
}

func (s *Supervisor) notify(job model.BackgroundJob) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("job_id", job.ID.String()).Msgf("job completion callback panic: %v", r)
		}
	}()
	s.onComplete(job)
}

// Status reports the state of a job still tracked by the supervisor.
func (s *Supervisor) Status(id uuid.UUID) (model.JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.active[id]
	if !ok {
		return "", false
	}
	return job.Status, true
}

// Active returns the number of jobs still running.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Wait blocks until every launched job has finished.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Shutdown waits for running jobs until ctx is done.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background jobs still running: %d: %w", s.Active(), ctx.Err())
	}
}
