package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Service runs a single job on a cron schedule. A tick that fires while the
// previous run is still going is skipped, so runs never overlap.
type Service struct {
	cron    *cron.Cron
	job     cron.Job
	entryID cron.EntryID
	options ServiceOptions
	mu      sync.RWMutex
	state   JobState
	runs    sync.WaitGroup // every execution, whoever started it
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a new scheduler service
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Job == nil {
		return nil, fmt.Errorf("job is required")
	}
	if opts.Name == "" {
		opts.Name = "job"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	sched, loc, err := ParseSchedule(opts.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	adapter := zerologAdapter{logger: log.Logger.With().Str("job", opts.Name).Logger()}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		options: opts,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithParser(parser),
		cron.WithLogger(adapter),
	)
	s.job = cron.NewChain(cron.Recover(adapter)).Then(cron.FuncJob(s.execute))
	s.entryID = s.cron.Schedule(sched, s.job)

	log.Info().
		Str("job", opts.Name).
		Str("expr", opts.Schedule.Expr).
		Str("tz", loc.String()).
		Msg("Scheduler initialized")

	return s, nil
}

// Start begins firing the job on schedule
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("service is stopped")
	}
	if s.started {
		return nil
	}
	s.started = true
	s.cron.Start()

	log.Info().
		Str("job", s.options.Name).
		Time("nextRun", s.cron.Entry(s.entryID).Next).
		Msg("Scheduler started")

	if s.options.RunOnStart {
		go s.job.Run()
	}

	return nil
}

// Stop stops scheduling and cancels the context passed to a running job.
// The returned context is done once every run has returned, including runs
// started by Trigger or RunOnStart.
func (s *Service) Stop() context.Context {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.cancel()
		log.Info().Str("job", s.options.Name).Msg("Scheduler stopped")
	}
	s.mu.Unlock()

	cronDone := s.cron.Stop()
	ctx, done := context.WithCancel(context.Background())
	go func() {
		<-cronDone.Done()
		s.runs.Wait()
		done()
	}()
	return ctx
}

// RunNow runs the job synchronously, unless a run is already in progress.
func (s *Service) RunNow() {
	s.job.Run()
}

// Trigger starts a run in the background. It reports false when the
// service is stopped or a run is already in progress. The slot is taken
// before returning, so a true result always means the run happens.
func (s *Service) Trigger() bool {
	ctx, ok := s.reserve()
	if !ok {
		return false
	}

	log.Info().Str("job", s.options.Name).Msg("Run triggered")
	go s.run(ctx)
	return true
}

// State returns a copy of the job state
func (s *Service) State() JobState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// NextRun returns the next scheduled activation, zero if not started
func (s *Service) NextRun() time.Time {
	s.mu.RLock()
	id := s.entryID
	s.mu.RUnlock()
	return s.cron.Entry(id).Next
}

// Reschedule replaces the schedule. A run in progress is not affected.
func (s *Service) Reschedule(schedule Schedule) error {
	sched, _, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}

	s.mu.Lock()
	s.cron.Remove(s.entryID)
	s.entryID = s.cron.Schedule(sched, s.job)
	s.options.Schedule = schedule
	s.mu.Unlock()

	log.Info().
		Str("job", s.options.Name).
		Str("expr", schedule.Expr).
		Str("tz", schedule.TZ).
		Time("nextRun", s.NextRun()).
		Msg("Job rescheduled")
	return nil
}

// execute is the cron entry point: it runs the job once unless a run is
// already in progress.
func (s *Service) execute() {
	ctx, ok := s.reserve()
	if !ok {
		return
	}
	s.run(ctx)
}

// reserve marks the job running and registers the run with Stop. It fails
// when stopped or already running.
func (s *Service) reserve() (context.Context, bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, false
	}
	if s.state.Running {
		s.mu.Unlock()
		log.Debug().Str("job", s.options.Name).Msg("Job already running, skipping execution")
		s.emit(Event{Action: EventActionSkipped})
		return nil, false
	}
	s.state.Running = true
	s.runs.Add(1)
	ctx := s.ctx
	s.mu.Unlock()
	return ctx, true
}

// run executes a reserved run and updates state
func (s *Service) run(ctx context.Context) {
	defer s.runs.Done()

	start := s.options.Now()
	log.Info().Str("job", s.options.Name).Msg("Executing job")
	s.emit(Event{Action: EventActionStarted})

	err := s.runJob(ctx)
	duration := s.options.Now().Sub(start)

	s.mu.Lock()
	s.state.Running = false
	s.state.Runs++
	s.state.LastRunAt = start
	s.state.LastDuration = duration
	if err != nil {
		s.state.LastStatus = "error"
		s.state.LastError = err.Error()
		s.state.ConsecutiveErrors++

		log.Error().
			Str("job", s.options.Name).
			Err(err).
			Int("consecutiveErrors", s.state.ConsecutiveErrors).
			Msg("Job execution failed")
	} else {
		s.state.LastStatus = "ok"
		s.state.LastError = ""
		s.state.ConsecutiveErrors = 0

		log.Info().
			Str("job", s.options.Name).
			Dur("duration", duration).
			Msg("Job execution completed")
	}
	evt := Event{
		Action:   EventActionFinished,
		Status:   s.state.LastStatus,
		Error:    s.state.LastError,
		Duration: duration,
	}
	s.mu.Unlock()

	evt.NextRun = s.NextRun()
	s.emit(evt)
}

// runJob converts a panic in the job into an error so state is still updated
func (s *Service) runJob(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return s.options.Job(ctx)
}

func (s *Service) emit(evt Event) {
	if s.options.OnEvent != nil {
		s.options.OnEvent(evt)
	}
}
