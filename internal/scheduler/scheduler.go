package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// JobType represents the periodic jobs the service runs
type JobType int

const (
	JobTypeMaintenance JobType = iota
	JobTypeCollection
)

// String returns the string representation of a JobType
func (j JobType) String() string {
	switch j {
	case JobTypeMaintenance:
		return "maintenance"
	case JobTypeCollection:
		return "collection"
	default:
		return "unknown"
	}
}

// JobFunc is one scheduled unit of work.
type JobFunc func(ctx context.Context) error

// Scheduler runs jobs on cron schedules. A job that is still running when its
// next tick arrives is skipped, and different jobs never overlap.
type Scheduler struct {
	cron     *cron.Cron
	logger   *logrus.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	jobMutex sync.Mutex
	entries  map[JobType]cron.EntryID
}

// NewScheduler creates a new scheduler
func NewScheduler(logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}

	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[JobType]cron.EntryID),
	}
}

// AddJob schedules fn under a standard five-field cron spec or a descriptor
// such as "@daily". An empty spec leaves the job unscheduled.
func (s *Scheduler) AddJob(jobType JobType, spec string, fn JobFunc) error {
	if spec == "" {
		s.logger.WithField("job_type", jobType.String()).Info("Job has no schedule, skipping")
		return nil
	}
	if _, exists := s.entries[jobType]; exists {
		return fmt.Errorf("job %s already scheduled", jobType)
	}

	id, err := s.cron.AddFunc(spec, func() { s.RunJob(jobType, fn) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s job %q: %w", jobType, spec, err)
	}
	s.entries[jobType] = id

	s.logger.WithFields(logrus.Fields{
		"job_type": jobType.String(),
		"schedule": spec,
	}).Info("Scheduled job")
	return nil
}

// RunJob executes fn right away, waiting for any other job to finish first.
func (s *Scheduler) RunJob(jobType JobType, fn JobFunc) {
	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()

	if s.ctx.Err() != nil {
		return
	}

	logger := s.logger.WithField("job_type", jobType.String())
	logger.Info("Starting job")
	if err := fn(s.ctx); err != nil {
		logger.WithError(err).Error("Job failed")
		return
	}
	logger.Info("Job completed successfully")
}

// Scheduled reports whether a job of the given type is registered.
func (s *Scheduler) Scheduled(jobType JobType) bool {
	_, ok := s.entries[jobType]
	return ok
}

// Start begins the scheduled tasks
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
