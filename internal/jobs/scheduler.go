package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Job interface that all scheduled jobs must implement
type Job interface {
	Run(ctx context.Context) error
}

// JobScheduler runs registered jobs at fixed intervals on a gocron scheduler
type JobScheduler struct {
	scheduler gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc

	mu   sync.Mutex
	jobs map[string]registeredJob
}

type registeredJob struct {
	job      Job
	interval time.Duration
	cronExpr string
	handle   gocron.Job
}

// JobStatus represents the status of a job
type JobStatus struct {
	Name        string        `json:"name"`
	Interval    time.Duration `json:"interval,omitempty"`
	Cron        string        `json:"cron,omitempty"`
	NextRunTime time.Time     `json:"next_run_time"`
}

// NewJobScheduler creates a new job scheduler
func NewJobScheduler() (*JobScheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &JobScheduler{
		scheduler: scheduler,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]registeredJob),
	}, nil
}

// Register adds a job that runs every interval. A run that is still going
// when the next one is due delays it rather than overlapping.
func (s *JobScheduler) Register(name string, interval time.Duration, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			s.runJob(name, job)
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", name, err)
	}

	s.jobs[name] = registeredJob{job: job, interval: interval, handle: handle}
	log.Printf("✅ [SCHEDULER] Registered job: %s (every %v)", name, interval)
	return nil
}

// RegisterCron adds a job that runs on a five-field cron schedule (UTC)
func (s *JobScheduler) RegisterCron(name, expr string, job Job) error {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for job %s: %w", expr, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	handle, err := s.scheduler.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(func() {
			s.runJob(name, job)
		}),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", name, err)
	}

	s.jobs[name] = registeredJob{job: job, cronExpr: expr, handle: handle}
	log.Printf("✅ [SCHEDULER] Registered job: %s (cron %q, first run %s)",
		name, expr, schedule.Next(time.Now().UTC()).Format(time.RFC3339))
	return nil
}

// Start begins running all registered jobs
func (s *JobScheduler) Start() {
	s.mu.Lock()
	count := len(s.jobs)
	s.mu.Unlock()

	log.Printf("🚀 [SCHEDULER] Starting job scheduler with %d jobs", count)
	s.scheduler.Start()
}

func (s *JobScheduler) runJob(name string, job Job) {
	log.Printf("▶️  [SCHEDULER] Running job: %s", name)
	startTime := time.Now()

	if err := job.Run(s.ctx); err != nil {
		log.Printf("❌ [SCHEDULER] Job '%s' failed: %v", name, err)
		return
	}

	log.Printf("✅ [SCHEDULER] Job '%s' completed in %v", name, time.Since(startTime))
}

// Stop cancels running jobs and shuts the scheduler down
func (s *JobScheduler) Stop() error {
	log.Println("🛑 [SCHEDULER] Stopping job scheduler...")
	s.cancel()
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	log.Println("✅ [SCHEDULER] Job scheduler stopped")
	return nil
}

// RunNow runs a registered job synchronously
func (s *JobScheduler) RunNow(name string) error {
	s.mu.Lock()
	entry, exists := s.jobs[name]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job %q not registered", name)
	}

	log.Printf("🚀 [SCHEDULER] Running job '%s' immediately", name)
	return entry.job.Run(s.ctx)
}

// GetStatus returns the status of all jobs
func (s *JobScheduler) GetStatus() map[string]JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make(map[string]JobStatus, len(s.jobs))
	for name, entry := range s.jobs {
		next, _ := entry.handle.NextRun()
		status[name] = JobStatus{
			Name:        name,
			Interval:    entry.interval,
			Cron:        entry.cronExpr,
			NextRunTime: next,
		}
	}
	return status
}
