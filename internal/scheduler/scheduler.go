// Package scheduler fires cron jobs as synthetic inbound messages, so
// scheduled work flows through the same pipeline as real channels.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/gatehouselabs/gatehouse/internal/bus"
)

// tickInterval is the evaluation cadence; expressions are minute
// resolution.
const tickInterval = time.Minute

// Job is one cron entry. Schedule is a five-field cron expression;
// Message becomes the synthesized inbound text.
type Job struct {
	Name     string
	Schedule string
	Message  string
	Enabled  bool
	UserID   string
}

// Publisher receives the synthesized messages; satisfied by the bus.
type Publisher interface {
	PublishInbound(msg bus.InboundMessage)
}

// Scheduler evaluates jobs once per minute tick and publishes a
// message for each due job, at most once per job per minute.
type Scheduler struct {
	publisher Publisher
	gron      *gronx.Gronx
	now       func() time.Time

	mu      sync.Mutex
	jobs    map[string]Job
	fired   map[string]bool // name|minute dedup
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an empty scheduler publishing into p.
func New(p Publisher) *Scheduler {
	return &Scheduler{
		publisher: p,
		gron:      gronx.New(),
		now:       time.Now,
		jobs:      make(map[string]Job),
		fired:     make(map[string]bool),
	}
}

// AddJob registers or replaces a job. The expression is validated up
// front.
func (s *Scheduler) AddJob(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("scheduler: job name is required")
	}
	if !s.gron.IsValid(job.Schedule) {
		return fmt.Errorf("scheduler: invalid cron expression %q for job %q", job.Schedule, job.Name)
	}
	s.mu.Lock()
	s.jobs[job.Name] = job
	s.mu.Unlock()
	return nil
}

// RemoveJob deletes a job by name.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	delete(s.jobs, name)
	s.mu.Unlock()
}

// Size returns the number of registered jobs.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start begins the minute tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(ctx)
	slog.Info("scheduler.started", "jobs", s.Size())
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	slog.Info("scheduler.stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick evaluates all jobs against the current minute. Exported so
// tests and the tick loop share one code path.
func (s *Scheduler) Tick() {
	minute := s.now().Truncate(time.Minute)

	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		due, err := s.gron.IsDue(job.Schedule, minute)
		if err != nil {
			slog.Warn("scheduler.evaluate_failed", "job", job.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		dedup := job.Name + "|" + minute.Format(time.RFC3339)
		s.mu.Lock()
		already := s.fired[dedup]
		if !already {
			s.fired[dedup] = true
			s.pruneFiredLocked(minute)
		}
		s.mu.Unlock()
		if already {
			continue
		}
		s.fire(job, minute)
	}
}

func (s *Scheduler) fire(job Job, minute time.Time) {
	slog.Info("scheduler.job_fired", "job", job.Name, "minute", minute)
	s.publisher.PublishInbound(bus.InboundMessage{
		ID:        uuid.NewString(),
		ChannelID: "cron:" + job.Name,
		From: bus.Sender{
			ChannelID: "cron:" + job.Name,
			UserID:    job.UserID,
		},
		Text:      job.Message,
		Timestamp: minute,
	})
}

// pruneFiredLocked drops dedup keys older than the previous minute.
func (s *Scheduler) pruneFiredLocked(minute time.Time) {
	if len(s.fired) < 128 {
		return
	}
	cutoff := minute.Add(-tickInterval).Format(time.RFC3339)
	for key := range s.fired {
		if idx := len(key) - len(cutoff); idx > 0 && key[idx:] < cutoff {
			delete(s.fired, key)
		}
	}
}
