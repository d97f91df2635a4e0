package timescheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirdeggen/p2m/internal/core/ports"
)

type service struct {
	scheduler *gocron.Scheduler
}

func NewScheduler() ports.SchedulerService {
	svc := gocron.NewScheduler(time.UTC)
	return &service{svc}
}

func (s *service) Start() {
	s.scheduler.StartAsync()
}

func (s *service) Stop() {
	s.scheduler.Stop()
	s.scheduler.Clear()
}

// ScheduleTaskOnce runs task once at the given time, or right away if the
// time is already past.
func (s *service) ScheduleTaskOnce(at time.Time, task func()) error {
	delay := time.Until(at)
	if delay <= 0 {
		go task()
		return nil
	}

	if _, err := s.scheduler.Every(delay).WaitForSchedule().LimitRunsTo(1).Do(task); err != nil {
		return fmt.Errorf("failed to schedule task: %w", err)
	}
	return nil
}

func (s *service) ScheduleEvery(interval time.Duration, task func()) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s", interval)
	}
	// a slow task must not overlap with its next run
	if _, err := s.scheduler.Every(interval).SingletonMode().Do(task); err != nil {
		return fmt.Errorf("failed to schedule task: %w", err)
	}
	return nil
}
