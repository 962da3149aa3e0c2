// Package scheduler provides cron-based job scheduling for RelayCore.
//
// It drives the recurring jobs of the reliability core: the morning reminder
// dispatch and the end-of-day delivery summary broadcast.
package scheduler

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. Panicking jobs are
// recovered so one bad run never kills the schedule.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using a standard 5-field cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddDailyJob schedules a task to run every day at hour:minute local time.
func (s *Scheduler) AddDailyJob(hour, minute int, task func()) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("invalid daily schedule %02d:%02d", hour, minute)
	}
	return s.AddJob(fmt.Sprintf("%d %d * * *", minute, hour), task)
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
