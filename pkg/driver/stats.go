package driver

import (
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// Stats is the driver's aggregated view of the system.
type Stats struct {
	DriverID string        `json:"driverId"`
	Uptime   time.Duration `json:"uptime"`

	TotalTasks     int `json:"totalTasks"`
	CompletedTasks int `json:"completedTasks"`
	FailedTasks    int `json:"failedTasks"`
	CancelledTasks int `json:"cancelledTasks"`
	RunningTasks   int `json:"runningTasks"`
	QueuedTasks    int `json:"queuedTasks"`

	TotalWorkers   int `json:"totalWorkers"`
	HealthyWorkers int `json:"healthyWorkers"`

	ActiveSessions  int `json:"activeSessions"`
	TotalSessions   int `json:"totalSessions"`
	ExpiredSessions int `json:"expiredSessions"`

	AverageTaskDuration time.Duration `json:"averageTaskDuration"`
	SuccessRate         float64       `json:"successRate"`
	ScheduledTotal      int           `json:"scheduledTotal"`
}

// Stats computes the current snapshot.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		DriverID:        d.cfg.DriverID,
		Uptime:          time.Since(d.startedAt),
		TotalTasks:      len(d.tasks),
		RunningTasks:    len(d.contexts),
		TotalWorkers:    len(d.workers),
		TotalSessions:   d.totalSessions,
		ExpiredSessions: d.expiredSessions,
		ScheduledTotal:  d.scheduler.ScheduledTotal(),
	}

	for _, result := range d.results {
		switch result.Status {
		case types.TaskStatusCompleted:
			s.CompletedTasks++
		case types.TaskStatusFailed:
			s.FailedTasks++
		case types.TaskStatusCancelled:
			s.CancelledTasks++
		}
	}
	s.QueuedTasks = d.scheduler.QueueDepth()

	for _, w := range d.workers {
		if w.Health == nil || w.Health.Healthy {
			s.HealthyWorkers++
		}
	}

	now := time.Now()
	for _, session := range d.sessions {
		if !session.Expired(now) {
			s.ActiveSessions++
		}
	}

	if d.completedCount > 0 {
		s.AverageTaskDuration = d.sumDuration / time.Duration(d.completedCount)
	}
	if terminal := s.CompletedTasks + s.FailedTasks; terminal > 0 {
		s.SuccessRate = float64(s.CompletedTasks) / float64(terminal)
	}
	return s
}
