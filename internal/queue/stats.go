package queue

import (
	"context"
	"time"

	"kwenrich/internal/jobs"
)

// Health summarises queue condition.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// Stats is a point-in-time view of the queue.
type Stats struct {
	Counts          map[jobs.Status]int64 `json:"counts"`
	InFlight        int64                 `json:"inFlight"`
	Capacity        int                   `json:"capacity"`
	CompletedLastHr int64                 `json:"completedLastHour"`
	FailedLastHr    int64                 `json:"failedLastHour"`
	ThroughputPerHr float64               `json:"throughputPerHour"`
	AvgProcessingMs int64                 `json:"avgProcessingMs"`
	FailureRate     float64               `json:"failureRate"`
	Health          Health                `json:"health"`
	Paused          bool                  `json:"paused"`
}

// Stats counts jobs per status and derives throughput and health from the
// last hour of finished jobs.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	for _, s := range jobs.AllStatuses {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}

	sum, err := q.repo.ProcessingSummary(ctx, q.now().UTC().Add(-time.Hour))
	if err != nil {
		return Stats{}, err
	}

	st := Stats{
		Counts:          counts,
		InFlight:        inFlight(counts),
		Capacity:        q.cfg.MaxQueueSize,
		CompletedLastHr: sum.Completed,
		FailedLastHr:    sum.Failed,
		ThroughputPerHr: float64(sum.Completed),
		AvgProcessingMs: sum.AvgDuration.Milliseconds(),
		Paused:          q.Paused(),
	}
	if finished := sum.Completed + sum.Failed; finished > 0 {
		st.FailureRate = float64(sum.Failed) / float64(finished)
	}
	st.Health = health(st)
	return st, nil
}

func health(st Stats) Health {
	var occupancy float64
	if st.Capacity > 0 {
		occupancy = float64(st.InFlight) / float64(st.Capacity)
	}
	switch {
	case occupancy >= 0.9 || st.FailureRate >= 0.5:
		return HealthCritical
	case occupancy >= 0.7 || st.FailureRate >= 0.2 || st.Paused:
		return HealthDegraded
	}
	return HealthHealthy
}
