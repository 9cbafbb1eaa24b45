package recovery

import "time"

// Health is the coarse state derived from recent errors and open breakers.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

const (
	degradedRecentErrors  = 10
	unhealthyRecentErrors = 50
	unhealthyOpenBreakers = 3
)

// Stats aggregates the engine's error history.
type Stats struct {
	TotalErrors     int64              `json:"totalErrors"`
	ByCategory      map[Category]int64 `json:"byCategory"`
	ByOperation     map[string]int64   `json:"byOperation"`
	Recovered       int64              `json:"recovered"`
	Unrecovered     int64              `json:"unrecovered"`
	AvgRecoveryTime time.Duration      `json:"avgRecoveryTimeNs"`
	RecentErrors    int                `json:"recentErrors"`
	OpenBreakers    int                `json:"openBreakers"`
	Health          Health             `json:"health"`
	Breakers        []BreakerState     `json:"breakers"`
}

func healthFor(recentErrors, openBreakers int) Health {
	switch {
	case openBreakers >= unhealthyOpenBreakers || recentErrors >= unhealthyRecentErrors:
		return HealthUnhealthy
	case openBreakers > 0 || recentErrors >= degradedRecentErrors:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}
