package session

import "sync/atomic"

// Metrics tracks leaser performance counters.
type Metrics struct {
	SessionsCreated    atomic.Int64
	SessionsDestroyed  atomic.Int64
	SessionsParked     atomic.Int64
	LeasesAcquired     atomic.Int64
	LeasesReleased     atomic.Int64
	ActiveLeases       atomic.Int64
	CredentialsEvicted atomic.Int64
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot returns a point-in-time copy of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		SessionsCreated:    m.SessionsCreated.Load(),
		SessionsDestroyed:  m.SessionsDestroyed.Load(),
		SessionsParked:     m.SessionsParked.Load(),
		LeasesAcquired:     m.LeasesAcquired.Load(),
		LeasesReleased:     m.LeasesReleased.Load(),
		ActiveLeases:       m.ActiveLeases.Load(),
		CredentialsEvicted: m.CredentialsEvicted.Load(),
	}
}

// MetricsSnapshot is a point-in-time copy of leaser metrics.
type MetricsSnapshot struct {
	SessionsCreated    int64 `json:"sessions_created"`
	SessionsDestroyed  int64 `json:"sessions_destroyed"`
	SessionsParked     int64 `json:"sessions_parked"`
	LeasesAcquired     int64 `json:"leases_acquired"`
	LeasesReleased     int64 `json:"leases_released"`
	ActiveLeases       int64 `json:"active_leases"`
	CredentialsEvicted int64 `json:"credentials_evicted"`
}
