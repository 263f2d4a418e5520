package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"time"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// RuntimeStats is the live state the health check reports on
type RuntimeStats struct {
	ActiveStreams  int
	StreamCeiling  int
	ActiveJobs     int
	Methods        int
	CoolingMethods int
	Sessions       int
}

// HealthCheck represents a health check response
type HealthCheck struct {
	Status         HealthStatus     `json:"status"`
	Version        string           `json:"version"`
	Uptime         int64            `json:"uptime"`
	UptimeHuman    string           `json:"uptime_human"`
	ActiveStreams  int              `json:"active_streams"`
	ActiveJobs     int              `json:"active_jobs"`
	Sessions       int              `json:"sessions"`
	MemoryUsageMB  uint64           `json:"memory_usage_mb"`
	DatabaseStatus string           `json:"database_status"`
	Checks         map[string]Check `json:"checks"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Check represents an individual health check
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthChecker performs health checks
type HealthChecker struct {
	version   string
	startTime time.Time
	db        *sql.DB
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string, db *sql.DB) *HealthChecker {
	return &HealthChecker{
		version:   version,
		startTime: time.Now(),
		db:        db,
	}
}

// Check performs all health checks and returns the result
func (h *HealthChecker) Check(stats RuntimeStats) *HealthCheck {
	checks := make(map[string]Check)
	overall := HealthStatusHealthy

	degrade := func(c Check) {
		if c.Status == "unhealthy" {
			overall = HealthStatusUnhealthy
		} else if c.Status == "degraded" && overall == HealthStatusHealthy {
			overall = HealthStatusDegraded
		}
	}

	dbCheck := h.checkDatabase()
	checks["database"] = dbCheck
	degrade(dbCheck)

	memCheck := h.checkMemory()
	checks["memory"] = memCheck
	degrade(memCheck)

	streamCheck := checkStreams(stats)
	checks["streams"] = streamCheck
	degrade(streamCheck)

	methodCheck := checkMethods(stats)
	checks["methods"] = methodCheck
	degrade(methodCheck)

	uptime := time.Since(h.startTime)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	dbStatus := "connected"
	if dbCheck.Status != "healthy" {
		dbStatus = "disconnected"
	}

	return &HealthCheck{
		Status:         overall,
		Version:        h.version,
		Uptime:         int64(uptime.Seconds()),
		UptimeHuman:    formatDuration(uptime),
		ActiveStreams:  stats.ActiveStreams,
		ActiveJobs:     stats.ActiveJobs,
		Sessions:       stats.Sessions,
		MemoryUsageMB:  m.Alloc / 1024 / 1024,
		DatabaseStatus: dbStatus,
		Checks:         checks,
		Timestamp:      time.Now(),
	}
}

// checkDatabase checks database connectivity
func (h *HealthChecker) checkDatabase() Check {
	if h.db == nil {
		return Check{Status: "unhealthy", Message: "Database connection not initialized"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		return Check{Status: "unhealthy", Message: "Database ping failed: " + err.Error()}
	}
	return Check{Status: "healthy", Message: "Database connection is healthy"}
}

// checkMemory checks memory usage
func (h *HealthChecker) checkMemory() Check {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryMB := m.Alloc / 1024 / 1024

	const (
		warningThresholdMB  = 500
		criticalThresholdMB = 1000
	)

	if memoryMB > criticalThresholdMB {
		return Check{Status: "unhealthy", Message: "Memory usage is critically high"}
	}
	if memoryMB > warningThresholdMB {
		return Check{Status: "degraded", Message: "Memory usage is elevated"}
	}
	return Check{Status: "healthy", Message: "Memory usage is normal"}
}

// checkStreams reports a saturated stream ceiling as degraded
func checkStreams(stats RuntimeStats) Check {
	if stats.StreamCeiling > 0 && stats.ActiveStreams >= stats.StreamCeiling {
		return Check{
			Status:  "degraded",
			Message: fmt.Sprintf("All %d stream slots in use", stats.StreamCeiling),
		}
	}
	return Check{Status: "healthy", Message: fmt.Sprintf("%d of %d stream slots in use", stats.ActiveStreams, stats.StreamCeiling)}
}

// checkMethods reports degraded when every known acquisition method is cooling down
func checkMethods(stats RuntimeStats) Check {
	if stats.Methods > 0 && stats.CoolingMethods >= stats.Methods {
		return Check{Status: "degraded", Message: "All acquisition methods are cooling down"}
	}
	if stats.CoolingMethods > 0 {
		return Check{Status: "healthy", Message: fmt.Sprintf("%d acquisition methods cooling down", stats.CoolingMethods)}
	}
	return Check{Status: "healthy"}
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
