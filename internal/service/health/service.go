// Package health aggregates component probes behind the liveness and
// readiness endpoints.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/evgrid/stationd/internal/ports"
)

// checkTimeout bounds a single dependency probe so one stuck dependency
// cannot hold the readiness endpoint open.
const checkTimeout = 5 * time.Second

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	Message    string    `json:"message,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse represents the readiness response
type ReadyResponse struct {
	Ready     bool                   `json:"ready"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker probes one dependency.
type Checker func(ctx context.Context) CheckResult

// Service handles health checks
type Service struct {
	startTime time.Time
	version   string
	checkers  map[string]Checker
	log       *zap.Logger
	mu        sync.RWMutex
}

// NewService creates a new health service. Dependency probes are added
// with RegisterChecker as the components come up.
func NewService(version string, log *zap.Logger) *Service {
	return &Service{
		startTime: time.Now(),
		version:   version,
		checkers:  make(map[string]Checker),
		log:       log,
	}
}

// RegisterChecker registers a dependency probe under name.
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
	s.log.Info("Registered health checker", zap.String("name", name))
}

func (s *Service) snapshot() map[string]Checker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, check := range s.checkers {
		checkers[name] = check
	}
	return checkers
}

// Health performs a basic liveness check
func (s *Service) Health(ctx context.Context) *HealthResponse {
	return &HealthResponse{
		Status:    StatusHealthy,
		Version:   s.version,
		Uptime:    time.Since(s.startTime).String(),
		Timestamp: time.Now(),
	}
}

// Ready runs every registered probe concurrently and aggregates the
// worst outcome. Unhealthy flips Ready off; degraded only downgrades
// the status.
func (s *Service) Ready(ctx context.Context) *ReadyResponse {
	checkers := s.snapshot()

	type keyed struct {
		name   string
		result CheckResult
	}
	out := make(chan keyed, len(checkers))
	for name, check := range checkers {
		go func(name string, check Checker) {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			out <- keyed{name: name, result: check(checkCtx)}
		}(name, check)
	}

	resp := &ReadyResponse{
		Ready:     true,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checkers)),
	}
	for range checkers {
		probe := <-out
		resp.Checks[probe.name] = probe.result

		switch probe.result.Status {
		case StatusUnhealthy:
			resp.Ready = false
			resp.Status = StatusUnhealthy
			s.log.Warn("Health check failed",
				zap.String("name", probe.name),
				zap.String("message", probe.result.Message),
			)
		case StatusDegraded:
			if resp.Status != StatusUnhealthy {
				resp.Status = StatusDegraded
			}
		}
	}
	return resp
}

// pingResult folds a ping outcome into a CheckResult.
func pingResult(name string, start time.Time, err error) CheckResult {
	result := CheckResult{
		Name:       name,
		Timestamp:  start,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("ping failed: %v", err)
	} else {
		result.Status = StatusHealthy
		result.Message = "connection ok"
	}
	return result
}

// DatabaseChecker pings the SQL connection behind the gorm handle.
func DatabaseChecker(db *gorm.DB) Checker {
	return func(ctx context.Context) CheckResult {
		start := time.Now()
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		return pingResult("database", start, err)
	}
}

// CacheChecker pings the cache adapter.
func CacheChecker(cache ports.Cache) Checker {
	return func(ctx context.Context) CheckResult {
		start := time.Now()
		return pingResult("cache", start, cache.Ping())
	}
}

// QueueChecker reports the configured broker. The queue adapters keep
// their own reconnect loops, so a configured broker counts as healthy.
func QueueChecker(kind string) Checker {
	return func(ctx context.Context) CheckResult {
		result := CheckResult{
			Name:      "queue",
			Timestamp: time.Now(),
			Status:    StatusHealthy,
		}
		if kind == "" || kind == "none" {
			result.Status = StatusDegraded
			result.Message = "no broker configured"
		} else {
			result.Message = fmt.Sprintf("%s configured", kind)
		}
		return result
	}
}
