// Package health is a small registry of named liveness checks (as
// wired by cmd/gateway serve: the Postgres parcel store's ping and the
// gateway's registration status). Each check's last result is cached
// briefly so a load balancer hammering /health doesn't re-run every
// check on every poll.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaynet/gateway-core/internal/logger"
)

// Status is one check's (or the system's) outcome.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one check's most recent outcome.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Check is a single named liveness probe.
type Check func(ctx context.Context) error

// Checker manages a set of named checks and caches their results.
type Checker struct {
	checks   map[string]Check
	timeout  time.Duration
	mu       sync.RWMutex
	log      logger.Logger
	cacheTTL time.Duration
	cache    map[string]*cachedResult
}

type cachedResult struct {
	result    *CheckResult
	expiresAt time.Time
}

// NewChecker builds a Checker. A zero timeout defaults to 5s.
func NewChecker(timeout time.Duration, log logger.Logger) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.GetDefaultLogger()
	}
	return &Checker{
		checks:   make(map[string]Check),
		timeout:  timeout,
		log:      log,
		cacheTTL: 10 * time.Second,
		cache:    make(map[string]*cachedResult),
	}
}

// Register adds or replaces a named check.
func (h *Checker) Register(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs one named check, using the cached result if it's still
// fresh.
func (h *Checker) Check(ctx context.Context, name string) (*CheckResult, error) {
	h.mu.RLock()
	check, exists := h.checks[name]
	h.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("health check not found: %s", name)
	}

	if cached := h.getCachedResult(name); cached != nil {
		return cached, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := check(checkCtx)
	duration := time.Since(start)

	result := &CheckResult{Name: name, Timestamp: time.Now(), Duration: duration}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
		h.log.Warn("health check failed", logger.String("name", name), logger.Error(err), logger.Duration("duration", duration))
	} else {
		result.Status = StatusHealthy
	}

	h.cacheResult(name, result)
	return result, nil
}

func (h *Checker) getCachedResult(name string) *CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if cached, ok := h.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		return cached.result
	}
	return nil
}

func (h *Checker) cacheResult(name string, result *CheckResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache[name] = &cachedResult{result: result, expiresAt: time.Now().Add(h.cacheTTL)}
}

// CheckAll runs every registered check concurrently.
func (h *Checker) CheckAll(ctx context.Context) map[string]*CheckResult {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()

	results := make(map[string]*CheckResult)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			result, err := h.Check(ctx, name)
			if err != nil {
				result = &CheckResult{Name: name, Status: StatusUnhealthy, Message: err.Error(), Timestamp: time.Now()}
			}
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// SystemHealth is the aggregate response served at /health.
type SystemHealth struct {
	Status    Status                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckResult `json:"checks"`
}

// GetSystemHealth runs every check and rolls the worst individual
// status up into the overall one.
func (h *Checker) GetSystemHealth(ctx context.Context) *SystemHealth {
	checks := h.CheckAll(ctx)

	status := StatusHealthy
	for _, result := range checks {
		if result.Status == StatusUnhealthy {
			status = StatusUnhealthy
			break
		}
		if result.Status == StatusDegraded {
			status = StatusDegraded
		}
	}

	return &SystemHealth{Status: status, Timestamp: time.Now(), Checks: checks}
}

// DatabaseCheck builds a Check from a Postgres ping function.
func DatabaseCheck(ping func(context.Context) error) Check {
	return func(ctx context.Context) error {
		return ping(ctx)
	}
}

// ServiceCheck builds a Check for an external service's reachability,
// e.g. the registered public gateway.
func ServiceCheck(addr string, probe func(context.Context, string) error) Check {
	return func(ctx context.Context) error {
		return probe(ctx, addr)
	}
}
