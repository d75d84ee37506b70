package health

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker performs one check. The context carries the Probe timeout.
type Checker interface {
	Check(ctx context.Context) Result
}

// Config contains the settings of a Probe
type Config struct {
	// Timeout is the maximum time to wait for one check
	Timeout time.Duration

	// Retries is the number of consecutive failures before the probe
	// reports unhealthy
	Retries int

	// StartPeriod is the grace period after NewProbe during which failures
	// are not counted
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:     2 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

// Status tracks the current health of one probed target
type Status struct {
	// ConsecutiveFailures tracks the number of consecutive failed checks
	ConsecutiveFailures int

	// ConsecutiveSuccesses tracks the number of consecutive successful checks
	ConsecutiveSuccesses int

	// LastCheck is the timestamp of the last health check
	LastCheck time.Time

	// LastResult is the result of the last health check
	LastResult Result

	// Healthy indicates if the target is currently considered healthy
	Healthy bool

	// StartedAt is when probing started
	StartedAt time.Time
}

// NewStatus creates a new Status with default values
func NewStatus() *Status {
	return &Status{
		Healthy:   true, // Assume healthy until proven otherwise
		StartedAt: time.Now(),
	}
}

// Update updates the status based on a new health check result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// InStartPeriod returns true if we're still in the startup grace period
func (s *Status) InStartPeriod(config Config) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < config.StartPeriod
}

// Probe runs a Checker on demand and smooths its results: a target turns
// unhealthy only after Retries consecutive failures.
type Probe struct {
	checker Checker
	config  Config

	mu     sync.Mutex
	status *Status
}

// NewProbe creates a probe for checker
func NewProbe(checker Checker, config Config) *Probe {
	if config.Retries <= 0 {
		config.Retries = 1
	}
	return &Probe{checker: checker, config: config, status: NewStatus()}
}

// Check runs the checker once and returns an error when the target is
// considered unhealthy. Its signature fits a readiness check.
func (p *Probe) Check(ctx context.Context) error {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}
	result := p.checker.Check(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !result.Healthy && p.status.InStartPeriod(p.config) {
		return nil
	}
	p.status.Update(result, p.config)
	if !p.status.Healthy {
		return errors.New(p.status.LastResult.Message)
	}
	return nil
}

// Status returns a copy of the probe's status
func (p *Probe) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.status
}
