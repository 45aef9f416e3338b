package health

import (
	"context"
	"fmt"
	"time"
)

// Checkable is an interface for components that support health checks.
// Queue backends, lock providers and stores all implement it.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker creates a health checker for any component that implements Checkable
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a new health checker for an adapter
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &AdapterChecker{
		name:    name,
		adapter: adapter,
		timeout: timeout,
	}
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	duration := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:      c.name,
			Status:    StatusUnhealthy,
			Error:     err.Error(),
			Timestamp: time.Now(),
			Duration:  duration,
		}
	}

	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  duration,
	}
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// PingChecker is a liveness checker that always reports healthy
type PingChecker struct {
	name string
}

// NewPingChecker creates a new ping checker
func NewPingChecker(name string) *PingChecker {
	return &PingChecker{
		name: name,
	}
}

// Check always returns healthy status
func (c *PingChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "Service is alive",
		Timestamp: time.Now(),
		Duration:  0,
	}
}

// Name returns the name of the health check
func (c *PingChecker) Name() string {
	return c.name
}

// CompositeChecker combines multiple checkers into one.
// All sub-checks must pass for the composite check to be healthy.
type CompositeChecker struct {
	name     string
	checkers []Checker
}

// NewCompositeChecker creates a new composite checker
func NewCompositeChecker(name string, checkers ...Checker) *CompositeChecker {
	return &CompositeChecker{
		name:     name,
		checkers: checkers,
	}
}

// Check runs all sub-checks and aggregates the results
func (c *CompositeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status := StatusHealthy
	var errors []string

	for _, checker := range c.checkers {
		result := checker.Check(ctx)

		if result.Status == StatusUnhealthy {
			status = StatusUnhealthy
			if result.Error != "" {
				errors = append(errors, fmt.Sprintf("%s: %s", result.Name, result.Error))
			}
		} else if result.Status == StatusDegraded && status == StatusHealthy {
			status = StatusDegraded
		}
	}

	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}

	if len(errors) > 0 {
		result.Error = fmt.Sprintf("sub-checks failed: %v", errors)
	} else if status == StatusHealthy {
		result.Message = "All sub-checks passed"
	}

	return result
}

// Name returns the name of the health check
func (c *CompositeChecker) Name() string {
	return c.name
}

// NewQueueChecker creates a health checker for a job queue backend
func NewQueueChecker(name string, queue Checkable) *AdapterChecker {
	return NewAdapterChecker(name, queue, 5*time.Second)
}

// NewLockChecker creates a health checker for a distributed lock provider
func NewLockChecker(name string, locks Checkable) *AdapterChecker {
	return NewAdapterChecker(name, locks, 3*time.Second)
}

// NewStoreChecker creates a health checker for a key-value store
func NewStoreChecker(name string, store Checkable) *AdapterChecker {
	return NewAdapterChecker(name, store, 3*time.Second)
}
