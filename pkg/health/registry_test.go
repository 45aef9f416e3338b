package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func healthyResult(name string) CheckResult {
	return CheckResult{
		Name:      name,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
	}
}

func unhealthyResult(name string, err error) CheckResult {
	return CheckResult{
		Name:      name,
		Status:    StatusUnhealthy,
		Error:     err.Error(),
		Timestamp: time.Now(),
	}
}

func TestRegistryCheckAllHealthy(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterFunc("queue", func(ctx context.Context) CheckResult {
		return healthyResult("queue")
	})
	registry.RegisterFunc("locks", func(ctx context.Context) CheckResult {
		return healthyResult("locks")
	})

	result := registry.Check(context.Background())
	if !result.IsHealthy() {
		t.Errorf("expected healthy aggregate, got %v", result.Status)
	}
	if len(result.Checks) != 2 {
		t.Errorf("expected 2 check results, got %d", len(result.Checks))
	}
}

func TestRegistryCheckOneFailureMakesAggregateUnhealthy(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterFunc("queue", func(ctx context.Context) CheckResult {
		return healthyResult("queue")
	})
	registry.RegisterFunc("locks", func(ctx context.Context) CheckResult {
		return unhealthyResult("locks", errors.New("connection refused"))
	})

	result := registry.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy aggregate, got %v", result.Status)
	}
}

func TestRegistryDegradedDoesNotMaskUnhealthy(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterFunc("a", func(ctx context.Context) CheckResult {
		return CheckResult{Name: "a", Status: StatusUnhealthy}
	})
	registry.RegisterFunc("b", func(ctx context.Context) CheckResult {
		return CheckResult{Name: "b", Status: StatusDegraded}
	})

	result := registry.Check(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy aggregate, got %v", result.Status)
	}
}

func TestRegistryCheckOne(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterFunc("queue", func(ctx context.Context) CheckResult {
		return healthyResult("queue")
	})

	result, err := registry.CheckOne(context.Background(), "queue")
	if err != nil {
		t.Fatalf("CheckOne returned error: %v", err)
	}
	if result.Status != StatusHealthy {
		t.Errorf("expected healthy, got %v", result.Status)
	}

	if _, err := registry.CheckOne(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown check name")
	}
}

func TestRegistryUnregister(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterFunc("queue", func(ctx context.Context) CheckResult {
		return healthyResult("queue")
	})
	registry.Unregister("queue")

	if names := registry.List(); len(names) != 0 {
		t.Errorf("expected empty registry, got %v", names)
	}
}
