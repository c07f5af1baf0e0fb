package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/Antinna/HTTP-3/internal/domain"
)

func fixedClock() func() time.Time {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestProbeHealthRepositoryAllHealthy(t *testing.T) {
	probes := []Probe{
		{Name: "postgres", Critical: true, Check: func(context.Context) error { return nil }},
		{Name: "rabbitmq", Check: func(context.Context) error { return nil }},
	}
	repo, err := NewProbeHealthRepository(probes, WithProbeClock(fixedClock()))
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	if report.GeneratedAt != fixedClock()() {
		t.Fatalf("unexpected generatedAt %s", report.GeneratedAt)
	}
}

func TestProbeHealthRepositoryNonCriticalFailureDegrades(t *testing.T) {
	probes := []Probe{
		{Name: "postgres", Critical: true, Check: func(context.Context) error { return nil }},
		{Name: "pubsub", Check: func(context.Context) error { return errors.New("publish failed") }},
	}
	repo, err := NewProbeHealthRepository(probes, WithProbeClock(fixedClock()))
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}

	report, _ := repo.Collect(context.Background())
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if got := report.Checks["pubsub"]; got.Error != "publish failed" || got.Status != domain.HealthStatusDegraded {
		t.Fatalf("unexpected pubsub check %+v", got)
	}
}

func TestProbeHealthRepositoryCriticalFailureErrors(t *testing.T) {
	probes := []Probe{
		{Name: "postgres", Critical: true, Check: func(context.Context) error { return errors.New("refused") }},
	}
	repo, err := NewProbeHealthRepository(probes)
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}
	report, _ := repo.Collect(context.Background())
	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected error, got %s", report.Status)
	}
}

func TestProbeHealthRepositoryTimeout(t *testing.T) {
	probes := []Probe{{
		Name:    "firestore",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	repo, err := NewProbeHealthRepository(probes)
	if err != nil {
		t.Fatalf("NewProbeHealthRepository: %v", err)
	}
	report, _ := repo.Collect(context.Background())
	check := report.Checks["firestore"]
	if check.Detail != "timeout" || check.Status != domain.HealthStatusError {
		t.Fatalf("expected timeout error, got %+v", check)
	}
}

func TestNewProbeHealthRepositoryValidates(t *testing.T) {
	if _, err := NewProbeHealthRepository(nil); err == nil {
		t.Fatalf("expected error for empty probe set")
	}
	if _, err := NewProbeHealthRepository([]Probe{{Name: "x"}}); err == nil {
		t.Fatalf("expected error for missing check")
	}
	dup := []Probe{
		{Name: "x", Check: func(context.Context) error { return nil }},
		{Name: "x", Check: func(context.Context) error { return nil }},
	}
	if _, err := NewProbeHealthRepository(dup); err == nil {
		t.Fatalf("expected error for duplicate probe")
	}
}
