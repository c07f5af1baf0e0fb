package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	// Config, when set, adds a check describing the operational settings snapshot.
	Config *ConfigProvider
	Clock  func() time.Time
	Build  BuildInfo
}

type systemService struct {
	healthRepo repositories.HealthRepository
	config     *ConfigProvider
	clock      func() time.Time
	build      BuildInfo
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service behind the health endpoints.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	return &systemService{
		healthRepo: deps.HealthRepository,
		config:     deps.Config,
		clock: func() time.Time {
			return clock().UTC()
		},
		build: build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}

	now := s.clock()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.Version = firstNonEmpty(report.Version, s.build.Version)
	report.CommitSHA = firstNonEmpty(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonEmpty(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}

	checks := maps.Clone(report.Checks)
	if checks == nil {
		checks = map[string]domain.SystemHealthCheck{}
	}
	if s.config != nil {
		checks["settings"] = s.settingsCheck(now)
	}
	report.Checks = checks
	if strings.TrimSpace(report.Status) == "" || s.config != nil {
		report.Status = deriveStatus(checks)
	}
	return report, nil
}

// settingsCheck reports degraded while the restaurant is not taking orders.
func (s *systemService) settingsCheck(now time.Time) domain.SystemHealthCheck {
	settings := s.config.Current()
	check := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		CheckedAt: now,
		Detail:    fmt.Sprintf("loaded %s", settings.LoadedAt.Format(time.RFC3339)),
	}
	if !settings.AcceptingOrders {
		check.Status = domain.HealthStatusDegraded
		check.Detail = "accepting_orders is false"
	}
	return check
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
