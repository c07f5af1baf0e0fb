package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

// SettingsServiceDeps bundles collaborators for the settings service.
type SettingsServiceDeps struct {
	Settings repositories.SettingsRepository
	Config   *ConfigProvider
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type settingsService struct {
	settings repositories.SettingsRepository
	config   *ConfigProvider
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewSettingsService constructs the settings service.
func NewSettingsService(deps SettingsServiceDeps) (SettingsService, error) {
	if deps.Settings == nil {
		return nil, errors.New("settings service: settings repository is required")
	}
	if deps.Config == nil {
		return nil, errors.New("settings service: config provider is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &settingsService{
		settings: deps.Settings,
		config:   deps.Config,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// List returns every known setting, filling unset keys with the effective default.
func (s *settingsService) List(ctx context.Context) ([]domain.SystemSetting, error) {
	stored, err := s.settings.List(ctx)
	if err != nil {
		return nil, mapRepositoryError(err)
	}
	byKey := make(map[string]domain.SystemSetting, len(stored))
	for _, row := range stored {
		byKey[row.Key] = row
	}
	effective := s.config.Current().Values()
	out := make([]domain.SystemSetting, 0, len(effective))
	for key, value := range effective {
		row, ok := byKey[key]
		if !ok {
			row = domain.SystemSetting{Key: key}
		}
		row.Value = value
		out = append(out, row)
	}
	slices.SortFunc(out, func(a, b domain.SystemSetting) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out, nil
}

// Update validates every value, stores them together and reloads the shared snapshot.
func (s *settingsService) Update(ctx context.Context, cmd UpdateSettingsCommand) ([]domain.SystemSetting, error) {
	if cmd.Actor.Role != RoleAdmin {
		return nil, fmt.Errorf("%w: only administrators can change settings", ErrForbidden)
	}
	if len(cmd.Values) == 0 {
		return nil, validationError("at least one setting is required")
	}
	now := s.clock()
	rows := make([]domain.SystemSetting, 0, len(cmd.Values))
	for key, value := range cmd.Values {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := ValidateSetting(key, value); err != nil {
			return nil, err
		}
		rows = append(rows, domain.SystemSetting{Key: key, Value: value, UpdatedBy: cmd.Actor.UserID, UpdatedAt: now})
	}
	slices.SortFunc(rows, func(a, b domain.SystemSetting) int {
		return strings.Compare(a.Key, b.Key)
	})

	if err := s.settings.Upsert(ctx, rows); err != nil {
		return nil, mapRepositoryError(err)
	}
	if err := s.config.Refresh(ctx); err != nil {
		return nil, err
	}
	s.logger(ctx, "settings.updated", map[string]any{
		"keys":  len(rows),
		"actor": cmd.Actor.UserID,
	})
	return s.List(ctx)
}
