package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Antinna/HTTP-3/internal/platform/config"
	"github.com/Antinna/HTTP-3/internal/repositories"
)

// Operational setting keys stored in the settings table.
const (
	SettingTaxPercentage        = "tax_percentage"
	SettingDeliveryFee          = "delivery_fee"
	SettingDeliveryRadiusKM     = "delivery_radius_km"
	SettingMinOrderAmount       = "min_order_amount"
	SettingOpeningTime          = "opening_time"
	SettingClosingTime          = "closing_time"
	SettingAcceptingOrders      = "accepting_orders"
	SettingAvgPrepMinutes       = "avg_prep_minutes"
	SettingRiderSpeedKMH        = "rider_speed_kmh"
	SettingRiderFeeSharePercent = "rider_fee_share_percent"
	SettingDispatchMaxAttempts  = "dispatch_max_attempts"
)

var defaultSettingValues = map[string]string{
	SettingTaxPercentage:        "5",
	SettingDeliveryFee:          "40",
	SettingDeliveryRadiusKM:     "10",
	SettingMinOrderAmount:       "100",
	SettingOpeningTime:          "10:00",
	SettingClosingTime:          "23:00",
	SettingAcceptingOrders:      "true",
	SettingAvgPrepMinutes:       "20",
	SettingRiderSpeedKMH:        "20",
	SettingRiderFeeSharePercent: "100",
	SettingDispatchMaxAttempts:  "10",
}

// Settings is an immutable snapshot of operational configuration.
type Settings struct {
	TaxPercent           decimal.Decimal
	DeliveryFee          decimal.Decimal
	DeliveryRadiusKM     decimal.Decimal
	MinOrderAmount       decimal.Decimal
	OpeningMinute        int
	ClosingMinute        int
	AcceptingOrders      bool
	AvgPrepTime          time.Duration
	RiderSpeedKMH        float64
	RiderFeeSharePercent decimal.Decimal
	DispatchMaxAttempts  int
	LoadedAt             time.Time

	raw map[string]string
}

// Get returns the raw value for key.
func (s *Settings) Get(key string) (string, bool) {
	value, ok := s.raw[key]
	return value, ok
}

// Values returns a copy of every raw value in the snapshot.
func (s *Settings) Values() map[string]string {
	return maps.Clone(s.raw)
}

// IsOpen reports whether t falls within operating hours. A closing time earlier than the opening time spans
// midnight.
func (s *Settings) IsOpen(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	if s.OpeningMinute == s.ClosingMinute {
		return true
	}
	if s.OpeningMinute < s.ClosingMinute {
		return minute >= s.OpeningMinute && minute < s.ClosingMinute
	}
	return minute >= s.OpeningMinute || minute < s.ClosingMinute
}

// ConfigProvider serves a process-wide settings snapshot. Reads never lock; Refresh swaps the snapshot.
type ConfigProvider struct {
	repo     repositories.SettingsRepository
	clock    func() time.Time
	snapshot atomic.Pointer[Settings]
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// ConfigProviderDeps bundles collaborators for the provider.
type ConfigProviderDeps struct {
	Settings repositories.SettingsRepository
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewConfigProvider builds a provider primed with defaults. Call Refresh during startup to load stored values.
func NewConfigProvider(deps ConfigProviderDeps) (*ConfigProvider, error) {
	if deps.Settings == nil {
		return nil, errors.New("config provider: settings repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	p := &ConfigProvider{repo: deps.Settings, clock: clock, logger: logger}
	defaults, _ := parseSettings(nil, clock().UTC())
	p.snapshot.Store(defaults)
	return p, nil
}

// Current returns the active snapshot.
func (p *ConfigProvider) Current() *Settings {
	return p.snapshot.Load()
}

// Get returns the raw value for key from the active snapshot.
func (p *ConfigProvider) Get(key string) (string, bool) {
	return p.Current().Get(key)
}

// Refresh reloads settings from the repository. Unparseable stored values keep their defaults and are logged.
func (p *ConfigProvider) Refresh(ctx context.Context) error {
	rows, err := p.repo.List(ctx)
	if err != nil {
		return mapRepositoryError(err)
	}
	stored := make(map[string]string, len(rows))
	for _, row := range rows {
		stored[row.Key] = row.Value
	}

	settings, invalid := parseSettings(stored, p.clock().UTC())
	for key, parseErr := range invalid {
		p.logger(ctx, "settings.invalid_value", map[string]any{
			"key":   key,
			"error": parseErr.Error(),
		})
	}
	p.snapshot.Store(settings)
	return nil
}

// ValidateSetting checks a single key/value pair before it is stored.
func ValidateSetting(key, value string) error {
	if _, known := defaultSettingValues[key]; !known {
		return validationError("unknown setting %q", key)
	}
	_, invalid := parseSettings(map[string]string{key: value}, time.Time{})
	if err, bad := invalid[key]; bad {
		return validationError("setting %s: %v", key, err)
	}
	return nil
}

func parseSettings(stored map[string]string, loadedAt time.Time) (*Settings, map[string]error) {
	raw := maps.Clone(defaultSettingValues)
	invalid := make(map[string]error)
	for key, value := range stored {
		raw[key] = strings.TrimSpace(value)
	}

	s := &Settings{LoadedAt: loadedAt}

	nonNegativeDecimal := func(key string) decimal.Decimal {
		value, err := decimal.NewFromString(raw[key])
		if err == nil && value.IsNegative() {
			err = errors.New("must not be negative")
		}
		if err != nil {
			invalid[key] = err
			raw[key] = defaultSettingValues[key]
			value = decimal.RequireFromString(defaultSettingValues[key])
		}
		return value
	}
	positiveInt := func(key string) int {
		value, err := strconv.Atoi(raw[key])
		if err == nil && value <= 0 {
			err = errors.New("must be positive")
		}
		if err != nil {
			invalid[key] = err
			raw[key] = defaultSettingValues[key]
			value, _ = strconv.Atoi(defaultSettingValues[key])
		}
		return value
	}
	clockMinute := func(key string) int {
		value, err := parseClock(raw[key])
		if err != nil {
			invalid[key] = err
			raw[key] = defaultSettingValues[key]
			value, _ = parseClock(defaultSettingValues[key])
		}
		return value
	}

	s.TaxPercent = nonNegativeDecimal(SettingTaxPercentage)
	s.DeliveryFee = nonNegativeDecimal(SettingDeliveryFee)
	s.DeliveryRadiusKM = nonNegativeDecimal(SettingDeliveryRadiusKM)
	s.MinOrderAmount = nonNegativeDecimal(SettingMinOrderAmount)
	s.RiderFeeSharePercent = nonNegativeDecimal(SettingRiderFeeSharePercent)
	if s.RiderFeeSharePercent.GreaterThan(hundred) {
		invalid[SettingRiderFeeSharePercent] = errors.New("must not exceed 100")
		raw[SettingRiderFeeSharePercent] = defaultSettingValues[SettingRiderFeeSharePercent]
		s.RiderFeeSharePercent = hundred
	}
	s.OpeningMinute = clockMinute(SettingOpeningTime)
	s.ClosingMinute = clockMinute(SettingClosingTime)
	s.AvgPrepTime = time.Duration(positiveInt(SettingAvgPrepMinutes)) * time.Minute
	s.RiderSpeedKMH = float64(positiveInt(SettingRiderSpeedKMH))
	s.DispatchMaxAttempts = positiveInt(SettingDispatchMaxAttempts)

	accepting, ok := config.ParseBool(raw[SettingAcceptingOrders])
	if !ok {
		invalid[SettingAcceptingOrders] = fmt.Errorf("unrecognised boolean %q", raw[SettingAcceptingOrders])
		raw[SettingAcceptingOrders] = defaultSettingValues[SettingAcceptingOrders]
		accepting = true
	}
	s.AcceptingOrders = accepting

	s.raw = raw
	return s, invalid
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", value)
	}
	return t.Hour()*60 + t.Minute(), nil
}
