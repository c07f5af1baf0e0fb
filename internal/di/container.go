// Package di assembles repositories, gateways and services into the runtime graph used by cmd/api and by
// end-to-end handler tests.
package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/payments"
	"github.com/Antinna/HTTP-3/internal/platform/config"
	"github.com/Antinna/HTTP-3/internal/repositories"
	"github.com/Antinna/HTTP-3/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders    services.OrderService
	Payments  services.PaymentReconciler
	Dispatch  services.DispatchService
	Personnel services.PersonnelService
	Menu      services.MenuService
	Settings  services.SettingsService
	Relay     services.OutboxRelay
	System    services.SystemService
}

// Dependencies are the already-built collaborators the container wires together.
type Dependencies struct {
	Registry repositories.Registry
	// Gateways routes charges and executes queued refunds.
	Gateways *payments.Manager
	// Sink receives every notification the relay delivers; usually a jobs.FanOut.
	Sink   services.NotificationSink
	Health repositories.HealthRepository
	Logger func(ctx context.Context, event string, fields map[string]any)
	Clock  func() time.Time
}

// Container holds the assembled graph.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Settings     *services.ConfigProvider
	Services     Services
}

// NewContainer builds every service and loads the operational settings once.
func NewContainer(ctx context.Context, cfg config.Config, deps Dependencies) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("di: repositories registry is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("di: payment gateways are required")
	}
	if deps.Sink == nil {
		return nil, errors.New("di: notification sink is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	reg := deps.Registry
	location, err := time.LoadLocation(cfg.Restaurant.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("di: restaurant time zone: %w", err)
	}
	restaurant := domain.Coordinates{Lat: cfg.Restaurant.Latitude, Lng: cfg.Restaurant.Longitude}

	settings, err := services.NewConfigProvider(services.ConfigProviderDeps{
		Settings: reg.Settings(),
		Clock:    deps.Clock,
		Logger:   deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := settings.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("di: load settings: %w", err)
	}

	outbox, err := services.NewOutboxWriter(services.OutboxWriterDeps{Outbox: reg.Outbox(), Clock: deps.Clock})
	if err != nil {
		return nil, err
	}

	var svc Services
	svc.Dispatch, err = services.NewDispatchService(services.DispatchServiceDeps{
		Orders:     reg.Orders(),
		Personnel:  reg.DeliveryPersonnel(),
		UnitOfWork: reg,
		Config:     settings,
		Notifier:   outbox,
		Restaurant: restaurant,
		Clock:      deps.Clock,
		Logger:     deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("di: dispatch service: %w", err)
	}

	svc.Orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:     reg.Orders(),
		Payments:   reg.Payments(),
		Tips:       reg.Tips(),
		Personnel:  reg.DeliveryPersonnel(),
		Menu:       reg.Menu(),
		UnitOfWork: reg,
		Config:     settings,
		Dispatch:   svc.Dispatch,
		Notifier:   outbox,
		Refunds:    outbox,
		Restaurant: restaurant,
		Location:   location,
		Clock:      deps.Clock,
		Logger:     deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("di: order service: %w", err)
	}

	svc.Payments, err = services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Orders:     reg.Orders(),
		Payments:   reg.Payments(),
		Tips:       reg.Tips(),
		UnitOfWork: reg,
		Lifecycle:  svc.Orders,
		Gateways:   deps.Gateways,
		Notifier:   outbox,
		Refunds:    outbox,
		Currency:   cfg.Payments.Currency,
		Clock:      deps.Clock,
		Logger:     deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("di: payment reconciler: %w", err)
	}

	svc.Personnel, err = services.NewPersonnelService(services.PersonnelServiceDeps{
		Personnel: reg.DeliveryPersonnel(),
		Clock:     deps.Clock,
		Logger:    deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("di: personnel service: %w", err)
	}

	if svc.Menu, err = services.NewMenuService(services.MenuServiceDeps{Menu: reg.Menu()}); err != nil {
		return nil, fmt.Errorf("di: menu service: %w", err)
	}

	svc.Settings, err = services.NewSettingsService(services.SettingsServiceDeps{
		Settings: reg.Settings(),
		Config:   settings,
		Clock:    deps.Clock,
		Logger:   deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("di: settings service: %w", err)
	}

	svc.Relay, err = services.NewOutboxRelay(services.OutboxRelayDeps{
		Outbox:      reg.Outbox(),
		Sink:        deps.Sink,
		Refunds:     deps.Gateways,
		Currency:    cfg.Payments.Currency,
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		Lease:       cfg.Outbox.Lease,
		BaseBackoff: cfg.Outbox.InitialBackoff,
		MaxBackoff:  cfg.Outbox.MaxBackoff,
		Clock:       deps.Clock,
		Logger:      deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("di: outbox relay: %w", err)
	}

	if deps.Health != nil {
		svc.System, err = services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: deps.Health,
			Config:           settings,
			Clock:            deps.Clock,
			Build: services.BuildInfo{
				Version:     cfg.Server.Version,
				CommitSHA:   cfg.Server.CommitSHA,
				Environment: cfg.Server.Environment,
				StartedAt:   deps.Clock().UTC(),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("di: system service: %w", err)
		}
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Settings:     settings,
		Services:     svc,
	}, nil
}

// Close releases the repository registry.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}
