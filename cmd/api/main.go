package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/Antinna/HTTP-3/internal/di"
	domain "github.com/Antinna/HTTP-3/internal/domain"
	"github.com/Antinna/HTTP-3/internal/handlers"
	"github.com/Antinna/HTTP-3/internal/payments"
	"github.com/Antinna/HTTP-3/internal/platform/auth"
	"github.com/Antinna/HTTP-3/internal/platform/config"
	pfirestore "github.com/Antinna/HTTP-3/internal/platform/firestore"
	"github.com/Antinna/HTTP-3/internal/platform/idempotency"
	"github.com/Antinna/HTTP-3/internal/platform/jobs"
	"github.com/Antinna/HTTP-3/internal/platform/observability"
	pg "github.com/Antinna/HTTP-3/internal/platform/postgres"
	"github.com/Antinna/HTTP-3/internal/platform/resilience"
	"github.com/Antinna/HTTP-3/internal/platform/secrets"
	"github.com/Antinna/HTTP-3/internal/repositories"
	"github.com/Antinna/HTTP-3/internal/repositories/memory"
	pgrepo "github.com/Antinna/HTTP-3/internal/repositories/postgres"
	"github.com/Antinna/HTTP-3/internal/services"
)

const (
	memoryDatabaseURL = "memory://"
	gatewaySecretName = "gateway"
	shutdownTimeout   = 15 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseLogger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api").With(zap.String("instance", ulid.Make().String()))

	if err := run(ctx, logger); err != nil {
		logger.Error("api exited with error", zap.Error(err))
		_ = baseLogger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		return fmt.Errorf("secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(os.Getenv("API_ENVIRONMENT"))...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			return fmt.Errorf("missing required secrets %v: %w", missing.Names(), err)
		}
		return fmt.Errorf("load configuration: %w", err)
	}
	logger = logger.With(zap.String("environment", cfg.Server.Environment), zap.String("version", cfg.Server.Version))

	var closers closeStack
	defer closers.closeAll(logger)

	registry, pool, err := openRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var firestoreProvider *pfirestore.Provider
	if cfg.Firestore.ProjectID != "" {
		var opts []pfirestore.ProviderOption
		if cfg.Firebase.CredentialsFile != "" {
			opts = append(opts, pfirestore.WithClientOptions(option.WithCredentialsFile(cfg.Firebase.CredentialsFile)))
		}
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore, opts...)
		closers.push("firestore", firestoreProvider.Close)
	}

	hub := jobs.NewHub(jobs.WithHubLogger(logger.Named("live")))
	closers.push("live hub", func() error { hub.Close(); return nil })

	sink, rabbit, err := buildNotificationSink(ctx, cfg, logger, hub, firestoreProvider, &closers)
	if err != nil {
		return err
	}

	gateways, err := buildPaymentGateways(cfg, logger)
	if err != nil {
		return err
	}

	health, err := buildHealthRepository(pool, rabbit, firestoreProvider)
	if err != nil {
		return err
	}

	container, err := di.NewContainer(ctx, cfg, di.Dependencies{
		Registry: registry,
		Gateways: gateways,
		Sink:     sink,
		Health:   health,
		Logger:   observability.ServiceLogger(logger.Named("services")),
		Clock:    time.Now,
	})
	if err != nil {
		_ = registry.Close(ctx)
		return fmt.Errorf("assemble services: %w", err)
	}
	defer func() {
		if err := container.Close(context.Background()); err != nil {
			logger.Warn("repository close error", zap.Error(err))
		}
	}()
	svc := container.Services

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return fmt.Errorf("firebase verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	idempotencyStore, err := buildIdempotencyStore(cfg, pool, firestoreProvider)
	if err != nil {
		return err
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	limiter := handlers.NewRateLimiter(cfg.RateLimits.RequestsPerSecond, cfg.RateLimits.Burst)

	publicHandlers := handlers.NewPublicHandlers(
		handlers.WithPublicMenuService(svc.Menu),
		handlers.WithPublicOrderService(svc.Orders),
		handlers.WithPaymentMethodSupport(gateways.Supports),
	)
	orderHandlers := handlers.NewOrderHandlers(authenticator, svc.Orders,
		handlers.WithOrderPayments(svc.Payments),
		handlers.WithOrderLiveFeed(hub),
		handlers.WithOrderIdempotency(idempotencyMiddleware),
	)
	deliveryHandlers := handlers.NewDeliveryHandlers(authenticator, svc.Personnel, svc.Orders)
	adminHandlers := handlers.NewAdminHandlers(authenticator, handlers.AdminServices{
		Orders:    svc.Orders,
		Payments:  svc.Payments,
		Dispatch:  svc.Dispatch,
		Personnel: svc.Personnel,
		Settings:  svc.Settings,
	}, hub)
	internalHandlers := handlers.NewInternalHandlers(svc.Dispatch, svc.Relay, cfg.Dispatch.BatchSize)

	webhookOpts := []handlers.WebhookOption{handlers.WithStripeWebhookSecret(cfg.Payments.StripeWebhookSecret)}
	if signature := buildGatewaySignature(cfg, logger); signature != nil {
		webhookOpts = append(webhookOpts, handlers.WithGatewaySignature(signature))
	}
	webhookHandlers := handlers.NewWebhookHandlers(svc.Payments, webhookOpts...)

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(svc.System),
		handlers.WithHealthBuildInfo(buildInfo(cfg)),
	)

	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.Trace(traceProjectID(cfg)),
			observability.RequestLogger(logger.Named("http")),
			observability.Recoverer,
		),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPublicMiddlewares(limiter.Middleware),
		handlers.WithPublicRoutes(publicHandlers.Routes),
		handlers.WithOrderMiddlewares(limiter.Middleware),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithDeliveryRoutes(deliveryHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if mw := buildServiceTokenMiddleware(cfg, logger); mw != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(mw))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc.Relay.Run(gctx, cfg.Outbox.PollInterval)
		return nil
	})
	if cfg.Dispatch.TickInterval > 0 {
		g.Go(func() error {
			runDispatchTicker(gctx, logger.Named("dispatch"), svc.Dispatch.DispatchPending, cfg.Dispatch.TickInterval, cfg.Dispatch.BatchSize)
			return nil
		})
	}
	if cfg.Idempotency.CleanupInterval > 0 {
		g.Go(func() error {
			runIdempotencyCleanup(gctx, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency.CleanupInterval, cfg.Idempotency.CleanupBatchSize)
			return nil
		})
	}

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	g.Go(func() error {
		serverLogger.Info("order engine api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func openRegistry(ctx context.Context, cfg config.Config, logger *zap.Logger) (repositories.Registry, *pgxpool.Pool, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.Database.URL), memoryDatabaseURL) {
		logger.Warn("using in-memory repositories; data is lost on restart")
		return memory.New(), nil, nil
	}

	pool, err := pg.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.Database.AutoMigrate {
		if err := pgrepo.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("postgres schema migrated")
	}
	registry, err := pgrepo.New(pool,
		pg.WithTxAttempts(cfg.Database.TxAttempts),
		pg.WithTxTimeout(cfg.Database.TxTimeout),
	)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return registry, pool, nil
}

// buildNotificationSink fans every relayed event out to the live hub and whichever brokers are configured.
// Only the hub is required; broker outages are logged and retried on the next event.
func buildNotificationSink(ctx context.Context, cfg config.Config, logger *zap.Logger, hub *jobs.Hub, provider *pfirestore.Provider, closers *closeStack) (*jobs.FanOut, *jobs.RabbitMQSink, error) {
	sinks := []jobs.NamedSink{{Name: "live", Sink: hub, Required: true}}

	if provider != nil {
		tracking, err := jobs.NewTrackingSink(provider, cfg.Firestore.TrackingCollection)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, jobs.NamedSink{Name: "tracking", Sink: tracking})
	}

	if cfg.PubSub.ProjectID != "" && cfg.PubSub.NotificationsTopic != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.PubSub.NotificationsTopic)
		closers.push("pubsub", func() error {
			topic.Stop()
			return client.Close()
		})
		pubsubSink, err := jobs.NewPubSubSink(topic)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, jobs.NamedSink{Name: "pubsub", Sink: pubsubSink})
	}

	var rabbit *jobs.RabbitMQSink
	if cfg.RabbitMQ.URL != "" {
		var err error
		rabbit, err = jobs.DialRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			return nil, nil, fmt.Errorf("rabbitmq: %w", err)
		}
		closers.push("rabbitmq", rabbit.Close)
		sinks = append(sinks, jobs.NamedSink{Name: "rabbitmq", Sink: rabbit})
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := jobs.DialKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka: %w", err)
		}
		closers.push("kafka", kafka.Close)
		sinks = append(sinks, jobs.NamedSink{Name: "kafka", Sink: kafka})
	}

	fanOut, err := jobs.NewFanOut(sinks, jobs.WithFanOutLogger(logger.Named("notifications")))
	if err != nil {
		return nil, nil, err
	}
	logger.Info("notification sinks configured", zap.Strings("sinks", fanOut.Sinks()))
	return fanOut, rabbit, nil
}

func buildPaymentGateways(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	gateways := []payments.Gateway{payments.CashGateway{}}
	routes := map[domain.PaymentMethod]string{
		domain.PaymentMethodCOD: payments.CashGatewayName,
	}

	if key := strings.TrimSpace(cfg.Payments.StripeAPIKey); key != "" {
		httpClient := &http.Client{Timeout: cfg.Payments.GatewayTimeout}
		backendConfig := &stripe.BackendConfig{HTTPClient: httpClient}
		stripeGateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey:   key,
			Currency: cfg.Payments.Currency,
			Backends: &stripe.Backends{
				API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
				Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
				Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
			},
			Logger: observability.ServiceLogger(logger.Named("stripe")),
		})
		if err != nil {
			return nil, fmt.Errorf("stripe gateway: %w", err)
		}
		gateways = append(gateways, stripeGateway)
		routes[domain.PaymentMethodCreditCard] = payments.StripeGatewayName
		routes[domain.PaymentMethodDebitCard] = payments.StripeGatewayName
	}

	secret := strings.TrimSpace(cfg.Security.HMAC.Secrets[gatewaySecretName])
	if checkout := strings.TrimSpace(cfg.Payments.AggregatorCheckoutURL); checkout != "" && secret != "" {
		callback, err := payments.NewCallbackGateway(payments.CallbackGatewayConfig{CheckoutURL: checkout, Secret: secret})
		if err != nil {
			return nil, fmt.Errorf("aggregator gateway: %w", err)
		}
		gateways = append(gateways, callback)
		routes[domain.PaymentMethodUPI] = payments.CallbackGatewayName
		routes[domain.PaymentMethodNetBanking] = payments.CallbackGatewayName
		routes[domain.PaymentMethodDigitalWallet] = payments.CallbackGatewayName
	}

	breakerLogger := logger.Named("breaker")
	return payments.NewManager(gateways, routes, payments.WithBreakers(func(name string) *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(resilience.BreakerConfig{
			Name:        "payments." + name,
			MaxFailures: cfg.Payments.BreakerMaxFailures,
			Cooldown:    cfg.Payments.BreakerCooldown,
			IsFailure:   payments.IsBreakerFailure,
			Logger:      breakerLogger,
		})
	}))
}

func buildHealthRepository(pool *pgxpool.Pool, rabbit *jobs.RabbitMQSink, provider *pfirestore.Provider) (repositories.HealthRepository, error) {
	var probes []repositories.Probe
	if pool != nil {
		probes = append(probes, repositories.Probe{Name: "postgres", Critical: true, Timeout: 2 * time.Second, Check: pg.Ping(pool)})
	}
	if rabbit != nil {
		probes = append(probes, repositories.Probe{Name: "rabbitmq", Timeout: time.Second, Check: rabbit.Ping})
	}
	if provider != nil {
		probes = append(probes, repositories.Probe{Name: "firestore", Timeout: 1500 * time.Millisecond, Check: provider.Ping})
	}
	if len(probes) == 0 {
		return nil, nil
	}
	return repositories.NewProbeHealthRepository(probes)
}

func buildIdempotencyStore(cfg config.Config, pool *pgxpool.Pool, provider *pfirestore.Provider) (idempotency.Store, error) {
	switch {
	case cfg.Idempotency.UseFirestore && provider != nil:
		return idempotency.NewFirestoreStore(provider, "")
	case pool != nil:
		return idempotency.NewPostgresStore(pool)
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

func buildGatewaySignature(cfg config.Config, logger *zap.Logger) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.HMAC.Secrets[gatewaySecretName]) == "" {
		return nil
	}
	verifier := auth.NewSignatureVerifier(
		auth.StaticSecrets(cfg.Security.HMAC.Secrets),
		auth.NewMemoryNonceStore(),
		auth.WithSignatureConfig(cfg.Security.HMAC),
		auth.WithSignatureLogger(logger.Named("auth")),
	)
	return verifier.RequireSignature(gatewaySecretName)
}

func buildServiceTokenMiddleware(cfg config.Config, logger *zap.Logger) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	keys := auth.NewKeySet(cfg.Security.OIDC.JWKSURL)
	verifier := auth.NewServiceTokenVerifier(keys, auth.WithServiceTokenLogger(logger.Named("auth")))
	return verifier.RequireServiceToken(audience, cfg.Security.OIDC.Issuers)
}

func runDispatchTicker(ctx context.Context, logger *zap.Logger, dispatch func(context.Context, int) ([]services.DispatchResult, error), interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := dispatch(ctx, batch)
			if err != nil {
				logger.Error("dispatch tick failed", zap.Error(err))
				continue
			}
			assigned := 0
			for _, res := range results {
				if res.DeliveryPersonID != "" {
					assigned++
				}
			}
			if len(results) > 0 {
				logger.Info("dispatch tick", zap.Int("processed", len(results)), zap.Int("assigned", assigned))
			}
		}
	}
}

func runIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store idempotency.Store, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), batch)
			cancel()
			if err != nil {
				logger.Error("idempotency cleanup error", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
			}
		}
	}
}

// newSecretFetcher is built before configuration loads, so it reads its own settings straight from the
// environment.
func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	project := strings.TrimSpace(os.Getenv("API_SECRETS_PROJECT_ID"))
	if project == "" {
		project = strings.TrimSpace(os.Getenv("API_FIREBASE_PROJECT_ID"))
	}
	fallback := strings.TrimSpace(os.Getenv("API_SECRETS_FALLBACK_FILE"))
	if fallback == "" {
		fallback = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithFallbackFile(fallback),
		secrets.WithLogger(logger.Named("secrets")),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentials := strings.TrimSpace(os.Getenv("API_FIREBASE_CREDENTIALS_FILE")); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(environment string) []string {
	required := []string{"Database.URL"}
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "prod", "production", "staging":
		required = append(required,
			"Payments.StripeAPIKey",
			"Payments.StripeWebhookSecret",
			fmt.Sprintf("Security.HMAC.Secrets[%s]", gatewaySecretName),
		)
	}
	return required
}

func buildInfo(cfg config.Config) services.BuildInfo {
	return services.BuildInfo{
		Version:     cfg.Server.Version,
		CommitSHA:   cfg.Server.CommitSHA,
		Environment: cfg.Server.Environment,
		StartedAt:   time.Now().UTC(),
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

// closeStack releases resources in reverse acquisition order.
type closeStack struct {
	names []string
	fns   []func() error
}

func (s *closeStack) push(name string, fn func() error) {
	s.names = append(s.names, name)
	s.fns = append(s.fns, fn)
}

func (s *closeStack) closeAll(logger *zap.Logger) {
	for i := len(s.fns) - 1; i >= 0; i-- {
		if err := s.fns[i](); err != nil {
			logger.Warn("close error", zap.String("resource", s.names[i]), zap.Error(err))
		}
	}
}
