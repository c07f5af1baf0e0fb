package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultEnvironment         = "local"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultDBMaxConns          = 20
	defaultDBMinConns          = 2
	defaultDBTxTimeout         = 10 * time.Second
	defaultDBTxAttempts        = 3
	defaultTrackingCollection  = "orderTracking"
	defaultRabbitExchange      = "orders_topic"
	defaultKafkaTopic          = "order.events"
	defaultKafkaClientID       = "order-engine"
	defaultCurrency            = "inr"
	defaultGatewayTimeout      = 10 * time.Second
	defaultBreakerMaxFailures  = 5
	defaultBreakerCooldown     = 30 * time.Second
	defaultOIDCJWKSURL         = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOIDCIssuer          = "https://accounts.google.com"
	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute
	defaultTimeZone            = "Asia/Kolkata"
	defaultOutboxPoll          = 2 * time.Second
	defaultOutboxBatch         = 50
	defaultOutboxMaxAttempts   = 8
	defaultOutboxInitialDelay  = time.Second
	defaultOutboxMaxDelay      = 30 * time.Second
	defaultOutboxLease         = time.Minute
	defaultDispatchBatch       = 25
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultRatePerSecond       = 10.0
	defaultRateBurst           = 20
	defaultSecretsFallbackFile = ".secrets.local"
)

// Config captures all runtime configuration organised by concern. Operational parameters that admins edit at
// runtime (tax, fees, radius, hours) are not here; they live in the settings table.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	RabbitMQ    RabbitMQConfig
	Kafka       KafkaConfig
	Payments    PaymentsConfig
	Security    SecurityConfig
	Restaurant  RestaurantConfig
	Outbox      OutboxConfig
	Dispatch    DispatchConfig
	Idempotency IdempotencyConfig
	RateLimits  RateLimitConfig
	Secrets     SecretsConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	Environment  string
	Version      string
	CommitSHA    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	TxTimeout   time.Duration
	TxAttempts  int
	AutoMigrate bool
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig stores the tracking mirror settings.
type FirestoreConfig struct {
	ProjectID          string
	EmulatorHost       string
	TrackingCollection string
}

// PubSubConfig names the notification topic. An empty topic disables the sink.
type PubSubConfig struct {
	ProjectID          string
	NotificationsTopic string
}

// RabbitMQConfig configures the AMQP sink. An empty URL disables the sink.
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// KafkaConfig configures the Kafka sink. No brokers disables the sink.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// PaymentsConfig collects gateway credentials and call policy.
type PaymentsConfig struct {
	StripeAPIKey        string
	StripeWebhookSecret string
	// AggregatorCheckoutURL enables the redirect gateway for UPI, net banking and wallets. It signs redirects
	// with the "gateway" HMAC secret.
	AggregatorCheckoutURL string
	Currency              string
	GatewayTimeout        time.Duration
	BreakerMaxFailures    int
	BreakerCooldown       time.Duration
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	OIDC OIDCConfig
	HMAC HMACConfig
}

// OIDCConfig controls Google-signed token verification for internal endpoints.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
}

// HMACConfig captures gateway callback signing expectations.
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// RestaurantConfig locates the kitchen that dispatch and distance estimates measure from.
type RestaurantConfig struct {
	Latitude  float64
	Longitude float64
	TimeZone  string
}

// OutboxConfig controls the relay that delivers notifications and refunds.
type OutboxConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Lease          time.Duration
}

// DispatchConfig controls the background dispatch tick. A zero interval leaves retries to the scheduler.
type DispatchConfig struct {
	TickInterval time.Duration
	BatchSize    int
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
	UseFirestore     bool
}

// RateLimitConfig controls per-client request throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// SecretsConfig configures Secret Manager lookups.
type SecretsConfig struct {
	ProjectID    string
	FallbackFile string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to an empty value.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface. Names are redacted.
func (e *MissingSecretsError) Error() string {
	redacted := make([]string, 0, len(e.names))
	for _, name := range e.names {
		redacted = append(redacted, redactSecretName(name))
	}
	sort.Strings(redacted)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(redacted, ", "))
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map that takes precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for sm:// and secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Payments.StripeAPIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// Load assembles configuration from defaults, a .env file, the process environment and an explicit map, in
// increasing order of precedence. Secret references are resolved through the configured resolver.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	env := lookupFunc(func(key string) (string, bool) {
		if value, ok := options.envMap[key]; ok {
			return value, true
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		value, ok := dotEnv[key]
		return value, ok
	})

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("API_SERVER_PORT", defaultPort),
			Environment:  strings.ToLower(env.str("API_ENVIRONMENT", defaultEnvironment)),
			Version:      env.str("API_VERSION", "dev"),
			CommitSHA:    env.str("API_COMMIT_SHA", ""),
			ReadTimeout:  env.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Database: DatabaseConfig{
			URL:         env.str("API_DATABASE_URL", ""),
			MaxConns:    env.integer("API_DATABASE_MAX_CONNS", defaultDBMaxConns),
			MinConns:    env.integer("API_DATABASE_MIN_CONNS", defaultDBMinConns),
			TxTimeout:   env.duration("API_DATABASE_TX_TIMEOUT", defaultDBTxTimeout),
			TxAttempts:  env.integer("API_DATABASE_TX_ATTEMPTS", defaultDBTxAttempts),
			AutoMigrate: env.boolean("API_DATABASE_AUTO_MIGRATE", false),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:          env.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost:       env.str("API_FIRESTORE_EMULATOR_HOST", ""),
			TrackingCollection: env.str("API_FIRESTORE_TRACKING_COLLECTION", defaultTrackingCollection),
		},
		PubSub: PubSubConfig{
			ProjectID:          env.str("API_PUBSUB_PROJECT_ID", ""),
			NotificationsTopic: env.str("API_PUBSUB_NOTIFICATIONS_TOPIC", ""),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      env.str("API_RABBITMQ_URL", ""),
			Exchange: env.str("API_RABBITMQ_EXCHANGE", defaultRabbitExchange),
		},
		Kafka: KafkaConfig{
			Brokers:  env.csv("API_KAFKA_BROKERS"),
			Topic:    env.str("API_KAFKA_TOPIC", defaultKafkaTopic),
			ClientID: env.str("API_KAFKA_CLIENT_ID", defaultKafkaClientID),
		},
		Payments: PaymentsConfig{
			StripeAPIKey:          env.str("API_PAYMENTS_STRIPE_API_KEY", ""),
			StripeWebhookSecret:   env.str("API_PAYMENTS_STRIPE_WEBHOOK_SECRET", ""),
			AggregatorCheckoutURL: env.str("API_PAYMENTS_AGGREGATOR_CHECKOUT_URL", ""),
			Currency:              strings.ToLower(env.str("API_PAYMENTS_CURRENCY", defaultCurrency)),
			GatewayTimeout:        env.duration("API_PAYMENTS_GATEWAY_TIMEOUT", defaultGatewayTimeout),
			BreakerMaxFailures:    env.integer("API_PAYMENTS_BREAKER_MAX_FAILURES", defaultBreakerMaxFailures),
			BreakerCooldown:       env.duration("API_PAYMENTS_BREAKER_COOLDOWN", defaultBreakerCooldown),
		},
		Security: SecurityConfig{
			OIDC: OIDCConfig{
				JWKSURL:  env.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: env.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  env.csv("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         env.keyValues("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: env.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: env.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     env.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       env.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        env.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Restaurant: RestaurantConfig{
			Latitude:  env.float("API_RESTAURANT_LATITUDE", 0),
			Longitude: env.float("API_RESTAURANT_LONGITUDE", 0),
			TimeZone:  env.str("API_RESTAURANT_TIMEZONE", defaultTimeZone),
		},
		Outbox: OutboxConfig{
			PollInterval:   env.duration("API_OUTBOX_POLL_INTERVAL", defaultOutboxPoll),
			BatchSize:      env.integer("API_OUTBOX_BATCH_SIZE", defaultOutboxBatch),
			MaxAttempts:    env.integer("API_OUTBOX_MAX_ATTEMPTS", defaultOutboxMaxAttempts),
			InitialBackoff: env.duration("API_OUTBOX_INITIAL_BACKOFF", defaultOutboxInitialDelay),
			MaxBackoff:     env.duration("API_OUTBOX_MAX_BACKOFF", defaultOutboxMaxDelay),
			Lease:          env.duration("API_OUTBOX_LEASE", defaultOutboxLease),
		},
		Dispatch: DispatchConfig{
			TickInterval: env.duration("API_DISPATCH_TICK_INTERVAL", 0),
			BatchSize:    env.integer("API_DISPATCH_BATCH_SIZE", defaultDispatchBatch),
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
			UseFirestore:     env.boolean("API_IDEMPOTENCY_FIRESTORE", false),
		},
		RateLimits: RateLimitConfig{
			RequestsPerSecond: env.float("API_RATELIMIT_RPS", defaultRatePerSecond),
			Burst:             env.integer("API_RATELIMIT_BURST", defaultRateBurst),
		},
		Secrets: SecretsConfig{
			ProjectID:    env.str("API_SECRETS_PROJECT_ID", ""),
			FallbackFile: env.str("API_SECRETS_FALLBACK_FILE", defaultSecretsFallbackFile),
		},
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.Secrets.ProjectID == "" {
		cfg.Secrets.ProjectID = cfg.Firebase.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultOIDCIssuer}
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.URL", &cfg.Database.URL},
		{"RabbitMQ.URL", &cfg.RabbitMQ.URL},
		{"Payments.StripeAPIKey", &cfg.Payments.StripeAPIKey},
		{"Payments.StripeWebhookSecret", &cfg.Payments.StripeWebhookSecret},
	}
	for key, ref := range cfg.Security.HMAC.Secrets {
		value, err := resolveSecret(ctx, ref, options.secret)
		if err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[key] = value
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", key)] = strings.TrimSpace(value)
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	var missing []string
	for _, name := range options.requiredSecrets {
		name = strings.TrimSpace(name)
		if name != "" && resolved[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingSecretsError{names: missing}
	}

	return cfg, nil
}

func validate(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if strings.TrimSpace(cfg.Database.URL) == "" {
		invalid = append(invalid, "Database.URL")
	}
	if cfg.Database.MaxConns <= 0 || cfg.Database.MinConns < 0 || cfg.Database.MinConns > cfg.Database.MaxConns {
		invalid = append(invalid, "Database.MaxConns")
	}
	if cfg.Restaurant.Latitude < -90 || cfg.Restaurant.Latitude > 90 {
		invalid = append(invalid, "Restaurant.Latitude")
	}
	if cfg.Restaurant.Longitude < -180 || cfg.Restaurant.Longitude > 180 {
		invalid = append(invalid, "Restaurant.Longitude")
	}
	if _, err := time.LoadLocation(cfg.Restaurant.TimeZone); err != nil {
		invalid = append(invalid, "Restaurant.TimeZone")
	}
	if cfg.Outbox.BatchSize <= 0 {
		invalid = append(invalid, "Outbox.BatchSize")
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		invalid = append(invalid, "Outbox.MaxAttempts")
	}
	if cfg.Outbox.InitialBackoff <= 0 || cfg.Outbox.MaxBackoff < cfg.Outbox.InitialBackoff {
		invalid = append(invalid, "Outbox.MaxBackoff")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	if cfg.RateLimits.RequestsPerSecond <= 0 || cfg.RateLimits.Burst <= 0 {
		invalid = append(invalid, "RateLimits")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}
