package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Identity     IdentityConfig
	Gateway      GatewayConfig
	Currency     CurrencyConfig
	Contracts    ContractsConfig
	WebhookGate  WebhookGateConfig
	Dispatch     DispatchConfig
	Eventing     EventingConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Maintenance  MaintenanceConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if cfg.Dispatch.DefaultRetries < 0 || cfg.Dispatch.DefaultRetries > MaxDispatchRetries {
		return nil, fmt.Errorf("%s must be between 0 and %d", EnvDispatchDefaultRetries, MaxDispatchRetries)
	}
	if err := cfg.Dispatch.Endpoints.validate(); err != nil {
		return nil, err
	}
	cfg.Dispatch.Endpoints.applyDefaults(cfg.Dispatch)
	return &cfg, nil
}

type AppConfig struct {
	Env           string   `envconfig:"BILLING_APP_ENV" required:"true"`
	Port          string   `envconfig:"BILLING_APP_PORT" required:"true"`
	PublicBaseURL string   `envconfig:"BILLING_PUBLIC_BASE_URL" default:"http://localhost:8080"`
	LogLevel      string   `envconfig:"BILLING_LOG_LEVEL" default:"info"`
	LogWarnStack  bool     `envconfig:"BILLING_LOG_WARN_STACK" default:"false"`
	CORSOrigins   []string `envconfig:"BILLING_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"BILLING_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN string `envconfig:"BILLING_DB_DSN"`

	Host     string `envconfig:"BILLING_DB_HOST"`
	Port     int    `envconfig:"BILLING_DB_PORT" default:"5432"`
	User     string `envconfig:"BILLING_DB_USER"`
	Password string `envconfig:"BILLING_DB_PASSWORD"`
	Name     string `envconfig:"BILLING_DB_NAME"`
	SSLMode  string `envconfig:"BILLING_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BILLING_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BILLING_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BILLING_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BILLING_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BILLING_REDIS_URL"`
	Address      string        `envconfig:"BILLING_REDIS_ADDR"`
	Password     string        `envconfig:"BILLING_REDIS_PASSWORD"`
	DB           int           `envconfig:"BILLING_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BILLING_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BILLING_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BILLING_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BILLING_REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"BILLING_REDIS_WRITE_TIMEOUT" default:"3s"`
}

// IdentityConfig validates session tokens minted by the external identity provider.
type IdentityConfig struct {
	JWTSecret string `envconfig:"BILLING_IDENTITY_JWT_SECRET" required:"true"`
	Issuer    string `envconfig:"BILLING_IDENTITY_ISSUER" required:"true"`
	Audience  string `envconfig:"BILLING_IDENTITY_AUDIENCE"`
	AdminRole string `envconfig:"BILLING_IDENTITY_ADMIN_ROLE" default:"admin"`
}

type GatewayConfig struct {
	BaseURL            string        `envconfig:"BILLING_GATEWAY_BASE_URL" default:"https://payment.zarinpal.com"`
	StartPayURL        string        `envconfig:"BILLING_GATEWAY_START_PAY_URL" default:"https://payment.zarinpal.com/pg/StartPay/"`
	SigningURLTemplate string        `envconfig:"BILLING_GATEWAY_SIGNING_URL_TEMPLATE" default:"https://www.zarinpal.com/pg/StartPayman/{authority}/{bank_code}"`
	MerchantID         string        `envconfig:"BILLING_GATEWAY_MERCHANT_ID" required:"true"`
	AccessToken        string        `envconfig:"BILLING_GATEWAY_ACCESS_TOKEN"`
	CallbackURL        string        `envconfig:"BILLING_GATEWAY_CALLBACK_URL" required:"true"`
	ContractCallback   string        `envconfig:"BILLING_GATEWAY_CONTRACT_CALLBACK_URL"`
	Timeout            time.Duration `envconfig:"BILLING_GATEWAY_TIMEOUT" default:"15s"`
}

// ContractCallbackURL falls back to the payment callback when no dedicated one is configured.
func (g GatewayConfig) ContractCallbackURL() string {
	if strings.TrimSpace(g.ContractCallback) != "" {
		return g.ContractCallback
	}
	return g.CallbackURL
}

// CurrencyConfig pins the reference currency prices are stored in and the gateway settlement currency.
type CurrencyConfig struct {
	ReferenceCode  string        `envconfig:"BILLING_CURRENCY_REFERENCE" default:"USD"`
	SettlementCode string        `envconfig:"BILLING_CURRENCY_SETTLEMENT" default:"IRR"`
	ReferenceExp   int32         `envconfig:"BILLING_CURRENCY_REFERENCE_EXPONENT" default:"2"`
	SettlementExp  int32         `envconfig:"BILLING_CURRENCY_SETTLEMENT_EXPONENT" default:"0"`
	StaticRate     string        `envconfig:"BILLING_CURRENCY_STATIC_RATE"`
	RateURL        string        `envconfig:"BILLING_CURRENCY_RATE_URL"`
	RateTimeout    time.Duration `envconfig:"BILLING_CURRENCY_RATE_TIMEOUT" default:"5s"`
	RateCacheTTL   time.Duration `envconfig:"BILLING_CURRENCY_RATE_CACHE_TTL" default:"10m"`
}

type ContractsConfig struct {
	MinimumWindow time.Duration `envconfig:"BILLING_CONTRACTS_MIN_WINDOW" default:"720h"`
	BankCacheTTL  time.Duration `envconfig:"BILLING_CONTRACTS_BANK_CACHE_TTL" default:"1h"`
}

// WebhookGateConfig guards the gateway callback. TrustedProxyCIDRs lists the load balancers whose
// X-Forwarded-For header is believed; with none configured the socket peer is the client.
type WebhookGateConfig struct {
	UserAgent         string        `envconfig:"BILLING_WEBHOOK_USER_AGENT" default:"ZarinPal"`
	AllowedCIDRs      []string      `envconfig:"BILLING_WEBHOOK_ALLOWED_CIDRS"`
	TrustedProxyCIDRs []string      `envconfig:"BILLING_WEBHOOK_TRUSTED_PROXY_CIDRS"`
	TimestampHeader   string        `envconfig:"BILLING_WEBHOOK_TIMESTAMP_HEADER" default:"X-Gateway-Timestamp"`
	FreshnessWindow   time.Duration `envconfig:"BILLING_WEBHOOK_FRESHNESS_WINDOW" default:"5m"`
	MaxFutureSkew     time.Duration `envconfig:"BILLING_WEBHOOK_MAX_FUTURE_SKEW" default:"30s"`
	RateLimit         int           `envconfig:"BILLING_WEBHOOK_RATE_LIMIT" default:"60"`
	RateWindow        time.Duration `envconfig:"BILLING_WEBHOOK_RATE_WINDOW" default:"1m"`
}

type DispatchConfig struct {
	Endpoints       EndpointList  `envconfig:"BILLING_DISPATCH_ENDPOINTS"`
	CounterpartyKey string        `envconfig:"BILLING_DISPATCH_COUNTERPARTY_KEY"`
	MaxConcurrency  int           `envconfig:"BILLING_DISPATCH_MAX_CONCURRENCY" default:"8"`
	DefaultTimeout  time.Duration `envconfig:"BILLING_DISPATCH_DEFAULT_TIMEOUT" default:"10s"`
	DefaultRetries  int           `envconfig:"BILLING_DISPATCH_DEFAULT_RETRIES" default:"3"`
	DefaultBackoff  time.Duration `envconfig:"BILLING_DISPATCH_DEFAULT_BACKOFF" default:"500ms"`
}

type EventingConfig struct {
	InboundLockTTL time.Duration `envconfig:"BILLING_EVENTING_INBOUND_LOCK_TTL" default:"2m"`
}

type FeatureFlagsConfig struct {
	AutoMigrate        bool `envconfig:"BILLING_AUTO_MIGRATE" default:"false"`
	BillingEventStream bool `envconfig:"BILLING_EVENT_STREAM" default:"true"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"BILLING_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	BillingEventsTopic string `envconfig:"BILLING_PUBSUB_BILLING_EVENTS_TOPIC" default:"billing-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"BILLING_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"BILLING_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"BILLING_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

// MaintenanceConfig drives cmd/maintenance-worker.
type MaintenanceConfig struct {
	Interval            time.Duration `envconfig:"BILLING_MAINTENANCE_INTERVAL" default:"1h"`
	LockTTL             time.Duration `envconfig:"BILLING_MAINTENANCE_LOCK_TTL" default:"30m"`
	OutboxRetention     time.Duration `envconfig:"BILLING_MAINTENANCE_OUTBOX_RETENTION" default:"720h"`
	DeadLetterRetention time.Duration `envconfig:"BILLING_MAINTENANCE_DEAD_LETTER_RETENTION" default:"2160h"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, key := range discreteDBEnvVars {
		if values[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}
	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}
	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}
	db.DSN = u.String()
	return nil
}
