package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	AMQP         AMQPConfig
	Delivery     DeliveryConfig
	Outbox       OutboxConfig
	Saga         SagaConfig
	Validation   ValidationConfig
	Notify       NotifyConfig
	PubSub       PubSubConfig
	Storage      StorageConfig
	Ops          OpsConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var schemaPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (c *Config) validate() error {
	for env, schema := range map[string]string{
		EnvDBSchema:     c.DB.Schema,
		EnvSagaSchema:   c.Saga.Schema,
		EnvNotifySchema: c.Notify.Schema,
	} {
		if schema != "" && !schemaPattern.MatchString(schema) {
			return fmt.Errorf("%s must be a lowercase identifier, got %q", env, schema)
		}
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("%s must be at least 1", EnvDeliveryMaxAttempts)
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("%s must be at least 1", EnvOutboxMaxAttempts)
	}
	if c.Outbox.BatchSize < 1 {
		return fmt.Errorf("%s must be at least 1", EnvOutboxBatchSize)
	}
	if c.AMQP.Prefetch < 1 {
		return fmt.Errorf("%s must be at least 1", EnvAMQPPrefetch)
	}
	if c.Saga.Timeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvSagaTimeout)
	}
	if len(c.Validation.AllowedTypes) == 0 {
		return fmt.Errorf("%s must list at least one type", EnvValidationAllowedTypes)
	}
	switch c.Outbox.Transport {
	case OutboxTransportAMQP:
	case OutboxTransportPubSub:
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("%s is required when %s=%s", EnvPubSubProjectID, EnvOutboxTransport, OutboxTransportPubSub)
		}
	default:
		return fmt.Errorf("unsupported %s %q", EnvOutboxTransport, c.Outbox.Transport)
	}
	switch c.Storage.Driver {
	case StorageDriverMinio, StorageDriverGCS:
	default:
		return fmt.Errorf("unsupported %s %q", EnvStorageDriver, c.Storage.Driver)
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"FILEPIPE_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"FILEPIPE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"FILEPIPE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

// ServiceConfig identifies which bounded context a process serves.
type ServiceConfig struct {
	Kind         string `envconfig:"FILEPIPE_SERVICE_KIND" default:"validator"`
	ConsumerName string `envconfig:"FILEPIPE_CONSUMER_NAME"`
	Producer     string `envconfig:"FILEPIPE_PRODUCER"`
}

// Consumer returns the ledger consumer name, defaulting to the service kind.
func (s ServiceConfig) Consumer() string {
	if s.ConsumerName != "" {
		return s.ConsumerName
	}
	return s.Kind
}

// ProducerName is stamped on every envelope this process emits.
func (s ServiceConfig) ProducerName() string {
	if s.Producer != "" {
		return s.Producer
	}
	return s.Kind + "-service"
}

type DBConfig struct {
	DSN    string `envconfig:"FILEPIPE_DB_DSN"`
	Schema string `envconfig:"FILEPIPE_DB_SCHEMA"`

	Host     string `envconfig:"FILEPIPE_DB_HOST"`
	Port     int    `envconfig:"FILEPIPE_DB_PORT" default:"5432"`
	User     string `envconfig:"FILEPIPE_DB_USER"`
	Password string `envconfig:"FILEPIPE_DB_PASSWORD"`
	Name     string `envconfig:"FILEPIPE_DB_NAME"`
	SSLMode  string `envconfig:"FILEPIPE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"FILEPIPE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"FILEPIPE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"FILEPIPE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"FILEPIPE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// RedisConfig is optional; without a URL the cron worker falls back to an in-process lock.
type RedisConfig struct {
	URL          string        `envconfig:"FILEPIPE_REDIS_URL"`
	Password     string        `envconfig:"FILEPIPE_REDIS_PASSWORD"`
	PoolSize     int           `envconfig:"FILEPIPE_REDIS_POOL_SIZE" default:"10"`
	DialTimeout  time.Duration `envconfig:"FILEPIPE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"FILEPIPE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"FILEPIPE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

type AMQPConfig struct {
	URL              string        `envconfig:"FILEPIPE_AMQP_URL"`
	Exchange         string        `envconfig:"FILEPIPE_AMQP_EXCHANGE" default:"files.events"`
	Queue            string        `envconfig:"FILEPIPE_AMQP_QUEUE"`
	Prefetch         int           `envconfig:"FILEPIPE_AMQP_PREFETCH" default:"10"`
	ConfirmTimeout   time.Duration `envconfig:"FILEPIPE_AMQP_CONFIRM_TIMEOUT" default:"5s"`
	ReconnectInitial time.Duration `envconfig:"FILEPIPE_AMQP_RECONNECT_INITIAL" default:"1s"`
	ReconnectMax     time.Duration `envconfig:"FILEPIPE_AMQP_RECONNECT_MAX" default:"30s"`
	DeclareTopology  bool          `envconfig:"FILEPIPE_AMQP_DECLARE_TOPOLOGY" default:"false"`
	RetryDelay       time.Duration `envconfig:"FILEPIPE_AMQP_RETRY_DELAY" default:"10s"`
}

// Require reports a missing broker URL. Only processes that talk to the
// broker call it; the cron worker and migrations never do.
func (a AMQPConfig) Require() error {
	if strings.TrimSpace(a.URL) == "" {
		return fmt.Errorf("%s is required", EnvAMQPURL)
	}
	return nil
}

type DeliveryConfig struct {
	MaxAttempts   int    `envconfig:"FILEPIPE_DELIVERY_MAX_ATTEMPTS" default:"3"`
	ParkingSuffix string `envconfig:"FILEPIPE_DELIVERY_PARKING_SUFFIX" default:".parking"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"FILEPIPE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"FILEPIPE_OUTBOX_PUBLISH_POLL_MS" default:"1000"`
	MaxAttempts    int           `envconfig:"FILEPIPE_OUTBOX_MAX_ATTEMPTS" default:"5"`
	Transport      string        `envconfig:"FILEPIPE_OUTBOX_TRANSPORT" default:"amqp"`
	Retention      time.Duration `envconfig:"FILEPIPE_OUTBOX_RETENTION" default:"168h"`
	BreakerFailure uint32        `envconfig:"FILEPIPE_OUTBOX_BREAKER_FAILURES" default:"5"`
	BreakerTimeout time.Duration `envconfig:"FILEPIPE_OUTBOX_BREAKER_TIMEOUT" default:"30s"`

	RetentionInterval time.Duration `envconfig:"FILEPIPE_OUTBOX_RETENTION_INTERVAL" default:"1h"`
}

func (o OutboxConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

type SagaConfig struct {
	Timeout        time.Duration `envconfig:"FILEPIPE_SAGA_TIMEOUT" default:"15m"`
	SweepInterval  time.Duration `envconfig:"FILEPIPE_SAGA_SWEEP_INTERVAL" default:"30s"`
	SweepBatchSize int           `envconfig:"FILEPIPE_SAGA_SWEEP_BATCH_SIZE" default:"100"`
	// Schema holds the saga tracker's tables when the cron worker serves a
	// deployment with per-service schemas.
	Schema string `envconfig:"FILEPIPE_SAGA_SCHEMA"`
}

// ValidationConfig drives the validator's signature rules.
type ValidationConfig struct {
	AllowedTypes []string `envconfig:"FILEPIPE_VALIDATION_ALLOWED_TYPES" default:"image/png,image/jpeg,image/gif,image/webp,application/pdf"`
	MaxSizeBytes int64    `envconfig:"FILEPIPE_VALIDATION_MAX_SIZE_BYTES" default:"26214400"`
}

type NotifyConfig struct {
	RateLimit  int64         `envconfig:"FILEPIPE_NOTIFY_RATE_LIMIT" default:"20"`
	RateWindow time.Duration `envconfig:"FILEPIPE_NOTIFY_RATE_WINDOW" default:"1h"`
	Retention  time.Duration `envconfig:"FILEPIPE_NOTIFY_RETENTION" default:"720h"`
	Schema     string        `envconfig:"FILEPIPE_NOTIFY_SCHEMA"`
}

// SagaSchema is the schema of processing_sagas, defaulting to the DB schema.
func (c *Config) SagaSchema() string {
	if c.Saga.Schema != "" {
		return c.Saga.Schema
	}
	return c.DB.Schema
}

// NotifySchema is the schema of notifications, defaulting to the DB schema.
func (c *Config) NotifySchema() string {
	if c.Notify.Schema != "" {
		return c.Notify.Schema
	}
	return c.DB.Schema
}

type PubSubConfig struct {
	ProjectID   string `envconfig:"FILEPIPE_PUBSUB_PROJECT_ID"`
	TopicPrefix string `envconfig:"FILEPIPE_PUBSUB_TOPIC_PREFIX" default:"filepipe-"`
}

type StorageConfig struct {
	Driver    string `envconfig:"FILEPIPE_STORAGE_DRIVER" default:"minio"`
	Endpoint  string `envconfig:"FILEPIPE_STORAGE_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"FILEPIPE_STORAGE_ACCESS_KEY"`
	SecretKey string `envconfig:"FILEPIPE_STORAGE_SECRET_KEY"`
	UseSSL    bool   `envconfig:"FILEPIPE_STORAGE_USE_SSL" default:"false"`
	HeadBytes int64  `envconfig:"FILEPIPE_STORAGE_HEAD_BYTES" default:"3072"`

	// GCS credentials; without either the metadata server is used.
	GCSCredentialsJSON string `envconfig:"FILEPIPE_GCS_CREDENTIALS_JSON"`
	GCSCredentialsFile string `envconfig:"FILEPIPE_GCS_CREDENTIALS_FILE"`
	GCSEndpoint        string `envconfig:"FILEPIPE_GCS_ENDPOINT" default:"https://storage.googleapis.com"`
}

type OpsConfig struct {
	Addr string `envconfig:"FILEPIPE_OPS_ADDR" default:":9090"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"FILEPIPE_AUTO_MIGRATE" default:"false"`
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
	for _, env := range dbPartEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
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
