package config

const (
	EnvPrefix = ""

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv              = "FILEPIPE_APP_ENV"
	EnvServiceKind         = "FILEPIPE_SERVICE_KIND"
	EnvDBDSN               = "FILEPIPE_DB_DSN"
	EnvDBSchema            = "FILEPIPE_DB_SCHEMA"
	EnvDBHost              = "FILEPIPE_DB_HOST"
	EnvDBUser              = "FILEPIPE_DB_USER"
	EnvDBName              = "FILEPIPE_DB_NAME"
	EnvAMQPURL             = "FILEPIPE_AMQP_URL"
	EnvAMQPQueue           = "FILEPIPE_AMQP_QUEUE"
	EnvAMQPPrefetch        = "FILEPIPE_AMQP_PREFETCH"
	EnvDeliveryMaxAttempts = "FILEPIPE_DELIVERY_MAX_ATTEMPTS"
	EnvOutboxBatchSize     = "FILEPIPE_OUTBOX_PUBLISH_BATCH_SIZE"
	EnvOutboxMaxAttempts   = "FILEPIPE_OUTBOX_MAX_ATTEMPTS"
	EnvOutboxTransport     = "FILEPIPE_OUTBOX_TRANSPORT"
	EnvPubSubProjectID     = "FILEPIPE_PUBSUB_PROJECT_ID"
	EnvSagaTimeout         = "FILEPIPE_SAGA_TIMEOUT"
	EnvSagaSchema          = "FILEPIPE_SAGA_SCHEMA"
	EnvNotifySchema        = "FILEPIPE_NOTIFY_SCHEMA"
	EnvRedisURL            = "FILEPIPE_REDIS_URL"

	EnvValidationAllowedTypes = "FILEPIPE_VALIDATION_ALLOWED_TYPES"
	EnvStorageDriver          = "FILEPIPE_STORAGE_DRIVER"

	ServiceKindValidator   = "validator"
	ServiceKindMetadata    = "metadata"
	ServiceKindThumbnail   = "thumbnail"
	ServiceKindProjection  = "projection"
	ServiceKindNotify      = "notify"
	ServiceKindSagaTracker = "saga-tracker"

	OutboxTransportAMQP   = "amqp"
	OutboxTransportPubSub = "pubsub"

	StorageDriverMinio = "minio"
	StorageDriverGCS   = "gcs"
)

var dbPartEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
