package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/forgepipe/enginecore/internal/platform/logger"
)

func GetEnv(key, defaultVal string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	return val
}

func GetEnvAsInt(key string, defaultVal int, log *logger.Logger) int {
	raw := GetEnv(key, "", log)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		if log != nil {
			log.Warn("invalid int environment variable, using default", "env_var", key, "value", raw)
		}
		return defaultVal
	}
	return n
}

func GetEnvAsDuration(key string, defaultVal time.Duration, log *logger.Logger) time.Duration {
	raw := GetEnv(key, "", log)
	if raw == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		if log != nil {
			log.Warn("invalid duration environment variable, using default", "env_var", key, "value", raw)
		}
		return defaultVal
	}
	return d
}

func GetEnvAsBool(key string, defaultVal bool, log *logger.Logger) bool {
	raw := strings.ToLower(strings.TrimSpace(GetEnv(key, "", log)))
	if raw == "" {
		return defaultVal
	}
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}

// Config is the process-wide configuration snapshot, loaded once at startup.
type Config struct {
	HTTPPort string
	JWTKey   string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresName     string

	RedisAddr string

	DispatcherWorkers      int
	DispatcherSoftLockTTL  time.Duration
	DispatcherMaxAttempts  int
	MessageRetryBaseDelay  time.Duration
	DispatcherPollInterval time.Duration

	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
	UseTemporal       bool

	UseRedisQueue bool

	DeployGRPCTarget  string
	RemoteTaskTimeout time.Duration

	EventsChannel string

	OTelEnabled  bool
	OTelEndpoint string
}

func Load(log *logger.Logger) Config {
	return Config{
		HTTPPort: GetEnv("PORT", "8080", log),
		JWTKey:   GetEnv("JWT_SECRET_KEY", "dev-secret", log),

		PostgresHost:     GetEnv("POSTGRES_HOST", "localhost", log),
		PostgresPort:     GetEnv("POSTGRES_PORT", "5432", log),
		PostgresUser:     GetEnv("POSTGRES_USER", "postgres", log),
		PostgresPassword: GetEnv("POSTGRES_PASSWORD", "", log),
		PostgresName:     GetEnv("POSTGRES_NAME", "enginecore", log),

		RedisAddr: GetEnv("REDIS_ADDR", "localhost:6379", log),

		DispatcherWorkers:      GetEnvAsInt("DISPATCHER_WORKERS", 8, log),
		DispatcherSoftLockTTL:  GetEnvAsDuration("DISPATCHER_SOFT_LOCK_TTL", 30*time.Second, log),
		DispatcherMaxAttempts:  GetEnvAsInt("DISPATCHER_MAX_ATTEMPTS", 1000, log),
		MessageRetryBaseDelay:  GetEnvAsDuration("MESSAGE_RETRY_BASE_DELAY", 30*time.Second, log),
		DispatcherPollInterval: GetEnvAsDuration("DISPATCHER_POLL_INTERVAL", 1*time.Second, log),

		TemporalHostPort:  GetEnv("TEMPORAL_HOST_PORT", "localhost:7233", log),
		TemporalNamespace: GetEnv("TEMPORAL_NAMESPACE", "default", log),
		TemporalTaskQueue: GetEnv("TEMPORAL_TASK_QUEUE", "pipeline-executions", log),
		UseTemporal:       GetEnvAsBool("USE_TEMPORAL_TRANSPORT", false, log),

		UseRedisQueue: GetEnvAsBool("USE_REDIS_QUEUE", false, log),

		DeployGRPCTarget:  GetEnv("DEPLOY_GRPC_TARGET", "", log),
		RemoteTaskTimeout: GetEnvAsDuration("REMOTE_TASK_TIMEOUT", 30*time.Second, log),

		EventsChannel: GetEnv("EVENTS_CHANNEL", "enginecore:events", log),

		OTelEnabled:  GetEnvAsBool("OTEL_ENABLED", false, log),
		OTelEndpoint: GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "", log),
	}
}
