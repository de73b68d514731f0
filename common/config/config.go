package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Vault    VaultConfig
	Buffer   BufferConfig
	Node     NodeConfig
	LLM      LLMConfig
	Triggers TriggerConfig
	Manifest ManifestConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig holds broker settings for audit export and CDC intake
type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AuditTopic string
	CDCTopic   string
	GroupID    string
}

// VaultConfig holds remote secret store settings
type VaultConfig struct {
	Addr      string
	Token     string
	Namespace string
	FetchTimeout time.Duration
}

// BufferConfig holds offline buffer settings
type BufferConfig struct {
	Path          string
	MaxQueueSize  int
	RetryInterval time.Duration
}

// NodeConfig holds the execution node's identity and signing material
type NodeConfig struct {
	NodeID                string
	SigningPrivateKeyPEM  string
	SigningPublicKeyPEM   string
	CancellationDisabled  bool
	ScratchBytes          int64
	SerialGroups          bool
}

// LLMConfig holds the outbound parse-service settings
type LLMConfig struct {
	ServiceURL string
	Timeout    time.Duration
}

// TriggerConfig holds trigger driver settings
type TriggerConfig struct {
	MQTTBrokerURL string
	BindingsPath  string
	QueueSize     int
}

// ManifestConfig points at the service manifest document
type ManifestConfig struct {
	Path string
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "eyeflow"),
			User:        getEnv("POSTGRES_USER", "eyeflow"),
			Password:    getEnv("POSTGRES_PASSWORD", "eyeflow"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "audit-events"),
			CDCTopic:   getEnv("KAFKA_CDC_TOPIC", "cdc-events"),
			GroupID:    getEnv("KAFKA_GROUP_ID", "eyeflow-"+serviceName),
		},
		Vault: VaultConfig{
			Addr:         getEnv("VAULT_ADDR", ""),
			Token:        getEnv("VAULT_TOKEN", ""),
			Namespace:    getEnv("VAULT_NAMESPACE", ""),
			FetchTimeout: getEnvDuration("VAULT_FETCH_TIMEOUT", 5*time.Second),
		},
		Buffer: BufferConfig{
			Path:          getEnv("OFFLINE_BUFFER_PATH", "data/offline-buffer.ndjson"),
			MaxQueueSize:  getEnvInt("OFFLINE_BUFFER_MAX", 10000),
			RetryInterval: time.Duration(getEnvInt("OFFLINE_BUFFER_RETRY_MS", 15000)) * time.Millisecond,
		},
		Node: NodeConfig{
			NodeID:               getEnv("SVM_NODE_ID", defaultNodeID()),
			SigningPrivateKeyPEM: getEnv("SVM_SIGNING_PRIVATE_KEY_PEM", ""),
			SigningPublicKeyPEM:  getEnv("SVM_SIGNING_PUBLIC_KEY_PEM", ""),
			CancellationDisabled: getEnvBool("CANCELLATION_BUS_DISABLED", false),
			ScratchBytes:         int64(getEnvInt("SVM_SCRATCH_BYTES", 10*1024*1024)),
			SerialGroups:         getEnvBool("SVM_SERIAL_GROUPS", false),
		},
		LLM: LLMConfig{
			ServiceURL: getEnv("LLM_SERVICE_URL", "http://localhost:8001"),
			Timeout:    getEnvDuration("LLM_SERVICE_TIMEOUT", 30*time.Second),
		},
		Triggers: TriggerConfig{
			MQTTBrokerURL: getEnv("MQTT_BROKER_URL", ""),
			BindingsPath:  getEnv("TRIGGER_BINDINGS_PATH", "config/triggers.json"),
			QueueSize:     getEnvInt("TRIGGER_QUEUE_SIZE", 256),
		},
		Manifest: ManifestConfig{
			Path: getEnv("MANIFEST_PATH", "config/manifest.json"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_ENABLED is set but KAFKA_BROKERS is empty")
	}

	if c.Buffer.MaxQueueSize < 1 {
		return fmt.Errorf("OFFLINE_BUFFER_MAX must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

func defaultNodeID() string {
	if hostname, err := os.Hostname(); err == nil {
		return "svm-" + hostname
	}
	return "svm-node"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
