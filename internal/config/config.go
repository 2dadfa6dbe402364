package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	SQLitePath  string
	// JWT Configuration
	JWTSecret  string
	StaffUsers map[string]string
	TokenTTL   time.Duration
	// Redis Configuration
	RedisHost           string
	RedisPort           string
	RedisPassword       string
	RedisDB             int
	UseCache            bool
	CacheTTL            time.Duration
	UseRedisIdempotency bool
	IdempotencyTTL      time.Duration
	// Kafka Configuration
	UseKafka                bool
	KafkaBrokers            []string
	KafkaTopicStock         string
	KafkaTopicOrders        string
	KafkaTopicNotifications string
	KafkaClientID           string
	KafkaGroupID            string
	KafkaAcks               string
	KafkaRetries            int
	// Ledger Configuration
	LedgerRetries      int
	LedgerRetryBackoff time.Duration
	ReconcileSchedule  string
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/ledger.db"),
		// JWT Configuration
		JWTSecret:  getEnv("JWT_SECRET", "your-secret-key-change-in-production-min-32-chars"),
		StaffUsers: parseUsers(getEnv("STAFF_USERS", "admin:admin123")),
		TokenTTL:   getEnvAsDuration("TOKEN_TTL", 10*time.Minute),
		// Redis Configuration
		RedisHost:           getEnv("REDIS_HOST", "localhost"),
		RedisPort:           getEnv("REDIS_PORT", "6379"),
		RedisPassword:       getEnv("REDIS_PASSWORD", ""),
		RedisDB:             getEnvAsInt("REDIS_DB", 0),
		UseCache:            getEnvAsBool("USE_CACHE", true),
		CacheTTL:            getEnvAsDuration("CACHE_TTL", 30*time.Second),
		UseRedisIdempotency: getEnvAsBool("USE_REDIS_IDEMPOTENCY", false),
		IdempotencyTTL:      getEnvAsDuration("IDEMPOTENCY_TTL", 5*time.Minute),
		// Kafka Configuration
		UseKafka:                getEnvAsBool("USE_KAFKA", false),
		KafkaBrokers:            splitList(getEnv("KAFKA_BROKERS", "localhost:9093")),
		KafkaTopicStock:         getEnv("KAFKA_TOPIC_STOCK", "ledger.stock"),
		KafkaTopicOrders:        getEnv("KAFKA_TOPIC_ORDERS", "ledger.orders"),
		KafkaTopicNotifications: getEnv("KAFKA_TOPIC_NOTIFICATIONS", "ledger.notifications"),
		KafkaClientID:           getEnv("KAFKA_CLIENT_ID", "stock-ledger"),
		KafkaGroupID:            getEnv("KAFKA_GROUP_ID", "stock-ledger-cache"),
		KafkaAcks:               getEnv("KAFKA_ACKS", "all"),
		KafkaRetries:            getEnvAsInt("KAFKA_RETRIES", 3),
		// Ledger Configuration
		LedgerRetries:      getEnvAsInt("LEDGER_RETRIES", 3),
		LedgerRetryBackoff: getEnvAsDuration("LEDGER_RETRY_BACKOFF", 20*time.Millisecond),
		ReconcileSchedule:  getEnv("RECONCILE_SCHEDULE", "@every 5m"),
	}
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseUsers reads "user:password,user2:password2".
func parseUsers(v string) map[string]string {
	users := make(map[string]string)
	for _, pair := range splitList(v) {
		name, pass, ok := strings.Cut(pair, ":")
		if !ok || name == "" {
			continue
		}
		users[name] = pass
	}
	return users
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return result
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
