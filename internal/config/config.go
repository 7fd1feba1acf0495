package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_shop/internal/cache"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	AppEnv          string
	LogLevel        string
	HTTPPort        string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration

	MongoURI    string
	MongoDBName string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Cache         cache.Options
	CachePrefixes map[cache.Kind]string
	Invalidation  cache.InvalidatorOptions

	Postgres PostgresConfig

	KafkaBrokers []string
	OrderTopic   string
	Outbox       OutboxConfig

	Checkout CheckoutConfig

	MidtransServerKey  string
	MidtransProduction bool
	PaymentTimeout     time.Duration

	JWTSecret string
}

type OutboxConfig struct {
	EventTick    time.Duration
	RecoveryTick time.Duration
	StuckAfter   time.Duration
	SessionTTL   time.Duration
}

// CheckoutConfig holds order charges added on top of the cart total.
type CheckoutConfig struct {
	TaxPrice      decimal.Decimal
	ShippingPrice decimal.Decimal
}

type PostgresConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	MigrationsDirPath string
}

// Load reads the environment, after merging an optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		AppEnv:          getEnv("APP_ENV", "dev"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),

		MongoURI:    getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		MongoDBName: getEnv("MONGO_DB_NAME", "shop"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		Cache: cache.Options{
			TTL:           getEnvDuration("CACHE_TTL", time.Hour),
			MaxJitter:     getEnvDuration("CACHE_TTL_JITTER", 5*time.Minute),
			ScanCount:     int64(getEnvInt("CACHE_SCAN_COUNT", 100)),
			MaxIterations: getEnvInt("CACHE_SCAN_MAX_ITERATIONS", 50),
		},
		CachePrefixes: loadPrefixes(),
		Invalidation: cache.InvalidatorOptions{
			QueueSize: getEnvInt("CACHE_INVALIDATION_QUEUE", 256),
			Workers:   getEnvInt("CACHE_INVALIDATION_WORKERS", 2),
			Timeout:   getEnvDuration("CACHE_INVALIDATION_TIMEOUT", 5*time.Second),
		},

		Postgres: PostgresConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", "postgres"),
			DBName:            getEnv("DB_NAME", "shop"),
			MigrationsDirPath: getEnv("MIGRATIONS_PATH", "./internal/sessions/migrations"),
		},

		KafkaBrokers: splitCSV(getEnv("KAFKA_BROKERS", "")),
		OrderTopic:   getEnv("KAFKA_ORDER_TOPIC", "orders.created"),
		Outbox: OutboxConfig{
			EventTick:    getEnvDuration("OUTBOX_EVENT_TICK", time.Second),
			RecoveryTick: getEnvDuration("OUTBOX_RECOVERY_TICK", 30*time.Second),
			StuckAfter:   getEnvDuration("CHECKOUT_STUCK_AFTER", 5*time.Minute),
			SessionTTL:   getEnvDuration("CHECKOUT_SESSION_TTL", 24*time.Hour),
		},

		Checkout: CheckoutConfig{
			TaxPrice:      getEnvDecimal("CHECKOUT_TAX_PRICE", decimal.Zero),
			ShippingPrice: getEnvDecimal("CHECKOUT_SHIPPING_PRICE", decimal.Zero),
		},

		MidtransServerKey:  getEnv("MIDTRANS_SERVER_KEY", ""),
		MidtransProduction: getEnv("MIDTRANS_ENV", "sandbox") == "production",
		PaymentTimeout:     getEnvDuration("PAYMENT_TIMEOUT", 10*time.Second),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret-please-change"),
	}
}

func loadPrefixes() map[cache.Kind]string {
	prefixes := cache.DefaultPrefixes()
	for kind := range prefixes {
		key := "CACHE_PREFIX_" + strings.ToUpper(string(kind))
		prefixes[kind] = getEnv(key, prefixes[kind])
	}
	return prefixes
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvDecimal(key string, def decimal.Decimal) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
