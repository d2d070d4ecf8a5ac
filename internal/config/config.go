package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/safar/candy-planet/internal/apperr"
)

const (
	ProviderStripe = "stripe"
	ProviderSumUp  = "sumup"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Payment  PaymentConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Mongo    MongoConfig
	Workers  WorkersConfig
	Log      LogConfig
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type ServerConfig struct {
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	PublicBaseURL string
}

type AuthConfig struct {
	JWTSecret string
}

type PaymentConfig struct {
	Provider string
	Currency string
	Stripe   StripeConfig
	SumUp    SumUpConfig
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

type SumUpConfig struct {
	ClientID     string
	ClientSecret string
	MerchantCode string
	APIURL       string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
	CartTTL  time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

type WorkersConfig struct {
	PendingOrderTTL   time.Duration
	ExpirySweepEvery  time.Duration
	KeepaliveInterval time.Duration
	CartIdleEvict     time.Duration
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from the environment, after merging an optional .env file.
// Every missing required variable is reported in a single configuration error.
func Load() (*Config, error) {
	godotenv.Load()

	cfg := &Config{
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getEnvInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Server: ServerConfig{
			Port:          getEnv("SERVER_PORT", "8080"),
			ReadTimeout:   getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:  getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			PublicBaseURL: strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("AUTH_JWT_SECRET"),
		},
		Payment: PaymentConfig{
			Provider: strings.ToLower(getEnv("PAYMENT_PROVIDER", ProviderStripe)),
			Currency: "EUR",
			Stripe: StripeConfig{
				SecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
				WebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			},
			SumUp: SumUpConfig{
				ClientID:     os.Getenv("SUMUP_CLIENT_ID"),
				ClientSecret: os.Getenv("SUMUP_CLIENT_SECRET"),
				MerchantCode: os.Getenv("SUMUP_MERCHANT_CODE"),
				APIURL:       getEnv("SUMUP_API_URL", "https://api.sumup.com"),
			},
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
			CacheTTL: getEnvDuration("CATALOG_CACHE_TTL", 5*time.Minute),
			CartTTL:  getEnvDuration("CART_TTL", 30*24*time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:   getEnv("KAFKA_TOPIC", "order-topic"),
		},
		Mongo: MongoConfig{
			URI:        os.Getenv("MONGO_URI"),
			Database:   getEnv("MONGO_DATABASE", "candyplanet"),
			Collection: getEnv("MONGO_AUDIT_COLLECTION", "audit_logs"),
		},
		Workers: WorkersConfig{
			PendingOrderTTL:   getEnvDuration("PENDING_ORDER_TTL", 0),
			ExpirySweepEvery:  getEnvDuration("PENDING_ORDER_SWEEP_INTERVAL", time.Minute),
			KeepaliveInterval: getEnvDuration("KEEPALIVE_INTERVAL", 5*time.Minute),
			CartIdleEvict:     getEnvDuration("CART_IDLE_EVICT", 30*time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvBool("LOG_PRETTY", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var missing []string
	require := func(key, value string) {
		if value == "" {
			missing = append(missing, key)
		}
	}

	require("DATABASE_URL", c.Database.URL)
	require("AUTH_JWT_SECRET", c.Auth.JWTSecret)
	require("PUBLIC_BASE_URL", c.Server.PublicBaseURL)

	switch c.Payment.Provider {
	case ProviderStripe:
		require("STRIPE_SECRET_KEY", c.Payment.Stripe.SecretKey)
		require("STRIPE_WEBHOOK_SECRET", c.Payment.Stripe.WebhookSecret)
	case ProviderSumUp:
		require("SUMUP_CLIENT_ID", c.Payment.SumUp.ClientID)
		require("SUMUP_CLIENT_SECRET", c.Payment.SumUp.ClientSecret)
		require("SUMUP_MERCHANT_CODE", c.Payment.SumUp.MerchantCode)
	default:
		return apperr.Configuration("load config",
			fmt.Sprintf("PAYMENT_PROVIDER must be %q or %q, got %q", ProviderStripe, ProviderSumUp, c.Payment.Provider))
	}

	if len(missing) > 0 {
		return apperr.Configuration("load config", "missing required environment variables: "+strings.Join(missing, ", "))
	}
	return nil
}

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
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		fmt.Fprintf(os.Stderr, "Warning: invalid duration for %s, using default\n", key)
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
