package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServiceName string
	HTTPAddr    string
	GRPCAddr    string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost       string
	RedisPort       string
	RedisPassword   string
	ProductCacheTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	JaegerEndpoint string
	JWTSecret      string

	// LockTimeout bounds how long checkout waits for a product row lock.
	LockTimeout         time.Duration
	OrderNumberAttempts int
}

func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "storefront-service"),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8082"),
		GRPCAddr:    getEnv("GRPC_ADDR", ":50051"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "storefrontdb"),

		RedisHost:       getEnv("REDIS_HOST", "localhost"),
		RedisPort:       getEnv("REDIS_PORT", "6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		ProductCacheTTL: getDuration("PRODUCT_CACHE_TTL", 5*time.Minute),

		KafkaBrokers: strings.Split(getEnv("KAFKA_BROKER", "localhost:9092"), ","),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "order_events"),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		JWTSecret:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),

		LockTimeout:         getDuration("LOCK_TIMEOUT", 5*time.Second),
		OrderNumberAttempts: getInt("ORDER_NUMBER_ATTEMPTS", 3),
	}
}

// DSN returns the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
