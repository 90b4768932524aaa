package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const minAuthSecretLength = 32

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	DatabaseMigrate       bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuditStream           string
	AuditBuffer           int
	AuthSecret            string
	AccessTokenTTLMinutes int
	TxMaxAttempts         int
	TxTimeoutMS           int
	SaleCacheTTLSeconds   int
	SeedFile              string
	LogLevel              string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DatabaseMigrate:       getBool("DATABASE_MIGRATE", true),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuditStream:           getEnv("AUDIT_STREAM", "kasirledger:audit"),
		AuditBuffer:           getPositiveInt("AUDIT_BUFFER", 1024),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		TxMaxAttempts:         getPositiveInt("TX_MAX_ATTEMPTS", 4),
		TxTimeoutMS:           getPositiveInt("TX_TIMEOUT_MS", 5000),
		SaleCacheTTLSeconds:   getPositiveInt("SALE_CACHE_TTL_SECONDS", 600),
		SeedFile:              strings.TrimSpace(os.Getenv("SEED_FILE")),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}

	return cfg
}

// Validate reports settings the server must not start with.
func (c Config) Validate() error {
	if len(c.AuthSecret) < minAuthSecretLength {
		return fmt.Errorf("AUTH_SECRET must be at least %d characters", minAuthSecretLength)
	}
	if c.Port == "" {
		return errors.New("PORT must not be empty")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) TxTimeout() time.Duration {
	return time.Duration(c.TxTimeoutMS) * time.Millisecond
}

func (c Config) SaleCacheTTL() time.Duration {
	return time.Duration(c.SaleCacheTTLSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return b
}
