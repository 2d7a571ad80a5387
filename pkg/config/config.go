// Package config loads ledger configuration from environment variables.
package config

import (
	"os"
	"strconv"
)

// Config holds daemon configuration.
type Config struct {
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	LogLevel         string
	HashAlgorithm    string
	SubscriberBuffer int
	SigningKeyID     string
	OTLPEndpoint     string
	OTLPEnabled      bool
}

// Load reads configuration from environment variables, falling back to
// local-development defaults.
func Load() *Config {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Embedded SQLite file next to the process.
		dbURL = "sqlite://covenant.db"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	hashAlg := os.Getenv("HASH_ALGORITHM")
	if hashAlg == "" {
		hashAlg = "sha256"
	}

	buffer := 0
	if v := os.Getenv("SUBSCRIBER_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			buffer = n
		}
	}

	redisDB := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			redisDB = n
		}
	}

	return &Config{
		DatabaseURL:      dbURL,
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          redisDB,
		LogLevel:         logLevel,
		HashAlgorithm:    hashAlg,
		SubscriberBuffer: buffer,
		SigningKeyID:     os.Getenv("SIGNING_KEY_ID"),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
		OTLPEnabled:      os.Getenv("OTLP_ENABLED") == "true",
	}
}
