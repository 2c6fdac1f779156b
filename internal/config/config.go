package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	NotifyListenAddr    string
	IdleTimeout         time.Duration
	PollInterval        time.Duration
	Timezone            string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("QUILLMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("QUILLMAIL_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("QUILLMAIL_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("QUILLMAIL_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("QUILLMAIL_DB_USER", "quillmail"),
		DBPassword:          os.Getenv("QUILLMAIL_DB_PASSWORD"),
		DBName:              getEnvOrDefault("QUILLMAIL_DB_NAME", "quillmail"),
		DBSSLMode:           getEnvOrDefault("QUILLMAIL_DB_SSLMODE", "disable"),
		NotifyListenAddr:    getEnvOrDefault("QUILLMAIL_NOTIFY_ADDR", "127.0.0.1:8643"),
		IdleTimeout:         getEnvDurationOrDefault("QUILLMAIL_IDLE_TIMEOUT", 5*time.Minute),
		PollInterval:        getEnvDurationOrDefault("QUILLMAIL_POLL_INTERVAL", 60*time.Second),
		Timezone:            getEnvOrDefault("TZ", "UTC"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("QUILLMAIL_ENCRYPTION_KEY_BASE64 is required")
	}

	key, err := base64.StdEncoding.DecodeString(c.EncryptionKeyBase64)
	if err != nil {
		return fmt.Errorf("QUILLMAIL_ENCRYPTION_KEY_BASE64 is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("QUILLMAIL_ENCRYPTION_KEY_BASE64 must decode to 32 bytes, got %d", len(key))
	}

	if c.DBPassword == "" {
		return fmt.Errorf("QUILLMAIL_DB_PASSWORD is required")
	}

	if !isValidPort(c.DBPort) {
		return fmt.Errorf("QUILLMAIL_DB_PORT is not a valid port number: %q", c.DBPort)
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(c.DBUsername),
		url.QueryEscape(c.DBPassword),
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
