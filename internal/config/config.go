// Package config содержит логику чтения конфигурации платёжного ядра Vectorise.
package config

import (
	"errors"
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации платёжного ядра.
type Config struct {
	RunAddress           string `env:"RUN_ADDRESS"`
	DatabaseURI          string `env:"DATABASE_URI"`
	CallbackBaseURL      string `env:"CALLBACK_BASE_URL"`
	FlutterwaveSecretKey string `env:"FLUTTERWAVE_SECRET_KEY"`
	PaystackSecretKey    string `env:"PAYSTACK_SECRET_KEY"`
	AdminToken           string `env:"ADMIN_TOKEN"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envCallbackBaseURL := cfg.CallbackBaseURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CallbackBaseURL, "c", "", "base URL the provider redirects back to after payment")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envCallbackBaseURL != "" {
		cfg.CallbackBaseURL = envCallbackBaseURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate проверяет конфигурацию на старте: отсутствие обязательных
// параметров — ошибка конфигурации, а не ошибка отдельного запроса.
func (c *Config) validate() error {
	if c.DatabaseURI == "" {
		return errors.New("database URI is required")
	}
	if c.FlutterwaveSecretKey == "" && c.PaystackSecretKey == "" {
		return errors.New("at least one provider secret key is required")
	}
	return nil
}
