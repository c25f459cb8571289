// Package config содержит логику чтения конфигурации интернет-магазина.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const defaultRunAddress = "localhost:8080"

// Config содержит параметры конфигурации. Переменные окружения имеют приоритет над флагами.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	JWTSecret       string `env:"AUTH_JWT_SECRET"`
	MFACookieSecret string `env:"MFA_COOKIE_SECRET"`
	SecureCookies   bool   `env:"COOKIE_SECURE" envDefault:"true"`

	MPAccessToken     string        `env:"MP_ACCESS_TOKEN"`
	MPWebhookSecret   string        `env:"MP_WEBHOOK_SECRET"`
	MPAPIURL          string        `env:"MP_API_URL"`
	MPSandbox         bool          `env:"MP_SANDBOX"`
	SiteURL           string        `env:"SITE_URL" envDefault:"http://localhost:5173"`
	NotificationURL   string        `env:"NOTIFICATION_URL"`
	StalePendingAfter time.Duration `env:"STALE_PENDING_AFTER" envDefault:"30m"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	MailFrom     string `env:"MAIL_FROM"`

	MelhorEnvioToken string `env:"MELHOR_ENVIO_TOKEN"`
	MelhorEnvioURL   string `env:"MELHOR_ENVIO_URL"`
	StorePostalCode  string `env:"STORE_POSTAL_CODE"`
	ViaCEPURL        string `env:"VIACEP_URL"`

	CheckoutPerMinute int `env:"CHECKOUT_RATE_PER_MINUTE" envDefault:"10"`
}

// Parse считывает необязательный файл .env, затем переменные окружения, затем флаги командной строки.
func Parse() (*Config, error) {
	// Отсутствие .env вне разработки является нормой
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}

	return cfg, nil
}

// Validate возвращает все параметры, без которых сервер не может стартовать.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURI == "" {
		errs = append(errs, errors.New("DATABASE_URI is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET is required"))
	}
	if c.MPAccessToken == "" {
		errs = append(errs, errors.New("MP_ACCESS_TOKEN is required"))
	}
	if c.SMTPHost != "" && c.MailFrom == "" {
		errs = append(errs, errors.New("MAIL_FROM is required when SMTP_HOST is set"))
	}
	if c.StalePendingAfter <= 0 {
		errs = append(errs, errors.New("STALE_PENDING_AFTER must be positive"))
	}
	if c.CheckoutPerMinute <= 0 {
		errs = append(errs, errors.New("CHECKOUT_RATE_PER_MINUTE must be positive"))
	}
	return errors.Join(errs...)
}
