/**
 * @description
 * This package handles the configuration management for the escrow-service. It uses the
 * Viper library to read configuration from environment variables and an optional .env
 * file, then normalises out-of-range values with a warning instead of failing boot.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the escrow-service.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RunMigrations        bool   `mapstructure:"RUN_MIGRATIONS"`
	StoreDriver          string `mapstructure:"STORE_DRIVER"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventExchange        string `mapstructure:"EVENT_EXCHANGE"`
	DepositEventQueue    string `mapstructure:"DEPOSIT_EVENT_QUEUE"`
	WalletServiceURL     string `mapstructure:"WALLET_SERVICE_URL"`
	WalletServiceAPIKey  string `mapstructure:"WALLET_SERVICE_API_KEY"`
	OperatorWallet       string `mapstructure:"OPERATOR_WALLET"`
	OperatorKeyRef       string `mapstructure:"OPERATOR_KEY_REF"`
	RateServiceURL       string `mapstructure:"RATE_SERVICE_URL"`
	RateCacheTTLSeconds  int    `mapstructure:"RATE_CACHE_TTL_SECONDS"`
	// DefaultSOLRate is the fallback SOL price in FiatCurrency when the rate service is down.
	DefaultSOLRate    float64 `mapstructure:"DEFAULT_SOL_RATE"`
	DefaultSOLUSDRate float64 `mapstructure:"DEFAULT_SOL_USD_RATE"`
	FiatCurrency      string  `mapstructure:"FIAT_CURRENCY"`
	JWTSecret         string  `mapstructure:"JWT_SECRET"`

	CommissionMarkupPercent float64 `mapstructure:"COMMISSION_MARKUP_PERCENT"`
	WorkerCommissionPercent float64 `mapstructure:"WORKER_COMMISSION_PERCENT"`
	MinPaymentFiat          int64   `mapstructure:"MIN_PAYMENT_FIAT"`
	MaxPaymentFiat          int64   `mapstructure:"MAX_PAYMENT_FIAT"`
	PaymentTimeoutSeconds   int     `mapstructure:"PAYMENT_TIMEOUT_SECONDS"`
	TimeoutSweepSchedule    string  `mapstructure:"TIMEOUT_SWEEP_SCHEDULE"`
	PenaltyAmountUSD        float64 `mapstructure:"PENALTY_AMOUNT_USD"`
	WorkerActionRateLimit   int     `mapstructure:"WORKER_ACTION_RATE_LIMIT_PER_MINUTE"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	AdminIDs  string `mapstructure:"ADMIN_IDS"`
	WorkerIDs string `mapstructure:"WORKER_IDS"`
	TestMode  bool   `mapstructure:"TEST_MODE"`
}

var defaults = map[string]interface{}{
	"SERVER_PORT":                         "8080",
	"RUN_MIGRATIONS":                      true,
	"STORE_DRIVER":                        StoreDriverPostgres,
	"REDIS_RATE_LIMIT_PREFIX":             "escrow:rate_limit",
	"EVENT_EXCHANGE":                      "escrow.events",
	"DEPOSIT_EVENT_QUEUE":                 "escrow_service.deposits",
	"RATE_CACHE_TTL_SECONDS":              60,
	"DEFAULT_SOL_RATE":                    0.0,
	"DEFAULT_SOL_USD_RATE":                0.0,
	"FIAT_CURRENCY":                       "RUB",
	"COMMISSION_MARKUP_PERCENT":           10.0,
	"WORKER_COMMISSION_PERCENT":           5.0,
	"MIN_PAYMENT_FIAT":                    25_000,
	"MAX_PAYMENT_FIAT":                    1_000_000,
	"PAYMENT_TIMEOUT_SECONDS":             180,
	"TIMEOUT_SWEEP_SCHEDULE":              "@every 30s",
	"PENALTY_AMOUNT_USD":                  1.0,
	"WORKER_ACTION_RATE_LIMIT_PER_MINUTE": 10,
	"LOG_LEVEL":                           "info",
	"TEST_MODE":                           false,
}

var boundKeys = []string{
	"SERVER_PORT", "PORT", "DATABASE_URL", "RUN_MIGRATIONS", "STORE_DRIVER",
	"REDIS_URL", "REDIS_RATE_LIMIT_PREFIX", "RABBITMQ_URL", "EVENT_EXCHANGE", "DEPOSIT_EVENT_QUEUE",
	"WALLET_SERVICE_URL", "WALLET_SERVICE_API_KEY", "OPERATOR_WALLET", "OPERATOR_KEY_REF",
	"RATE_SERVICE_URL", "RATE_CACHE_TTL_SECONDS", "DEFAULT_SOL_RATE", "DEFAULT_SOL_USD_RATE",
	"FIAT_CURRENCY", "JWT_SECRET", "COMMISSION_MARKUP_PERCENT", "WORKER_COMMISSION_PERCENT",
	"MIN_PAYMENT_FIAT", "MAX_PAYMENT_FIAT", "PAYMENT_TIMEOUT_SECONDS", "TIMEOUT_SWEEP_SCHEDULE",
	"PENALTY_AMOUNT_USD", "WORKER_ACTION_RATE_LIMIT_PER_MINUTE", "LOG_LEVEL", "ADMIN_IDS",
	"WORKER_IDS", "TEST_MODE",
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	// Bind explicitly so keys without defaults appear in Unmarshal.
	for _, key := range boundKeys {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "ESCROW_REDIS_URL")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	normalize(&config)
	err = config.Validate()
	return
}

func normalize(config *Config) {
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "escrow:rate_limit"
	}
	config.FiatCurrency = strings.ToUpper(strings.TrimSpace(config.FiatCurrency))
	if config.FiatCurrency == "" {
		config.FiatCurrency = "RUB"
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))

	if config.CommissionMarkupPercent < 0 {
		log.Printf("level=warn component=config msg=\"negative markup configured; coercing to zero\" markup_percent=%f", config.CommissionMarkupPercent)
		config.CommissionMarkupPercent = 0
	}
	if config.WorkerCommissionPercent < 0 {
		log.Printf("level=warn component=config msg=\"negative worker commission configured; coercing to zero\" worker_percent=%f", config.WorkerCommissionPercent)
		config.WorkerCommissionPercent = 0
	}
	if config.WorkerCommissionPercent > config.CommissionMarkupPercent {
		log.Printf("level=warn component=config msg=\"worker commission exceeds markup; capping at markup\" worker_percent=%f markup_percent=%f", config.WorkerCommissionPercent, config.CommissionMarkupPercent)
		config.WorkerCommissionPercent = config.CommissionMarkupPercent
	}
	if config.MinPaymentFiat <= 0 {
		config.MinPaymentFiat = 25_000
	}
	if config.MaxPaymentFiat > 0 && config.MaxPaymentFiat < config.MinPaymentFiat {
		log.Printf("level=warn component=config msg=\"max payment below min; raising to min\" min=%d max=%d", config.MinPaymentFiat, config.MaxPaymentFiat)
		config.MaxPaymentFiat = config.MinPaymentFiat
	}
	if config.PaymentTimeoutSeconds <= 0 {
		config.PaymentTimeoutSeconds = 180
	}
	if config.PenaltyAmountUSD < 0 {
		log.Printf("level=warn component=config msg=\"negative penalty configured; coercing to zero\" penalty_usd=%f", config.PenaltyAmountUSD)
		config.PenaltyAmountUSD = 0
	}
	if config.WorkerActionRateLimit < 0 {
		config.WorkerActionRateLimit = 0
	}
	if config.RateCacheTTLSeconds <= 0 {
		config.RateCacheTTLSeconds = 60
	}
	if strings.TrimSpace(config.TimeoutSweepSchedule) == "" {
		config.TimeoutSweepSchedule = "@every 30s"
	}
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if _, err := ParseIDList(c.AdminIDs); err != nil {
		return fmt.Errorf("ADMIN_IDS: %w", err)
	}
	if _, err := ParseIDList(c.WorkerIDs); err != nil {
		return fmt.Errorf("WORKER_IDS: %w", err)
	}
	return nil
}

// ParseIDList parses a comma separated list of positive user ids.
func ParseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
