package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DB        DBConfig        `mapstructure:",squash"`
	HTTP      HTTPConfig      `mapstructure:",squash"`
	Provider  ProviderConfig  `mapstructure:",squash"`
	Redis     RedisConfig     `mapstructure:",squash"`
	RabbitMQ  RabbitMQConfig  `mapstructure:",squash"`
	Auth      AuthConfig      `mapstructure:",squash"`
	Ledger    LedgerConfig    `mapstructure:",squash"`
	Reconcile ReconcileConfig `mapstructure:",squash"`
	Log       LogConfig       `mapstructure:",squash"`
}

type DBConfig struct {
	Driver       string `mapstructure:"DB_DRIVER"`
	Host         string `mapstructure:"DB_HOST"`
	Port         int    `mapstructure:"DB_PORT"`
	User         string `mapstructure:"DB_USER"`
	Password     string `mapstructure:"DB_PASSWORD"`
	Name         string `mapstructure:"DB_NAME"`
	SSLMode      string `mapstructure:"DB_SSLMODE"`
	MaxOpenConns int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns int    `mapstructure:"DB_MAX_IDLE_CONNS"`
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"HTTP_ADDR"`
	ShutdownTimeout time.Duration `mapstructure:"HTTP_SHUTDOWN_TIMEOUT"`
}

type ProviderConfig struct {
	BaseURL       string        `mapstructure:"PROVIDER_BASE_URL"`
	APIKey        string        `mapstructure:"PROVIDER_API_KEY"`
	PublicKey     string        `mapstructure:"PROVIDER_PUBLIC_KEY"`
	SecretKey     string        `mapstructure:"PROVIDER_SECRET_KEY"`
	Timeout       time.Duration `mapstructure:"PROVIDER_TIMEOUT"`
	VerifyTimeout time.Duration `mapstructure:"PROVIDER_VERIFY_TIMEOUT"`
}

// RedisConfig: пустой URL отключает ограничение частоты и распределённые блокировки
type RedisConfig struct {
	URL                string        `mapstructure:"REDIS_URL"`
	Prefix             string        `mapstructure:"REDIS_PREFIX"`
	PurchasesPerMinute int           `mapstructure:"PURCHASE_RATE_LIMIT_PER_MINUTE"`
	ReconcileLockTTL   time.Duration `mapstructure:"RECONCILE_LOCK_TTL"`
}

// RabbitMQConfig: пустой URL переключает события на запись в лог
type RabbitMQConfig struct {
	URL      string `mapstructure:"RABBITMQ_URL"`
	Exchange string `mapstructure:"EVENTS_EXCHANGE"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"JWT_SECRET"`
}

type LedgerConfig struct {
	Currency string `mapstructure:"LEDGER_CURRENCY"`
	// DailySpendLimit в минимальных единицах, 0 отключает лимит
	DailySpendLimit         int64  `mapstructure:"DAILY_SPEND_LIMIT"`
	SpendLimitCountsPending bool   `mapstructure:"SPEND_LIMIT_COUNTS_PENDING"`
	Timezone                string `mapstructure:"LEDGER_TIMEZONE"`
}

type ReconcileConfig struct {
	// Schedule - cron выражение, пустая строка отключает фоновый перезапрос
	Schedule  string        `mapstructure:"RECONCILE_SCHEDULE"`
	MinAge    time.Duration `mapstructure:"RECONCILE_MIN_AGE"`
	BatchSize int           `mapstructure:"RECONCILE_BATCH_SIZE"`
}

type LogConfig struct {
	Dir string `mapstructure:"LOG_DIR"`
}

var defaults = map[string]interface{}{
	"DB_DRIVER":                      DriverPostgres,
	"DB_HOST":                        "localhost",
	"DB_PORT":                        5432,
	"DB_USER":                        "postgres",
	"DB_PASSWORD":                    "",
	"DB_NAME":                        "billpay",
	"DB_SSLMODE":                     "disable",
	"DB_MAX_OPEN_CONNS":              25,
	"DB_MAX_IDLE_CONNS":              10,
	"HTTP_ADDR":                      ":8080",
	"HTTP_SHUTDOWN_TIMEOUT":          "15s",
	"PROVIDER_BASE_URL":              "https://sandbox.vtpass.com/api",
	"PROVIDER_API_KEY":               "",
	"PROVIDER_PUBLIC_KEY":            "",
	"PROVIDER_SECRET_KEY":            "",
	"PROVIDER_TIMEOUT":               "30s",
	"PROVIDER_VERIFY_TIMEOUT":        "15s",
	"REDIS_URL":                      "",
	"REDIS_PREFIX":                   "billpay",
	"PURCHASE_RATE_LIMIT_PER_MINUTE": 10,
	"RECONCILE_LOCK_TTL":             "60s",
	"RABBITMQ_URL":                   "",
	"EVENTS_EXCHANGE":                "billpay.transactions",
	"JWT_SECRET":                     "",
	"LEDGER_CURRENCY":                "NGN",
	"DAILY_SPEND_LIMIT":              0,
	"SPEND_LIMIT_COUNTS_PENDING":     true,
	"LEDGER_TIMEZONE":                "Africa/Lagos",
	"RECONCILE_SCHEDULE":             "",
	"RECONCILE_MIN_AGE":              "5m",
	"RECONCILE_BATCH_SIZE":           100,
	"LOG_DIR":                        "logs",
}

// LoadConfig читает необязательный config.env из dir, затем переменные окружения.
// Переменные окружения имеют приоритет над файлом.
func LoadConfig(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, "config.env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load config.env: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	cfg.Redis.URL = strings.TrimSpace(cfg.Redis.URL)
	cfg.RabbitMQ.URL = strings.TrimSpace(cfg.RabbitMQ.URL)
	cfg.Ledger.Currency = strings.ToUpper(strings.TrimSpace(cfg.Ledger.Currency))
	cfg.Reconcile.Schedule = strings.TrimSpace(cfg.Reconcile.Schedule)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.Port <= 0 {
			return fmt.Errorf("invalid DB_PORT: %d", c.DB.Port)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("JWT_SECRET is required")
	}
	if strings.TrimSpace(c.Provider.BaseURL) == "" {
		return errors.New("PROVIDER_BASE_URL is required")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("invalid PROVIDER_TIMEOUT: %s", c.Provider.Timeout)
	}
	if c.Ledger.DailySpendLimit < 0 {
		return fmt.Errorf("invalid DAILY_SPEND_LIMIT: %d", c.Ledger.DailySpendLimit)
	}
	// младше MinAge покупка может ещё ждать провайдера
	if c.Reconcile.MinAge <= c.Provider.Timeout {
		return fmt.Errorf("RECONCILE_MIN_AGE (%s) must exceed PROVIDER_TIMEOUT (%s)", c.Reconcile.MinAge, c.Provider.Timeout)
	}
	if c.Reconcile.BatchSize <= 0 {
		return fmt.Errorf("invalid RECONCILE_BATCH_SIZE: %d", c.Reconcile.BatchSize)
	}
	if _, err := time.LoadLocation(c.Ledger.Timezone); err != nil {
		return fmt.Errorf("invalid LEDGER_TIMEZONE: %w", err)
	}
	return nil
}
