/*
Package config loads the engine configuration.

SOURCES (later wins):
  1. Defaults below
  2. YAML file (--config flag, or ./payroll.yaml when present)
  3. Environment, PAYROLL_ prefix, dots become underscores:
     PAYROLL_HTTP_PORT=9090, PAYROLL_DATABASE_PATH=:memory:

EXAMPLE:
  http:
    port: 8080
    cors_origins: ["*"]
  database:
    path: payroll.db
  redis:
    enabled: true
    addr: localhost:6379
  log:
    level: info
    development: false
  rounding:
    method: HALF_UP
    precision: 2
  payroll:
    concurrency: 8
    audit_sweep_interval: 1h
  fiscal:
    tables_path: ./tables/mx2025.json
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/payroll-engine/rounding"
)

const envPrefix = "PAYROLL"

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Rounding RoundingConfig `mapstructure:"rounding"`
	Payroll  PayrollConfig  `mapstructure:"payroll"`
	Fiscal   FiscalConfig   `mapstructure:"fiscal"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

func (h HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", h.Port)
}

type DatabaseConfig struct {
	// Path is the SQLite file; ":memory:" for an ephemeral database.
	Path string `mapstructure:"path"`
}

// RedisConfig enables the shared rounding policy cache. Disabled means an
// in-process cache.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RoundingConfig is the policy of companies without their own.
type RoundingConfig struct {
	Method    string `mapstructure:"method"`
	Precision int32  `mapstructure:"precision"`
}

type PayrollConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// AuditSweepInterval is how often stored details are re-verified.
	// Zero disables the background sweep.
	AuditSweepInterval time.Duration `mapstructure:"audit_sweep_interval"`
}

type FiscalConfig struct {
	// TablesPath is an optional JSON catalog merged over the embedded
	// defaults.
	TablesPath string `mapstructure:"tables_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 60*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("database.path", "payroll.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "payroll:rounding:")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("rounding.method", string(rounding.DefaultPolicy.Method))
	v.SetDefault("rounding.precision", rounding.DefaultPolicy.Precision)

	v.SetDefault("payroll.concurrency", 8)
	v.SetDefault("payroll.audit_sweep_interval", time.Hour)

	v.SetDefault("fiscal.tables_path", "")
}

// Load reads the configuration. An empty path looks for an optional
// payroll.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("payroll")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Payroll.Concurrency <= 0 {
		return fmt.Errorf("payroll.concurrency must be positive, got %d", c.Payroll.Concurrency)
	}
	if c.Payroll.AuditSweepInterval < 0 {
		return fmt.Errorf("payroll.audit_sweep_interval must not be negative, got %s", c.Payroll.AuditSweepInterval)
	}
	if _, err := c.RoundingPolicy(); err != nil {
		return err
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// RoundingPolicy returns the configured default policy.
func (c *Config) RoundingPolicy() (rounding.Policy, error) {
	method, err := rounding.ParseMethod(c.Rounding.Method)
	if err != nil {
		return rounding.Policy{}, fmt.Errorf("rounding.method: %w", err)
	}
	p := rounding.Policy{Method: method, Precision: c.Rounding.Precision}
	if err := p.Validate(); err != nil {
		return rounding.Policy{}, fmt.Errorf("rounding: %w", err)
	}
	return p, nil
}

// Logger builds the process logger.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
