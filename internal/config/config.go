package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config carries every tunable the service needs, resolved once at startup
// and handed to constructors. No package reads viper after Load returns.
type Config struct {
	Server      ServerConfig
	Model       ModelConfig
	Classify    ClassifyConfig
	Calibration CalibrationConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Addr            string
	ShutdownTimeout int // seconds
	MaxUploadBytes  int64
}

// ModelConfig describes how to reach the external morph-detection service.
type ModelConfig struct {
	BaseURL       string
	TimeoutSec    int
	ProbeInterval int // seconds between background reachability probes
	MaxImageBytes int64
	Mock          bool // score in-process instead of calling the service
}

// ClassifyConfig bounds the score domain and fixes the severity scale.
type ClassifyConfig struct {
	ScoreMin float64
	ScoreMax float64
	Unit     float64 // one unit of model-score dispersion
}

type CalibrationConfig struct {
	TargetFraction float64 // genuine scores that must fall at or below the recommendation
	Concurrency    int     // concurrent score calls per run
	HistogramBins  int
}

type DatabaseConfig struct {
	DSN string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret   string
	JWTAudience string
}

type LoggingConfig struct {
	Level string
}

// Load reads config.yaml (working dir, ./config, /etc/morphgate) merged with
// MORPHGATE_ prefixed environment variables over the built-in defaults.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/morphgate")

	viper.SetEnvPrefix("MORPHGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the core components cannot operate under.
func (c *Config) Validate() error {
	if c.Classify.ScoreMin >= c.Classify.ScoreMax {
		return fmt.Errorf("classify score range [%f, %f] is empty", c.Classify.ScoreMin, c.Classify.ScoreMax)
	}
	if c.Classify.Unit <= 0 {
		return fmt.Errorf("classify unit must be positive, got %f", c.Classify.Unit)
	}
	if c.Calibration.TargetFraction <= 0 || c.Calibration.TargetFraction > 1 {
		return fmt.Errorf("calibration target fraction must be in (0, 1], got %f", c.Calibration.TargetFraction)
	}
	if c.Calibration.Concurrency < 1 {
		return fmt.Errorf("calibration concurrency must be at least 1, got %d", c.Calibration.Concurrency)
	}
	if c.Model.MaxImageBytes <= 0 {
		return fmt.Errorf("model max image bytes must be positive, got %d", c.Model.MaxImageBytes)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.shutdownTimeout", 15)
	viper.SetDefault("server.maxUploadBytes", 16<<20)

	viper.SetDefault("model.baseURL", "http://localhost:5000")
	viper.SetDefault("model.timeoutSec", 30)
	viper.SetDefault("model.probeInterval", 15)
	viper.SetDefault("model.maxImageBytes", 16<<20)
	viper.SetDefault("model.mock", false)

	viper.SetDefault("classify.scoreMin", -10.0)
	viper.SetDefault("classify.scoreMax", 10.0)
	viper.SetDefault("classify.unit", 1.0)

	viper.SetDefault("calibration.targetFraction", 0.95)
	viper.SetDefault("calibration.concurrency", 4)
	viper.SetDefault("calibration.histogramBins", 20)

	viper.SetDefault("database.dsn", "host=postgres user=postgres password=postgres dbname=morphgate port=5432 sslmode=disable")

	viper.SetDefault("redis.addr", "redis:6379")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("auth.jwtSecret", "dev-secret")

	viper.SetDefault("logging.level", "info")
}
