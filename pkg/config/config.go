package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment variables or config files.
type Config struct {
	AppEnv          string        `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`
	HTTPAddr        string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	// Path of the deployment store snapshot file.
	StorePath string `mapstructure:"STORE_PATH" validate:"required"`

	// Provisioner backend, selected once at startup.
	Provisioner        string        `mapstructure:"PROVISIONER" validate:"required,oneof=mock kubernetes vm"`
	ProvisionerTimeout time.Duration `mapstructure:"PROVISIONER_TIMEOUT" validate:"required"`

	AgentsNamespace string `mapstructure:"AGENTS_NAMESPACE" validate:"required"`
	AgentImage      string `mapstructure:"AGENT_IMAGE" validate:"required"`
	PlatformDomain  string `mapstructure:"PLATFORM_DOMAIN" validate:"required"`

	// Simulated VM provisioning step delay. Zero makes each step immediate.
	VMStepDelay time.Duration `mapstructure:"VM_STEP_DELAY"`

	TelegramAPIBase string `mapstructure:"TELEGRAM_API_BASE" validate:"required,url"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	// Load .env if present (non-fatal)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.AutomaticEnv()

	// Defaults
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8000")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("STORE_PATH", "deployments.json")
	v.SetDefault("PROVISIONER", "mock")
	v.SetDefault("PROVISIONER_TIMEOUT", "30s")
	v.SetDefault("AGENTS_NAMESPACE", "agents")
	v.SetDefault("AGENT_IMAGE", "your-registry/ai-agent:latest")
	v.SetDefault("PLATFORM_DOMAIN", "localhost")
	v.SetDefault("VM_STEP_DELAY", "5s")
	v.SetDefault("TELEGRAM_API_BASE", "https://api.telegram.org")
	v.SetDefault("GOMAXPROCS", 0)

	// Optional config file
	_ = v.ReadInConfig()

	// Bind env without prefix for convenience
	keys := []string{
		"APP_ENV",
		"HTTP_ADDR",
		"SHUTDOWN_TIMEOUT",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"STORE_PATH",
		"PROVISIONER",
		"PROVISIONER_TIMEOUT",
		"AGENTS_NAMESPACE",
		"AGENT_IMAGE",
		"PLATFORM_DOMAIN",
		"VM_STEP_DELAY",
		"TELEGRAM_API_BASE",
		"GOMAXPROCS",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	// Parse duration types that may come as string
	durations := map[string]*time.Duration{
		"SHUTDOWN_TIMEOUT":    &c.ShutdownTimeout,
		"PROVISIONER_TIMEOUT": &c.ProvisionerTimeout,
		"VM_STEP_DELAY":       &c.VMStepDelay,
	}
	for key, dst := range durations {
		if s := v.GetString(key); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = d
		}
	}

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}
