// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	API struct {
		BaseURL   string `validate:"required,url"`
		UserAgent string
	}
	Timeouts struct {
		Auth     time.Duration `validate:"gt=0"`
		Metadata time.Duration `validate:"gt=0"`
		Analysis time.Duration `validate:"gt=0"`
		Upgrade  time.Duration `validate:"gt=0"`
	}
	Sync struct {
		SessionTimeout    time.Duration `validate:"gt=0"`
		SaveTimeout       time.Duration `validate:"gt=0"`
		DuplicateWindow   time.Duration `validate:"gte=0"`
		RemoteIDThreshold int64         `validate:"gt=0"`
		HistoryPageSize   int           `validate:"gt=0,lte=500"`
		FreeScanLimit     int           `validate:"gte=0"`
	}
	Store struct {
		Driver string `validate:"oneof=file memory sqlite postgres"`
		Path   string
		DB     struct {
			Host         string
			Port         string
			User         string
			Password     string
			DBName       string
			SSLMode      string
			MaxOpenConns int
			MaxIdleConns int
			ConnLifetime time.Duration
		}
	}
	Analyzer struct {
		Backend  string        `validate:"oneof=api openai"`
		CacheTTL time.Duration `validate:"gte=0"`
	}
	GPT struct {
		APIKey  string
		Model   string
		BaseURL string
	}
	Telegram struct {
		Token string
	}
	Stripe struct {
		SecretKey  string
		PublicKey  string
		WebhookKey string
		ProductID  string
		PriceID    string
	}
	Server struct {
		Port         string
		ReadTimeout  time.Duration `validate:"gt=0"`
		WriteTimeout time.Duration `validate:"gt=0"`
		IdleTimeout  time.Duration `validate:"gt=0"`
	}
	Log struct {
		Level       string
		Development bool
		File        string
	}
	Navigation struct {
		SplashDuration time.Duration `validate:"gte=0"`
	}
	ShutdownTimeout time.Duration
}

// Load loads the configuration
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetConfigType("json")

	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")
	v.AddConfigPath("$HOME/.plant-doctor")

	setDefaults(v)

	// API_BASEURL style keys map onto API.BaseURL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		fmt.Fprintln(os.Stderr, "config file not found, using defaults and environment")
	}
	bindLegacyEnv(v)

	// Process any ${ENV_VAR} syntax in the config values
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
			envVar := strings.TrimPrefix(strings.TrimSuffix(value, "}"), "${")
			if envValue := os.Getenv(envVar); envValue != "" {
				v.Set(key, envValue)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks the fields every front end depends on.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ValidateBot checks the extra settings the Telegram front end needs.
func (c *Config) ValidateBot() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is not configured")
	}
	if c.Analyzer.Backend == "openai" && c.GPT.APIKey == "" {
		return fmt.Errorf("GPT API key is not configured")
	}
	return nil
}

// PaymentsEnabled reports whether Stripe checkout can be offered.
func (c *Config) PaymentsEnabled() bool {
	return c.Stripe.SecretKey != "" && c.Stripe.WebhookKey != "" && c.Stripe.PriceID != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("API.BaseURL", "https://api.jiva.app")
	v.SetDefault("API.UserAgent", "plant-doctor/1.0")

	v.SetDefault("Timeouts.Auth", 15*time.Second)
	v.SetDefault("Timeouts.Metadata", 5*time.Second)
	v.SetDefault("Timeouts.Analysis", 60*time.Second)
	v.SetDefault("Timeouts.Upgrade", 10*time.Second)

	v.SetDefault("Sync.SessionTimeout", 5*time.Second)
	v.SetDefault("Sync.SaveTimeout", 5*time.Second)
	v.SetDefault("Sync.DuplicateWindow", 5*time.Second)
	v.SetDefault("Sync.RemoteIDThreshold", int64(1_000_000_000))
	v.SetDefault("Sync.HistoryPageSize", 50)
	v.SetDefault("Sync.FreeScanLimit", 1)

	v.SetDefault("Store.Driver", "file")
	v.SetDefault("Store.Path", defaultStorePath())
	v.SetDefault("Store.DB.Host", "localhost")
	v.SetDefault("Store.DB.Port", "5432")
	v.SetDefault("Store.DB.User", "postgres")
	v.SetDefault("Store.DB.DBName", "plant_doctor")
	v.SetDefault("Store.DB.SSLMode", "disable")
	v.SetDefault("Store.DB.MaxOpenConns", 20)
	v.SetDefault("Store.DB.MaxIdleConns", 10)
	v.SetDefault("Store.DB.ConnLifetime", 5*time.Minute)

	v.SetDefault("Analyzer.Backend", "api")
	v.SetDefault("Analyzer.CacheTTL", 10*time.Minute)
	v.SetDefault("GPT.Model", "gpt-4o")

	v.SetDefault("Server.Port", "8080")
	v.SetDefault("Server.ReadTimeout", 10*time.Second)
	v.SetDefault("Server.WriteTimeout", 30*time.Second)
	v.SetDefault("Server.IdleTimeout", 120*time.Second)
	v.SetDefault("Log.Level", "info")
	v.SetDefault("Navigation.SplashDuration", 4*time.Second)
	v.SetDefault("ShutdownTimeout", 10*time.Second)
}

// bindLegacyEnv maps the flat variable names used in deployment
// environments onto config keys.
func bindLegacyEnv(v *viper.Viper) {
	env := map[string]string{
		"PLANT_API_URL":      "API.BaseURL",
		"TELEGRAM_TOKEN":     "Telegram.Token",
		"STORE_DRIVER":       "Store.Driver",
		"STORE_PATH":         "Store.Path",
		"DB_HOST":            "Store.DB.Host",
		"DB_PORT":            "Store.DB.Port",
		"DB_USER":            "Store.DB.User",
		"DB_PASSWORD":        "Store.DB.Password",
		"DB_NAME":            "Store.DB.DBName",
		"DB_SSL_MODE":        "Store.DB.SSLMode",
		"STRIPE_SECRET_KEY":  "Stripe.SecretKey",
		"STRIPE_PUBLIC_KEY":  "Stripe.PublicKey",
		"STRIPE_WEBHOOK_KEY": "Stripe.WebhookKey",
		"STRIPE_PRODUCT_ID":  "Stripe.ProductID",
		"STRIPE_PRICE_ID":    "Stripe.PriceID",
		"GPT_API_KEY":        "GPT.APIKey",
		"GPT_MODEL":          "GPT.Model",
		"ANALYZER_BACKEND":   "Analyzer.Backend",
		"SERVER_PORT":        "Server.Port",
		"LOG_LEVEL":          "Log.Level",
		"LOG_FILE":           "Log.File",
	}
	for name, key := range env {
		if value := os.Getenv(name); value != "" {
			v.Set(key, value)
		}
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "plant-doctor.json"
	}
	return home + "/.plant-doctor/state.json"
}
