/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payout-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	RailName                 string `mapstructure:"RAIL_NAME"`
	RailBaseURL              string `mapstructure:"RAIL_BASE_URL"`
	RailAPIKey               string `mapstructure:"RAIL_API_KEY"`
	WebhookSecret            string `mapstructure:"WEBHOOK_SECRET"`
	JWKSURL                  string `mapstructure:"JWKS_URL"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	MaxRetries               int    `mapstructure:"PAYOUT_MAX_RETRIES"`
	GatewayMaxAttempts       int    `mapstructure:"GATEWAY_MAX_ATTEMPTS"`
	DispatchIntervalSeconds  int    `mapstructure:"DISPATCH_INTERVAL_SECONDS"`
	DispatchBatchSize        int    `mapstructure:"DISPATCH_BATCH_SIZE"`
	WebhookRateLimitPerMin   int    `mapstructure:"WEBHOOK_RATE_LIMIT_PER_MINUTE"`
	ReconciliationSchedule   string `mapstructure:"RECONCILIATION_SCHEDULE"`
	StuckThresholdMinutes    int    `mapstructure:"STUCK_THRESHOLD_MINUTES"`
	DelayedThresholdMinutes  int    `mapstructure:"DELAYED_THRESHOLD_MINUTES"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("RAIL_NAME", "razorveda")
	viper.SetDefault("PAYOUT_MAX_RETRIES", 3)
	viper.SetDefault("GATEWAY_MAX_ATTEMPTS", 3)
	viper.SetDefault("DISPATCH_INTERVAL_SECONDS", 5)
	viper.SetDefault("DISPATCH_BATCH_SIZE", 20)
	viper.SetDefault("WEBHOOK_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("RECONCILIATION_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("STUCK_THRESHOLD_MINUTES", 30)
	viper.SetDefault("DELAYED_THRESHOLD_MINUTES", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYOUT_REDIS_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("RAIL_NAME")
	_ = viper.BindEnv("RAIL_BASE_URL")
	_ = viper.BindEnv("RAIL_API_KEY")
	_ = viper.BindEnv("WEBHOOK_SECRET")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYOUT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("PAYOUT_MAX_RETRIES")
	_ = viper.BindEnv("GATEWAY_MAX_ATTEMPTS")
	_ = viper.BindEnv("DISPATCH_INTERVAL_SECONDS")
	_ = viper.BindEnv("DISPATCH_BATCH_SIZE")
	_ = viper.BindEnv("WEBHOOK_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RECONCILIATION_SCHEDULE")
	_ = viper.BindEnv("STUCK_THRESHOLD_MINUTES")
	_ = viper.BindEnv("DELAYED_THRESHOLD_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYOUT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RailBaseURL = strings.TrimSpace(config.RailBaseURL)

	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.GatewayMaxAttempts <= 0 {
		config.GatewayMaxAttempts = 3
	}
	if config.DispatchIntervalSeconds <= 0 {
		config.DispatchIntervalSeconds = 5
	}
	if config.DispatchBatchSize <= 0 {
		config.DispatchBatchSize = 20
	}
	if config.StuckThresholdMinutes <= 0 {
		config.StuckThresholdMinutes = 30
	}
	if config.DelayedThresholdMinutes <= 0 {
		config.DelayedThresholdMinutes = 60
	}
	if strings.TrimSpace(config.ReconciliationSchedule) == "" {
		config.ReconciliationSchedule = "*/15 * * * *"
	}

	return
}
