package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Environment    string        `mapstructure:"environment"`
	ServerAddress  string        `mapstructure:"server.address"`
	ServerTimeout  time.Duration `mapstructure:"server.timeout"`
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
	LogLevel       string        `mapstructure:"logging.level"`
	LogFormat      string        `mapstructure:"logging.format"`
	DB             DatabaseConfig
	Upstream       UpstreamConfig
	Webhook        WebhookConfig
	Scheduler      SchedulerConfig
	Redis          RedisConfig
	Azure          AzureConfig
	Elastic        ElasticConfig
	Tracing        TracingConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	DSN             string        `mapstructure:"database.dsn"`
	MaxOpenConns    int           `mapstructure:"database.max_open_conns"`
	MaxIdleConns    int           `mapstructure:"database.max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"database.conn_max_lifetime"`
}

// UpstreamConfig holds the upstream POS API configuration.
// Retailer identifies the tenant; ClientID/ClientSecret feed the
// client-credentials token grant.
type UpstreamConfig struct {
	BaseURL      string        `mapstructure:"upstream.base_url"`
	AuthURL      string        `mapstructure:"upstream.auth_url"`
	Retailer     string        `mapstructure:"upstream.retailer"`
	ClientID     string        `mapstructure:"upstream.client_id"`
	ClientSecret string        `mapstructure:"upstream.client_secret"`
	Scope        string        `mapstructure:"upstream.scope"`
	Timeout      time.Duration `mapstructure:"upstream.timeout"`
}

// WebhookConfig holds webhook intake configuration
type WebhookConfig struct {
	Secret       string        `mapstructure:"webhook.secret"`
	SoftDeadline time.Duration `mapstructure:"webhook.soft_deadline"`
}

// SchedulerConfig holds cron scheduling configuration
type SchedulerConfig struct {
	Timezone         string `mapstructure:"scheduler.timezone"`
	TokenRefreshCron string `mapstructure:"scheduler.token_refresh_cron"`
	SweepCron        string `mapstructure:"scheduler.sweep_cron"`
	PriceTableCron   string `mapstructure:"scheduler.price_table_cron"`
	SweepMonthsBack  int    `mapstructure:"scheduler.sweep_months_back"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"redis.host"`
	Port     int    `mapstructure:"redis.port"`
	Password string `mapstructure:"redis.password"`
	DB       int    `mapstructure:"redis.db"`
	Enabled  bool   `mapstructure:"redis.enabled"`
}

// AzureConfig holds Azure Service Bus configuration
type AzureConfig struct {
	QueueConnStr string `mapstructure:"azure.queue_conn_str"`
	QueueName    string `mapstructure:"azure.queue_name"`
	Enabled      bool   `mapstructure:"azure.enabled"`
}

// ElasticConfig holds Elasticsearch configuration
type ElasticConfig struct {
	URL      string `mapstructure:"elastic.url"`
	Username string `mapstructure:"elastic.username"`
	Password string `mapstructure:"elastic.password"`
	Prefix   string `mapstructure:"elastic.prefix"`
	Enabled  bool   `mapstructure:"elastic.enabled"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	LicenseKey     string `mapstructure:"tracing.license_key"`
	AppName        string `mapstructure:"tracing.app_name"`
	LogLevel       string `mapstructure:"tracing.log_level"`
	LogEnabled     bool   `mapstructure:"tracing.log_enabled"`
	DistribTracing bool   `mapstructure:"tracing.distributed_tracing_enabled"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Setup configuration paths
	v.AddConfigPath(path)
	v.AddConfigPath("./config")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Try to read the YAML config first
	if err := v.ReadInConfig(); err != nil {
		// If YAML not found, try ENV file
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			v.SetConfigName("app")
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				// Continue even if no config file is found - we'll use ENV vars and defaults
				fmt.Printf("Warning: No configuration file found: %v\n", err)
			}
		} else {
			// Return if there's an error reading the found config file
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Enable environment variables to override config
	v.SetEnvPrefix("POSSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unable to unmarshal config: %w", err)
	}

	return config, nil
}

// Validate checks that required configuration is present. A failure here
// means the process must not start.
func (c Config) Validate() error {
	if c.DB.DSN == "" {
		return errors.New("database.dsn is required")
	}
	if c.Upstream.BaseURL == "" || c.Upstream.AuthURL == "" {
		return errors.New("upstream.base_url and upstream.auth_url are required")
	}
	if c.Upstream.Retailer == "" {
		return errors.New("upstream.retailer is required")
	}
	if c.Upstream.ClientID == "" || c.Upstream.ClientSecret == "" {
		return errors.New("upstream.client_id and upstream.client_secret are required")
	}
	if c.Webhook.Secret == "" {
		return errors.New("webhook.secret is required")
	}
	return nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Core settings
	v.SetDefault("environment", "development")
	v.SetDefault("server.address", "0.0.0.0:8080")
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("metrics_enabled", true)

	// Database settings
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")

	// Upstream POS settings
	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.auth_url", "")
	v.SetDefault("upstream.retailer", "")
	v.SetDefault("upstream.client_id", "")
	v.SetDefault("upstream.client_secret", "")
	v.SetDefault("upstream.scope", "")
	v.SetDefault("upstream.timeout", "30s")

	// Webhook settings
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.soft_deadline", "10s")

	// Scheduler settings
	v.SetDefault("scheduler.timezone", "Asia/Ho_Chi_Minh")
	v.SetDefault("scheduler.token_refresh_cron", "0 1 * * *")
	v.SetDefault("scheduler.sweep_cron", "0 2 * * *")
	v.SetDefault("scheduler.price_table_cron", "0 3 * * *")
	v.SetDefault("scheduler.sweep_months_back", 3)

	// Redis settings
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", true)

	// Azure settings
	v.SetDefault("azure.queue_name", "possync-events")
	v.SetDefault("azure.enabled", false)

	// Elasticsearch settings
	v.SetDefault("elastic.url", "http://localhost:9200")
	v.SetDefault("elastic.prefix", "possync")
	v.SetDefault("elastic.enabled", false)

	// Tracing settings
	v.SetDefault("tracing.app_name", "POS Sync Service")
	v.SetDefault("tracing.log_level", "info")
	v.SetDefault("tracing.log_enabled", true)
	v.SetDefault("tracing.distributed_tracing_enabled", true)

	// Logging settings
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// FormatIndex formats an Elasticsearch index name with the configured prefix
func FormatIndex(cfg ElasticConfig, index string) string {
	return cfg.Prefix + "-" + index
}
