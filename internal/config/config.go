package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/api/option"
)

// LocationConfig represents one configured storage location
type LocationConfig struct {
	Type     string         `mapstructure:"type" validate:"required,oneof=immediate restoration"`
	Plugin   string         `mapstructure:"plugin" validate:"required,oneof=s3 gcs local glacier erasure"`
	Priority int            `mapstructure:"priority"`
	Enabled  bool           `mapstructure:"enabled"`
	Params   map[string]any `mapstructure:"params"`
}

// StoreConfig selects the durable store for references and requests
type StoreConfig struct {
	Type        string `mapstructure:"type" validate:"required,oneof=badger dynamodb"`
	BadgerDir   string `mapstructure:"badger_dir" validate:"required_if=Type badger"`
	TablePrefix string `mapstructure:"table_prefix"`
}

// CacheConfig describes the managed cache tier restored files are staged into
type CacheConfig struct {
	Dir             string `mapstructure:"dir" validate:"required"`
	Capacity        string `mapstructure:"capacity" validate:"required"`
	CapacityBytes   int64  `mapstructure:"-"`
	ExpirationHours int    `mapstructure:"expiration_hours" validate:"gt=0"`
}

// SchedulerConfig tunes the dispatcher and the job runner
type SchedulerConfig struct {
	Interval       time.Duration `mapstructure:"interval" validate:"gt=0"`
	PageSize       int           `mapstructure:"page_size" validate:"gt=0"`
	RequestsPerJob int           `mapstructure:"requests_per_job" validate:"gt=0,lte=100"`
	Workers        int           `mapstructure:"workers" validate:"gt=0"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval" validate:"gt=0"`
}

// GCSConfig overrides how the Google Cloud Storage client authenticates and
// where it connects. Both fields are optional.
type GCSConfig struct {
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
}

// Config holds the application configuration
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	// AwsConfig: AWS SDK uses a shared configuration object that contains
	// credentials, region, retry policies, etc. S3, DynamoDB, SSM and the
	// tagging API clients are all created from this single config.
	AwsConfig aws.Config `mapstructure:"-"`
	// GcsClient is only created when a location needs Google Cloud Storage.
	GcsClient             *storage.Client           `mapstructure:"-"`
	GCS                   GCSConfig                 `mapstructure:"gcs"`
	Store                 StoreConfig               `mapstructure:"store" validate:"required"`
	Cache                 CacheConfig               `mapstructure:"cache" validate:"required"`
	Scheduler             SchedulerConfig           `mapstructure:"scheduler" validate:"required"`
	RequestExpirationDays int                       `mapstructure:"request_expiration_days"`
	MetricsAddr           string                    `mapstructure:"metrics_addr"`
	Locations             map[string]LocationConfig `mapstructure:"locations" validate:"dive"`
}

// LoadConfig loads configuration from config.yaml, environment variables, or CLI flags
// Priority: CLI flags > Environment variables > config.yaml > defaults
func LoadConfig(configPath string, rootCmd *cobra.Command) (*Config, error) {
	if err := setupViper(configPath, rootCmd); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode configuration: %w", err)
	}

	awsConfig, err := loadAWSConfig()
	if err != nil {
		return nil, err
	}
	cfg.AwsConfig = awsConfig

	if needsSSM(&cfg) {
		if err := ResolveSSMParameters(context.Background(), ssm.NewFromConfig(awsConfig), &cfg); err != nil {
			return nil, err
		}
	}

	if err := Finalize(&cfg); err != nil {
		return nil, err
	}

	if needsGCS(&cfg) {
		gcsClient, err := loadGCSClient(cfg.GCS)
		if err != nil {
			return nil, err
		}
		cfg.GcsClient = gcsClient
	}

	return &cfg, nil
}

// Finalize derives computed fields and validates cfg.
func Finalize(cfg *Config) error {
	capacity, err := humanize.ParseBytes(cfg.Cache.Capacity)
	if err != nil {
		return fmt.Errorf("invalid cache capacity %q: %w", cfg.Cache.Capacity, err)
	}
	cfg.Cache.CapacityBytes = int64(capacity)

	for name := range cfg.Locations {
		if name == "" || strings.ContainsAny(name, ":/") {
			return fmt.Errorf("invalid location name %q: must be non-empty and contain neither ':' nor '/'", name)
		}
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// setupViper configures Viper with defaults, paths, and bindings
func setupViper(configPath string, rootCmd *cobra.Command) error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	setDefaults()
	viper.SetEnvPrefix("ZREF")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if rootCmd != nil {
		if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
			return fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("store.type", "badger")
	viper.SetDefault("store.badger_dir", "./data/db")
	viper.SetDefault("store.table_prefix", "zref_")
	viper.SetDefault("cache.dir", "./data/cache")
	viper.SetDefault("cache.capacity", "1 GB")
	viper.SetDefault("cache.expiration_hours", 24)
	viper.SetDefault("scheduler.interval", "10s")
	viper.SetDefault("scheduler.page_size", 1000)
	viper.SetDefault("scheduler.requests_per_job", 100)
	viper.SetDefault("scheduler.workers", 4)
	viper.SetDefault("scheduler.purge_interval", "1h")
	viper.SetDefault("request_expiration_days", 5)
	viper.SetDefault("metrics_addr", ":9090")
	viper.SetDefault("locations", map[string]interface{}{
		"local": map[string]interface{}{
			"type":     "immediate",
			"plugin":   "local",
			"priority": 0,
			"enabled":  true,
			"params": map[string]interface{}{
				"root": "./data/local",
			},
		},
	})
}

// loadAWSConfig loads AWS SDK configuration
func loadAWSConfig() (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return aws.Config{}, fmt.Errorf("unable to load AWS SDK config: %v", err)
	}
	return cfg, nil
}

// loadGCSClient creates the Google Cloud Storage client with application
// default credentials unless gcs overrides them.
func loadGCSClient(gcs GCSConfig) (*storage.Client, error) {
	client, err := storage.NewClient(context.Background(), gcsOptions(gcs)...)
	if err != nil {
		return nil, fmt.Errorf("unable to create GCS client: %v", err)
	}
	return client, nil
}

func gcsOptions(gcs GCSConfig) []option.ClientOption {
	var opts []option.ClientOption
	if gcs.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(gcs.CredentialsFile))
	}
	if gcs.Endpoint != "" {
		// Emulators such as fake-gcs-server take no credentials.
		opts = append(opts, option.WithEndpoint(gcs.Endpoint), option.WithoutAuthentication())
	}
	return opts
}

// needsGCS reports whether any location reads or writes Google Cloud Storage.
func needsGCS(cfg *Config) bool {
	for _, loc := range cfg.Locations {
		if loc.Plugin == "gcs" {
			return true
		}
		if loc.Plugin == "erasure" {
			for _, bucket := range stringList(loc.Params["buckets"]) {
				if strings.HasPrefix(bucket, "gs://") || strings.HasPrefix(bucket, "gcs:") {
					return true
				}
			}
		}
	}
	return false
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
