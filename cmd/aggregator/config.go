package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/archon-research/stl-notional/internal/pkg/env"
)

// appConfig is the aggregator's runtime configuration. Values come from, in
// increasing precedence: defaults, the -config YAML file, the environment
// (optionally seeded from .env) and command-line flags.
type appConfig struct {
	DatabaseURL      string   `yaml:"databaseUrl"`
	MigrationsDir    string   `yaml:"migrationsDir"`
	MigrateOnStart   bool     `yaml:"migrateOnStart"`
	HTTPAddr         string   `yaml:"httpAddr"`
	HealthAddr       string   `yaml:"healthAddr"`
	CORSAllowOrigins []string `yaml:"corsAllowedOrigins"`

	Redis      redisConfig      `yaml:"redis"`
	Aggregator aggregatorConfig `yaml:"aggregator"`
	AWS        awsConfig        `yaml:"aws"`

	OTLPEndpoint string `yaml:"otlpEndpoint"`
	Environment  string `yaml:"environment"`
}

type redisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
	Channel   string `yaml:"channel"`
}

type aggregatorConfig struct {
	AddPolicy         string        `yaml:"addPolicy"`
	TxTimeout         time.Duration `yaml:"txTimeout"`
	LockTimeout       time.Duration `yaml:"lockTimeout"`
	ReconcileInterval time.Duration `yaml:"reconcileInterval"`
}

type awsConfig struct {
	Region         string `yaml:"region"`
	SNSTopicARN    string `yaml:"snsTopicArn"`
	SNSEndpoint    string `yaml:"snsEndpoint"`
	SQSQueueURL    string `yaml:"sqsQueueUrl"`
	SQSEndpoint    string `yaml:"sqsEndpoint"`
	S3ReportBucket string `yaml:"s3ReportBucket"`
	S3Endpoint     string `yaml:"s3Endpoint"`
}

func defaultAppConfig() appConfig {
	return appConfig{
		MigrationsDir: "./db/migrations",
		HTTPAddr:      ":8080",
		HealthAddr:    ":8081",
		Redis: redisConfig{
			Addr: "localhost:6379",
		},
		Aggregator: aggregatorConfig{
			AddPolicy:         "overwrite",
			TxTimeout:         5 * time.Second,
			LockTimeout:       2 * time.Second,
			ReconcileInterval: time.Minute,
		},
		AWS: awsConfig{
			Region: "eu-west-1",
		},
		Environment: "development",
	}
}

func parseConfig(args []string) (appConfig, error) {
	fs := flag.NewFlagSet("aggregator", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	envPath := fs.String("env", ".env", "path to a .env file (ignored if missing)")
	dbURL := fs.String("db", "", "PostgreSQL connection URL")
	httpAddr := fs.String("http", "", "API listen address")
	healthAddr := fs.String("health", "", "health probe listen address")
	migrate := fs.Bool("migrate", false, "apply migrations before starting")
	if err := fs.Parse(args); err != nil {
		return appConfig{}, err
	}

	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return appConfig{}, fmt.Errorf("loading %s: %w", *envPath, err)
		}
	}

	cfg := defaultAppConfig()
	if *configPath != "" {
		if err := loadYAML(*configPath, &cfg); err != nil {
			return appConfig{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return appConfig{}, err
	}

	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *healthAddr != "" {
		cfg.HealthAddr = *healthAddr
	}
	if *migrate {
		cfg.MigrateOnStart = true
	}

	if cfg.DatabaseURL == "" {
		return appConfig{}, fmt.Errorf("database URL not provided (use -db flag or DATABASE_URL env var)")
	}
	if cfg.Redis.Addr == "" {
		return appConfig{}, fmt.Errorf("redis address not provided (REDIS_ADDR)")
	}
	return cfg, nil
}

func loadYAML(path string, cfg *appConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *appConfig) error {
	cfg.DatabaseURL = env.Get("DATABASE_URL", cfg.DatabaseURL)
	cfg.MigrationsDir = env.Get("MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.HTTPAddr = env.Get("HTTP_ADDR", cfg.HTTPAddr)
	cfg.HealthAddr = env.Get("HEALTH_ADDR", cfg.HealthAddr)
	if origins := env.GetList("CORS_ALLOWED_ORIGINS"); len(origins) > 0 {
		cfg.CORSAllowOrigins = origins
	}

	cfg.Redis.Addr = env.Get("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = env.Get("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.KeyPrefix = env.Get("REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)
	cfg.Redis.Channel = env.Get("REDIS_CHANNEL", cfg.Redis.Channel)

	cfg.Aggregator.AddPolicy = env.Get("ADD_POLICY", cfg.Aggregator.AddPolicy)

	cfg.AWS.Region = env.Get("AWS_REGION", cfg.AWS.Region)
	cfg.AWS.SNSTopicARN = env.Get("AWS_SNS_TOPIC_ARN", cfg.AWS.SNSTopicARN)
	cfg.AWS.SNSEndpoint = env.Get("AWS_SNS_ENDPOINT", cfg.AWS.SNSEndpoint)
	cfg.AWS.SQSQueueURL = env.Get("AWS_SQS_QUEUE_URL", cfg.AWS.SQSQueueURL)
	cfg.AWS.SQSEndpoint = env.Get("AWS_SQS_ENDPOINT", cfg.AWS.SQSEndpoint)
	cfg.AWS.S3ReportBucket = env.Get("AWS_S3_REPORT_BUCKET", cfg.AWS.S3ReportBucket)
	cfg.AWS.S3Endpoint = env.Get("AWS_S3_ENDPOINT", cfg.AWS.S3Endpoint)

	cfg.OTLPEndpoint = env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.Environment = env.Get("ENVIRONMENT", cfg.Environment)

	var err error
	if cfg.Redis.DB, err = env.GetInt("REDIS_DB", cfg.Redis.DB); err != nil {
		return err
	}
	if cfg.MigrateOnStart, err = env.GetBool("MIGRATE_ON_START", cfg.MigrateOnStart); err != nil {
		return err
	}
	if cfg.Aggregator.TxTimeout, err = env.GetDuration("TX_TIMEOUT", cfg.Aggregator.TxTimeout); err != nil {
		return err
	}
	if cfg.Aggregator.LockTimeout, err = env.GetDuration("LOCK_TIMEOUT", cfg.Aggregator.LockTimeout); err != nil {
		return err
	}
	if cfg.Aggregator.ReconcileInterval, err = env.GetDuration("RECONCILE_INTERVAL", cfg.Aggregator.ReconcileInterval); err != nil {
		return err
	}
	return nil
}
