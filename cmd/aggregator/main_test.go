package main

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/archon-research/stl-notional/internal/services/aggregator"
)

var configEnvKeys = []string{
	"DATABASE_URL", "MIGRATIONS_DIR", "MIGRATE_ON_START", "HTTP_ADDR", "HEALTH_ADDR",
	"CORS_ALLOWED_ORIGINS", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_KEY_PREFIX",
	"REDIS_CHANNEL", "ADD_POLICY", "TX_TIMEOUT", "LOCK_TIMEOUT", "RECONCILE_INTERVAL",
	"AWS_REGION", "AWS_SNS_TOPIC_ARN", "AWS_SNS_ENDPOINT", "AWS_SQS_QUEUE_URL",
	"AWS_SQS_ENDPOINT", "AWS_S3_REPORT_BUCKET", "AWS_S3_ENDPOINT",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "ENVIRONMENT",
}

// clearEnv blanks every variable parseConfig reads; blank counts as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configEnvKeys {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseConfig_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/orders")

	cfg, err := parseConfig([]string{"-env", ""})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost:5432/orders" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.HTTPAddr != ":8080" || cfg.HealthAddr != ":8081" {
		t.Errorf("addrs = %q %q", cfg.HTTPAddr, cfg.HealthAddr)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %q", cfg.Redis.Addr)
	}
	if cfg.Aggregator.ReconcileInterval != time.Minute || cfg.Aggregator.AddPolicy != "overwrite" {
		t.Errorf("Aggregator = %+v", cfg.Aggregator)
	}
	if cfg.MigrateOnStart {
		t.Error("MigrateOnStart should default to false")
	}
}

func TestParseConfig_Precedence(t *testing.T) {
	clearEnv(t)
	yamlPath := writeFile(t, "aggregator.yaml", `
databaseUrl: postgres://yaml/orders
httpAddr: ":9000"
healthAddr: ":9001"
redis:
  addr: yaml-redis:6379
  keyPrefix: yaml
aggregator:
  addPolicy: reject
  txTimeout: 3s
  reconcileInterval: 30s
aws:
  snsTopicArn: arn:aws:sns:eu-west-1:000000000000:totals
`)
	t.Setenv("REDIS_ADDR", "env-redis:6379")
	t.Setenv("RECONCILE_INTERVAL", "-1s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:3000, http://localhost:3001")

	cfg, err := parseConfig([]string{"-env", "", "-config", yamlPath, "-http", ":7000", "-migrate"})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"db from yaml", cfg.DatabaseURL, "postgres://yaml/orders"},
		{"http flag beats yaml", cfg.HTTPAddr, ":7000"},
		{"health from yaml", cfg.HealthAddr, ":9001"},
		{"redis env beats yaml", cfg.Redis.Addr, "env-redis:6379"},
		{"key prefix from yaml", cfg.Redis.KeyPrefix, "yaml"},
		{"add policy from yaml", cfg.Aggregator.AddPolicy, "reject"},
		{"tx timeout from yaml", cfg.Aggregator.TxTimeout, 3 * time.Second},
		{"interval env beats yaml", cfg.Aggregator.ReconcileInterval, -time.Second},
		{"lock timeout default", cfg.Aggregator.LockTimeout, 2 * time.Second},
		{"sns topic from yaml", cfg.AWS.SNSTopicARN, "arn:aws:sns:eu-west-1:000000000000:totals"},
		{"migrate flag", cfg.MigrateOnStart, true},
		{"cors origins", len(cfg.CORSAllowOrigins), 2},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestParseConfig_DotEnv(t *testing.T) {
	clearEnv(t)
	// godotenv never overrides a variable that exists, even blank.
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("HEALTH_ADDR")

	envPath := writeFile(t, ".env", "DATABASE_URL=postgres://dotenv/orders\nHEALTH_ADDR=:9999\n")
	cfg, err := parseConfig([]string{"-env", envPath})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.DatabaseURL != "postgres://dotenv/orders" || cfg.HealthAddr != ":9999" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		envVars   map[string]string
		wantError string
	}{
		{
			name:      "missing database URL",
			args:      []string{"-env", ""},
			wantError: "database URL not provided",
		},
		{
			name:      "invalid duration",
			args:      []string{"-env", "", "-db", "postgres://x"},
			envVars:   map[string]string{"TX_TIMEOUT": "soon"},
			wantError: "invalid TX_TIMEOUT",
		},
		{
			name:      "invalid redis db",
			args:      []string{"-env", "", "-db", "postgres://x"},
			envVars:   map[string]string{"REDIS_DB": "zero"},
			wantError: "invalid REDIS_DB",
		},
		{
			name:      "missing config file",
			args:      []string{"-env", "", "-config", "/nonexistent/aggregator.yaml"},
			wantError: "reading config file",
		},
		{
			name:      "invalid flag",
			args:      []string{"--nonexistent"},
			wantError: "flag provided but not defined",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			_, err := parseConfig(tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantError) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantError)
			}
		})
	}
}

func TestServiceHealth_BeforeStart(t *testing.T) {
	h := serviceHealth{svc: &atomic.Pointer[aggregator.Service]{}}
	if h.IsReady() {
		t.Error("ready before the aggregator started")
	}
	if !h.IsHealthy() {
		t.Error("unhealthy before the aggregator started")
	}
}
