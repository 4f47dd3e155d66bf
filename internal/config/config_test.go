package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
app:
  service_name: dispatch-test
log:
  level: debug
  format_json: false
queue:
  driver: postgres
  name: testQueue
  max_attempts: 2
  backoff_base: 200ms
  backoff_cap: 10s
  initial_delay: 2s
  lease_ttl: 1m
worker:
  count: 3
  attempt_timeout: 30s
kafka:
  enable: false
`

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}

	if cfg.ServiceName != "dispatch-test" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}

	if cfg.Queue.Driver != QueueDriverPostgres || cfg.Queue.MaxAttempts != 2 {
		t.Errorf("unexpected queue config: %+v", cfg.Queue)
	}

	if cfg.Queue.BackoffBase != 200*time.Millisecond || cfg.Queue.InitialDelay != 2*time.Second {
		t.Errorf("unexpected durations: %+v", cfg.Queue)
	}

	if cfg.Worker.Count != 3 {
		t.Errorf("Worker.Count = %d, want 3", cfg.Worker.Count)
	}

	// untouched sections keep their defaults
	if cfg.Fetcher.Concurrency != 4 || cfg.SMTP.Port != 465 {
		t.Errorf("defaults not applied: fetcher=%+v smtp=%+v", cfg.Fetcher, cfg.SMTP)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("SMTP_HOST", "smtp.example.com")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}

	if cfg.Queue.MaxAttempts != 5 || cfg.Worker.Count != 8 || cfg.SMTP.Host != "smtp.example.com" {
		t.Errorf("env not applied: queue=%+v worker=%+v smtp=%+v", cfg.Queue, cfg.Worker, cfg.SMTP)
	}

	if cfg.Queue.Driver != QueueDriverRedis {
		t.Errorf("Driver = %q, want default redis", cfg.Queue.Driver)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Queue: Queue{
				Driver:      QueueDriverRedis,
				MaxAttempts: 3,
				BackoffBase: time.Second,
				BackoffCap:  time.Minute,
				LeaseTTL:    time.Minute,
			},
			Worker: Worker{Count: 1, AttemptTimeout: 30 * time.Second},
		}
	}

	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Queue.Driver = "sqs" }, wantErr: "unknown queue driver"},
		{name: "zero attempts", mutate: func(c *Config) { c.Queue.MaxAttempts = 0 }, wantErr: "max_attempts"},
		{name: "no backoff", mutate: func(c *Config) { c.Queue.BackoffBase = 0 }, wantErr: "backoff_base"},
		{name: "cap below base", mutate: func(c *Config) { c.Queue.BackoffCap = time.Millisecond }, wantErr: "backoff_cap"},
		{name: "no workers", mutate: func(c *Config) { c.Worker.Count = 0 }, wantErr: "worker.count"},
		{name: "lease shorter than attempt", mutate: func(c *Config) { c.Queue.LeaseTTL = 10 * time.Second }, wantErr: "lease_ttl"},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Kafka.Enable = true }, wantErr: "brokers"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := loadConfig(filepath.Join("..", "..", "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("configs/config.yaml does not load: %v", err)
	}

	if !cfg.Database.Migration.AutoApply || !cfg.HTTPServer.CORS.Enabled {
		t.Errorf("explicit booleans lost: %+v %+v", cfg.Database.Migration, cfg.HTTPServer.CORS)
	}

	if cfg.Queue.Driver != QueueDriverRedis || cfg.Worker.Health.Port != 8081 {
		t.Errorf("unexpected config: %+v %+v", cfg.Queue, cfg.Worker.Health)
	}
}
