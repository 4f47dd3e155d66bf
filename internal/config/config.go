package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

var ErrConfigPathIsEmpty = errors.New("config path is empty")

const (
	QueueDriverRedis    = "redis"
	QueueDriverPostgres = "postgres"
)

type Config struct {
	App        `yaml:"app"`
	Logger     `yaml:"log"`
	Database   `yaml:"database"`
	Redis      `yaml:"redis"`
	HTTPServer `yaml:"http_server"`
	SMTP       `yaml:"smtp"`
	Queue      `yaml:"queue"`
	Worker     `yaml:"worker"`
	Fetcher    `yaml:"fetcher"`
	Kafka      `yaml:"kafka"`
}

type App struct {
	ServiceName string `yaml:"service_name" env:"APP_SERVICE_NAME" env-default:"nexora-dispatch"`
	Version     string `yaml:"version"      env:"APP_VERSION"      env-default:"0.1.0"`
}

type Logger struct {
	Level      string   `yaml:"level"       env:"LOG_LEVEL"       env-default:"info"`
	FormatJSON bool     `yaml:"format_json" env:"LOG_FORMAT_JSON"`
	Rotation   Rotation `yaml:"rotation"`
}

type Rotation struct {
	File       string `yaml:"file"        env:"LOG_FILE"`
	MaxSize    int    `yaml:"max_size"    env:"LOG_MAX_SIZE"    env-default:"10"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS" env-default:"3"`
	MaxAge     int    `yaml:"max_age"     env:"LOG_MAX_AGE"     env-default:"7"`
}

type Database struct {
	Host      string    `yaml:"host"      env:"DB_HOST"      env-default:"localhost"`
	Port      uint16    `yaml:"port"      env:"DB_PORT"      env-default:"5432"`
	User      string    `yaml:"user"      env:"DB_USER"      env-default:"postgres"`
	Password  string    `yaml:"-"         env:"DB_PASSWORD"`
	Name      string    `yaml:"name"      env:"DB_NAME"      env-default:"nexora"`
	SSLMode   string    `yaml:"ssl_mode"  env:"DB_SSL_MODE"  env-default:"disable"`
	MaxConns  int32     `yaml:"max_conns" env:"DB_MAX_CONNS" env-default:"10"`
	MinConns  int32     `yaml:"min_conns" env:"DB_MIN_CONNS" env-default:"1"`
	Migration Migration `yaml:"migration"`
}

type Migration struct {
	Path      string `yaml:"path"       env:"DB_MIGRATION_PATH"       env-default:"file://migrations"`
	AutoApply bool   `yaml:"auto_apply" env:"DB_MIGRATION_AUTO_APPLY"`
}

type Redis struct {
	Host     string `yaml:"host"     env:"REDIS_HOST"     env-default:"localhost"`
	Port     uint16 `yaml:"port"     env:"REDIS_PORT"     env-default:"6379"`
	Username string `yaml:"username" env:"REDIS_USERNAME"`
	Password string `yaml:"-"        env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"       env:"REDIS_DB"       env-default:"0"`
	UseTLS   bool   `yaml:"use_tls"  env:"REDIS_USE_TLS"  env-default:"false"`
}

type HTTPServer struct {
	Host     string  `yaml:"host"      env:"HTTP_HOST"      env-default:"0.0.0.0"`
	Port     uint16  `yaml:"port"      env:"HTTP_PORT"      env-default:"8080"`
	BasePath string  `yaml:"base_path" env:"HTTP_BASE_PATH" env-default:"/api"`
	Timeout  Timeout `yaml:"timeout"`
	CORS     CORS    `yaml:"cors"`
}

type Timeout struct {
	Request time.Duration `yaml:"request" env:"HTTP_TIMEOUT_REQUEST" env-default:"15s"`
	Read    time.Duration `yaml:"read"    env:"HTTP_TIMEOUT_READ"    env-default:"10s"`
	Write   time.Duration `yaml:"write"   env:"HTTP_TIMEOUT_WRITE"   env-default:"20s"`
	Idle    time.Duration `yaml:"idle"    env:"HTTP_TIMEOUT_IDLE"    env-default:"60s"`
}

type CORS struct {
	Enabled          bool          `yaml:"enabled"           env:"CORS_ENABLED"`
	AllowAllOrigins  bool          `yaml:"allow_all_origins" env:"CORS_ALLOW_ALL_ORIGINS" env-default:"false"`
	AllowOrigins     []string      `yaml:"allow_origins"     env:"CORS_ALLOW_ORIGINS"     env-separator:","`
	AllowMethods     []string      `yaml:"allow_methods"     env:"CORS_ALLOW_METHODS"     env-separator:"," env-default:"GET,POST,OPTIONS"`
	AllowHeaders     []string      `yaml:"allow_headers"     env:"CORS_ALLOW_HEADERS"     env-separator:"," env-default:"Origin,Content-Type,Accept"`
	ExposeHeaders    []string      `yaml:"expose_headers"    env:"CORS_EXPOSE_HEADERS"    env-separator:","`
	AllowCredentials bool          `yaml:"allow_credentials" env:"CORS_ALLOW_CREDENTIALS" env-default:"false"`
	MaxAge           time.Duration `yaml:"max_age"           env:"CORS_MAX_AGE"           env-default:"12h"`
}

// SMTP is the relay every job is delivered through; credentials come with each job.
type SMTP struct {
	Host               string        `yaml:"host"                 env:"SMTP_HOST"                 env-default:"smtp.gmail.com"`
	Port               int           `yaml:"port"                 env:"SMTP_PORT"                 env-default:"465"`
	DialTimeout        time.Duration `yaml:"dial_timeout"         env:"SMTP_DIAL_TIMEOUT"         env-default:"10s"`
	LocalName          string        `yaml:"local_name"           env:"SMTP_LOCAL_NAME"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" env:"SMTP_INSECURE_SKIP_VERIFY" env-default:"false"`
}

type Queue struct {
	Driver       string        `yaml:"driver"        env:"QUEUE_DRIVER"        env-default:"redis"`
	Name         string        `yaml:"name"          env:"QUEUE_NAME"          env-default:"emailQueue"`
	MaxAttempts  int           `yaml:"max_attempts"  env:"QUEUE_MAX_ATTEMPTS"  env-default:"3"`
	BackoffBase  time.Duration `yaml:"backoff_base"  env:"QUEUE_BACKOFF_BASE"  env-default:"1s"`
	BackoffCap   time.Duration `yaml:"backoff_cap"   env:"QUEUE_BACKOFF_CAP"   env-default:"5m"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"QUEUE_INITIAL_DELAY" env-default:"5s"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"     env:"QUEUE_LEASE_TTL"     env-default:"2m"`
}

type Worker struct {
	Count             int           `yaml:"count"               env:"WORKER_COUNT"               env-default:"4"`
	PollInterval      time.Duration `yaml:"poll_interval"       env:"WORKER_POLL_INTERVAL"       env-default:"500ms"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"     env:"WORKER_ATTEMPT_TIMEOUT"     env-default:"30s"`
	ReapInterval      time.Duration `yaml:"reap_interval"       env:"WORKER_REAP_INTERVAL"       env-default:"15s"`
	FailFastPermanent bool          `yaml:"fail_fast_permanent" env:"WORKER_FAIL_FAST_PERMANENT" env-default:"false"`
	StatusRetry       StatusRetry   `yaml:"status_retry"`
	Health            HealthServer  `yaml:"health"`
}

type StatusRetry struct {
	Attempts     int           `yaml:"attempts"      env:"STATUS_RETRY_ATTEMPTS"      env-default:"5"`
	Base         time.Duration `yaml:"base"          env:"STATUS_RETRY_BASE"          env-default:"500ms"`
	Cap          time.Duration `yaml:"cap"           env:"STATUS_RETRY_CAP"           env-default:"30s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"STATUS_RETRY_WRITE_TIMEOUT" env-default:"5s"`
}

type HealthServer struct {
	Host string `yaml:"host" env:"WORKER_HEALTH_HOST" env-default:"0.0.0.0"`
	Port uint16 `yaml:"port" env:"WORKER_HEALTH_PORT" env-default:"8081"`
}

type Fetcher struct {
	Timeout     time.Duration `yaml:"timeout"     env:"FETCHER_TIMEOUT"     env-default:"20s"`
	MaxBytes    int64         `yaml:"max_bytes"   env:"FETCHER_MAX_BYTES"   env-default:"26214400"`
	Concurrency int           `yaml:"concurrency" env:"FETCHER_CONCURRENCY" env-default:"4"`
}

type Kafka struct {
	Enable    bool      `yaml:"enable"  env:"KAFKA_ENABLE"  env-default:"false"`
	Brokers   []string  `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:","`
	Topic     string    `yaml:"topic"   env:"KAFKA_TOPIC"   env-default:"email.status"`
	Publisher Publisher `yaml:"publisher"`
}

type Publisher struct {
	Name         string        `yaml:"name"          env:"KAFKA_PUBLISHER_NAME"          env-default:"email-status-outbox"`
	WorkerCount  int           `yaml:"worker_count"  env:"KAFKA_PUBLISHER_WORKER_COUNT"  env-default:"2"`
	PollInterval time.Duration `yaml:"poll_interval" env:"KAFKA_PUBLISHER_POLL_INTERVAL" env-default:"1s"`
	BatchSize    int           `yaml:"batch_size"    env:"KAFKA_PUBLISHER_BATCH_SIZE"    env-default:"100"`
}

func MustLoadConfig() *Config {
	cfg, err := LoadConfig()
	if err != nil {
		panic(err)
	}

	return cfg
}

// LoadConfig reads the file named by -config or CONFIG_PATH, falling back
// to the environment when neither is set.
func LoadConfig() (*Config, error) {
	return loadConfig(fetchConfigPath())
}

func loadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}

		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Queue.Driver {
	case QueueDriverRedis, QueueDriverPostgres:
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}

	if c.Queue.BackoffBase <= 0 {
		return errors.New("queue.backoff_base must be positive")
	}

	if c.Queue.BackoffCap > 0 && c.Queue.BackoffCap < c.Queue.BackoffBase {
		return errors.New("queue.backoff_cap must not be below queue.backoff_base")
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be at least 1, got %d", c.Worker.Count)
	}

	if c.Queue.LeaseTTL <= c.Worker.AttemptTimeout {
		return fmt.Errorf("queue.lease_ttl (%s) must exceed worker.attempt_timeout (%s)", c.Queue.LeaseTTL, c.Worker.AttemptTimeout)
	}

	if c.Kafka.Enable && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}

	return nil
}

func MustPrintConfig(cfg *Config) {
	if err := PrintConfig(cfg); err != nil {
		panic(err)
	}
}

func PrintConfig(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	println(string(data))

	return nil
}

func fetchConfigPath() string {
	var result string

	flag.StringVar(&result, "config", "", "Path to config file")
	flag.Parse()

	if result == "" {
		result = os.Getenv("CONFIG_PATH")
	}

	return result
}
