package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.yaml.in/yaml/v4"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Redis       RedisConfig       `yaml:"redis"`
	API         APIConfig         `yaml:"api"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Live        LiveConfig        `yaml:"live"`
	Simulator   SimulatorConfig   `yaml:"simulator"`
	Worker      WorkerConfig      `yaml:"worker"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
}

func (c DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	TrackingUpdatedTopicName string `yaml:"tracking_updated_topic_name"`
	SubscriptionsTopicName   string `yaml:"subscriptions_topic_name"`
}

// Enabled is false when no broker is configured; track-api then runs without live updates.
func (c KafkaConfig) Enabled() bool {
	return c.Host != ""
}

func (c KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Host, c.Port)}
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type APIConfig struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	HTTPAddr    string `yaml:"http_addr"`
	SwaggerPath string `yaml:"swagger_path"`
}

type PersistenceConfig struct {
	Backend            string `yaml:"backend"` // "memory" | "redis" | "postgres"
	SnapshotTTLSeconds int    `yaml:"snapshot_ttl_seconds"`
	DeleteOnLogout     bool   `yaml:"delete_on_logout"`
	SaveTimeoutMillis  int    `yaml:"save_timeout_millis"`
}

func (c PersistenceConfig) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSeconds) * time.Second
}

func (c PersistenceConfig) SaveTimeout() time.Duration {
	return time.Duration(c.SaveTimeoutMillis) * time.Millisecond
}

type LiveConfig struct {
	ConsumerGroup       string `yaml:"consumer_group"`
	ReconnectBaseMillis int    `yaml:"reconnect_base_millis"`
	ReconnectMaxMillis  int    `yaml:"reconnect_max_millis"`
	DedupeWindow        int    `yaml:"dedupe_window"`

	// HealthIntervalMillis is how often a connected link re-checks the brokers.
	HealthIntervalMillis int `yaml:"health_interval_millis"`
	HealthTimeoutMillis  int `yaml:"health_timeout_millis"`
}

func (c LiveConfig) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectBaseMillis) * time.Millisecond
}

func (c LiveConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMillis) * time.Millisecond
}

func (c LiveConfig) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalMillis) * time.Millisecond
}

func (c LiveConfig) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutMillis) * time.Millisecond
}

type SimulatorConfig struct {
	Enabled         *bool   `yaml:"enabled"`
	IntervalSeconds int     `yaml:"interval_seconds"`
	Probability     float64 `yaml:"probability"`
	Seed            int64   `yaml:"seed"`
	// AllowWithLive keeps the simulator running next to a real live channel.
	AllowWithLive bool `yaml:"allow_with_live"`
}

func (c SimulatorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Active reports whether the simulator should run given whether a live channel is wired.
func (c SimulatorConfig) Active(liveWired bool) bool {
	if c.Enabled != nil && !*c.Enabled {
		return false
	}
	return !liveWired || c.AllowWithLive
}

type WorkerConfig struct {
	HTTPAddr      string `yaml:"http_addr"`
	SwaggerPath   string `yaml:"swagger_path"`
	ConsumerGroup string `yaml:"consumer_group"`
	Registry      string `yaml:"registry"` // "memory" | "postgres"

	PollIntervalSeconds int            `yaml:"poll_interval_seconds"`
	BatchSize           int            `yaml:"batch_size"`
	Concurrency         int            `yaml:"concurrency"`
	LeaseSeconds        int            `yaml:"lease_seconds"`
	RateLimitPerMinute  int            `yaml:"rate_limit_per_minute"`
	CarrierRateLimits   map[string]int `yaml:"carrier_rate_limits"`
	DefaultCarrier      string         `yaml:"default_carrier"`

	// Планирование проверок. Если не задано, берутся значения планировщика по умолчанию.
	NextCheckInTransitMinSeconds int `yaml:"next_check_in_transit_min_seconds"`
	NextCheckInTransitMaxSeconds int `yaml:"next_check_in_transit_max_seconds"`
	NextCheckUnknownSeconds      int `yaml:"next_check_unknown_seconds"`
	Backoff1Seconds              int `yaml:"backoff_1_seconds"`
	Backoff2Seconds              int `yaml:"backoff_2_seconds"`
	Backoff3Seconds              int `yaml:"backoff_3_seconds"`
	Backoff4Seconds              int `yaml:"backoff_4_seconds"`

	CarrierEmulatorBaseURL string `yaml:"carrier_emulator_base_url"`
	CarrierEmulatorMode    string `yaml:"carrier_emulator_mode"` // "fake" | "emulatorv1" | "track24"
	CarrierEmulatorAPIKey  string `yaml:"carrier_emulator_api_key"`
	CarrierEmulatorDomain  string `yaml:"carrier_emulator_domain"`
}

// WithDefaults fills every unset field with its default.
func (c *Config) WithDefaults() *Config {
	setString(&c.Database.SSLMode, "disable")
	setInt(&c.Database.MaxConns, 10)
	setString(&c.Kafka.TrackingUpdatedTopicName, "tracking.updated")
	setString(&c.Kafka.SubscriptionsTopicName, "tracking.subscriptions")

	setString(&c.API.GRPCAddr, ":50051")
	setString(&c.API.HTTPAddr, ":8080")

	setString(&c.Persistence.Backend, BackendMemory)
	setInt(&c.Persistence.SaveTimeoutMillis, 5000)

	setString(&c.Live.ConsumerGroup, "track-api")
	setInt(&c.Live.ReconnectBaseMillis, 500)
	setInt(&c.Live.ReconnectMaxMillis, 30000)
	setInt(&c.Live.DedupeWindow, 1024)
	setInt(&c.Live.HealthIntervalMillis, 10000)
	setInt(&c.Live.HealthTimeoutMillis, 3000)

	if c.Simulator.Enabled == nil {
		on := true
		c.Simulator.Enabled = &on
	}
	setInt(&c.Simulator.IntervalSeconds, 30)
	if c.Simulator.Probability <= 0 || c.Simulator.Probability > 1 {
		c.Simulator.Probability = 0.3
	}

	setString(&c.Worker.HTTPAddr, ":8081")
	setString(&c.Worker.ConsumerGroup, "track-worker")
	setString(&c.Worker.Registry, BackendMemory)
	setInt(&c.Worker.PollIntervalSeconds, 2)
	setInt(&c.Worker.BatchSize, 100)
	setInt(&c.Worker.Concurrency, 10)
	setInt(&c.Worker.LeaseSeconds, 120)
	setInt(&c.Worker.RateLimitPerMinute, 120)
	setString(&c.Worker.DefaultCarrier, "EMULATOR")
	setString(&c.Worker.CarrierEmulatorMode, "fake")
	return c
}

func setString(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p <= 0 {
		*p = def
	}
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// Load reads configuration in order: .env (if present) → configPath env → --config flag.
// Without a file only defaults are used.
func Load() (*Config, error) {
	return LoadArgs(os.Args[1:])
}

func LoadArgs(args []string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		slog.Warn(".env not loaded", "error", err.Error())
	}

	path := os.Getenv("configPath")
	fs := pflag.NewFlagSet("ordertrack", pflag.ContinueOnError)
	fs.StringVarP(&path, "config", "c", path, "path to the YAML config")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	cfg := &Config{}
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.WithDefaults()

	switch cfg.Persistence.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return nil, fmt.Errorf("unknown persistence backend: %q", cfg.Persistence.Backend)
	}
	switch cfg.Worker.Registry {
	case BackendMemory, BackendPostgres:
	default:
		return nil, fmt.Errorf("unknown worker registry: %q", cfg.Worker.Registry)
	}
	return cfg, nil
}
