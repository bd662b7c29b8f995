package bootstrap

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config is the resolved runtime configuration of the custody service.
type Config struct {
	ServiceID string
	Debug     bool

	HTTPPort int
	GRPCPort int

	Store       string
	DatabaseURL string
	MaxDBConns  int32
	RedisURL    string

	KafkaBrokers []string
	KafkaTopic   string

	MasterKeyHex       string
	JWTSecret          string
	FactoryRootPubKey  string
	ReceiptKeyHex      string
	AllowEphemeralKeys bool

	RiskEndpoint  string
	RiskTimeout   time.Duration
	RiskBlocklist []string

	SessionTTL       time.Duration
	SessionRetention time.Duration
	TransferWindow   time.Duration
	LockoutThreshold int
	LockoutWindow    time.Duration

	SweepInterval      time.Duration
	SweepBatch         int
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
}

// configFile mirrors configs/default.yaml. The same schema is accepted as TOML.
type configFile struct {
	Service struct {
		ID       string `yaml:"id" toml:"id"`
		HTTPPort int    `yaml:"http_port" toml:"http_port"`
		GRPCPort int    `yaml:"grpc_port" toml:"grpc_port"`
		Debug    bool   `yaml:"debug" toml:"debug"`
	} `yaml:"service" toml:"service"`
	Dependencies struct {
		Store        string   `yaml:"store" toml:"store"`
		PostgresURL  string   `yaml:"postgres_url" toml:"postgres_url"`
		MaxDBConns   int      `yaml:"max_db_conns" toml:"max_db_conns"`
		RedisURL     string   `yaml:"redis_url" toml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers" toml:"kafka_brokers"`
		KafkaTopic   string   `yaml:"kafka_topic" toml:"kafka_topic"`
		RiskEndpoint string   `yaml:"risk_endpoint" toml:"risk_endpoint"`
		RiskTimeout  string   `yaml:"risk_timeout" toml:"risk_timeout"`
	} `yaml:"dependencies" toml:"dependencies"`
	Keys struct {
		FactoryRootPubKey  string `yaml:"factory_root_pubkey" toml:"factory_root_pubkey"`
		AllowEphemeralKeys *bool  `yaml:"allow_ephemeral" toml:"allow_ephemeral"`
	} `yaml:"keys" toml:"keys"`
	Custody struct {
		SessionTTL       string   `yaml:"session_ttl" toml:"session_ttl"`
		SessionRetention string   `yaml:"session_retention" toml:"session_retention"`
		TransferWindow   string   `yaml:"transfer_window" toml:"transfer_window"`
		LockoutThreshold int      `yaml:"lockout_threshold" toml:"lockout_threshold"`
		LockoutWindow    string   `yaml:"lockout_window" toml:"lockout_window"`
		RiskBlocklist    []string `yaml:"risk_blocklist" toml:"risk_blocklist"`
	} `yaml:"custody" toml:"custody"`
	Workers struct {
		SweepInterval      string `yaml:"sweep_interval" toml:"sweep_interval"`
		SweepBatch         int    `yaml:"sweep_batch" toml:"sweep_batch"`
		OutboxPollInterval string `yaml:"outbox_poll_interval" toml:"outbox_poll_interval"`
		OutboxBatchSize    int    `yaml:"outbox_batch_size" toml:"outbox_batch_size"`
	} `yaml:"workers" toml:"workers"`
}

// LoadConfig resolves configuration in priority order: defaults -> file -> env. A missing file
// is not an error; secrets are expected from the environment.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:          "tapcustody",
		HTTPPort:           8080,
		GRPCPort:           9090,
		Store:              StoreMemory,
		MaxDBConns:         20,
		KafkaTopic:         "custody.events",
		AllowEphemeralKeys: true,
		RiskTimeout:        2 * time.Second,
		SessionTTL:         30 * time.Second,
		SessionRetention:   time.Hour,
		TransferWindow:     10 * time.Minute,
		LockoutThreshold:   5,
		LockoutWindow:      5 * time.Minute,
		SweepInterval:      time.Minute,
		SweepBatch:         100,
		OutboxPollInterval: 2 * time.Second,
		OutboxBatchSize:    100,
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		var f configFile
		if err := decodeFile(path, raw, &f); err != nil {
			return Config{}, err
		}
		if err := f.apply(&cfg); err != nil {
			return Config{}, err
		}
	case !os.IsNotExist(err):
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, raw []byte, f *configFile) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), f); err != nil {
			return fmt.Errorf("parse toml config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(raw, f); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	}
	return nil
}

func (f configFile) apply(cfg *Config) error {
	if f.Service.ID != "" {
		cfg.ServiceID = f.Service.ID
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		cfg.GRPCPort = f.Service.GRPCPort
	}
	cfg.Debug = cfg.Debug || f.Service.Debug

	if f.Dependencies.Store != "" {
		cfg.Store = f.Dependencies.Store
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.MaxDBConns > 0 {
		cfg.MaxDBConns = int32(f.Dependencies.MaxDBConns)
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	if f.Dependencies.KafkaTopic != "" {
		cfg.KafkaTopic = f.Dependencies.KafkaTopic
	}
	if f.Dependencies.RiskEndpoint != "" {
		cfg.RiskEndpoint = f.Dependencies.RiskEndpoint
	}
	if f.Keys.FactoryRootPubKey != "" {
		cfg.FactoryRootPubKey = f.Keys.FactoryRootPubKey
	}
	if f.Keys.AllowEphemeralKeys != nil {
		cfg.AllowEphemeralKeys = *f.Keys.AllowEphemeralKeys
	}
	if f.Custody.LockoutThreshold > 0 {
		cfg.LockoutThreshold = f.Custody.LockoutThreshold
	}
	if len(f.Custody.RiskBlocklist) > 0 {
		cfg.RiskBlocklist = f.Custody.RiskBlocklist
	}
	if f.Workers.SweepBatch > 0 {
		cfg.SweepBatch = f.Workers.SweepBatch
	}
	if f.Workers.OutboxBatchSize > 0 {
		cfg.OutboxBatchSize = f.Workers.OutboxBatchSize
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"dependencies.risk_timeout", f.Dependencies.RiskTimeout, &cfg.RiskTimeout},
		{"custody.session_ttl", f.Custody.SessionTTL, &cfg.SessionTTL},
		{"custody.session_retention", f.Custody.SessionRetention, &cfg.SessionRetention},
		{"custody.transfer_window", f.Custody.TransferWindow, &cfg.TransferWindow},
		{"custody.lockout_window", f.Custody.LockoutWindow, &cfg.LockoutWindow},
		{"workers.sweep_interval", f.Workers.SweepInterval, &cfg.SweepInterval},
		{"workers.outbox_poll_interval", f.Workers.OutboxPollInterval, &cfg.OutboxPollInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Debug = envBool("DEBUG", cfg.Debug)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)

	cfg.Store = envOrDefault("STORE", cfg.Store)
	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopic = envOrDefault("KAFKA_TOPIC", cfg.KafkaTopic)

	cfg.MasterKeyHex = envOrDefault("MASTER_KEY_HEX", cfg.MasterKeyHex)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.FactoryRootPubKey = envOrDefault("FACTORY_ROOT_PUBKEY", cfg.FactoryRootPubKey)
	cfg.ReceiptKeyHex = envOrDefault("RECEIPT_KEY_HEX", cfg.ReceiptKeyHex)
	cfg.AllowEphemeralKeys = envBool("ALLOW_EPHEMERAL_KEYS", cfg.AllowEphemeralKeys)

	cfg.RiskEndpoint = envOrDefault("RISK_GRPC_ENDPOINT", cfg.RiskEndpoint)
	cfg.RiskBlocklist = envCSV("RISK_BLOCKLIST", cfg.RiskBlocklist)
	cfg.LockoutThreshold = envInt("LOCKOUT_THRESHOLD", cfg.LockoutThreshold)
	cfg.SweepBatch = envInt("SWEEP_BATCH", cfg.SweepBatch)
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)

	for name, dst := range map[string]*time.Duration{
		"RISK_TIMEOUT":         &cfg.RiskTimeout,
		"SESSION_TTL":          &cfg.SessionTTL,
		"SESSION_RETENTION":    &cfg.SessionRetention,
		"TRANSFER_WINDOW":      &cfg.TransferWindow,
		"LOCKOUT_WINDOW":       &cfg.LockoutWindow,
		"SWEEP_INTERVAL":       &cfg.SweepInterval,
		"OUTBOX_POLL_INTERVAL": &cfg.OutboxPollInterval,
	} {
		v, err := envDuration(name, *dst)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}

func (c Config) validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("missing DB_URL/POSTGRES_URL for postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	if c.MasterKeyHex == "" || c.JWTSecret == "" {
		if !c.AllowEphemeralKeys {
			return fmt.Errorf("missing MASTER_KEY_HEX or JWT_SECRET")
		}
	}
	if c.MasterKeyHex != "" {
		raw, err := hex.DecodeString(c.MasterKeyHex)
		if err != nil {
			return fmt.Errorf("MASTER_KEY_HEX: %w", err)
		}
		if len(raw) < 32 {
			return fmt.Errorf("MASTER_KEY_HEX must decode to at least 32 bytes")
		}
	}
	if c.SessionTTL <= 0 || c.TransferWindow <= 0 {
		return fmt.Errorf("session ttl and transfer window must be positive")
	}
	return nil
}

// envOrDefault returns an env var when present, otherwise the provided fallback.
func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	switch os.Getenv(name) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// envDuration accepts Go duration strings ("90s", "5m").
func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
