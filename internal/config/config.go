package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/SamSnead85/moneyloop-sub004/internal/conflict"
	"github.com/SamSnead85/moneyloop-sub004/internal/engine"
	"github.com/SamSnead85/moneyloop-sub004/internal/models"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultPullLimit applies to entity types listed without an explicit cap.
const defaultPullLimit = 500

// Config holds all environment-based configuration for moneyloop-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// LogFile, when set, receives logs through a size-rotated file in
	// addition to stdout.
	LogFile string `env:"LOG_FILE"`

	// Backend REST endpoint (required) and bearer token.
	BackendURL   string `env:"SYNC_BACKEND_URL"`
	BackendToken string `env:"SYNC_BACKEND_TOKEN"`

	// Realtime change feed. Without a URL the daemon runs interval sync
	// only. ScopeID names the shared household or workspace.
	RealtimeURL string `env:"SYNC_REALTIME_URL"`
	ScopeID     string `env:"SYNC_SCOPE_ID"`

	// DeviceID overrides the generated per-install identifier.
	DeviceID string `env:"SYNC_DEVICE_ID"`

	// StatePath is the bbolt file. Defaults to ~/.moneyloop/sync.db.
	StatePath string `env:"SYNC_STATE_PATH"`

	// EntityTypes is "name:limit,name:limit". EntityFile, when set, is a
	// YAML list that replaces it.
	EntityTypes string `env:"SYNC_ENTITY_TYPES" envDefault:"transactions:500,tasks:500,accounts:200,budgets:200"`
	EntityFile  string `env:"SYNC_ENTITY_FILE"`

	Interval         time.Duration `env:"SYNC_INTERVAL" envDefault:"30s"`
	PushBatch        int           `env:"SYNC_PUSH_BATCH" envDefault:"50"`
	RequestTimeout   time.Duration `env:"SYNC_REQUEST_TIMEOUT" envDefault:"15s"`
	RetryBase        time.Duration `env:"SYNC_RETRY_BASE" envDefault:"5s"`
	RetryMax         time.Duration `env:"SYNC_RETRY_MAX" envDefault:"5m"`
	MaxRetries       int           `env:"SYNC_MAX_RETRIES" envDefault:"10"`
	ConflictStrategy string        `env:"SYNC_CONFLICT_STRATEGY" envDefault:"remote"`
	SyncedRetention  time.Duration `env:"SYNC_SYNCED_RETENTION" envDefault:"168h"`

	HeartbeatInterval time.Duration `env:"SYNC_HEARTBEAT_INTERVAL" envDefault:"15s"`
	PresenceTTL       time.Duration `env:"SYNC_PRESENCE_TTL" envDefault:"45s"`

	// Connectivity sources. Both optional.
	HealthURL        string        `env:"SYNC_HEALTH_URL"`
	ProbeInterval    time.Duration `env:"SYNC_PROBE_INTERVAL" envDefault:"10s"`
	ConnectivityFile string        `env:"SYNC_CONNECTIVITY_FILE"`

	// ControlAddr, when set, serves the local control API. ControlToken
	// is then required as a Bearer token.
	ControlAddr  string `env:"SYNC_CONTROL_ADDR"`
	ControlToken string `env:"SYNC_CONTROL_TOKEN"`

	// OTLPEndpoint enables trace and metric export when set.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	trackedTypes []models.TrackedType
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the backend token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	cfg, err := parse()
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadLocal reads the same settings as Load but skips backend, realtime
// and engine validation. The maintenance commands only touch the state
// file and must work without a backend configured.
func LoadLocal() (*Config, error) {
	return parse()
}

func parse() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StatePath != "" {
		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("SYNC_BACKEND_URL is required")
	}

	if err := checkURL("SYNC_BACKEND_URL", c.BackendURL, "http", "https"); err != nil {
		return err
	}

	if c.IsProduction() && !strings.HasPrefix(c.BackendURL, "https://") {
		return fmt.Errorf("SYNC_BACKEND_URL must use https in production")
	}

	if c.RealtimeURL != "" {
		if err := checkURL("SYNC_REALTIME_URL", c.RealtimeURL, "ws", "wss"); err != nil {
			return err
		}

		if c.ScopeID == "" {
			return fmt.Errorf("SYNC_SCOPE_ID is required when SYNC_REALTIME_URL is set")
		}
	}

	if c.HealthURL != "" {
		if err := checkURL("SYNC_HEALTH_URL", c.HealthURL, "http", "https"); err != nil {
			return err
		}
	}

	if c.ControlAddr != "" {
		host, _, err := net.SplitHostPort(c.ControlAddr)
		if err != nil {
			return fmt.Errorf("SYNC_CONTROL_ADDR: %w", err)
		}

		if c.ControlToken == "" && !isLoopback(host) {
			return fmt.Errorf("SYNC_CONTROL_TOKEN is required when SYNC_CONTROL_ADDR is not a loopback address")
		}
	}

	if _, err := conflict.ParseStrategy(c.ConflictStrategy); err != nil {
		return fmt.Errorf("SYNC_CONFLICT_STRATEGY: %w", err)
	}

	if c.Interval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}

	if c.PushBatch <= 0 {
		return fmt.Errorf("SYNC_PUSH_BATCH must be positive")
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must not be negative")
	}

	if c.RetryMax > 0 && c.RetryBase > c.RetryMax {
		return fmt.Errorf("SYNC_RETRY_BASE (%s) exceeds SYNC_RETRY_MAX (%s)", c.RetryBase, c.RetryMax)
	}

	types, err := c.loadTrackedTypes()
	if err != nil {
		return err
	}

	c.trackedTypes = types

	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s must be an absolute %s URL, got %q", name, strings.Join(schemes, " or "), raw)
}

func (c *Config) loadTrackedTypes() ([]models.TrackedType, error) {
	if c.EntityFile == "" {
		types, err := ParseEntityTypes(c.EntityTypes)
		if err != nil {
			return nil, fmt.Errorf("SYNC_ENTITY_TYPES: %w", err)
		}

		return types, nil
	}

	f, err := os.Open(c.EntityFile)
	if err != nil {
		return nil, fmt.Errorf("SYNC_ENTITY_FILE: %w", err)
	}
	defer f.Close()

	types, err := DecodeEntityFile(f)
	if err != nil {
		return nil, fmt.Errorf("SYNC_ENTITY_FILE %s: %w", c.EntityFile, err)
	}

	return types, nil
}

// ParseEntityTypes parses "name:limit,name" into tracked types. Names are
// normalized; a missing limit means defaultPullLimit.
func ParseEntityTypes(s string) ([]models.TrackedType, error) {
	var types []models.TrackedType

	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		name, limitStr, hasLimit := strings.Cut(item, ":")
		t := models.TrackedType{Name: name, PullLimit: defaultPullLimit}

		if hasLimit {
			limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
			if err != nil || limit <= 0 {
				return nil, fmt.Errorf("invalid pull limit in entry %q", item)
			}

			t.PullLimit = limit
		}

		types = append(types, t)
	}

	return checkTrackedTypes(types)
}

type entityFile struct {
	EntityTypes []models.TrackedType `yaml:"entity_types"`
}

// DecodeEntityFile reads a YAML document of the form
//
//	entity_types:
//	  - name: transactions
//	    pull_limit: 500
func DecodeEntityFile(r io.Reader) ([]models.TrackedType, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc entityFile
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty entity file")
		}

		return nil, fmt.Errorf("decoding entity file: %w", err)
	}

	for i := range doc.EntityTypes {
		if doc.EntityTypes[i].PullLimit == 0 {
			doc.EntityTypes[i].PullLimit = defaultPullLimit
		}
	}

	return checkTrackedTypes(doc.EntityTypes)
}

func checkTrackedTypes(types []models.TrackedType) ([]models.TrackedType, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("no entity types configured")
	}

	seen := make(map[string]struct{}, len(types))

	for i, t := range types {
		name := models.NormalizeEntityType(t.Name)
		if name == "" {
			return nil, fmt.Errorf("empty entity type name in entry %d", i+1)
		}

		if t.PullLimit < 0 {
			return nil, fmt.Errorf("negative pull limit for %q", name)
		}

		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate entity type %q", name)
		}

		seen[name] = struct{}{}
		types[i].Name = name
	}

	return types, nil
}

// EngineConfig builds the engine settings for deviceID.
func (c *Config) EngineConfig(deviceID string) engine.Config {
	strategy, _ := conflict.ParseStrategy(c.ConflictStrategy)

	return engine.Config{
		EntityTypes:    c.trackedTypes,
		Interval:       c.Interval,
		PushBatch:      c.PushBatch,
		RequestTimeout: c.RequestTimeout,
		Retry: models.RetryPolicy{
			BaseDelay:  c.RetryBase,
			MaxDelay:   c.RetryMax,
			MaxRetries: c.MaxRetries,
		},
		Strategy:          strategy,
		SyncedRetention:   c.SyncedRetention,
		DeviceID:          deviceID,
		HeartbeatInterval: c.HeartbeatInterval,
		PresenceTTL:       c.PresenceTTL,
	}
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
