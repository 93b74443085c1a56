package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/jordanhubbard/loomdesk/pkg/models"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix prefixes every environment override, e.g. LOOMDESK_SERVER_HTTP_PORT
const envPrefix = "LOOMDESK"

// envRef matches ${VAR}. Bare $VAR is left alone so bcrypt hashes survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Config represents the main configuration for loomdesk. The server reads
// everything except Dashboard; deskctl reads Dashboard and Logging.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Security  SecurityConfig  `yaml:"security"`
	Desk      DeskConfig      `yaml:"desk"`
	Provider  ProviderConfig  `yaml:"provider"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port" split_words:"true"`
	ReadTimeout  time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout time.Duration `yaml:"write_timeout" split_words:"true"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" split_words:"true"`
	ReplicaID    string        `yaml:"replica_id" split_words:"true"` // Identifies this process on the shared bus
}

// DatabaseConfig configures the conversation store
type DatabaseConfig struct {
	Type string `yaml:"type"` // "memory", "sqlite", "postgres"
	Path string `yaml:"path"` // For SQLite
	DSN  string `yaml:"dsn"`  // For Postgres
}

// RedisConfig configures the presence and suggestion-slot stores.
// An empty URL keeps both in process memory.
type RedisConfig struct {
	URL       string `yaml:"url" split_words:"true"`
	KeyPrefix string `yaml:"key_prefix" split_words:"true"`
}

// NATSConfig configures cross-replica realtime fan-out.
// An empty URL means a single replica and no bus.
type NATSConfig struct {
	URL     string        `yaml:"url" split_words:"true"`
	Subject string        `yaml:"subject" split_words:"true"`
	Timeout time.Duration `yaml:"timeout" split_words:"true"`
}

// AgentAccount is a login the token service accepts
type AgentAccount struct {
	ID           string      `yaml:"id"`
	Role         models.Role `yaml:"role"`
	PasswordHash string      `yaml:"password_hash"` // bcrypt
}

// SecurityConfig configures authentication
type SecurityConfig struct {
	EnableAuth     bool           `yaml:"enable_auth" split_words:"true"`
	JWTSecret      string         `yaml:"jwt_secret" split_words:"true"`
	TokenTTL       time.Duration  `yaml:"token_ttl" split_words:"true"`
	AllowedOrigins []string       `yaml:"allowed_origins" split_words:"true"` // CORS and websocket origin check
	Agents         []AgentAccount `yaml:"agents" ignored:"true"`
}

// DeskConfig configures conversation handling on the server
type DeskConfig struct {
	Mode                 models.SystemMode `yaml:"mode" split_words:"true"`
	PresenceStaleAfter   time.Duration     `yaml:"presence_stale_after" split_words:"true"`
	PresenceSweep        time.Duration     `yaml:"presence_sweep" split_words:"true"`
	SuggestionTTL        time.Duration     `yaml:"suggestion_ttl" split_words:"true"`
	RedistributeOnOnline bool              `yaml:"redistribute_on_online" split_words:"true"`
}

// ProviderConfig configures the suggestion pipeline
type ProviderConfig struct {
	Type     string        `yaml:"type" split_words:"true"` // "rag", "openai", "none"
	Endpoint string        `yaml:"endpoint" split_words:"true"`
	APIKey   string        `yaml:"api_key" split_words:"true"`
	Model    string        `yaml:"model" split_words:"true"`
	Timeout  time.Duration `yaml:"timeout" split_words:"true"`
}

// DashboardConfig configures a deskctl dashboard session
type DashboardConfig struct {
	ServerURL         string        `yaml:"server_url" split_words:"true"`
	AgentID           string        `yaml:"agent_id" split_words:"true"`
	Token             string        `yaml:"token" split_words:"true"`
	RequestTimeout    time.Duration `yaml:"request_timeout" split_words:"true"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" split_words:"true"`
	PollInterval      time.Duration `yaml:"poll_interval" split_words:"true"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" split_words:"true"`
	NotificationTTL   time.Duration `yaml:"notification_ttl" split_words:"true"`
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level      string `yaml:"level"`  // trace, debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	File       string `yaml:"file"`   // empty = stderr only
	MaxSizeMB  int    `yaml:"max_size_mb" split_words:"true"`
	MaxBackups int    `yaml:"max_backups" split_words:"true"`
	MaxAgeDays int    `yaml:"max_age_days" split_words:"true"`
	BufferSize int    `yaml:"buffer_size" split_words:"true"` // recent entries served at /api/system/logs
}

// TelemetryConfig configures OpenTelemetry tracing
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" split_words:"true"`
	Endpoint    string `yaml:"endpoint" split_words:"true"`
	ServiceName string `yaml:"service_name" split_words:"true"`
}

// LoadConfigFromFile loads configuration from a YAML file at the specified path.
// Values missing from the file keep their defaults; environment overrides are
// applied last.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of DefaultConfig, expanding ${VAR} references
// and applying environment overrides.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables (e.g. ${LOOMDESK_JWT_SECRET}) before parsing YAML
	expanded := envRef.ReplaceAllStringFunc(string(data), func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LOOMDESK_<SECTION>_<FIELD> variables
func (c *Config) ApplyEnv() error {
	sections := []struct {
		name string
		spec interface{}
	}{
		{"SERVER", &c.Server},
		{"DATABASE", &c.Database},
		{"REDIS", &c.Redis},
		{"NATS", &c.NATS},
		{"SECURITY", &c.Security},
		{"DESK", &c.Desk},
		{"PROVIDER", &c.Provider},
		{"DASHBOARD", &c.Dashboard},
		{"LOG", &c.Logging},
		{"TELEMETRY", &c.Telemetry},
	}
	for _, s := range sections {
		if err := envconfig.Process(envPrefix+"_"+s.name, s.spec); err != nil {
			return fmt.Errorf("invalid %s environment override: %w", s.name, err)
		}
	}
	return nil
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	if !c.Desk.Mode.Valid() {
		return fmt.Errorf("desk.mode must be hitl, autopilot or off, got %q", c.Desk.Mode)
	}
	switch c.Database.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.type must be memory, sqlite or postgres, got %q", c.Database.Type)
	}
	if c.Database.Type == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres")
	}
	if c.Desk.PresenceStaleAfter <= 0 {
		return fmt.Errorf("desk.presence_stale_after must be positive")
	}
	for _, a := range c.Security.Agents {
		if a.ID == "" {
			return fmt.Errorf("security.agents entries need an id")
		}
		if a.Role != models.RoleAgent && a.Role != models.RoleAdmin {
			return fmt.Errorf("agent %s has unknown role %q", a.ID, a.Role)
		}
	}
	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Type: "memory",
			Path: "./loomdesk.db",
		},
		Redis: RedisConfig{
			KeyPrefix: "loomdesk:",
		},
		NATS: NATSConfig{
			Subject: "loomdesk.events",
			Timeout: 10 * time.Second,
		},
		Security: SecurityConfig{
			EnableAuth:     true,
			TokenTTL:       24 * time.Hour,
			AllowedOrigins: []string{"*"},
		},
		Desk: DeskConfig{
			Mode:                 models.SystemModeHITL,
			PresenceStaleAfter:   2 * time.Hour,
			PresenceSweep:        time.Minute,
			SuggestionTTL:        24 * time.Hour,
			RedistributeOnOnline: true,
		},
		Provider: ProviderConfig{
			Type:    "none",
			Timeout: 60 * time.Second,
		},
		Dashboard: DashboardConfig{
			ServerURL:         "http://localhost:8080",
			RequestTimeout:    30 * time.Second,
			HeartbeatInterval: 30 * time.Minute,
			PollInterval:      10 * time.Second,
			ReconnectAttempts: 5,
			NotificationTTL:   5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 7,
			BufferSize: 1000,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "otel-collector:4317",
			ServiceName: "loomdesk",
		},
	}
}
