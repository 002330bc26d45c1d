package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// WellConfig identifies the well this process replicates.
type WellConfig struct {
	ID int64 `yaml:"id"`
}

// DatabaseConfig holds the source store connection settings.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mssql" or "sqlite"
	DSN      string `yaml:"dsn"`    // full DSN; overrides the fields below when set
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Instance string `yaml:"instance"`
	Name     string `yaml:"name"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Encrypt  bool   `yaml:"encrypt"`
	// MaxOpenConns bounds the pool shared by all streams.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// EndpointConfig describes one remote consumer and the credentials used to
// obtain its access token.
type EndpointConfig struct {
	Protocol           string `yaml:"protocol"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TokenRetryInterval string `yaml:"token_retry_interval"`
}

// URL returns protocol://host:port, the identity failed records are kept under.
func (e EndpointConfig) URL() string {
	return fmt.Sprintf("%s://%s:%d", e.Protocol, e.Host, e.Port)
}

// ChannelConfig holds websocket session settings shared by both endpoints.
type ChannelConfig struct {
	Path             string `yaml:"path"`
	ReconnectMin     string `yaml:"reconnect_min"`
	ReconnectMax     string `yaml:"reconnect_max"`
	HandshakeTimeout string `yaml:"handshake_timeout"`
	PingInterval     string `yaml:"ping_interval"`
	// AckTimeout bounds every acknowledged request; empty or "0" means no
	// bound beyond connection loss.
	AckTimeout string `yaml:"ack_timeout"`
}

// StreamConfig configures one polled stream.
type StreamConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BatchSize int    `yaml:"batch_size"`
	Interval  string `yaml:"interval"`
}

// TransferConfig holds the delta-stream settings.
type TransferConfig struct {
	Enabled          bool         `yaml:"enabled"`
	Compression      string       `yaml:"compression"`
	BatchDelay       string       `yaml:"batch_delay"`
	Comments         StreamConfig `yaml:"comments"`
	CommentsDeleted  StreamConfig `yaml:"comments_deleted"`
	MasterLog        StreamConfig `yaml:"masterlog"`
	MasterLogDeleted StreamConfig `yaml:"masterlog_deleted"`
	Failed           StreamConfig `yaml:"failed"`
}

// LiveConfig configures the always-on live sample ticker.
type LiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Interval string `yaml:"interval"`
	// RemoteSave asks the destination to persist each live sample it receives.
	RemoteSave bool `yaml:"remote_save"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ListenAddress    string `yaml:"listen_address"`
	PProfEnabled     bool   `yaml:"pprof_enabled"`
	MetricsEnabled   bool   `yaml:"metrics_enabled"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled"`
	// SystemInterval is how often host CPU/memory/disk usage is sampled.
	SystemInterval string `yaml:"system_interval"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Well        WellConfig     `yaml:"well"`
	Database    DatabaseConfig `yaml:"database"`
	Destination EndpointConfig `yaml:"destination"`
	Local       EndpointConfig `yaml:"local"`
	Channel     ChannelConfig  `yaml:"channel"`
	Transfer    TransferConfig `yaml:"transfer"`
	Live        LiveConfig     `yaml:"live"`
	Logging     LoggingConfig  `yaml:"logging"`
	Debug       DebugConfig    `yaml:"debug"`
	Tracing     TracingConfig  `yaml:"tracing"`
	// LockDir holds the per-well instance lock; empty disables locking.
	LockDir string `yaml:"lock_dir"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

func defaultStream(batchSize int, interval string) StreamConfig {
	return StreamConfig{Enabled: true, BatchSize: batchSize, Interval: interval}
}

// Default returns the configuration used for every key the file leaves out.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:       "mssql",
			Port:         1433,
			MaxOpenConns: 8,
		},
		Destination: EndpointConfig{
			Protocol:           "http",
			TokenRetryInterval: "5s",
		},
		Local: EndpointConfig{
			Protocol:           "http",
			Host:               "127.0.0.1",
			TokenRetryInterval: "5s",
		},
		Channel: ChannelConfig{
			Path:             "/secure-ws",
			ReconnectMin:     "1s",
			ReconnectMax:     "30s",
			HandshakeTimeout: "10s",
			PingInterval:     "25s",
			AckTimeout:       "",
		},
		Transfer: TransferConfig{
			Enabled:          true,
			Compression:      "zstd",
			BatchDelay:       "500ms",
			Comments:         defaultStream(100, "10s"),
			CommentsDeleted:  defaultStream(100, "30s"),
			MasterLog:        defaultStream(100, "10s"),
			MasterLogDeleted: defaultStream(100, "30s"),
			Failed:           defaultStream(50, "60s"),
		},
		Live: LiveConfig{
			Enabled:    true,
			Interval:   "1s",
			RemoteSave: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "wellrelay.log",
		},
		Debug: DebugConfig{
			Enabled:        false,
			ListenAddress:  "127.0.0.1:6060",
			PProfEnabled:   true,
			MetricsEnabled: true,
			SystemInterval: "10s",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader.
// ${VAR} references are expanded from the environment before parsing, which
// is how credentials are normally supplied.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate reports every missing or malformed required value at once.
func (c *Config) Validate() error {
	var errs []error
	missing := func(key string) {
		errs = append(errs, fmt.Errorf("missing required setting %s", key))
	}
	duration := func(key, value string, required bool) {
		if value == "" || value == "0" {
			if required {
				missing(key)
			}
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid duration for %s: %w", key, err))
			return
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", key))
		}
	}

	if c.Well.ID <= 0 {
		missing("well.id")
	}

	switch strings.ToLower(c.Database.Driver) {
	case "mssql":
		if c.Database.DSN == "" {
			if c.Database.Host == "" {
				missing("database.host")
			}
			if c.Database.Name == "" {
				missing("database.name")
			}
			if c.Database.Username == "" {
				missing("database.username")
			}
			if c.Database.Password == "" {
				missing("database.password")
			}
		}
	case "sqlite":
		if c.Database.DSN == "" {
			missing("database.dsn")
		}
	case "":
		missing("database.driver")
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}

	endpoint := func(prefix string, e EndpointConfig) {
		if e.Protocol == "" {
			missing(prefix + ".protocol")
		}
		if e.Host == "" {
			missing(prefix + ".host")
		}
		if e.Port <= 0 {
			missing(prefix + ".port")
		}
		if e.Username == "" {
			missing(prefix + ".username")
		}
		if e.Password == "" {
			missing(prefix + ".password")
		}
		duration(prefix+".token_retry_interval", e.TokenRetryInterval, true)
	}
	endpoint("destination", c.Destination)
	endpoint("local", c.Local)

	duration("channel.reconnect_min", c.Channel.ReconnectMin, true)
	duration("channel.reconnect_max", c.Channel.ReconnectMax, true)
	duration("channel.handshake_timeout", c.Channel.HandshakeTimeout, false)
	duration("channel.ping_interval", c.Channel.PingInterval, false)
	duration("channel.ack_timeout", c.Channel.AckTimeout, false)

	stream := func(key string, s StreamConfig) {
		if !s.Enabled {
			return
		}
		if s.BatchSize <= 0 {
			missing(key + ".batch_size")
		}
		duration(key+".interval", s.Interval, true)
	}
	if c.Transfer.Enabled {
		duration("transfer.batch_delay", c.Transfer.BatchDelay, false)
		stream("transfer.comments", c.Transfer.Comments)
		stream("transfer.comments_deleted", c.Transfer.CommentsDeleted)
		stream("transfer.masterlog", c.Transfer.MasterLog)
		stream("transfer.masterlog_deleted", c.Transfer.MasterLogDeleted)
		stream("transfer.failed", c.Transfer.Failed)
	}
	if c.Live.Enabled {
		duration("live.interval", c.Live.Interval, true)
	}

	return errors.Join(errs...)
}
