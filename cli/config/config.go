package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pithecene-io/shutter/reassembly"
	"github.com/pithecene-io/shutter/transfer"
	"github.com/pithecene-io/shutter/transport"
)

// Config represents a shutter.yaml configuration file.
// All values are optional and act as defaults for command flags.
// CLI flags always override config values.
type Config struct {
	LogLevel  string           `yaml:"log_level"`
	Codec     string           `yaml:"codec"`
	Transport TransportConfig  `yaml:"transport"`
	Topics    transport.Topics `yaml:"topics"`
	Storage   StorageConfig    `yaml:"storage"`
	Receiver  ReceiverConfig   `yaml:"receiver"`
	Sender    SenderConfig     `yaml:"sender"`
	Adapter   AdapterConfig    `yaml:"adapter"`
}

// TransportConfig selects and configures the pub/sub client.
type TransportConfig struct {
	// Type is "mqtt", "redis" or "memory".
	Type string `yaml:"type"`
	// URL is the redis URL or the mqtt broker URL.
	URL                string   `yaml:"url"`
	ClientID           string   `yaml:"client_id"`
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	QoS                int      `yaml:"qos"`
	CAFile             string   `yaml:"ca_file"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
	ConnectTimeout     Duration `yaml:"connect_timeout"`
	Timeout            Duration `yaml:"timeout"`
	Retries            *int     `yaml:"retries,omitempty"`
}

// StorageConfig holds storage defaults from the config file.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
	// Telemetry enables the per-artifact telemetry dataset.
	Telemetry *bool `yaml:"telemetry,omitempty"`
}

// ReceiverConfig holds reassembly engine defaults.
type ReceiverConfig struct {
	CompletionGrace Duration `yaml:"completion_grace"`
	IdleDeadline    Duration `yaml:"idle_deadline"`
	RetryBudget     *int     `yaml:"retry_budget,omitempty"`
	SweepInterval   Duration `yaml:"sweep_interval"`
	WakeInterval    Duration `yaml:"wake_interval"`
	MaxArtifactSize int64    `yaml:"max_artifact_size"`
	Workers         int      `yaml:"workers"`
	QueueDepth      int      `yaml:"queue_depth"`
}

// SenderConfig holds transfer session and drain defaults.
type SenderConfig struct {
	SourceID          string    `yaml:"source_id"`
	Spool             string    `yaml:"spool"`
	ChunkSize         int       `yaml:"chunk_size"`
	RetryBudget       *int      `yaml:"retry_budget,omitempty"`
	AckTimeout        Duration  `yaml:"ack_timeout"`
	ChunkPacing       *Duration `yaml:"chunk_pacing,omitempty"`
	MetadataDelay     *Duration `yaml:"metadata_delay,omitempty"`
	RetryDelay        *Duration `yaml:"retry_delay,omitempty"`
	InterSessionDelay *Duration `yaml:"inter_session_delay,omitempty"`
}

// AdapterConfig holds adapter defaults from the config file.
type AdapterConfig struct {
	Type      string            `yaml:"type"`
	URL       string            `yaml:"url"`
	Channel   string            `yaml:"channel,omitempty"`
	PerSource bool              `yaml:"per_source,omitempty"`
	Events    []string          `yaml:"events,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Timeout   Duration          `yaml:"timeout,omitempty"`
	Retries   *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	d.Duration = parsed
	return nil
}

var (
	transportTypes = []string{"mqtt", "redis", "memory"}
	storageTypes   = []string{"fs", "s3", "memory"}
	adapterTypes   = []string{"webhook", "redis"}
	codecNames     = []string{"json", "msgpack"}
	logLevels      = []string{"debug", "info", "warn", "error"}
)

// Validate checks enumerations and numeric ranges. Empty values are
// accepted and resolved to defaults by the commands.
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed []string) {
		if value != "" && !slices.Contains(allowed, value) {
			errs = append(errs, fmt.Errorf("%s: unknown value %q (want one of %v)", field, value, allowed))
		}
	}
	check("log_level", c.LogLevel, logLevels)
	check("codec", c.Codec, codecNames)
	check("transport.type", c.Transport.Type, transportTypes)
	check("storage.backend", c.Storage.Backend, storageTypes)
	check("adapter.type", c.Adapter.Type, adapterTypes)

	if c.Transport.QoS < 0 || c.Transport.QoS > 2 {
		errs = append(errs, fmt.Errorf("transport.qos: must be 0, 1 or 2, got %d", c.Transport.QoS))
	}
	if c.Sender.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("sender.chunk_size: must be >= 0, got %d", c.Sender.ChunkSize))
	}
	if c.Sender.RetryBudget != nil && *c.Sender.RetryBudget < 0 {
		errs = append(errs, fmt.Errorf("sender.retry_budget: must be >= 0, got %d", *c.Sender.RetryBudget))
	}
	if c.Receiver.RetryBudget != nil && *c.Receiver.RetryBudget < 0 {
		errs = append(errs, fmt.Errorf("receiver.retry_budget: must be >= 0, got %d", *c.Receiver.RetryBudget))
	}
	if c.Topics != (transport.Topics{}) {
		if err := c.Topics.WithDefaults().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EngineConfig overlays the receiver section on reassembly defaults.
func (c *Config) EngineConfig() reassembly.Config {
	cfg := reassembly.DefaultConfig()
	r := c.Receiver
	if r.CompletionGrace.Duration > 0 {
		cfg.CompletionGrace = r.CompletionGrace.Duration
	}
	if r.IdleDeadline.Duration > 0 {
		cfg.IdleDeadline = r.IdleDeadline.Duration
	}
	if r.RetryBudget != nil {
		cfg.RetryBudget = *r.RetryBudget
	}
	if r.SweepInterval.Duration > 0 {
		cfg.SweepInterval = r.SweepInterval.Duration
	}
	if r.WakeInterval.Duration > 0 {
		cfg.WakeInterval = r.WakeInterval.Duration
	}
	if r.MaxArtifactSize > 0 {
		cfg.MaxArtifactSize = r.MaxArtifactSize
	}
	return cfg
}

// DrainConfig overlays the sender section on transfer defaults. Pacing
// values are pointers so an explicit "0s" disables the delay.
func (c *Config) DrainConfig() transfer.DrainConfig {
	cfg := transfer.DefaultDrainConfig()
	s := c.Sender
	if s.ChunkSize > 0 {
		cfg.Session.ChunkSize = s.ChunkSize
	}
	if s.RetryBudget != nil {
		cfg.Session.RetryBudget = *s.RetryBudget
	}
	if s.AckTimeout.Duration > 0 {
		cfg.Session.AckTimeout = s.AckTimeout.Duration
	}
	if s.ChunkPacing != nil {
		cfg.Session.ChunkPacing = s.ChunkPacing.Duration
	}
	if s.MetadataDelay != nil {
		cfg.Session.MetadataDelay = s.MetadataDelay.Duration
	}
	if s.RetryDelay != nil {
		cfg.Session.RetryDelay = s.RetryDelay.Duration
	}
	if s.InterSessionDelay != nil {
		cfg.InterSessionDelay = s.InterSessionDelay.Duration
	}
	return cfg
}

// TelemetryEnabled reports whether the telemetry dataset is on (default true).
func (s StorageConfig) TelemetryEnabled() bool {
	return s.Telemetry == nil || *s.Telemetry
}
