// Package config implements the YAML config file parser
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"time"

	"github.com/PowerDNS/simpleblob"
	"github.com/c2h5oh/datasize"
	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/PowerDNS/chronotrace/config/logger"
	"github.com/PowerDNS/chronotrace/status/healthtracker"
	"github.com/PowerDNS/chronotrace/status/starttracker"
)

// DefaultMaxContentSize is the default cap for captured response bodies.
// Anything above this is truncated before it reaches the active trace.
const DefaultMaxContentSize = datasize.MB

// DefaultMaxPayloadSize is the default size above which a payload is moved out of
// the manifest into its own blob file inside the bundle archive.
const DefaultMaxPayloadSize = datasize.MB

// Mode selects when traces are captured and stored
type Mode string

const (
	ModeAlways        Mode = "always"
	ModeSample        Mode = "sample"
	ModeRecordOnError Mode = "record_on_error"
	ModeTargeted      Mode = "targeted"
)

// Modes lists all valid modes
var Modes = []Mode{ModeAlways, ModeSample, ModeRecordOnError, ModeTargeted}

// Config is the config root object
type Config struct {
	Enabled       bool          `yaml:"enabled"`
	Mode          Mode          `yaml:"mode"`
	SampleRate    float64       `yaml:"sample_rate"` // Probability 0..1, only used in sample mode
	Environment   string        `yaml:"environment"`
	Storage       Storage       `yaml:"storage"`
	RetentionDays int           `yaml:"retention_days"`
	Scrub         []string      `yaml:"scrub"`          // Sensitive field name substrings
	ScrubPatterns []string      `yaml:"scrub_patterns"` // Regexps applied to free text
	ScrubEnabled  bool          `yaml:"scrub_enabled"`  // Disabling this is unsafe outside development
	Compression   Compression   `yaml:"compression"`
	AsyncStorage  bool          `yaml:"async_storage"`
	Queue         Queue         `yaml:"queue"`
	Targets       Targets       `yaml:"targets"`
	Capture       Capture       `yaml:"capture"`
	Cleanup       Cleanup       `yaml:"cleanup"`
	Health        Health        `yaml:"health"`
	HTTP          HTTP          `yaml:"http"`
	Log           logger.Config `yaml:"log"`

	// MaxContentSize caps the response body kept in a trace
	MaxContentSize datasize.ByteSize `yaml:"max_content_size"`

	// ActiveTraceTimeout is the age after which an unfinished trace is discarded
	// by the sweeper. This bounds memory when a unit of work never finishes.
	ActiveTraceTimeout time.Duration `yaml:"active_trace_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`

	// Set to current version by main
	Version string `yaml:"-"`
}

// Storage configures the storage backend.
// It can also be given as a plain string with just the type.
type Storage struct {
	Type       string               `yaml:"type"`                  // local, memory, s3 or minio
	RootPath   string               `yaml:"root_path,omitempty"`   // for the 'local' backend
	PathPrefix string               `yaml:"path_prefix,omitempty"` // prepended to every object name
	Options    simpleblob.OptionMap `yaml:"options,omitempty"`     // passed to simpleblob backends
}

// UnmarshalYAML allows 'storage: s3' as a shorthand
func (s *Storage) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var typeName string
	if err := unmarshal(&typeName); err == nil {
		s.Type = typeName
		return nil
	}
	type plain Storage
	p := plain(*s)
	if err := unmarshal(&p); err != nil {
		return err
	}
	*s = Storage(p)
	return nil
}

// Compression configures the bundle archive
type Compression struct {
	Enabled        bool              `yaml:"enabled"`
	MaxPayloadSize datasize.ByteSize `yaml:"max_payload_size"`
}

// Queue configures asynchronous bundle storage
type Queue struct {
	Type         string `yaml:"type"` // memory or redis
	Name         string `yaml:"name"` // Redis list key
	Size         int    `yaml:"size"` // Buffer size of the in-process queue
	Workers      int    `yaml:"workers"`
	SyncFallback bool   `yaml:"sync_fallback"` // Store synchronously if the queue rejects a bundle
	Redis        Redis  `yaml:"redis"`
}

// Redis configures a Redis connection
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Targets configures the targeted mode
type Targets struct {
	Routes []string `yaml:"routes"` // Glob patterns matched against the route or path
	Jobs   []string `yaml:"jobs"`   // Glob patterns matched against the job name
}

// Capture configures which event categories are recorded
type Capture struct {
	Database      bool     `yaml:"database"`
	Cache         bool     `yaml:"cache"`
	HTTP          bool     `yaml:"http"`
	Jobs          bool     `yaml:"jobs"`
	Mail          bool     `yaml:"mail"`
	Notifications bool     `yaml:"notifications"`
	Events        bool     `yaml:"events"`
	Filesystem    bool     `yaml:"filesystem"`
	EnvVars       []string `yaml:"env_vars"` // Environment variables copied into the execution context
}

// Category returns if events for the named category should be recorded.
// Unknown categories are always recorded.
func (c Capture) Category(name string) bool {
	switch name {
	case "database":
		return c.Database
	case "cache":
		return c.Cache
	case "http":
		return c.HTTP
	case "jobs":
		return c.Jobs
	case "mail":
		return c.Mail
	case "notifications":
		return c.Notifications
	case "events":
		return c.Events
	case "filesystem":
		return c.Filesystem
	default:
		return true
	}
}

// Cleanup configures the periodic retention purge
type Cleanup struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Health configures the storage health tracker and the worker startup
// tracker
type Health struct {
	StoreBundle healthtracker.HealthConfig `yaml:"store_bundle"`
	Startup     starttracker.StartConfig   `yaml:"startup"`
}

// HTTP configures the HTTP server with Prometheus metrics and status page
type HTTP struct {
	Address string `yaml:"address"` // Address like ":8500"
}

// Check validates a Config instance
func (c Config) Check() error {
	if err := c.Log.Check(); err != nil {
		return err
	}
	if !validMode(c.Mode) {
		return fmt.Errorf("mode: must be one of: %v", Modes)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate: must be between 0 and 1, got %v", c.SampleRate)
	}
	if c.Storage.Type == "" {
		return fmt.Errorf("storage.type: not configured")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention_days: must be greater than 0")
	}
	for _, p := range c.ScrubPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("scrub_patterns: %q: %v", p, err)
		}
	}
	for _, p := range append(append([]string{}, c.Targets.Routes...), c.Targets.Jobs...) {
		if _, err := glob.Compile(p); err != nil {
			return fmt.Errorf("targets: %q: %v", p, err)
		}
	}
	if c.Compression.MaxPayloadSize == 0 {
		return fmt.Errorf("compression.max_payload_size: must be greater than 0")
	}
	if c.MaxContentSize == 0 {
		return fmt.Errorf("max_content_size: must be greater than 0")
	}
	switch c.Queue.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue.type: must be one of: memory, redis")
	}
	if c.Queue.Type == "redis" && c.Queue.Redis.Addr == "" {
		return fmt.Errorf("queue.redis.addr: required for the redis queue")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers: must be at least 1")
	}
	if c.ActiveTraceTimeout < time.Second {
		return fmt.Errorf("active_trace_timeout: too short")
	}
	if c.SweepInterval < 100*time.Millisecond {
		return fmt.Errorf("sweep_interval: too short interval")
	}
	if c.Cleanup.Enabled && c.Cleanup.Interval < time.Second {
		return fmt.Errorf("cleanup.interval: too short interval")
	}
	if c.HTTP.Address != "" {
		if _, _, err := net.SplitHostPort(c.HTTP.Address); err != nil {
			return fmt.Errorf("http.address: %v", err)
		}
	}
	return nil
}

func validMode(m Mode) bool {
	for _, v := range Modes {
		if m == v {
			return true
		}
	}
	return false
}

// String returns the config as a YAML string with passwords masked.
func (c Config) String() string {
	if c.Queue.Redis.Password != "" {
		c.Queue.Redis.Password = "***"
	}
	if len(c.Storage.Options) > 0 {
		opts := make(simpleblob.OptionMap, len(c.Storage.Options))
		for k, v := range c.Storage.Options {
			if k == "secret_key" || k == "access_key" {
				v = "***"
			}
			opts[k] = v
		}
		c.Storage.Options = opts
	}
	y, err := yaml.Marshal(c)
	if err != nil {
		logrus.Panicf("YAML marshal of config failed: %v", err) // Should never happen
	}
	return string(y)
}

// LoadYAML loads config from YAML. Any set value overwrites any existing value,
// but omitted keys are untouched.
func (c *Config) LoadYAML(yamlContents []byte, expandEnv bool) error {
	if expandEnv {
		yamlContents = []byte(os.ExpandEnv(string(yamlContents)))
	}
	return yaml.UnmarshalStrict(yamlContents, c)
}

// LoadYAMLFile loads config from a YAML file. Any set value overwrites any existing value,
// but omitted keys are untouched.
func (c *Config) LoadYAMLFile(fpath string, expandEnv bool) error {
	contents, err := os.ReadFile(fpath)
	if err != nil {
		return errors.Wrap(err, "open yaml file")
	}
	return c.LoadYAML(contents, expandEnv)
}

// DefaultScrub is the default list of sensitive field name substrings
var DefaultScrub = []string{
	"password",
	"token",
	"secret",
	"authorization",
	"cookie",
	"session",
	"email",
	"credit_card",
	"ssn",
}

// DefaultScrubPatterns match email addresses and credit card like digit sequences
var DefaultScrubPatterns = []string{
	`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
	`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`,
}

// Default returns a Config with default settings
func Default() Config {
	return Config{
		Enabled:     true,
		Mode:        ModeRecordOnError,
		SampleRate:  0.001,
		Environment: "production",
		Storage: Storage{
			Type:     "local",
			RootPath: "chronotrace",
		},
		RetentionDays: 15,
		Scrub:         append([]string{}, DefaultScrub...),
		ScrubPatterns: append([]string{}, DefaultScrubPatterns...),
		ScrubEnabled:  true,
		Compression: Compression{
			Enabled:        true,
			MaxPayloadSize: DefaultMaxPayloadSize,
		},
		AsyncStorage: true,
		Queue: Queue{
			Type:         "memory",
			Name:         "chronotrace",
			Size:         256,
			Workers:      2,
			SyncFallback: true,
		},
		Capture: Capture{
			Database:      true,
			Cache:         true,
			HTTP:          true,
			Jobs:          true,
			Mail:          true,
			Notifications: true,
			Events:        true,
			Filesystem:    true,
			EnvVars: []string{
				"HOSTNAME",
				"GOMAXPROCS",
				"GOMEMLIMIT",
				"GOGC",
				"GODEBUG",
				"GOTRACEBACK",
				"TZ",
			},
		},
		Cleanup: Cleanup{
			Enabled:  false,
			Interval: time.Hour,
		},
		Health: Health{
			StoreBundle: healthtracker.HealthConfig{
				EvaluationInterval: 5 * time.Second,
				ErrorDuration:      5 * time.Minute,
				WarnDuration:       time.Minute,
				ErrorSequence:      20,
				WarnSequence:       3,
			},
			Startup: starttracker.StartConfig{
				EvaluationInterval: 5 * time.Second,
				ErrorDuration:      2 * time.Minute,
				WarnDuration:       30 * time.Second,
				ReportHealthz:      true,
			},
		},
		Log:                logger.DefaultConfig,
		MaxContentSize:     DefaultMaxContentSize,
		ActiveTraceTimeout: 5 * time.Minute,
		SweepInterval:      time.Minute,
	}
}
