// Package config loads castwatch's configuration from a file and the
// environment.
//
// Every key can be overridden by an environment variable named after it, with
// a CASTWATCH_ prefix and dots replaced by underscores, e.g. CASTWATCH_HUB_TOKEN
// for hub.token.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"git.unix.lgbt/diamondburned/castwatch/castwatch"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "CASTWATCH"

// Sampler names.
const (
	SamplerTop  = "top"
	SamplerProc = "proc"
)

// Config is castwatch's configuration.
type Config struct {
	Hub         Hub         `mapstructure:"hub"`
	Suite       Suite       `mapstructure:"suite"`
	Hogs        Hogs        `mapstructure:"hogs"`
	Maintenance Maintenance `mapstructure:"maintenance"`
	Intervals   Intervals   `mapstructure:"intervals"`
}

// Hub is the notification hub every event is posted to.
type Hub struct {
	Base  string `mapstructure:"base"`
	Token string `mapstructure:"token"`
}

// Suite configures the supervision of the service suite.
type Suite struct {
	Binary         string        `mapstructure:"binary"`
	RunningMarker  string        `mapstructure:"running_marker"`
	WorkerPrefix   string        `mapstructure:"worker_prefix"`
	EscalateAfter  int           `mapstructure:"escalate_after"`
	MilestoneEvery int           `mapstructure:"milestone_every"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	StatusTimeout  time.Duration `mapstructure:"status_timeout"`
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	KillTimeout    time.Duration `mapstructure:"kill_timeout"`
	SocketMarker   string        `mapstructure:"socket_marker"`
	SocketPath     string        `mapstructure:"socket_path"`
}

// Hogs configures the detection and termination of CPU hogs.
type Hogs struct {
	Sampler      string        `mapstructure:"sampler"`
	Command      string        `mapstructure:"command"`
	TopN         int           `mapstructure:"top_n"`
	Timeout      time.Duration `mapstructure:"timeout"`
	User         string        `mapstructure:"user"`
	CPUThreshold float64       `mapstructure:"cpu_threshold"`
	KillAfter    int           `mapstructure:"kill_after"`
	KillTimeout  time.Duration `mapstructure:"kill_timeout"`
	Exempt       []string      `mapstructure:"exempt"`
}

// Maintenance configures the detection of maintenance operations.
type Maintenance struct {
	Pattern string        `mapstructure:"pattern"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Intervals configures how often each loop runs.
type Intervals struct {
	Sample    time.Duration `mapstructure:"sample"`
	Supervise time.Duration `mapstructure:"supervise"`
}

// Error is returned when the configuration is invalid. It is fatal on
// startup.
type Error struct {
	Key    string
	Reason string
}

func (err *Error) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", err.Key, err.Reason)
}

func setDefaults(v *viper.Viper) {
	suite := castwatch.DefaultSuiteConfig()
	hogs := castwatch.DefaultHogPolicy()

	// Known keys without a default still need registering for environment
	// overrides to be picked up by Unmarshal.
	v.SetDefault("hub.base", "")
	v.SetDefault("hub.token", "")

	v.SetDefault("suite.binary", suite.Binary)
	v.SetDefault("suite.running_marker", suite.RunningMarker)
	v.SetDefault("suite.worker_prefix", suite.WorkerPrefix)
	v.SetDefault("suite.escalate_after", suite.EscalateAfter)
	v.SetDefault("suite.milestone_every", suite.MilestoneEvery)
	v.SetDefault("suite.cooldown", suite.Cooldown)
	v.SetDefault("suite.status_timeout", suite.StatusTimeout)
	v.SetDefault("suite.start_timeout", suite.StartTimeout)
	v.SetDefault("suite.kill_timeout", suite.KillTimeout)
	v.SetDefault("suite.socket_marker", suite.SocketMarker)
	v.SetDefault("suite.socket_path", suite.SocketPath)

	v.SetDefault("hogs.sampler", SamplerTop)
	v.SetDefault("hogs.command", castwatch.DefaultTopCommand)
	v.SetDefault("hogs.top_n", 5)
	v.SetDefault("hogs.timeout", 5*time.Second)
	v.SetDefault("hogs.user", hogs.User)
	v.SetDefault("hogs.cpu_threshold", hogs.CPUThreshold)
	v.SetDefault("hogs.kill_after", hogs.KillAfter)
	v.SetDefault("hogs.kill_timeout", 2*time.Second)
	v.SetDefault("hogs.exempt", hogs.Exempt)

	v.SetDefault("maintenance.pattern", castwatch.DefaultMaintenancePattern)
	v.SetDefault("maintenance.timeout", 5*time.Second)

	v.SetDefault("intervals.sample", time.Second)
	v.SetDefault("intervals.supervise", time.Second)
}

// Load loads the configuration from the given file, which may be YAML or JSON
// depending on its extension. An empty path loads the configuration from the
// defaults and the environment alone. The returned configuration is valid.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %q", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate returns an *Error describing the first invalid key, if any.
func (c *Config) Validate() error {
	if c.Hub.Base == "" {
		return &Error{"hub.base", "missing"}
	}
	if u, err := url.Parse(c.Hub.Base); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return &Error{"hub.base", "not an http(s) URL"}
	}
	if c.Hub.Token == "" {
		return &Error{"hub.token", "missing"}
	}

	if c.Suite.Binary == "" {
		return &Error{"suite.binary", "missing"}
	}
	if c.Suite.RunningMarker == "" {
		return &Error{"suite.running_marker", "missing"}
	}
	if c.Suite.EscalateAfter < 0 {
		return &Error{"suite.escalate_after", "must not be negative"}
	}

	switch c.Hogs.Sampler {
	case SamplerTop:
		if c.Hogs.Command == "" {
			return &Error{"hogs.command", "missing"}
		}
	case SamplerProc:
		if c.Hogs.TopN < 1 {
			return &Error{"hogs.top_n", "must be at least 1"}
		}
	default:
		return &Error{"hogs.sampler", fmt.Sprintf("unknown sampler %q", c.Hogs.Sampler)}
	}

	if c.Hogs.User == "" {
		return &Error{"hogs.user", "missing"}
	}
	if c.Hogs.CPUThreshold <= 0 {
		return &Error{"hogs.cpu_threshold", "must be positive"}
	}
	if c.Hogs.KillAfter < 1 {
		return &Error{"hogs.kill_after", "must be at least 1"}
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"suite.status_timeout", c.Suite.StatusTimeout},
		{"suite.start_timeout", c.Suite.StartTimeout},
		{"suite.kill_timeout", c.Suite.KillTimeout},
		{"hogs.timeout", c.Hogs.Timeout},
		{"hogs.kill_timeout", c.Hogs.KillTimeout},
		{"maintenance.timeout", c.Maintenance.Timeout},
		{"intervals.sample", c.Intervals.Sample},
		{"intervals.supervise", c.Intervals.Supervise},
	}

	for _, d := range durations {
		if d.d <= 0 {
			return &Error{d.key, "must be a positive duration"}
		}
	}

	if c.Suite.Cooldown < 0 {
		return &Error{"suite.cooldown", "must not be negative"}
	}

	return nil
}

// SuiteConfig returns the Supervisor's configuration.
func (c *Config) SuiteConfig() castwatch.SuiteConfig {
	return castwatch.SuiteConfig{
		Binary:         c.Suite.Binary,
		RunningMarker:  c.Suite.RunningMarker,
		WorkerPrefix:   c.Suite.WorkerPrefix,
		EscalateAfter:  c.Suite.EscalateAfter,
		MilestoneEvery: c.Suite.MilestoneEvery,
		Cooldown:       c.Suite.Cooldown,
		StatusTimeout:  c.Suite.StatusTimeout,
		StartTimeout:   c.Suite.StartTimeout,
		KillTimeout:    c.Suite.KillTimeout,
		SocketMarker:   c.Suite.SocketMarker,
		SocketPath:     c.Suite.SocketPath,
	}
}

// HogPolicy returns the HogTracker's policy.
func (c *Config) HogPolicy() castwatch.HogPolicy {
	return castwatch.HogPolicy{
		User:         c.Hogs.User,
		CPUThreshold: c.Hogs.CPUThreshold,
		KillAfter:    c.Hogs.KillAfter,
		Exempt:       c.Hogs.Exempt,
	}
}
