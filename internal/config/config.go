package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"
)

// Config is the on-disk configuration. All durations are Go duration
// strings ("250ms", "10m").
type Config struct {
	Addr     string `json:"addr"`
	Timezone string `json:"timezone"`
	Debug    bool   `json:"debug,omitempty"`

	Log      LogConfig      `json:"log"`
	Store    StoreConfig    `json:"store"`
	Engine   EngineConfig   `json:"engine"`
	Runner   RunnerConfig   `json:"runner"`
	Notify   NotifyConfig   `json:"notify"`
	Handlers HandlersConfig `json:"handlers"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // console | json
}

type StoreConfig struct {
	// DBPath is the SQLite database behind the foreground engine.
	DBPath string `json:"db_path"`
	// RunnerPath is the JSON file owned by the background runner. Empty
	// keeps the runner store in memory.
	RunnerPath string `json:"runner_path"`
}

type EngineConfig struct {
	Concurrency  int    `json:"concurrency,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	StaleAfter   string `json:"stale_after,omitempty"`
	ExecTimeout  string `json:"exec_timeout,omitempty"`
}

type RunnerConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	WakeInterval string `json:"wake_interval,omitempty"`
	Concurrency  int    `json:"concurrency,omitempty"`
}

type NotifyConfig struct {
	Log            bool   `json:"log"`
	WebhookURL     string `json:"webhook_url,omitempty"`
	WebhookRate    int    `json:"webhook_rate,omitempty"`
	WebhookTimeout string `json:"webhook_timeout,omitempty"`
}

type HandlersConfig struct {
	// Shell enables the shell task type. Off by default.
	Shell    bool   `json:"shell"`
	ShellDir string `json:"shell_dir,omitempty"`
}

const (
	defaultPollInterval = time.Second
	defaultStaleAfter   = 10 * time.Minute
	defaultWake         = time.Minute
)

func Default() *Config {
	enabled := true
	return &Config{
		Addr:     ":8080",
		Timezone: "UTC",
		Log:      LogConfig{Level: "info", Format: "console"},
		Store:    StoreConfig{DBPath: "holotask.db", RunnerPath: "holotask-runner.json"},
		Engine:   EngineConfig{Concurrency: 4, PollInterval: "1s", StaleAfter: "10m"},
		Runner:   RunnerConfig{Enabled: &enabled, WakeInterval: "1m", Concurrency: 2},
		Notify:   NotifyConfig{Log: true},
	}
}

// Load reads a YAML or JSON file over the defaults. Unknown keys are an
// error. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("yaml unmarshal: %w", err)
		}
		if v == nil {
			return nil
		}
		j, err := json.Marshal(normalizeYAML(v))
		if err != nil {
			return fmt.Errorf("yaml->json marshal: %w", err)
		}
		data = j
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// normalizeYAML turns map[any]any into map[string]any so the value can be
// re-encoded as JSON.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// ApplyEnv overrides fields from HOLOTASK_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("HOLOTASK_ADDR", &c.Addr)
	set("HOLOTASK_DB", &c.Store.DBPath)
	set("HOLOTASK_RUNNER_STORE", &c.Store.RunnerPath)
	set("HOLOTASK_TZ", &c.Timezone)
	set("HOLOTASK_LOG_LEVEL", &c.Log.Level)
	set("HOLOTASK_WEBHOOK_URL", &c.Notify.WebhookURL)
}

// Resolved holds parsed and validated settings.
type Resolved struct {
	Location       *time.Location
	LogLevel       zerolog.Level
	PollInterval   time.Duration
	StaleAfter     time.Duration
	ExecTimeout    time.Duration
	WakeInterval   time.Duration
	WebhookTimeout time.Duration
	RunnerEnabled  bool
}

func (c *Config) Resolve() (Resolved, error) {
	var (
		r   Resolved
		err error
	)
	if r.Location, err = time.LoadLocation(c.Timezone); err != nil {
		return r, fmt.Errorf("timezone: %w", err)
	}
	if r.LogLevel, err = zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return r, fmt.Errorf("log.level: %w", err)
	}
	if f := c.Log.Format; f != "" && f != "console" && f != "json" {
		return r, fmt.Errorf("log.format: want console or json, got %q", f)
	}
	if c.Engine.Concurrency < 1 {
		return r, fmt.Errorf("engine.concurrency must be >= 1")
	}
	if c.Runner.Concurrency < 0 {
		return r, fmt.Errorf("runner.concurrency must be >= 0")
	}
	if r.PollInterval, err = durationOrDefault("engine.poll_interval", c.Engine.PollInterval, defaultPollInterval); err != nil {
		return r, err
	}
	if r.StaleAfter, err = durationOrDefault("engine.stale_after", c.Engine.StaleAfter, defaultStaleAfter); err != nil {
		return r, err
	}
	if r.ExecTimeout, err = durationOrDefault("engine.exec_timeout", c.Engine.ExecTimeout, r.StaleAfter); err != nil {
		return r, err
	}
	if r.WakeInterval, err = durationOrDefault("runner.wake_interval", c.Runner.WakeInterval, defaultWake); err != nil {
		return r, err
	}
	if r.WebhookTimeout, err = durationOrDefault("notify.webhook_timeout", c.Notify.WebhookTimeout, 0); err != nil {
		return r, err
	}
	r.RunnerEnabled = c.Runner.Enabled == nil || *c.Runner.Enabled
	return r, nil
}

func durationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
