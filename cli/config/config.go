package config

import (
	"fmt"
	"time"

	"github.com/justapithecus/framefetch/types"
)

// Config represents a framefetch.yaml configuration file.
// All values are optional and act as defaults for framefetch flags.
// CLI flags always override config values.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	HTTP      HTTPConfig      `yaml:"http"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// SchedulerConfig holds per-class concurrency limits.
type SchedulerConfig struct {
	MaxConcurrent ClassLimits `yaml:"max_concurrent"`
}

// ClassLimits caps running requests per request class.
// Zero means the scheduler default.
type ClassLimits struct {
	Interactive int `yaml:"interactive"`
	Thumbnail   int `yaml:"thumbnail"`
	Prefetch    int `yaml:"prefetch"`
}

// Map returns the non-zero limits keyed by request class.
func (l ClassLimits) Map() map[types.RequestClass]int {
	m := make(map[types.RequestClass]int, 3)
	for class, n := range map[types.RequestClass]int{
		types.ClassInteractive: l.Interactive,
		types.ClassThumbnail:   l.Thumbnail,
		types.ClassPrefetch:    l.Prefetch,
	} {
		if n > 0 {
			m[class] = n
		}
	}
	return m
}

// CacheConfig holds the persistent cache tier settings.
type CacheConfig struct {
	// PersistentPath is the badger directory. Empty disables the tier.
	PersistentPath string `yaml:"persistent_path"`
	// InMemory runs the tier without touching disk.
	InMemory bool `yaml:"in_memory"`
}

// Enabled reports whether a persistent tier is configured.
func (c CacheConfig) Enabled() bool {
	return c.PersistentPath != "" || c.InMemory
}

// StorageConfig holds frame storage defaults from the config file.
type StorageConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// HTTPConfig holds HTTP loader defaults.
type HTTPConfig struct {
	Timeout   Duration `yaml:"timeout"`
	Retries   *int     `yaml:"retries,omitempty"`
	UserAgent string   `yaml:"user_agent"`
}

// NotifyConfig holds event forwarder defaults.
type NotifyConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
	// Events limits forwarding to these event types. Empty forwards all.
	Events []string `yaml:"events,omitempty"`
	// RouteByType sends each event type to its own redis channel or
	// webhook path.
	RouteByType bool `yaml:"route_by_type,omitempty"`
}

// EventTypes parses Events.
func (n NotifyConfig) EventTypes() ([]types.EventType, error) {
	out := make([]types.EventType, 0, len(n.Events))
	for _, e := range n.Events {
		t, err := types.ParseEventType(e)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Validate checks enumerated fields and numeric bounds.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "", "fs", "s3", "memory":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q (must be fs, s3, or memory)", c.Storage.Backend)
	}
	switch c.Notify.Type {
	case "", "redis", "webhook":
	default:
		return fmt.Errorf("notify.type: unknown type %q (must be redis or webhook)", c.Notify.Type)
	}
	if c.Notify.Type == "webhook" && c.Notify.URL == "" {
		return fmt.Errorf("notify.url is required for webhook notifications")
	}
	limits := c.Scheduler.MaxConcurrent
	if limits.Interactive < 0 || limits.Thumbnail < 0 || limits.Prefetch < 0 {
		return fmt.Errorf("scheduler.max_concurrent: limits must be >= 0")
	}
	if c.HTTP.Retries != nil && *c.HTTP.Retries < 0 {
		return fmt.Errorf("http.retries must be >= 0, got %d", *c.HTTP.Retries)
	}
	if c.Notify.Retries != nil && *c.Notify.Retries < 0 {
		return fmt.Errorf("notify.retries must be >= 0, got %d", *c.Notify.Retries)
	}
	if _, err := c.Notify.EventTypes(); err != nil {
		return fmt.Errorf("notify.events: %w", err)
	}
	return nil
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
	d.Duration = parsed
	return nil
}
