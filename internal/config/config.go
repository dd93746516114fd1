// Package config loads and validates the proxy's startup configuration:
// bus addressing, logging, timeouts, and the agent ruleset. A YAML file
// provides defaults; CLI flags override whichever fields they set.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/godbus/dbus/v5"
	"gopkg.in/yaml.v3"

	"github.com/tiiuae/ghaf-dbus-proxy/internal/dbusutil"
)

// Defaults for proxy settings.
const (
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultIntrospectTimeout = 10 * time.Second
	DefaultCallTimeout       = 25 * time.Second
	DefaultTargetBusType     = dbusutil.BusTypeSession
	DefaultSourceBusType     = dbusutil.BusTypeSystem

	// PolicyTeardown unregisters the source-side surrogate when the
	// primary agent's owner vanishes; surviving secondaries must
	// re-register on their own.
	PolicyTeardown = "teardown"
	// PolicyPromoteOldest promotes the oldest surviving secondary to
	// primary instead of tearing the surrogate down.
	PolicyPromoteOldest = "promote_oldest"
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable
// strings ("10s", "25s").
type Duration time.Duration

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// BusEndpoint describes one side of the proxy (source or target).
type BusEndpoint struct {
	// Type selects "system" or "session". Ignored when Address is set.
	Type dbusutil.BusType `yaml:"type,omitempty"`
	// Address overrides Type with a raw D-Bus address (e.g.
	// "unix:path=/tmp/test.sock"), used for integration tests and for
	// pointing at a private bus.
	Address string `yaml:"address,omitempty"`
}

// Config is the top-level proxy configuration.
type Config struct {
	// SourceBusName is the well-known name the real service owns on the
	// source bus (required).
	SourceBusName string `yaml:"source_bus_name"`
	// SourceObjectPath is the root of the object tree to mirror (required).
	SourceObjectPath dbus.ObjectPath `yaml:"source_object_path"`
	// ProxyBusName is the well-known name the proxy requests on the
	// target bus (required).
	ProxyBusName string `yaml:"proxy_bus_name"`

	Source BusEndpoint `yaml:"source"`
	Target BusEndpoint `yaml:"target"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	IntrospectTimeout Duration `yaml:"introspect_timeout"`
	CallTimeout       Duration `yaml:"call_timeout"`

	// AgentRulesPath, if set, is a YAML file of additional AgentRule
	// entries merged with the built-in defaults.
	AgentRulesPath string `yaml:"agent_rules_path,omitempty"`
	// AgentRules holds rules inlined directly in the config file.
	AgentRules []AgentRule `yaml:"agent_rules,omitempty"`

	// AgentOwnerVanishedPolicy selects what happens to secondary agent
	// registrations when the primary's owner vanishes: PolicyTeardown or
	// PolicyPromoteOldest.
	AgentOwnerVanishedPolicy string `yaml:"agent_owner_vanished_policy,omitempty"`

	// DebugListen, if non-empty, serves a read-only topology/agent
	// snapshot over HTTP+WebSocket.
	DebugListen string `yaml:"debug_listen,omitempty"`
}

// WithDefaults returns a copy of cfg with zero-value fields filled in.
func (cfg *Config) WithDefaults() *Config {
	out := *cfg
	if out.LogLevel == "" {
		out.LogLevel = DefaultLogLevel
	}
	if out.LogFormat == "" {
		out.LogFormat = DefaultLogFormat
	}
	if out.IntrospectTimeout == 0 {
		out.IntrospectTimeout = Duration(DefaultIntrospectTimeout)
	}
	if out.CallTimeout == 0 {
		out.CallTimeout = Duration(DefaultCallTimeout)
	}
	if out.Source.Type == "" && out.Source.Address == "" {
		out.Source.Type = DefaultSourceBusType
	}
	if out.Target.Type == "" && out.Target.Address == "" {
		out.Target.Type = DefaultTargetBusType
	}
	if out.AgentOwnerVanishedPolicy == "" {
		out.AgentOwnerVanishedPolicy = PolicyTeardown
	}
	return &out
}

// Validate checks the config for logical errors. Missing or empty
// mandatory options are fatal before any bus work starts.
func (cfg *Config) Validate() error {
	if cfg.SourceBusName == "" {
		return fmt.Errorf("source_bus_name is required")
	}
	if cfg.SourceObjectPath == "" {
		return fmt.Errorf("source_object_path is required")
	}
	if !cfg.SourceObjectPath.IsValid() {
		return fmt.Errorf("source_object_path: %w", fmt.Errorf("invalid object path %q", cfg.SourceObjectPath))
	}
	if cfg.ProxyBusName == "" {
		return fmt.Errorf("proxy_bus_name is required")
	}

	if cfg.Source.Address == "" {
		switch cfg.Source.Type {
		case dbusutil.BusTypeSystem, dbusutil.BusTypeSession:
		default:
			return fmt.Errorf("source bus type must be \"system\" or \"session\", got %q", cfg.Source.Type)
		}
	}
	if cfg.Target.Address == "" {
		switch cfg.Target.Type {
		case dbusutil.BusTypeSystem, dbusutil.BusTypeSession:
		default:
			return fmt.Errorf("target bus type must be \"system\" or \"session\", got %q", cfg.Target.Type)
		}
	}

	switch cfg.AgentOwnerVanishedPolicy {
	case PolicyTeardown, PolicyPromoteOldest:
	default:
		return fmt.Errorf("agent_owner_vanished_policy must be %q or %q, got %q",
			PolicyTeardown, PolicyPromoteOldest, cfg.AgentOwnerVanishedPolicy)
	}

	for i, r := range cfg.AgentRules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("agent_rules[%d]: %w", i, err)
		}
	}

	return nil
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "ghaf-dbus-proxy", "config.yaml")
}

// Load reads and parses a YAML config file. A missing file is not an
// error: it returns an empty Config.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// WatchAgentRules watches AgentRulesPath for changes and invokes onChange
// with the freshly resolved ruleset whenever the file is written, so a
// running proxy can pick up new AgentRule entries without a restart.
// Returns immediately, doing nothing, if AgentRulesPath is unset. New
// rules are merged additively; editing or removing a rule behind a live
// agent registration is not supported.
func (cfg *Config) WatchAgentRules(ctx context.Context, onChange func([]AgentRule), logger *slog.Logger) error {
	if cfg.AgentRulesPath == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create agent-rules watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(cfg.AgentRulesPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch agent-rules directory: %w", err)
	}
	target := filepath.Clean(cfg.AgentRulesPath)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				rules, err := cfg.ResolveAgentRules()
				if err != nil {
					logger.Warn("reload agent rules failed", "path", cfg.AgentRulesPath, "error", err)
					continue
				}
				logger.Info("agent rules reloaded", "path", cfg.AgentRulesPath, "rules", len(rules))
				onChange(rules)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("agent-rules watcher error", "error", werr)
			}
		}
	}()
	return nil
}

// ResolveAgentRules returns the built-in default ruleset merged with any
// rules named by AgentRulesPath and any inlined in AgentRules.
func (cfg *Config) ResolveAgentRules() ([]AgentRule, error) {
	rules := append([]AgentRule{}, DefaultAgentRules()...)

	if cfg.AgentRulesPath != "" {
		fromFile, err := LoadAgentRules(cfg.AgentRulesPath)
		if err != nil {
			return nil, fmt.Errorf("loading agent rules from %s: %w", cfg.AgentRulesPath, err)
		}
		rules = append(rules, fromFile...)
	}
	rules = append(rules, cfg.AgentRules...)

	return rules, nil
}
