// Package config provides configuration parsing and validation for lanelink.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/lanelink/internal/adapter"
	"github.com/postalsys/lanelink/internal/adapter/loopback"
	"github.com/postalsys/lanelink/internal/lane"
	"github.com/postalsys/lanelink/internal/logging"
)

// Config represents the complete engine configuration.
type Config struct {
	Engine       EngineConfig       `yaml:"engine"`
	Guide        GuideConfig        `yaml:"guide"`
	Limits       LimitsConfig       `yaml:"limits"`
	AddressCache AddressCacheConfig `yaml:"address_cache"`
	Health       HealthConfig       `yaml:"health"`
	Control      ControlConfig      `yaml:"control"`
	Simulation   SimulationConfig   `yaml:"simulation"`
}

// EngineConfig contains process-wide settings.
type EngineConfig struct {
	LogLevel    string        `yaml:"log_level"`    // debug, info, warn, error
	LogFormat   string        `yaml:"log_format"`   // text, json
	StopTimeout time.Duration `yaml:"stop_timeout"` // bound for forced disconnects on shutdown
}

// GuideConfig tunes guide channel negotiation.
type GuideConfig struct {
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`    // 0 disables
	SameGuideRetries int           `yaml:"same_guide_retries"` // retry-current budget per guide
	AuthCloseDelay   time.Duration `yaml:"auth_close_delay"`
	StrictLinkType   bool          `yaml:"strict_link_type"`
	Disabled         []string      `yaml:"disabled"` // guide type names
}

// LimitsConfig defines resource limits.
type LimitsConfig struct {
	MaxPendingRequests int     `yaml:"max_pending_requests"`
	MaxActiveLinks     int     `yaml:"max_active_links"`
	BuildRate          float64 `yaml:"build_rate"` // builds per second, 0 = unlimited
	BuildBurst         int     `yaml:"build_burst"`
}

// AddressCacheConfig sizes the P2P reuse address cache.
type AddressCacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"` // 0 = entries never expire
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SocketPath     string `yaml:"socket_path"`
	MaxConnections int    `yaml:"max_connections"` // 0 = unlimited
}

// SimulationConfig describes the loopback world driven by the run and
// simulate commands.
type SimulationConfig struct {
	Async         bool               `yaml:"async"`          // deliver adapter callbacks on goroutines
	LocalFeatures string             `yaml:"local_features"` // feature names or bitmask
	LocalP2PIP    string             `yaml:"local_p2p_ip"`
	Peers         []SimPeerConfig    `yaml:"peers"`
	Requests      []SimRequestConfig `yaml:"requests"`
}

// SimPeerConfig is one simulated remote device.
type SimPeerConfig struct {
	ID            string            `yaml:"id"`
	Features      string            `yaml:"features"`
	AuthConnected bool              `yaml:"auth_connected"`
	BRConnected   bool              `yaml:"br_connected"`
	Attributes    map[string]string `yaml:"attributes"` // ledger attributes by key

	// Scripted adapter outcomes, see loopback.ParseOutcome.
	Connect    []string `yaml:"connect"`
	Auth       []string `yaml:"auth"`
	Proxy      []string `yaml:"proxy"`
	Disconnect []string `yaml:"disconnect"`
}

// SimRequestConfig is one link request issued by the simulate command.
type SimRequestConfig struct {
	ReqID        uint32 `yaml:"req_id"`
	Peer         string `yaml:"peer"`
	LinkType     string `yaml:"link_type"`
	OwnerPID     int32  `yaml:"owner_pid"`
	MinBandwidth uint32 `yaml:"min_bandwidth"`
	P2POnly      bool   `yaml:"p2p_only"`
	Business     string `yaml:"business"` // bind the link to this business type once up
	Destroy      bool   `yaml:"destroy"`  // tear the link down after it came up
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			LogLevel:    "info",
			LogFormat:   "text",
			StopTimeout: 10 * time.Second,
		},
		Guide: GuideConfig{
			AttemptTimeout:   30 * time.Second,
			SameGuideRetries: 1,
			AuthCloseDelay:   2 * time.Second,
			StrictLinkType:   false,
			Disabled:         []string{},
		},
		Limits: LimitsConfig{
			MaxPendingRequests: 1024,
			MaxActiveLinks:     256,
			BuildRate:          0,
			BuildBurst:         32,
		},
		AddressCache: AddressCacheConfig{
			Size: 256,
			TTL:  10 * time.Minute,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:        false,
			SocketPath:     "./data/control.sock",
			MaxConnections: 32,
		},
		Simulation: SimulationConfig{
			Peers:    []SimPeerConfig{},
			Requests: []SimRequestConfig{},
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if _, err := logging.ParseLevel(c.Engine.LogLevel); err != nil {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Engine.LogLevel))
	}
	if _, err := logging.ParseFormat(c.Engine.LogFormat); err != nil {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Engine.LogFormat))
	}
	if c.Engine.StopTimeout < 0 {
		errs = append(errs, "engine.stop_timeout must not be negative")
	}

	// Guide
	if c.Guide.AttemptTimeout < 0 {
		errs = append(errs, "guide.attempt_timeout must not be negative")
	}
	if c.Guide.SameGuideRetries < 0 || c.Guide.SameGuideRetries > 10 {
		errs = append(errs, "guide.same_guide_retries must be between 0 and 10")
	}
	if c.Guide.AuthCloseDelay < 0 {
		errs = append(errs, "guide.auth_close_delay must not be negative")
	}
	if _, err := c.Guide.DisabledGuides(); err != nil {
		errs = append(errs, fmt.Sprintf("guide.disabled: %v", err))
	}

	// Limits
	if c.Limits.MaxPendingRequests < 1 {
		errs = append(errs, "limits.max_pending_requests must be positive")
	}
	if c.Limits.MaxActiveLinks < 1 {
		errs = append(errs, "limits.max_active_links must be positive")
	}
	if c.Limits.BuildRate < 0 {
		errs = append(errs, "limits.build_rate must not be negative")
	}
	if c.Limits.BuildRate > 0 && c.Limits.BuildBurst < 1 {
		errs = append(errs, "limits.build_burst must be positive when build_rate is set")
	}

	if c.AddressCache.Size < 1 {
		errs = append(errs, "address_cache.size must be positive")
	}
	if c.AddressCache.TTL < 0 {
		errs = append(errs, "address_cache.ttl must not be negative")
	}

	if c.Health.Enabled && !isValidListenAddress(c.Health.Address) {
		errs = append(errs, fmt.Sprintf("health.address: invalid listen address: %s", c.Health.Address))
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}
	if c.Control.MaxConnections < 0 {
		errs = append(errs, "control.max_connections must not be negative")
	}

	errs = append(errs, c.Simulation.validate()...)

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// DisabledGuides parses the disabled guide type names.
func (g GuideConfig) DisabledGuides() ([]lane.GuideType, error) {
	out := make([]lane.GuideType, 0, len(g.Disabled))
	for _, name := range g.Disabled {
		gt, err := lane.ParseGuideType(name)
		if err != nil {
			return nil, err
		}
		out = append(out, gt)
	}
	return out, nil
}

func (s SimulationConfig) validate() []string {
	var errs []string
	if _, err := adapter.ParseFeature(s.LocalFeatures); err != nil {
		errs = append(errs, fmt.Sprintf("simulation.local_features: %v", err))
	}

	peers := make(map[string]bool, len(s.Peers))
	for i, p := range s.Peers {
		if err := validateSimPeer(p); err != nil {
			errs = append(errs, fmt.Sprintf("simulation.peers[%d]: %v", i, err))
		}
		if peers[p.ID] {
			errs = append(errs, fmt.Sprintf("simulation.peers[%d]: duplicate id %s", i, p.ID))
		}
		peers[p.ID] = true
	}

	for i, r := range s.Requests {
		if !peers[r.Peer] {
			errs = append(errs, fmt.Sprintf("simulation.requests[%d]: unknown peer %q", i, r.Peer))
		}
		if _, err := lane.ParseLinkType(r.LinkType); err != nil {
			errs = append(errs, fmt.Sprintf("simulation.requests[%d]: %v", i, err))
		}
		if r.Business != "" {
			if _, err := lane.ParseBusinessType(r.Business); err != nil {
				errs = append(errs, fmt.Sprintf("simulation.requests[%d]: %v", i, err))
			}
		}
	}
	return errs
}

func validateSimPeer(p SimPeerConfig) error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := adapter.ParseFeature(p.Features); err != nil {
		return fmt.Errorf("features: %w", err)
	}
	for name, list := range map[string][]string{
		"connect":    p.Connect,
		"auth":       p.Auth,
		"proxy":      p.Proxy,
		"disconnect": p.Disconnect,
	} {
		if _, err := loopback.ParseOutcomes(list); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func isValidListenAddress(addr string) bool {
	_, _, err := net.SplitHostPort(addr)
	return err == nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// sensitiveAttrs are ledger attributes that identify a device.
var sensitiveAttrs = map[string]bool{
	string(adapter.AttrUDID): true,
}

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for i := range redacted.Simulation.Peers {
		for k, v := range redacted.Simulation.Peers[i].Attributes {
			if sensitiveAttrs[k] && v != "" {
				redacted.Simulation.Peers[i].Attributes[k] = redactedValue
			}
		}
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	for _, p := range c.Simulation.Peers {
		for k, v := range p.Attributes {
			if sensitiveAttrs[k] && v != "" {
				return true
			}
		}
	}
	return false
}
