// Package agentconfig loads this agent's YAML configuration file,
// applying struct-tag defaults the same way the framework this agent
// was distilled from loads plugin configuration: yaml.v3 decode
// followed by a defaults pass.
package agentconfig

import (
	"fmt"
	"os"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// Config is the full set of parameters needed to run one agent
// instance.
type Config struct {
	LocalIP      string `yaml:"local_ip"`
	LocalSIPPort int    `yaml:"local_sip_port" default:"5060"`

	PlatformHost   string `yaml:"platform_host"`
	PlatformPort   int    `yaml:"platform_port" default:"5060"`
	PlatformID     string `yaml:"platform_id"`
	PlatformDomain string `yaml:"platform_domain"`

	DeviceID     string `yaml:"device_id"`
	SerialNumber string `yaml:"serial_number"`
	DeviceName   string `yaml:"device_name"`
	Password     string `yaml:"password"`

	Longitude float64 `yaml:"longitude"`
	Latitude  float64 `yaml:"latitude"`

	RegisterExpires   int    `yaml:"register_expires" default:"3600"`
	KeepaliveInterval string `yaml:"keepalive_interval" default:"30s"`

	// AudioLaw selects the G.711 companding law for the downstream
	// audio offer and upstream muxer: "alaw" (PCMA) or "mulaw" (PCMU).
	AudioLaw string `yaml:"audio_law" default:"alaw"`

	LogLevel string `yaml:"log_level" default:"info"`
	LogDir   string `yaml:"log_dir"`
}

// Load reads and decodes the YAML file at path, then fills any field
// left at its zero value with its `default` struct tag.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agentconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("agentconfig: parse %s: %w", path, err)
	}
	defaults.SetDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects a configuration missing the identifiers required
// to register with a platform.
func (c *Config) Validate() error {
	missing := func(name, value string) error {
		if value == "" {
			return fmt.Errorf("agentconfig: %s is required", name)
		}
		return nil
	}
	for _, check := range []struct{ name, value string }{
		{"device_id", c.DeviceID},
		{"platform_id", c.PlatformID},
		{"platform_domain", c.PlatformDomain},
		{"platform_host", c.PlatformHost},
	} {
		if err := missing(check.name, check.value); err != nil {
			return err
		}
	}
	return nil
}
