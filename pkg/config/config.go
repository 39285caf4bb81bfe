// Package config loads the key/value configuration surface consumed by
// meshd and its external collaborators from a TOML file.
//
// The core (membership + coordinator + instance manager) only reads a
// handful of these keys; the rest belong to other collaborators (a
// desktop chat window, a TTS client, an upgrade-framed transport) that
// this module never implements but must not break when they share the
// same config file.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// CoreOptions is the subset of the configuration surface the membership,
// coordinator and instance manager layers bind directly.
type CoreOptions struct {
	MembershipPort    int  `toml:"membership_port"`
	GossipIntervalMs  int  `toml:"gossip_interval_ms"`
	ProbeTimeoutMs    int  `toml:"probe_timeout_ms"`
	SuspectTimeoutMs  int  `toml:"suspect_timeout_ms"`
	IsMain            bool `toml:"is_main"`
	AutoConnect       bool `toml:"auto_connect"`
	ServerEndpointURL string `toml:"server_endpoint_url"`
}

// CollaboratorOptions is decoded alongside CoreOptions but never read by
// the core. It is preserved so a collaborator loading the same file keeps
// its own keys intact.
type CollaboratorOptions struct {
	Provider     string  `toml:"provider"`
	Model        string  `toml:"model"`
	MaxTokens    int     `toml:"max_tokens"`
	Temperature  float64 `toml:"temperature"`
	TTSVoice     string  `toml:"tts_voice"`
	TTSSpeed     float64 `toml:"tts_speed"`
	UITheme      string  `toml:"ui_theme"`
	WindowWidth  int     `toml:"window_width"`
	WindowHeight int     `toml:"window_height"`
	LogFile      string  `toml:"log_file"`
	LogLevel     string  `toml:"log_level"`

	FeatureToggles map[string]bool `toml:"feature_toggles"`
}

// Options is the full decode target for a meshd configuration file.
type Options struct {
	Core         CoreOptions         `toml:"core"`
	Collaborator CollaboratorOptions `toml:"collaborator"`
}

// Load decodes a TOML configuration file at path into Options.
func Load(path string) (*Options, error) {
	var opts Options
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &opts, nil
}

// Default returns the core's tunable defaults, used when no config file
// is supplied.
func Default() CoreOptions {
	return CoreOptions{
		MembershipPort:   7946,
		GossipIntervalMs: 1000,
		ProbeTimeoutMs:   500,
		SuspectTimeoutMs: 5000,
		IsMain:           false,
		AutoConnect:      false,
	}
}
