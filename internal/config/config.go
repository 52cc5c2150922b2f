// Package config parses the YAML description of the devices and remote
// listeners a dspd server exposes — the Go-native replacement for the
// teacher/original's direwolf.conf text format (spec "Configuration";
// persisted *client* state stays out of scope per spec §6).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dspdaemon/dspd/internal/pcm"
)

// DeviceBackend names which devshim implementation backs a device entry.
type DeviceBackend string

const (
	// BackendHWAudio drives a real sound card via portaudio.
	BackendHWAudio DeviceBackend = "hwaudio"
	// BackendCharDev drives a pty-backed OSS/sndio-style character
	// device stand-in.
	BackendCharDev DeviceBackend = "chardev"
)

// Device describes one mixable device slot.
type Device struct {
	Name       string        `yaml:"name"`
	Backend    DeviceBackend `yaml:"backend"`
	Playback   bool          `yaml:"playback"`
	Capture    bool          `yaml:"capture"`
	Rate       uint32        `yaml:"rate"`
	Channels   int           `yaml:"channels"`
	Format     string        `yaml:"format"`
	BufSize    uint32        `yaml:"bufsize"`
	FragSize   uint32        `yaml:"fragsize"`
	CtlLine    string        `yaml:"ctl_line,omitempty"` // gpio chip:line, e.g. "gpiochip0:17"
	PTYSymlink string        `yaml:"pty_symlink,omitempty"`
}

// Params converts the YAML fields into the pcm.Params a Stream/Client
// negotiation expects.
func (d Device) Params() (pcm.Params, error) {
	f, err := pcm.ParseFormat(d.Format)
	if err != nil {
		return pcm.Params{}, fmt.Errorf("device %q: %w", d.Name, err)
	}
	return pcm.Params{
		Format:   f,
		Channels: d.Channels,
		Rate:     d.Rate,
		BufSize:  d.BufSize,
		FragSize: d.FragSize,
	}, nil
}

// Listener describes one remote control-protocol endpoint.
type Listener struct {
	Name        string `yaml:"name"`
	Network     string `yaml:"network"` // "tcp" or "unix"
	Address     string `yaml:"address"`
	Advertise   bool   `yaml:"advertise"` // mDNS-advertise this listener
	ServiceName string `yaml:"service_name,omitempty"`
}

// Config is the top-level document.
type Config struct {
	Devices   []Device   `yaml:"devices"`
	Listeners []Listener `yaml:"listeners"`
	LogDir    string     `yaml:"log_dir,omitempty"`
	LogFile   string     `yaml:"log_file,omitempty"`
}

// Load reads and parses path, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configs that could never produce a working server:
// devices with neither direction enabled, listeners with no address, and
// duplicate names in either list (a duplicate name would make a later
// CLI/remote lookup ambiguous).
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("config: at least one device is required")
	}
	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("config: device with empty name")
		}
		if seen[d.Name] {
			return fmt.Errorf("config: duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
		if !d.Playback && !d.Capture {
			return fmt.Errorf("config: device %q enables neither playback nor capture", d.Name)
		}
		if d.Backend != BackendHWAudio && d.Backend != BackendCharDev {
			return fmt.Errorf("config: device %q has unknown backend %q", d.Name, d.Backend)
		}
		if _, err := d.Params(); err != nil {
			return err
		}
	}
	seenL := make(map[string]bool, len(c.Listeners))
	for _, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("config: listener %q has empty address", l.Name)
		}
		if seenL[l.Name] {
			return fmt.Errorf("config: duplicate listener name %q", l.Name)
		}
		seenL[l.Name] = true
		if l.Network != "tcp" && l.Network != "unix" {
			return fmt.Errorf("config: listener %q has unknown network %q", l.Name, l.Network)
		}
	}
	return nil
}
