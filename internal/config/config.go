package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSocketPath         = "/tmp/wifi_analyser.sock"
	DefaultElevator           = "pkexec"
	DefaultTarget             = "1.1.1.1"
	DefaultIperfAddr          = "speedtest.fra1.de.leaseweb.net"
	DefaultIperfPort          = "5201-5210"
	DefaultBuilding           = "A"
	DefaultFloor              = 1
	DefaultConnectAttempts    = 10
	DefaultConnectIntervalSec = 5
	DefaultPingCount          = 10
	DefaultIperfDurationSec   = 10
	DefaultAPFile             = "ap_locations.csv"
)

// Config holds both controller and worker settings.
type Config struct {
	Controller *ControllerConfig `yaml:"controller,omitempty"`
	Worker     *WorkerConfig     `yaml:"worker,omitempty"`
}

// ControllerConfig is used by the unprivileged operator process.
type ControllerConfig struct {
	Socket             string   `yaml:"socket"`
	Elevator           string   `yaml:"elevator"`
	Iface              string   `yaml:"iface"`
	Target             string   `yaml:"target"`
	IperfAddr          string   `yaml:"iperf_addr"`
	IperfPort          string   `yaml:"iperf_port"`
	Building           string   `yaml:"building"`
	Floor              int      `yaml:"floor"`
	DataDir            string   `yaml:"data_dir"`
	APFile             string   `yaml:"ap_file"`
	ConnectAttempts    int      `yaml:"connect_attempts"`
	ConnectIntervalSec int      `yaml:"connect_interval_sec"`
	STUNServers        []string `yaml:"stun_servers"`
}

// WorkerConfig is used by the privileged worker daemon.
type WorkerConfig struct {
	Socket           string `yaml:"socket"`
	LogLevel         string `yaml:"log_level"`
	PingCount        int    `yaml:"ping_count"`
	IperfDurationSec int    `yaml:"iperf_duration_sec"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Controller == nil && cfg.Worker == nil {
		return fmt.Errorf("config must contain controller or worker section")
	}
	if c := cfg.Controller; c != nil {
		if c.Iface == "" {
			return fmt.Errorf("controller.iface is required")
		}
		if c.Elevator != "pkexec" && c.Elevator != "sudo" {
			return fmt.Errorf("controller.elevator must be pkexec or sudo, got %q", c.Elevator)
		}
		if c.Floor < 0 {
			return fmt.Errorf("controller.floor must not be negative")
		}
		if _, _, err := ParsePortRange(c.IperfPort); err != nil {
			return fmt.Errorf("controller.iperf_port: %w", err)
		}
	}
	if w := cfg.Worker; w != nil {
		if w.PingCount <= 0 {
			return fmt.Errorf("worker.ping_count must be positive")
		}
		switch strings.ToLower(w.LogLevel) {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("worker.log_level %q is not one of debug|info|warn|error", w.LogLevel)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if c := cfg.Controller; c != nil {
		if c.Socket == "" {
			c.Socket = DefaultSocketPath
		}
		if c.Elevator == "" {
			c.Elevator = DefaultElevator
		}
		if c.Target == "" {
			c.Target = DefaultTarget
		}
		if c.IperfAddr == "" {
			c.IperfAddr = DefaultIperfAddr
		}
		if c.Building == "" {
			c.Building = DefaultBuilding
		}
		if c.Floor == 0 {
			c.Floor = DefaultFloor
		}
		if c.DataDir == "" {
			c.DataDir = "."
		}
		if c.APFile == "" {
			c.APFile = DefaultAPFile
		}
		if c.ConnectAttempts == 0 {
			c.ConnectAttempts = DefaultConnectAttempts
		}
		if c.ConnectIntervalSec == 0 {
			c.ConnectIntervalSec = DefaultConnectIntervalSec
		}
	}

	if w := cfg.Worker; w != nil {
		if w.Socket == "" {
			w.Socket = DefaultSocketPath
		}
		if w.LogLevel == "" {
			w.LogLevel = "info"
		}
		if w.PingCount == 0 {
			w.PingCount = DefaultPingCount
		}
		if w.IperfDurationSec == 0 {
			w.IperfDurationSec = DefaultIperfDurationSec
		}
	}
}
