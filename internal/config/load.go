package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// fileConfig is the HCL shape of a picostack config file. Unset
// attributes keep their defaults.
type fileConfig struct {
	StateDir          *string           `hcl:"state_dir,optional"`
	Platform          *string           `hcl:"platform,optional"`
	FirstPort         *int              `hcl:"first_port,optional"`
	LastPort          *int              `hcl:"last_port,optional"`
	VNCFirstPort      *int              `hcl:"vnc_first_port,optional"`
	TickInterval      *string           `hcl:"tick_interval,optional"`
	SpawnTries        *int              `hcl:"spawn_tries,optional"`
	SpawnPollInterval *string           `hcl:"spawn_poll_interval,optional"`
	LockTimeout       *string           `hcl:"lock_timeout,optional"`
	APIAddr           *string           `hcl:"api_addr,optional"`
	LogLevel          *string           `hcl:"log_level,optional"`
	LogJSON           *bool             `hcl:"log_json,optional"`
	Database          *string           `hcl:"database,optional"`
	Hypervisors       []hypervisorBlock `hcl:"hypervisor,block"`
}

type hypervisorBlock struct {
	Variant    string `hcl:"variant,label"`
	Executable string `hcl:"executable"`
}

// Load reads the HCL file at path on top of DefaultConfig and validates
// the result. An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes HCL source. filename is used in diagnostics only.
func LoadBytes(filename string, data []byte) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse %s: %s", filename, diags.Error())
	}

	var fc fileConfig
	if diags := gohcl.DecodeBody(file.Body, nil, &fc); diags.HasErrors() {
		return nil, fmt.Errorf("decode %s: %s", filename, diags.Error())
	}

	cfg := DefaultConfig()
	if fc.StateDir != nil {
		cfg = WithStateDir(filepath.Clean(*fc.StateDir))
	}
	if err := fc.apply(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	if fc.Platform != nil {
		cfg.Platform = *fc.Platform
	}
	if fc.FirstPort != nil {
		cfg.FirstPort = *fc.FirstPort
	}
	if fc.LastPort != nil {
		cfg.LastPort = *fc.LastPort
	}
	if fc.VNCFirstPort != nil {
		cfg.VNCFirstPort = *fc.VNCFirstPort
	}
	if fc.SpawnTries != nil {
		cfg.SpawnTries = *fc.SpawnTries
	}
	if fc.APIAddr != nil {
		cfg.APIAddr = *fc.APIAddr
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.LogJSON != nil {
		cfg.LogJSON = *fc.LogJSON
	}
	if fc.Database != nil {
		cfg.DBPath = *fc.Database
	}

	durations := []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"tick_interval", fc.TickInterval, &cfg.TickInterval},
		{"spawn_poll_interval", fc.SpawnPollInterval, &cfg.SpawnPollInterval},
		{"lock_timeout", fc.LockTimeout, &cfg.LockTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, d.name, err)
		}
		*d.dst = v
	}

	for _, h := range fc.Hypervisors {
		cfg.Executables[h.Variant] = h.Executable
	}
	return nil
}
