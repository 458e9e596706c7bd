// Package config holds picostack runtime configuration and the on-disk
// layout derived from it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalid marks configuration that must abort startup.
var ErrInvalid = errors.New("invalid configuration")

// Config holds picostack runtime configuration.
type Config struct {
	// StateDir is the base directory for images, disks, pidfiles, reports
	// and the registry database.
	StateDir string

	// Platform selects the hypervisor parameter template ("ubuntu", "debian").
	Platform string

	// Executables overrides the hypervisor binary per platform variant.
	Executables map[string]string

	// FirstPort and LastPort bound the forwarded host port pool [FirstPort, LastPort).
	FirstPort int
	LastPort  int

	// VNCFirstPort is the lowest local VNC display port handed out to instances.
	VNCFirstPort int

	// TickInterval is the sleep between reconciliation ticks.
	TickInterval time.Duration

	// SpawnTries is how many times spawn polls for the wrapper to come up.
	SpawnTries int

	// SpawnPollInterval is the pause between spawn polls.
	SpawnPollInterval time.Duration

	// LockTimeout bounds how long the wrapper waits for its pidfile lock.
	LockTimeout time.Duration

	// APIAddr is the listen address for the HTTP front end. Empty disables it.
	APIAddr string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// LogJSON switches the log handler to JSON.
	LogJSON bool

	// DBPath is the path to the SQLite registry.
	DBPath string
}

// DefaultConfig returns the default configuration rooted at ~/.picostack.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return WithStateDir(filepath.Join(homeDir, ".picostack"))
}

// WithStateDir returns the default configuration rooted at dir.
func WithStateDir(dir string) *Config {
	return &Config{
		StateDir:          dir,
		Platform:          "ubuntu",
		Executables:       map[string]string{},
		FirstPort:         10000,
		LastPort:          10100,
		VNCFirstPort:      5901,
		TickInterval:      10 * time.Second,
		SpawnTries:        3,
		SpawnPollInterval: time.Second,
		LockTimeout:       5 * time.Second,
		APIAddr:           "127.0.0.1:8686",
		LogLevel:          "info",
		DBPath:            filepath.Join(dir, "db", "picostack.sqlite3"),
	}
}

// Validate checks the values that the orchestrator cannot work around.
func (c *Config) Validate() error {
	if c.StateDir == "" || !filepath.IsAbs(c.StateDir) {
		return fmt.Errorf("%w: state_dir %q must be an absolute path", ErrInvalid, c.StateDir)
	}
	// Hypervisor command lines are split on whitespace.
	if strings.ContainsAny(c.StateDir, " \t\n") {
		return fmt.Errorf("%w: state_dir %q must not contain whitespace", ErrInvalid, c.StateDir)
	}
	if c.FirstPort <= 0 || c.LastPort > 65536 || c.FirstPort >= c.LastPort {
		return fmt.Errorf("%w: port range [%d, %d) is empty or out of bounds", ErrInvalid, c.FirstPort, c.LastPort)
	}
	if c.VNCFirstPort < 5900 || c.VNCFirstPort > 65535 {
		return fmt.Errorf("%w: vnc_first_port %d must be at least 5900", ErrInvalid, c.VNCFirstPort)
	}
	switch c.Platform {
	case "ubuntu", "debian":
	default:
		return fmt.Errorf("%w: unknown platform %q", ErrInvalid, c.Platform)
	}
	if c.SpawnTries < 1 {
		return fmt.Errorf("%w: spawn_tries must be positive", ErrInvalid)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick_interval must be positive", ErrInvalid)
	}
	return nil
}

// ImagesDir holds image template files.
func (c *Config) ImagesDir() string { return filepath.Join(c.StateDir, "images") }

// DisksDir holds per-instance disk copies.
func (c *Config) DisksDir() string { return filepath.Join(c.StateDir, "disks") }

// PidfilesDir holds wrapper pidfiles and their _proc sidecars.
func (c *Config) PidfilesDir() string { return filepath.Join(c.StateDir, "pidfiles") }

// LogsDir holds per-instance run reports.
func (c *Config) LogsDir() string { return filepath.Join(c.StateDir, "logs") }

// VNCTargetsDir holds one-line VNC proxy target files.
func (c *Config) VNCTargetsDir() string { return filepath.Join(c.StateDir, "vnc-targets") }

func (c *Config) ImagePath(filename string) string {
	return filepath.Join(c.ImagesDir(), filename)
}

func (c *Config) DiskPath(filename string) string {
	return filepath.Join(c.DisksDir(), filename)
}

func (c *Config) PidfilePath(instance string) string {
	return filepath.Join(c.PidfilesDir(), instance+".pid")
}

func (c *Config) ReportPath(instance string) string {
	return filepath.Join(c.LogsDir(), instance+".log")
}

func (c *Config) VNCTargetPath(instance string) string {
	return filepath.Join(c.VNCTargetsDir(), instance)
}

// Executable returns the configured hypervisor binary for a platform
// variant, or "" when the template default applies.
func (c *Config) Executable(platform string) string {
	return c.Executables[platform]
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.StateDir,
		c.ImagesDir(),
		c.DisksDir(),
		c.PidfilesDir(),
		c.LogsDir(),
		c.VNCTargetsDir(),
		filepath.Dir(c.DBPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
