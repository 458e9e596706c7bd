package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ewiger/picostack/internal/client"
	"github.com/ewiger/picostack/internal/config"
	"github.com/ewiger/picostack/internal/logging"
)

var (
	configPath string
	stateDir   string
	logLevel   string
	apiAddr    string

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "picostk",
	Short: "picostack - a small single-host VM orchestrator",
	Long: `picostack keeps a fleet of hypervisor-backed VM instances in their
desired state. Instances are cloned from images, started with forwarded
ssh, vnc and rdp ports, stopped and destroyed by a reconciliation loop
that "picostk run" drives.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "version", "supervise", "completion":
			return nil
		}
		return loadConfig()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "HCL config file (default $PICOSTACK_CONFIG or ~/.picostack/picostack.hcl if present)")
	pf.StringVar(&stateDir, "state-dir", "", "override the state directory")
	pf.StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	pf.StringVar(&apiAddr, "addr", "", "daemon API address (default from config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(reclaimCmd)
	rootCmd.AddCommand(superviseCmd)
	rootCmd.AddCommand(instanceCmd)
	rootCmd.AddCommand(imageCmd)
	rootCmd.AddCommand(flavourCmd)
}

func defaultConfigPath() string {
	if p := os.Getenv("PICOSTACK_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(home, ".picostack", "picostack.hcl")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func loadConfig() error {
	path := configPath
	if path == "" {
		path = defaultConfigPath()
	}
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	if stateDir != "" {
		abs, err := filepath.Abs(stateDir)
		if err != nil {
			return err
		}
		base := config.WithStateDir(abs)
		c.StateDir, c.DBPath = base.StateDir, base.DBPath
		if err := c.Validate(); err != nil {
			return err
		}
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	if apiAddr != "" {
		c.APIAddr = apiAddr
	}

	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.JSON = c.LogJSON
	logger = logging.New(lc)
	cfg = c
	return nil
}

func newClient() (*client.Client, error) {
	if cfg.APIAddr == "" {
		return nil, errors.New("no daemon API address configured; set api_addr or pass --addr")
	}
	return client.New(cfg.APIAddr), nil
}
