// Package cmds holds the chatrelay subcommands.
package cmds

import (
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/logging"
)

// GlobalFlags are the root's persistent flags and the configuration they
// produce. Flag values override the config file.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	Addr       string

	cfg       *config.Config
	logCloser io.Closer
}

func (g *GlobalFlags) Register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.ConfigPath, "config", "c", "", "Path to the YAML config file")
	pf.StringVar(&g.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&g.Addr, "addr", "", "Listen address for serve, server address for client")
}

// Load reads the config, applies flag overrides and installs the logger.
func (g *GlobalFlags) Load() error {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return err
	}
	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if g.Addr != "" {
		cfg.Server.Addr = g.Addr
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "validating flags")
	}
	closer, err := logging.Init(cfg.LoggingSettings())
	if err != nil {
		return err
	}
	g.cfg = cfg
	g.logCloser = closer
	log.Debug().Str("config", g.ConfigPath).Msg("configuration loaded")
	return nil
}

// Config is valid after Load.
func (g *GlobalFlags) Config() *config.Config {
	if g.cfg == nil {
		return config.Default()
	}
	return g.cfg
}

func (g *GlobalFlags) Close() {
	if g.logCloser != nil {
		_ = g.logCloser.Close()
	}
}
