package cmds

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/socio-bridge/pkg/config"
	"github.com/go-go-golems/socio-bridge/pkg/logging"
)

type rootSettings struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string

	logCloser io.Closer
}

func NewRootCommand() *cobra.Command {
	s := &rootSettings{}
	root := &cobra.Command{
		Use:           "socio-bridge",
		Short:         "Background service and native messaging host for the Socio.io extension",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if s.logCloser != nil {
				return s.logCloser.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&s.configPath, "config", "", "YAML config file (default: config.yaml in the state directory, if present)")
	pf.StringVar(&s.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	pf.StringVar(&s.logFormat, "log-format", "", "Log format (text or json)")
	pf.StringVar(&s.logFile, "log-file", "", "Write logs to this file instead of stderr")

	root.AddCommand(
		newServeCommand(s),
		newNativeHostCommand(s),
		newProbeCommand(s),
		newConfigCommand(s),
	)
	return root
}

// load reads the config file and applies the persistent flags on top.
func (s *rootSettings) load(cmd *cobra.Command) (config.Config, error) {
	path := s.configPath
	if path == "" {
		candidate := filepath.Join(config.DefaultStateDir(), "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = s.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = s.logFormat
	}
	if flags.Changed("log-file") {
		cfg.Log.File = s.logFile
	}
	return cfg, nil
}

func (s *rootSettings) initLogging(l config.LogConfig) error {
	closer, err := logging.Init(logging.Settings{Level: l.Level, Format: l.Format, File: l.File})
	if err != nil {
		return errors.Wrap(err, "init logging")
	}
	s.logCloser = closer
	return nil
}
