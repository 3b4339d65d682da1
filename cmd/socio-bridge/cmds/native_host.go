package cmds

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/socio-bridge/pkg/backendproc"
	"github.com/go-go-golems/socio-bridge/pkg/config"
	"github.com/go-go-golems/socio-bridge/pkg/nativehost"
)

func newNativeHostCommand(rs *rootSettings) *cobra.Command {
	return &cobra.Command{
		Use:   "native-host [origin]",
		Short: "Run as the native messaging host launched by the browser",
		Long: `Speaks the browser's native messaging protocol on stdin/stdout and
supervises the moderation backend. Logs always go to a file because stdout
carries the protocol.`,
		// Browsers append the caller origin and, on Windows, --parent-window.
		Args:               cobra.ArbitraryArgs,
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rs.load(cmd)
			if err != nil {
				return err
			}
			if cfg.Log.File == "" {
				cfg.Log.File = cfg.NativeHost.LogFile
			}
			if err := rs.initLogging(cfg.Log); err != nil {
				return err
			}
			if err := config.Validate(&cfg); err != nil {
				log.Error().Err(err).Msg("invalid config")
				return err
			}

			sup, err := backendproc.NewSupervisor(backendproc.Config{
				Command:      cfg.Backend.Command,
				Dir:          cfg.Backend.Dir,
				StopTimeout:  cfg.Backend.StopTimeout,
				RestartDelay: cfg.Backend.RestartDelay,
			})
			if err != nil {
				return err
			}
			log.Info().Strs("args", args).Int("pid", os.Getpid()).Msg("native host starting")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			host := nativehost.NewHost(os.Stdin, os.Stdout, sup)
			err = host.Serve(ctx)
			log.Info().Err(err).Msg("native host exiting")
			return err
		},
	}
}
