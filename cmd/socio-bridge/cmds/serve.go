package cmds

import (
	"io"
	"os"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/socio-bridge/pkg/config"
	"github.com/go-go-golems/socio-bridge/pkg/dispatch"
	"github.com/go-go-golems/socio-bridge/pkg/events"
	"github.com/go-go-golems/socio-bridge/pkg/liveness"
	"github.com/go-go-golems/socio-bridge/pkg/nativehost"
	"github.com/go-go-golems/socio-bridge/pkg/probe"
	"github.com/go-go-golems/socio-bridge/pkg/server"
	"github.com/go-go-golems/socio-bridge/pkg/stats"
)

type serveFlags struct {
	addr         string
	probeURL     string
	statsDB      string
	redis        bool
	redisAddr    string
	noNativeHost bool
	hostCommand  []string
	origin       string
	stateDir     string
}

func newServeCommand(rs *rootSettings) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background service for extension tabs and the popup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rs.load(cmd)
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)
			if err := config.Validate(&cfg); err != nil {
				return err
			}
			if err := rs.initLogging(cfg.Log); err != nil {
				return err
			}
			return runServe(cmd, rs, cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", config.DefaultServerAddr, "HTTP listen address")
	fl.StringVar(&f.probeURL, "probe-url", probe.DefaultURL, "Backend health check URL")
	fl.StringVar(&f.statsDB, "stats-db", "", `SQLite file for counters ("" keeps them in memory)`)
	fl.BoolVar(&f.redis, "redis", false, "Publish status events on Redis Streams")
	fl.StringVar(&f.redisAddr, "redis-addr", "", "Redis address")
	fl.BoolVar(&f.noNativeHost, "no-native-host", false, "Skip the native messaging host and rely on HTTP checks")
	fl.StringSliceVar(&f.hostCommand, "native-host-command", nil, "Native host command and arguments")
	fl.StringVar(&f.origin, "origin", "", "Origin argument passed to the native host")
	fl.StringVar(&f.stateDir, "state-dir", "", "Directory for the lock file and the stats database")
	return cmd
}

func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fl := cmd.Flags()
	if fl.Changed("state-dir") {
		cfg.SetStateDir(f.stateDir)
	}
	if fl.Changed("addr") {
		cfg.Server.Addr = f.addr
	}
	if fl.Changed("probe-url") {
		cfg.Probe.URL = f.probeURL
	}
	if fl.Changed("stats-db") {
		cfg.Stats.DB = f.statsDB
	}
	if fl.Changed("redis") {
		cfg.Events.Redis.Enabled = f.redis
	}
	if fl.Changed("redis-addr") {
		cfg.Events.Redis.Addr = f.redisAddr
	}
	if fl.Changed("no-native-host") {
		cfg.NativeHost.Disabled = f.noNativeHost
	}
	if fl.Changed("native-host-command") {
		cfg.NativeHost.Command = f.hostCommand
	}
	if fl.Changed("origin") {
		cfg.NativeHost.Origin = f.origin
	}
}

func runServe(cmd *cobra.Command, rs *rootSettings, cfg config.Config) error {
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return errors.Wrap(err, "create state directory")
	}
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return errors.Wrap(err, "acquire lock")
	}
	if !locked {
		return errors.Errorf("socio-bridge already running (lock %s held by another process)", cfg.LockPath())
	}
	defer func() { _ = lock.Unlock() }()

	store, err := openStore(cfg.Stats)
	if err != nil {
		return err
	}
	bus, err := events.NewBus(cfg.Events.Redis)
	if err != nil {
		_ = store.Close()
		return err
	}
	srv, err := buildServer(rs, cfg, store, bus)
	if err != nil {
		_ = bus.Close()
		_ = store.Close()
		return err
	}
	return srv.Run(cmd.Context())
}

// buildServer wires the liveness coordinator, the dispatcher and the status
// publisher around store and bus. The server closes both on shutdown.
func buildServer(rs *rootSettings, cfg config.Config, store stats.Store, bus *events.Bus) (*server.Server, error) {
	pub := events.NewStatusPublisher(bus, cfg.Notification.Title, cfg.Notification.Message)
	dialer, err := nativeDialer(rs, cfg.NativeHost)
	if err != nil {
		return nil, err
	}
	coord, err := liveness.New(liveness.Config{
		Dialer:        dialer,
		Prober:        probe.NewHTTPProber(cfg.Probe.URL, cfg.Probe.Timeout),
		FanOut:        pub,
		Notifier:      pub,
		ProbeInterval: cfg.Probe.Interval,
	})
	if err != nil {
		return nil, err
	}
	d, err := dispatch.New(dispatch.Config{Liveness: coord, Store: store, Badge: pub, Enabled: cfg.Enabled})
	if err != nil {
		return nil, err
	}
	return server.New(server.Options{
		Addr:          cfg.Server.Addr,
		Coordinator:   coord,
		Dispatcher:    d,
		Bus:           bus,
		Closers:       []io.Closer{store},
		HandleSignals: true,
	})
}

func openStore(c config.StatsConfig) (stats.Store, error) {
	if c.DB == "" {
		log.Info().Str("component", "stats").Msg("keeping counters in memory")
		return stats.NewMemoryStore(), nil
	}
	dsn, err := stats.SQLiteDSNForFile(c.DB)
	if err != nil {
		return nil, err
	}
	return stats.NewSQLiteStore(dsn)
}

// nativeDialer returns nil when the native host is disabled. By default the
// host is this binary's own native-host subcommand.
func nativeDialer(rs *rootSettings, c config.NativeHostConfig) (nativehost.Dialer, error) {
	if c.Disabled {
		return nil, nil
	}
	command := c.Command
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "locate executable")
		}
		command = []string{exe, "native-host"}
		if rs.configPath != "" {
			command = append(command, "--config", rs.configPath)
		}
	}
	return &nativehost.ProcessDialer{Command: command, Origin: c.Origin}, nil
}
