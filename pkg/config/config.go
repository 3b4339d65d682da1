// Package config loads the socio-bridge YAML configuration.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/socio-bridge/pkg/backendproc"
	"github.com/go-go-golems/socio-bridge/pkg/events"
	"github.com/go-go-golems/socio-bridge/pkg/probe"
)

const (
	DefaultServerAddr = "127.0.0.1:8765"
	LockFileName      = "socio-bridge.lock"
	statsFileName     = "stats.db"
	hostLogFileName   = "native-host.log"
)

type Config struct {
	StateDir string `yaml:"state_dir"`
	// Enabled is reported to the popup through getStatus.
	Enabled bool `yaml:"enabled"`

	Server       ServerConfig       `yaml:"server"`
	NativeHost   NativeHostConfig   `yaml:"native_host"`
	Probe        ProbeConfig        `yaml:"probe"`
	Stats        StatsConfig        `yaml:"stats"`
	Events       EventsConfig       `yaml:"events"`
	Notification NotificationConfig `yaml:"notification"`
	Backend      BackendConfig      `yaml:"backend"`
	Log          LogConfig          `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type NativeHostConfig struct {
	// Command launches the host. Empty means the serve binary's own
	// native-host subcommand.
	Command []string `yaml:"command,omitempty"`
	Origin  string   `yaml:"origin,omitempty"`
	// Disabled skips the native channel and relies on HTTP probes.
	Disabled bool `yaml:"disabled,omitempty"`
	// LogFile is where the native-host subcommand writes its logs.
	LogFile string `yaml:"log_file,omitempty"`
}

type ProbeConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
}

type StatsConfig struct {
	// DB is the SQLite file. Empty keeps counters in memory.
	DB string `yaml:"db"`
}

type EventsConfig struct {
	Redis events.RedisSettings `yaml:"redis"`
}

type NotificationConfig struct {
	Title   string `yaml:"title"`
	Message string `yaml:"message"`
}

type BackendConfig struct {
	Command      []string      `yaml:"command"`
	Dir          string        `yaml:"dir,omitempty"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	RestartDelay time.Duration `yaml:"restart_delay"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// DefaultStateDir is the per-user directory holding the lock, the stats
// database and the native host log.
func DefaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(os.TempDir(), "socio-bridge")
	}
	return filepath.Join(dir, "socio-bridge")
}

func Default() Config {
	stateDir := DefaultStateDir()
	return Config{
		StateDir: stateDir,
		Enabled:  true,
		Server:   ServerConfig{Addr: DefaultServerAddr},
		NativeHost: NativeHostConfig{
			LogFile: filepath.Join(stateDir, hostLogFileName),
		},
		Probe: ProbeConfig{
			URL:      probe.DefaultURL,
			Timeout:  probe.DefaultTimeout,
			Interval: 30 * time.Second,
		},
		Stats: StatsConfig{DB: filepath.Join(stateDir, statsFileName)},
		Events: EventsConfig{Redis: events.RedisSettings{
			Addr:     "localhost:6379",
			Group:    "socio-bridge",
			Consumer: "socio-bridge",
		}},
		Notification: NotificationConfig{
			Title:   events.DefaultUnavailableTitle,
			Message: events.DefaultUnavailableMessage,
		},
		Backend: BackendConfig{
			Command:      []string{"python", "app.py"},
			StopTimeout:  backendproc.DefaultStopTimeout,
			RestartDelay: backendproc.DefaultRestartDelay,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are rejected. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := Decode(bytes.NewReader(data), &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if dir := cfg.StateDir; dir != Default().StateDir {
		cfg.StateDir = Default().StateDir
		cfg.SetStateDir(dir)
	}
	return cfg, nil
}

func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// SetStateDir moves the state directory along with any paths still at
// their default location inside it.
func (c *Config) SetStateDir(dir string) {
	old := c.StateDir
	c.StateDir = dir
	if c.Stats.DB == filepath.Join(old, statsFileName) {
		c.Stats.DB = filepath.Join(dir, statsFileName)
	}
	if c.NativeHost.LogFile == filepath.Join(old, hostLogFileName) {
		c.NativeHost.LogFile = filepath.Join(dir, hostLogFileName)
	}
}

func (c Config) LockPath() string {
	return filepath.Join(c.StateDir, LockFileName)
}
