package config

import (
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks the configuration without changing it.
func Validate(c *Config) error {
	if c == nil {
		return errors.Wrap(ErrInvalid, "config is nil")
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return errors.Wrap(ErrInvalid, "state_dir is empty")
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return errors.Wrapf(ErrInvalid, "server.addr %q: %v", c.Server.Addr, err)
	}

	u, err := url.Parse(c.Probe.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Wrapf(ErrInvalid, "probe.url %q must be an http(s) URL", c.Probe.URL)
	}
	if c.Probe.Timeout <= 0 {
		return errors.Wrap(ErrInvalid, "probe.timeout must be positive")
	}
	if c.Probe.Interval <= 0 {
		return errors.Wrap(ErrInvalid, "probe.interval must be positive")
	}

	if c.Events.Redis.Enabled {
		if strings.TrimSpace(c.Events.Redis.Addr) == "" {
			return errors.Wrap(ErrInvalid, "events.redis.addr is empty")
		}
		if strings.TrimSpace(c.Events.Redis.Group) == "" {
			return errors.Wrap(ErrInvalid, "events.redis.group is empty")
		}
	}

	if len(c.Backend.Command) == 0 || strings.TrimSpace(c.Backend.Command[0]) == "" {
		return errors.Wrap(ErrInvalid, "backend.command is empty")
	}
	if c.Backend.StopTimeout < 0 || c.Backend.RestartDelay < 0 {
		return errors.Wrap(ErrInvalid, "backend durations must not be negative")
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.Wrapf(ErrInvalid, "log.format %q must be text or json", c.Log.Format)
	}
	return nil
}
