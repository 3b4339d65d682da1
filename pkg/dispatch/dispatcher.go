// Package dispatch routes messages from content scripts and the popup to
// the stats store and the liveness coordinator.
package dispatch

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/socio-bridge/pkg/liveness"
	"github.com/go-go-golems/socio-bridge/pkg/stats"
)

// Actions accepted from extension endpoints.
const (
	ActionUpdateStats         = "updateStats"
	ActionDirectImageUpdate   = "directImageUpdate"
	ActionResetStats          = "resetStats"
	ActionGetStatus           = "getStatus"
	ActionContentScriptActive = "contentScriptActive"
	ActionStartBackend        = "startBackend"
	ActionCheckBackendStatus  = "checkBackendStatus"
)

var ErrBadRequest = errors.New("bad request")

// Liveness is the slice of the coordinator the dispatcher drives.
type Liveness interface {
	Snapshot(ctx context.Context) (liveness.State, error)
	StartBackend(ctx context.Context) (bool, error)
	CheckBackendStatus(ctx context.Context) (liveness.State, error)
}

// BadgeSink receives the rendered badge after every counter change.
type BadgeSink interface {
	BadgeChanged(ctx context.Context, b stats.Badge) error
}

type Request struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	Type   string `json:"type,omitempty"`
	Count  int64  `json:"count,omitempty"`
	URL    string `json:"url,omitempty"`
}

type Response map[string]any

type Config struct {
	Liveness Liveness
	Store    stats.Store
	Badge    BadgeSink
	Enabled  bool
}

type handlerFunc func(ctx context.Context, req Request) (Response, error)

type Dispatcher struct {
	live     Liveness
	store    stats.Store
	badge    BadgeSink
	enabled  bool
	handlers map[string]handlerFunc
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Liveness == nil {
		return nil, errors.New("dispatch: liveness is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("dispatch: stats store is required")
	}
	d := &Dispatcher{
		live:    cfg.Liveness,
		store:   cfg.Store,
		badge:   cfg.Badge,
		enabled: cfg.Enabled,
	}
	d.handlers = map[string]handlerFunc{
		ActionUpdateStats:         d.updateStats,
		ActionDirectImageUpdate:   d.directImageUpdate,
		ActionResetStats:          d.resetStats,
		ActionGetStatus:           d.getStatus,
		ActionContentScriptActive: d.contentScriptActive,
		ActionStartBackend:        d.startBackend,
		ActionCheckBackendStatus:  d.checkBackendStatus,
	}
	return d, nil
}

// Dispatch handles one message. Unknown actions get the generic
// acknowledgement; an error wrapping ErrBadRequest means the message itself
// was invalid.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Response, error) {
	action := strings.TrimSpace(req.Action)
	log.Debug().Str("component", "dispatch").Str("action", action).Msg("received message")
	h, ok := d.handlers[action]
	if !ok {
		return Response{"status": "Background script received message"}, nil
	}
	return h(ctx, req)
}

// Badge renders the badge for the stored counters.
func (d *Dispatcher) Badge(ctx context.Context) (stats.Badge, error) {
	c, err := d.store.Get(ctx)
	if err != nil {
		return stats.Badge{}, errors.Wrap(err, "read stats")
	}
	return stats.BadgeFor(c.Total()), nil
}

// RefreshBadge publishes the badge for the stored counters.
func (d *Dispatcher) RefreshBadge(ctx context.Context) error {
	c, err := d.store.Get(ctx)
	if err != nil {
		return err
	}
	d.publishBadge(ctx, c)
	return nil
}

func (d *Dispatcher) updateStats(ctx context.Context, req Request) (Response, error) {
	kind, err := stats.ParseKind(req.Type)
	if err != nil {
		return nil, errors.Wrap(ErrBadRequest, err.Error())
	}
	count := req.Count
	if count < 0 {
		return nil, errors.Wrapf(ErrBadRequest, "negative count %d", count)
	}
	if count == 0 {
		count = 1
	}
	return d.add(ctx, kind, count)
}

func (d *Dispatcher) directImageUpdate(ctx context.Context, _ Request) (Response, error) {
	return d.add(ctx, stats.KindImages, 1)
}

func (d *Dispatcher) add(ctx context.Context, kind stats.Kind, n int64) (Response, error) {
	newCount, err := d.store.Add(ctx, kind, n)
	if err != nil {
		return nil, errors.Wrapf(err, "update %s", kind.Key())
	}
	log.Debug().Str("component", "dispatch").Str("counter", kind.Key()).Int64("value", newCount).Msg("counter updated")
	if err := d.RefreshBadge(ctx); err != nil {
		log.Warn().Err(err).Str("component", "dispatch").Msg("badge refresh failed")
	}
	return Response{"success": true, "newCount": newCount}, nil
}

func (d *Dispatcher) resetStats(ctx context.Context, _ Request) (Response, error) {
	if err := d.store.Reset(ctx); err != nil {
		return nil, errors.Wrap(err, "reset stats")
	}
	d.publishBadge(ctx, stats.Counters{})
	return Response{"success": true}, nil
}

func (d *Dispatcher) getStatus(ctx context.Context, _ Request) (Response, error) {
	c, err := d.store.Get(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read stats")
	}
	s, err := d.live.Snapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read liveness")
	}
	return Response{
		"enabled":             d.enabled,
		"textFiltered":        c.TextFiltered,
		"imagesFiltered":      c.ImagesFiltered,
		"backendRunning":      s.BackendRunning,
		"nativeHostConnected": s.HostConnected,
		"status":              "Background script is active",
	}, nil
}

func (d *Dispatcher) contentScriptActive(ctx context.Context, req Request) (Response, error) {
	log.Info().Str("component", "dispatch").Str("url", req.URL).Msg("content script is active")
	s, err := d.live.Snapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read liveness")
	}
	if !s.BackendRunning {
		if _, err := d.live.StartBackend(ctx); err != nil {
			log.Warn().Err(err).Str("component", "dispatch").Msg("start backend failed")
		}
	}
	return Response{
		"status":         "Background acknowledged content script",
		"backendRunning": s.BackendRunning,
	}, nil
}

func (d *Dispatcher) startBackend(ctx context.Context, _ Request) (Response, error) {
	ok, err := d.live.StartBackend(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "start backend")
	}
	return Response{"success": ok}, nil
}

func (d *Dispatcher) checkBackendStatus(ctx context.Context, _ Request) (Response, error) {
	s, err := d.live.CheckBackendStatus(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "check backend")
	}
	return Response{
		"backendRunning":      s.BackendRunning,
		"nativeHostConnected": s.HostConnected,
	}, nil
}

func (d *Dispatcher) publishBadge(ctx context.Context, c stats.Counters) {
	if d.badge == nil {
		return
	}
	if err := d.badge.BadgeChanged(ctx, stats.BadgeFor(c.Total())); err != nil {
		log.Warn().Err(err).Str("component", "dispatch").Msg("badge publish failed")
	}
}
