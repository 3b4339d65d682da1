// Package server exposes the dispatcher and the status fan-out to the
// extension over HTTP and websockets, and owns the daemon lifecycle.
package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/socio-bridge/pkg/dispatch"
	"github.com/go-go-golems/socio-bridge/pkg/events"
	"github.com/go-go-golems/socio-bridge/pkg/relay"
	"github.com/go-go-golems/socio-bridge/pkg/stats"
)

const DefaultShutdownTimeout = 30 * time.Second

// Coordinator is the liveness loop the server runs and queries.
type Coordinator interface {
	dispatch.Liveness
	Run(ctx context.Context) error
}

// Dispatcher answers extension messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Response, error)
	Badge(ctx context.Context) (stats.Badge, error)
	RefreshBadge(ctx context.Context) error
}

type Options struct {
	Addr        string
	Coordinator Coordinator
	Dispatcher  Dispatcher
	Pool        *relay.ConnectionPool
	Bus         *events.Bus
	// Closers are closed after the HTTP server shut down, in order.
	Closers         []io.Closer
	ShutdownTimeout time.Duration
	// HandleSignals stops the server on SIGINT and SIGTERM.
	HandleSignals bool
}

type Server struct {
	coordinator     Coordinator
	dispatcher      Dispatcher
	pool            *relay.ConnectionPool
	bus             *events.Bus
	closers         []io.Closer
	shutdownTimeout time.Duration
	handleSignals   bool
	upgrader        websocket.Upgrader
	httpSrv         *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Coordinator == nil || opts.Dispatcher == nil {
		return nil, errors.New("server: coordinator and dispatcher are required")
	}
	if opts.Pool == nil {
		opts.Pool = relay.NewConnectionPool("extension")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	s := &Server{
		coordinator:     opts.Coordinator,
		dispatcher:      opts.Dispatcher,
		pool:            opts.Pool,
		bus:             opts.Bus,
		closers:         opts.Closers,
		shutdownTimeout: opts.ShutdownTimeout,
		handleSignals:   opts.HandleSignals,
		upgrader:        websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Pool() *relay.ConnectionPool { return s.pool }

func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /api/message", s.handleMessage)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	return mux
}

// Run drives the liveness loop, the event forwarder and the HTTP listener
// until ctx is done, a signal arrives or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	if s.bus != nil {
		if err := s.bus.EnsureGroupsAtTail(ctx); err != nil {
			return err
		}
	}

	eg, gctx := errgroup.WithContext(srvCtx)

	eg.Go(func() error { return s.coordinator.Run(gctx) })

	if s.bus != nil {
		eg.Go(func() error { return events.Forward(gctx, s.bus.Subscriber, s.pool, events.Topics...) })
	}

	eg.Go(func() error {
		if err := s.dispatcher.RefreshBadge(gctx); err != nil {
			log.Warn().Err(err).Str("component", "server").Msg("initial badge refresh failed")
		}
		return nil
	})

	eg.Go(func() error {
		var sigChan chan os.Signal
		if s.handleSignals {
			sigChan = make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
		}
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-gctx.Done():
		}
		srvCancel()
		return s.shutdown(context.WithoutCancel(ctx))
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting socio-bridge server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) shutdown(base context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(base, s.shutdownTimeout)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	if err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	s.pool.CloseAll()
	if s.bus != nil {
		if cerr := s.bus.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("event bus close error")
		}
	}
	for _, c := range s.closers {
		if cerr := c.Close(); cerr != nil {
			log.Error().Err(cerr).Msg("close error")
		}
	}
	log.Info().Msg("server shutdown complete")
	return err
}
