// Package server exposes the relay over HTTP: the websocket endpoint with its
// per-connection pumps and protocol dispatcher, and the REST history API.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Chase-Garrett/parley/internal/auth"
	"github.com/Chase-Garrett/parley/internal/config"
	"github.com/Chase-Garrett/parley/internal/delivery"
	"github.com/Chase-Garrett/parley/internal/domain"
	"github.com/Chase-Garrett/parley/internal/metrics"
	"github.com/Chase-Garrett/parley/internal/presence"
	"github.com/Chase-Garrett/parley/internal/session"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Deps are the collaborators the server does not own.
type Deps struct {
	Messages domain.MessageStore
	Users    domain.AuthStore
	Log      logrus.FieldLogger
	Metrics  *metrics.Metrics
	// Gatherer backs /metrics; prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
}

// Server holds all dependencies for the relay.
type Server struct {
	cfg      config.Config
	log      logrus.FieldLogger
	messages domain.MessageStore
	users    domain.AuthStore
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	tokens   *auth.Tokens

	dispatcher *Dispatcher
	hub        *Hub

	upgrader websocket.Upgrader
	conns    conc.WaitGroup
	baseCtx  context.Context
}

func New(cfg config.Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	sessions := session.NewRegistry()
	engine := delivery.New(deps.Messages, sessions, log.WithField("component", "delivery"),
		delivery.WithMetrics(deps.Metrics),
		delivery.WithMaxContentLength(cfg.Message.MaxLength),
		// leave room in the outbound queue for live traffic during a replay
		delivery.WithReplayBatch(max(1, cfg.WS.SendQueue/2)),
	)
	broadcaster := presence.New(sessions, log.WithField("component", "presence"), deps.Metrics)
	dispatcher := NewDispatcher(sessions, engine, broadcaster, deps.Users, log, deps.Metrics)

	return &Server{
		cfg:        cfg,
		log:        log,
		messages:   deps.Messages,
		users:      deps.Users,
		metrics:    deps.Metrics,
		gatherer:   gatherer,
		tokens:     auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		dispatcher: dispatcher,
		hub:        NewHub(dispatcher, log.WithField("component", "hub"), deps.Metrics),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WS.ReadBuffer,
			WriteBufferSize: cfg.WS.WriteBuffer,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start runs the hub until ctx is done. Connections are refused before Start.
func (s *Server) Start(ctx context.Context) {
	s.baseCtx = ctx
	go s.hub.Run(ctx)
}

// Wait blocks until the hub and every connection goroutine have finished.
func (s *Server) Wait() {
	<-s.hub.Stopped()
	s.conns.Wait()
}

// Run serves HTTP on the configured address until ctx is done, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", srv.Addr).Info("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Wait()
	return err
}

// HandleConnections upgrades the request to a websocket and starts the
// connection's pumps.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := newClient(s.hub, conn, s.cfg.WS, s.log)
	if !s.hub.Register(c) {
		_ = conn.Close()
		return
	}

	s.spawn(c, "write", c.writePump)
	s.spawn(c, "read", func() { c.readPump(s.baseCtx, s.dispatcher) })
}

// spawn runs fn for c. A panic is logged and closes c only.
func (s *Server) spawn(c *Client, routine string, fn func()) {
	s.conns.Go(func() {
		var pc panics.Catcher
		pc.Try(fn)
		if r := pc.Recovered(); r != nil {
			c.log.WithField("routine", routine).Errorf("recovered panic: %v\n%s", r.Value, r.Stack)
			c.Close()
		}
	})
}
