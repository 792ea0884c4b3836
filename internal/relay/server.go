package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cissieab/framerelay/internal/event"
	"github.com/cissieab/framerelay/internal/hub"
	"github.com/cissieab/framerelay/internal/platform/config"
	"github.com/cissieab/framerelay/internal/platform/metrics"
	"github.com/cissieab/framerelay/internal/upstream"
	"github.com/cissieab/framerelay/internal/viewer"
)

const shutdownTimeout = 10 * time.Second

// Server wires the upstream link, the hub and the viewer HTTP surface.
type Server struct {
	cfg     config.Config
	log     *slog.Logger
	hub     *hub.Hub
	link    *upstream.Link
	handler http.Handler
	rdb     *redis.Client
}

// New builds a relay from cfg. Nothing connects until Run.
func New(cfg config.Config, log *slog.Logger, met *metrics.Metrics) *Server {
	s := &Server{cfg: cfg, log: log}

	var dialer upstream.Dialer
	switch cfg.UpstreamTransport {
	case config.TransportRedis:
		s.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: "",
			DB:       cfg.RedisDB,
			Protocol: 2,
		})
		dialer = upstream.NewRedisDialer(s.rdb, cfg.RedisChannelPrefix)
	default:
		dialer = upstream.NewWebSocketDialer(cfg.UpstreamURL)
	}

	// The hub forwards control through the link and the link publishes into
	// the hub, so the forwarder resolves the link lazily.
	s.hub = hub.New(hub.ForwarderFunc(func(cmd event.ControlCommand) error {
		return s.link.ForwardControl(cmd)
	}), log, met)
	s.link = upstream.NewLink(dialer, s.hub, cfg.ReconnectDelay, log, met)

	s.handler = NewRouter(Options{
		Viewers:   viewer.NewHandler(s.hub, cfg.ViewerSendBuffer, log),
		Status:    s.hub,
		Upstream:  s.link,
		Metrics:   met,
		StaticDir: cfg.StaticDir,
		Log:       log,
	})
	return s
}

// Handler returns the HTTP handler serving viewers.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the hub and the upstream link and serves HTTP on ln until ctx
// is done, then drains connections.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := s.hub.Run(ctx); err != nil {
			s.log.Error("hub stopped", "error", err)
		}
	}()
	s.link.Start(ctx)

	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info("relay listening",
		"addr", ln.Addr().String(),
		"upstream_transport", s.cfg.UpstreamTransport,
		"reconnect_delay", s.cfg.ReconnectDelay,
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("shutdown error", "error", err)
	}

	<-s.link.Done()
	<-hubDone
	if s.rdb != nil {
		s.rdb.Close()
	}

	if serveErr != nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	return nil
}
