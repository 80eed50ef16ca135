package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/savid/iptvguide/internal/config"
	"github.com/savid/iptvguide/internal/data"
	"github.com/savid/iptvguide/internal/epg"
	"github.com/savid/iptvguide/internal/guide"
	"github.com/sirupsen/logrus"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 0 // Guide loads can outlast any fixed write deadline
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
	statusInterval  = 1 * time.Minute
)

// Deps are the collaborators the server exposes over HTTP.
type Deps struct {
	Guide     *guide.Service
	Refresher *data.Refresher
	Gatherer  prometheus.Gatherer
	// Channels is loaded into the guide on start when non-empty.
	Channels []epg.LiveChannel
}

// Server provides the HTTP server with lifecycle management.
type Server struct {
	log       logrus.FieldLogger
	cfg       *config.Config
	guide     *guide.Service
	refresher *data.Refresher
	gatherer  prometheus.Gatherer
	channels  []epg.LiveChannel
	server    *http.Server
	listener  net.Listener

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServer creates a new server instance.
func NewServer(log logrus.FieldLogger, cfg *config.Config, deps Deps) *Server {
	return &Server{
		log:       log.WithField("component", "server"),
		cfg:       cfg,
		guide:     deps.Guide,
		refresher: deps.Refresher,
		gatherer:  deps.Gatherer,
		channels:  deps.Channels,
	}
}

// Start starts the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return errors.New("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return err
	}

	serverCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.listener = listener

	// Warm the guide so the first request is served from memory
	if len(s.channels) > 0 {
		s.log.WithField("channels", len(s.channels)).Info("Fetching initial guide data")
		s.guide.FetchGuide(serverCtx, s.channels, s.cfg.CountryCodes(), func(msg string) {
			s.log.Debug(msg)
		})
	}

	if s.refresher != nil && s.cfg.RefreshInterval > 0 {
		if err := s.refresher.Start(serverCtx); err != nil {
			cancel()
			_ = listener.Close()

			return err
		}
	}

	go s.startStatusLogger(serverCtx)

	routes := NewRoutes(s.log, s.guide, s.cfg.CountryCodes(), s.gatherer)

	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr(),
		Handler:      routes.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go s.run(serverCtx)

	s.log.WithField("addr", listener.Addr().String()).Info("Server started")

	return nil
}

// Addr returns the address the server listens on, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Stop stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	if done != nil {
		<-done
	}

	if s.refresher != nil && s.cfg.RefreshInterval > 0 {
		if err := s.refresher.Stop(); err != nil {
			s.log.WithError(err).Warn("Failed to stop refresher")
		}
	}

	s.log.Info("Server stopped")

	return nil
}

func (s *Server) run(ctx context.Context) {
	defer close(s.done)

	errCh := make(chan error, 1)

	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Shutting down server")
	case err := <-errCh:
		if err != nil {
			s.log.WithError(err).Error("Server error")
		}

		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("Server shutdown error")
	}
}

// startStatusLogger logs guide coverage every minute.
func (s *Server) startStatusLogger(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	s.logGuideStatus()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logGuideStatus()
		}
	}
}

func (s *Server) logGuideStatus() {
	all := s.guide.AllChannels()
	if len(all) == 0 {
		s.log.Warn("No guide data loaded")

		return
	}

	summary := epg.Summarize(all)
	fields := logrus.Fields{
		"channels": len(all),
		"matched":  summary.Matched(),
	}

	if last := s.guide.LastFetch(); !last.IsZero() {
		fields["lastFetch"] = last.UTC().Format(time.RFC3339)
	}

	s.log.WithFields(fields).Info("Guide status")
}
