// Package api provides HTTP handlers and the main API server logic for
// RelayCore.
//
// It exposes the delivery status endpoints consumed by the clinic's operator
// console, the sync queue status endpoint, the Twilio status callback webhook,
// and the websocket upgrade path for live events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MapleDental/RelayCore/internal/breaker"
	"github.com/MapleDental/RelayCore/internal/delivery"
	"github.com/MapleDental/RelayCore/internal/events"
	"github.com/MapleDental/RelayCore/internal/messaging"
	"github.com/MapleDental/RelayCore/internal/store"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr       string
	Updater    *delivery.Updater
	Breaker    *breaker.Breaker
	SyncQueue  store.SyncQueueRepo
	MsgService messaging.Service
	TwilioSvc  *messaging.TwilioService
	Hub        *events.Hub
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithUpdater sets the delivery status updater.
func WithUpdater(u *delivery.Updater) Option {
	return func(o *Opts) { o.Updater = u }
}

// WithBreaker sets the database circuit breaker exposed for status and reset.
func WithBreaker(b *breaker.Breaker) Option {
	return func(o *Opts) { o.Breaker = b }
}

// WithSyncQueue sets the sync queue repository backing /sync/queue-status.
func WithSyncQueue(q store.SyncQueueRepo) Option {
	return func(o *Opts) { o.SyncQueue = q }
}

// WithMessagingService sets the reminder delivery service.
func WithMessagingService(svc messaging.Service) Option {
	return func(o *Opts) { o.MsgService = svc }
}

// WithTwilioService sets the SMS fallback service whose sends the status
// callback webhook resolves against.
func WithTwilioService(svc *messaging.TwilioService) Option {
	return func(o *Opts) { o.TwilioSvc = svc }
}

// WithHub sets the websocket event hub.
func WithHub(h *events.Hub) Option {
	return func(o *Opts) { o.Hub = h }
}

// Server wires the HTTP surface to the delivery, sync, and event modules.
type Server struct {
	addr       string
	updater    *delivery.Updater
	brk        *breaker.Breaker
	syncQueue  store.SyncQueueRepo
	msgService messaging.Service
	twilioSvc  *messaging.TwilioService
	hub        *events.Hub

	httpSrv *http.Server
}

// NewServer creates a Server from the given options.
func NewServer(opts ...Option) (*Server, error) {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Updater == nil {
		return nil, fmt.Errorf("api server requires a delivery updater")
	}
	if cfg.Breaker == nil {
		return nil, fmt.Errorf("api server requires a circuit breaker")
	}

	s := &Server{
		addr:       cfg.Addr,
		updater:    cfg.Updater,
		brk:        cfg.Breaker,
		syncQueue:  cfg.SyncQueue,
		msgService: cfg.MsgService,
		twilioSvc:  cfg.TwilioSvc,
		hub:        cfg.Hub,
	}
	return s, nil
}

// routes registers all endpoints on a fresh mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/messaging/circuit-breaker-status", s.breakerStatusHandler)
	mux.HandleFunc("/messaging/reset-circuit-breaker", s.breakerResetHandler)
	mux.HandleFunc("/messaging/batch-status-update", s.batchStatusUpdateHandler)
	mux.HandleFunc("/messaging/status/", s.statusHandler)
	mux.HandleFunc("/messaging/count/", s.countHandler)
	mux.HandleFunc("/messaging/details/", s.detailsHandler)
	mux.HandleFunc("/messaging/reset/", s.resetDateHandler)
	mux.HandleFunc("/sync/queue-status", s.syncQueueStatusHandler)
	mux.HandleFunc("/twilio/status-callback", s.twilioStatusCallbackHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.HandleWS)
	}
	return mux
}

// Run serves HTTP until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		return nil
	}
}
