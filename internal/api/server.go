package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
	"github.com/nerrad567/gray-logic-avr/internal/bridge"
	"github.com/nerrad567/gray-logic-avr/internal/history"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Bridge is the part of the MQTT bridge the API drives.
// *bridge.Bridge satisfies it.
type Bridge interface {
	DeviceID() string
	StateMessage() bridge.StateMessage
	Inputs() []bridge.InputInfo
	Execute(ctx context.Context, cmd bridge.CommandMessage) bridge.AckMessage
	Health() bridge.HealthMessage
	DroppedEvents() uint64
	Observe(fn func(bridge.Notification))
}

// Receiver exposes live client statistics for the metrics endpoint.
// *avr.Client satisfies it.
type Receiver interface {
	Stats() avr.ClientStats
	State() avr.DeviceState
}

// HistoryReader returns recorded state snapshots.
// *history.Repository satisfies it.
type HistoryReader interface {
	GetHistory(ctx context.Context, deviceID string, limit int) ([]history.Entry, error)
}

// StateReader returns the last cached state.
// *cache.StateCache satisfies it.
type StateReader interface {
	Get(ctx context.Context, deviceID string) (avr.DeviceState, bool, error)
}

// HealthChecker is implemented by infrastructure with a health probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectionChecker reports broker connectivity.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Bridge   Bridge
	Receiver Receiver

	// Optional dependencies; nil disables the endpoints or checks that need them.
	History  HistoryReader
	Cache    StateReader
	Database HealthChecker
	MQTT     ConnectionChecker

	Version string
}

// Server is the HTTP API server for the AVR bridge.
//
// It manages the HTTP listener, routes, middleware, metrics and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	bridge    Bridge
	receiver  Receiver
	history   HistoryReader
	cache     StateReader
	database  HealthChecker
	mqtt      ConnectionChecker
	version   string
	startTime time.Time
	metrics   *metrics
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, bridge, receiver) plus optional sinks
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	if deps.Receiver == nil {
		return nil, fmt.Errorf("receiver is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		bridge:    deps.Bridge,
		receiver:  deps.Receiver,
		history:   deps.History,
		cache:     deps.Cache,
		database:  deps.Database,
		mqtt:      deps.MQTT,
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	s.hub.SetSnapshot(s.snapshot)
	s.metrics = newMetrics(s)

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, registers the hub as a bridge observer and
// launches the HTTP listener in a background goroutine. The server can be
// stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: Currently always nil; listener errors are logged
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	s.bridge.Observe(s.relayNotification)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// relayNotification forwards a bridge notification to WebSocket clients.
// It runs on the bridge worker goroutine; Broadcast never blocks.
func (s *Server) relayNotification(n bridge.Notification) {
	switch n.Kind {
	case bridge.NotifyState:
		s.hub.Broadcast(ChannelState, n)
	case bridge.NotifyInput:
		s.hub.Broadcast(ChannelInputs, n)
	case bridge.NotifyConnection:
		s.hub.Broadcast(ChannelConnection, n)
	}
}
