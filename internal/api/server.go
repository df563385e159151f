package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/fleetdash/internal/audit"
	"github.com/nerrad567/fleetdash/internal/bus"
	"github.com/nerrad567/fleetdash/internal/correlator"
	"github.com/nerrad567/fleetdash/internal/fleet"
	"github.com/nerrad567/fleetdash/internal/history"
	"github.com/nerrad567/fleetdash/internal/infrastructure/config"
	"github.com/nerrad567/fleetdash/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Bus is the subset of *bus.Client the API uses.
type Bus interface {
	State() bus.State
	Topics() []string
	DroppedFrames() uint64
	HealthCheck(ctx context.Context) error
	PublishContext(ctx context.Context, topic string, payload []byte) error
	Subscribe(topic string, handler bus.Handler) (*bus.Subscription, error)
}

// Pinger is the subset of *correlator.Correlator the API uses.
type Pinger interface {
	SendAwaitable(ctx context.Context, key string, body []byte, timeout time.Duration) (time.Duration, error)
	RunBatch(ctx context.Context, key string, opts correlator.BatchOptions) ([]correlator.Sample, error)
	Results() *correlator.Results
}

// BatchRecorder receives the summary of every completed batch test, in
// addition to the history repository.
type BatchRecorder interface {
	WriteBatchStats(peer string, st correlator.Stats, at time.Time)
}

// Database is the subset of *database.DB used for health and metrics.
type Database interface {
	HealthCheck(ctx context.Context) error
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Ping     config.PingConfig
	Logger   *logging.Logger
	Bus      Bus
	Pinger   Pinger             // optional: ping endpoints answer 503 without it
	Fleet    *fleet.Aggregator  // optional
	History  history.Repository // optional: batch runs are not persisted without it
	Batches  BatchRecorder      // optional
	Audit    audit.Repository   // optional: operator actions are not recorded without it
	DB       Database           // optional
	Hub      *Hub               // If set, the server uses this hub instead of creating its own
	Version  string
}

// Server is the dashboard's HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	pingCfg   config.PingConfig
	logger    *logging.Logger
	bus       Bus
	pinger    Pinger
	fleet     *fleet.Aggregator
	history   history.Repository
	batches   BatchRecorder
	audit     audit.Repository
	db        Database
	version   string
	startTime time.Time
	tickets   *ticketStore

	server      *http.Server
	listener    net.Listener
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		pingCfg:   deps.Ping,
		logger:    deps.Logger,
		bus:       deps.Bus,
		pinger:    deps.Pinger,
		fleet:     deps.Fleet,
		history:   deps.History,
		batches:   deps.Batches,
		audit:     deps.Audit,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		tickets:   newTicketStore(),
	}

	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.WS, deps.Logger, deps.Bus)
	}
	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub (unless injected), relays fleet updates to
// WebSocket clients, and launches the HTTP listener in a background
// goroutine. The listener is bound before Start returns, so a port clash is
// reported here. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}
	go s.tickets.cleanLoop(srvCtx)

	if s.fleet != nil {
		s.fleet.OnStatus(func(st fleet.PeerStatus) { s.hub.Broadcast(ChannelFleetStatus, st) })
		s.fleet.OnLog(func(e fleet.LogEntry) { s.hub.Broadcast(ChannelFleetLog, e) })
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
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
