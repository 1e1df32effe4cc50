// Package server is the council server's lifecycle manager: the entry point
// a host process uses to start, stop, and query the HTTP+WebSocket broker.
//
// This package lives in pkg/ (not internal/) so that host applications can
// embed the server without reaching into its components.
//
// Usage:
//
//	m := server.NewManager(cfg)
//	if err := m.Start(ctx); err != nil { ... }
//	defer m.Stop()
//	<-m.Done()
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/lifeos-nexus/council/internal/api"
	"github.com/lifeos-nexus/council/internal/api/handlers"
	"github.com/lifeos-nexus/council/internal/broker"
	"github.com/lifeos-nexus/council/internal/config"
	"github.com/lifeos-nexus/council/internal/registry"
	"github.com/lifeos-nexus/council/internal/retention"
	"github.com/lifeos-nexus/council/internal/store"
	"github.com/lifeos-nexus/council/internal/transport"
	"github.com/lifeos-nexus/council/pkg/models"

	"github.com/rs/zerolog/log"
)

// ErrAlreadyRunning is returned by Start unless the manager is stopped.
var ErrAlreadyRunning = errors.New("Server is already running")

// State is the manager's position in Stopped → Starting → Running → Stopping.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Manager owns one council server instance at a time. All state lives
// behind a single mutex.
type Manager struct {
	cfg *config.Config

	mu      sync.Mutex
	state   State
	rt      *runtime
	lastErr error
}

// runtime is everything created by one Start and torn down by its Stop.
type runtime struct {
	listener net.Listener
	srv      *http.Server
	reg      *registry.Registry
	store    store.RequestStore
	port     int
	started  time.Time

	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewManager creates a stopped manager for cfg.
func NewManager(cfg *config.Config) *Manager {
	return &Manager{cfg: cfg}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start initializes storage, binds the listener, and begins serving in the
// background. It returns once the server accepts connections.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.state = StateStarting
	m.lastErr = nil
	m.mu.Unlock()

	rt, err := m.build(ctx)
	if err != nil {
		m.mu.Lock()
		m.state = StateStopped
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.rt = rt
	m.state = StateRunning
	m.mu.Unlock()

	log.Info().
		Int("port", rt.port).
		Str("addr", rt.listener.Addr().String()).
		Msg("🔥 Council server is listening")
	return nil
}

func (m *Manager) build(ctx context.Context) (*runtime, error) {
	cfg := m.cfg

	dataStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := dataStore.Init(ctx); err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("init council store: %w", err)
	}

	janitor := retention.NewJanitor(dataStore, cfg.JanitorInterval, cfg.RetainCount)
	if _, err := janitor.RecoverOrphans(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to finalize orphaned council requests")
	}

	ln, err := net.Listen("tcp", cfg.Addr(cfg.Port))
	if err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("failed to bind to %s: %w", cfg.Addr(cfg.Port), err)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	started := time.Now()

	reg := registry.New()
	b := broker.New(reg, dataStore, broker.Options{
		DefaultTimeout: cfg.DefaultTimeout,
		MaxTimeout:     cfg.MaxTimeout,
		ProxyTimeout:   cfg.ProxyTimeout,
		RetainCount:    cfg.RetainCount,
	})
	h := handlers.New(b, dataStore, cfg.Version, started)
	ws := transport.NewHandler(baseCtx, reg, transport.Options{
		OriginPatterns:    cfg.AllowedOrigins,
		ReadLimit:         cfg.MaxMessageBytes,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	rt := &runtime{
		listener: ln,
		reg:      reg,
		store:    dataStore,
		port:     ln.Addr().(*net.TCPAddr).Port,
		started:  started,
		cancel:   cancel,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		srv: &http.Server{
			Handler:           api.NewRouter(cfg, h, ws),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// A prompt may legitimately wait for the full timeout cap.
			WriteTimeout: cfg.MaxTimeout + 30*time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}

	go janitor.Start(baseCtx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- rt.srv.Serve(ln)
	}()
	go m.supervise(rt, serveErr)

	return rt, nil
}

func openStore(cfg *config.Config) (store.RequestStore, error) {
	switch cfg.StoreKind {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		s, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open council store: %w", err)
		}
		return s, nil
	}
}

// supervise waits for Stop or a listener failure, then tears the runtime down.
func (m *Manager) supervise(rt *runtime, serveErr <-chan error) {
	var err error
	select {
	case <-rt.stop:
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		} else {
			log.Error().Err(err).Msg("Council server stopped serving")
		}
	}

	m.mu.Lock()
	m.state = StateStopping
	m.mu.Unlock()

	log.Info().Msg("🛑 Shutting down council server...")

	// Hijacked extension sockets are not tracked by Shutdown.
	rt.cancel()

	timeout := m.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	if serr := rt.srv.Shutdown(ctx); serr != nil {
		log.Warn().Err(serr).Msg("Graceful shutdown incomplete")
		rt.srv.Close()
	}
	cancel()

	rt.reg.Close()
	if cerr := rt.store.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("Failed to close council store")
	}

	m.mu.Lock()
	if m.rt == rt {
		m.rt = nil
	}
	m.state = StateStopped
	m.lastErr = err
	m.mu.Unlock()

	close(rt.done)
	log.Info().Msg("Council server stopped")
}

// Stop signals the running server to shut down and returns immediately.
// Poll Status or wait on Done for completion. Stopping a stopped server is
// a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	rt := m.rt
	m.mu.Unlock()
	if rt == nil {
		return
	}
	rt.stopOnce.Do(func() { close(rt.stop) })
}

// Done returns a channel closed when the current server has fully stopped.
// When nothing is running the channel is already closed.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return m.rt.done
}

// Err returns the listener error that ended the last run, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Addr returns the bound listener address, or "" when not running.
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt == nil {
		return ""
	}
	return m.rt.listener.Addr().String()
}

// Status reports a snapshot of the server. Port is the configured port
// when stopped and the bound port while running.
func (m *Manager) Status() models.ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning || m.rt == nil {
		return models.ServerStatus{Port: m.cfg.Port}
	}
	uptime := time.Since(m.rt.started).Milliseconds()
	return models.ServerStatus{
		Running:            true,
		Port:               m.rt.port,
		ExtensionConnected: m.rt.reg.IsConnected(),
		UptimeMs:           &uptime,
	}
}
