// Package server owns the gateway's HTTP listener lifecycle: binding with
// a port-fallback retry, graceful shutdown, and asynchronous serve-error
// reporting.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Manager owns one bound net.Listener and the *http.Server serving it.
type Manager struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
	config   Config
	logger   *zap.Logger
	mu       sync.RWMutex
	closed   bool
}

// Config controls the listener's bind behavior and the server's timeouts.
type Config struct {
	BindAddr        string
	PreferredPort   int
	MaxPort         int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1",
		PreferredPort:   8317,
		MaxPort:         8417,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	return &Manager{
		server: &http.Server{
			Handler:        handler,
			ReadTimeout:    config.ReadTimeout,
			WriteTimeout:   config.WriteTimeout,
			IdleTimeout:    config.IdleTimeout,
			MaxHeaderBytes: config.MaxHeaderBytes,
		},
		errCh:  make(chan error, 1),
		config: config,
		logger: logger.With(zap.String("component", "http_server")),
	}
}

// Start binds a listener, trying config.PreferredPort first and walking
// upward through config.MaxPort whenever the port is already in use, then
// serves non-blocking. The bound port is available via BoundPort once
// Start returns nil.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("server is closed")
	}
	if m.listener != nil {
		return fmt.Errorf("server already started")
	}

	listener, port, err := bindWithFallback(m.config.BindAddr, m.config.PreferredPort, m.config.MaxPort)
	if err != nil {
		return err
	}

	m.listener = listener
	m.logger.Info("starting HTTP server", zap.String("addr", listener.Addr().String()), zap.Int("port", port))

	go m.serve(listener)
	return nil
}

// bindWithFallback tries net.Listen on addr:port for every port in
// [preferred, max], returning the first successful bind. It only retries on
// EADDRINUSE; any other Listen error aborts immediately.
func bindWithFallback(addr string, preferred, max int) (net.Listener, int, error) {
	if max < preferred {
		max = preferred
	}
	var lastErr error
	for port := preferred; port <= max; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, port))
		if err == nil {
			return ln, port, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, fmt.Errorf("failed to listen on %s:%d: %w", addr, port, err)
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in [%d,%d] on %s: %w", preferred, max, addr, lastErr)
}

func (m *Manager) serve(listener net.Listener) {
	if err := m.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		m.logger.Error("HTTP server failed", zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown drains in-flight requests within config.ShutdownTimeout.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}
	m.listener = nil
	m.logger.Info("HTTP server stopped")
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM or an async serve error, then
// shuts the server down.
func (m *Manager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-m.errCh:
		if err != nil {
			m.logger.Error("server exited unexpectedly", zap.Error(err))
		}
	}

	if err := m.Shutdown(context.Background()); err != nil {
		m.logger.Error("shutdown error", zap.Error(err))
	}
}

// Errors returns asynchronous server errors (e.g. a listener accept failure).
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// BoundPort returns the port actually bound by Start, or 0 before Start.
func (m *Manager) BoundPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return 0
	}
	if tcpAddr, ok := m.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
