// Package proxy runs the PostgreSQL listener: it accepts client
// connections and hands each one to its own session.Driver.
package proxy

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/tusqdb/tusq/internal/config"
	"github.com/tusqdb/tusq/internal/metrics"
	"github.com/tusqdb/tusq/internal/pool"
	"github.com/tusqdb/tusq/internal/session"
)

// Server is the PostgreSQL proxy's accept loop.
type Server struct {
	registry *pool.Manager
	cfg      *config.Handle
	metrics  *metrics.Collector

	listener net.Listener

	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
}

// NewServer constructs a Server bound to registry and cfg. cfg is
// re-read by every accepted connection, so a config reload takes effect
// for the next client without restarting the listener.
func NewServer(registry *pool.Manager, cfg *config.Handle, m *metrics.Collector) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		registry: registry,
		cfg:      cfg,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
	}
}

// Listen starts accepting connections on addr.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	slog.Info("proxy listening", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("accept error", "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			d := session.New(c, s.registry, s.cfg, s.metrics, s.shutdown)
			d.Run(s.ctx)
		}()
	}
}

// Stop closes the listener and signals every idle session to exit, then
// waits for all in-flight transactions to finish before returning.
func (s *Server) Stop() {
	close(s.shutdown)
	if s.listener != nil {
		s.listener.Close()
	}
	s.cancel()
	s.wg.Wait()
	slog.Info("proxy stopped")
}
