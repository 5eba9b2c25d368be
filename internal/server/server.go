// Package server wires the hostname resolver, client registry, control
// adapter, and ingress forwarder into one tunnel server: a single TCP
// listener shared by the public HTTP/upgrade path and the control-channel
// bootstrap handshake.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/relaygate/relay/internal/control"
	"github.com/relaygate/relay/internal/ingress"
	"github.com/relaygate/relay/internal/registry"
)

// controlPath is the well-known path a tunnel client's bootstrap upgrade
// request targets, per spec.md §6.
const controlPath = "/_tunnel/connect"

// Config holds the server's external configuration surface (spec.md §6).
type Config struct {
	Hostname      string // bind address, e.g. "0.0.0.0" or ""
	Port          int
	BaseSubdomain string
	ShutdownGrace time.Duration
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// Server is the tunnel server: one listener, one registry, one forwarder.
type Server struct {
	cfg       Config
	registry  *registry.Registry[*control.Conn]
	forwarder *ingress.Forwarder

	wg sync.WaitGroup
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	reg := registry.New[*control.Conn]()
	return &Server{
		cfg:       cfg,
		registry:  reg,
		forwarder: ingress.NewForwarder(reg, cfg.BaseSubdomain),
	}
}

// Run listens on cfg.addr() and serves until ctx is cancelled, then waits
// up to cfg.ShutdownGrace for in-flight connections to finish.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.addr())
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.addr(), err)
	}
	defer ln.Close()

	slog.Info("tunnel server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("accept error", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		slog.Warn("shutdown grace period elapsed with connections still open")
	}
	return nil
}

// handle dispatches one accepted raw connection: a control bootstrap
// handshake, an HTTP upgrade to route (C5), or an ordinary request (C4).
func (s *Server) handle(conn net.Conn) {
	head, buffered, err := ingress.ParseHead(conn)
	if err != nil {
		conn.Close()
		return
	}

	if isControlBootstrap(head) {
		s.acceptControl(buffered)
		return
	}

	if head.IsUpgrade() {
		s.forwarder.ForwardUpgrade(head, buffered)
		return
	}
	s.forwarder.ForwardRequest(head, buffered)
}

func isControlBootstrap(head *ingress.Head) bool {
	return strings.EqualFold(head.Target, controlPath) && head.IsUpgrade()
}

// acceptControl answers the bootstrap handshake with a 101 response, hands
// the raw connection to yamux, and runs the resulting ClientConn's control
// loop (C6) until it ends.
func (s *Server) acceptControl(buffered *ingress.BufferedConn) {
	const response = "HTTP/1.1 101 Switching Protocols\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: relay-tunnel\r\n\r\n"

	if _, err := io.WriteString(buffered, response); err != nil {
		buffered.Close()
		return
	}

	conn, err := control.Accept(buffered)
	if err != nil {
		slog.Error("control handshake failed", "error", err)
		buffered.Close()
		return
	}

	slog.Info("tunnel client connected", "remote", conn.RemoteAddr())

	if err := conn.Serve(func(name string) { s.handleCreateTunnel(conn, name) }); err != nil {
		slog.Error("control connection ended with error", "remote", conn.RemoteAddr(), "error", err)
	}

	s.cleanup(conn)
}

// handleCreateTunnel realizes C6's createTunnel branch.
func (s *Server) handleCreateTunnel(conn *control.Conn, requested string) {
	if conn.ClaimedName() != "" {
		return
	}

	name, err := s.registry.Claim(conn, requested)
	switch {
	case err == nil:
		if !conn.MarkClaimed(name) {
			// Lost a race with another createTunnel on the same
			// connection; release what we just claimed.
			s.registry.Release(name, conn)
			return
		}
		slog.Info(fmt.Sprintf("%s registered successfully", name))
	case errors.Is(err, registry.ErrBadName):
		slog.Info(fmt.Sprintf("%s -- bad subdomain. disconnecting client.", requested))
		conn.Close()
	case errors.Is(err, registry.ErrTaken):
		slog.Info(fmt.Sprintf("%s requested but already claimed. disconnecting client.", name))
		conn.Close()
	}
}

// cleanup realizes C6's disconnect branch: release any held claim and log.
func (s *Server) cleanup(conn *control.Conn) {
	name := conn.ClaimedName()
	if name == "" {
		return
	}
	s.registry.Release(name, conn)
	slog.Info(fmt.Sprintf("%s unregistered", name))
}
