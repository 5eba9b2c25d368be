// Package client implements the reverse-tunnel client: the external
// collaborator spec.md treats as out of core scope, kept here as the
// supporting program the server's integration tests drive end to end.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/yamux"

	"github.com/relaygate/relay/internal/control"
	"github.com/relaygate/relay/internal/proxy"
)

// controlPath is the well-known bootstrap path, matching internal/server.
const controlPath = "/_tunnel/connect"

// Client dials a relay server, claims a subdomain, and forwards every
// resulting tunnel stream to a local service.
type Client struct {
	serverAddr string
	localAddr  string
	subdomain  string

	backoffConfig BackoffConfig
	reconnect     bool
}

// New creates a Client forwarding to localAddr once registered.
func New(serverAddr, localAddr string) *Client {
	return &Client{
		serverAddr:    serverAddr,
		localAddr:     localAddr,
		backoffConfig: DefaultBackoffConfig(),
		reconnect:     true,
	}
}

// WithSubdomain sets the requested subdomain.
func (c *Client) WithSubdomain(subdomain string) *Client {
	c.subdomain = subdomain
	return c
}

// WithBackoff overrides the reconnection backoff policy.
func (c *Client) WithBackoff(cfg BackoffConfig) *Client {
	c.backoffConfig = cfg
	return c
}

// WithReconnect enables or disables automatic reconnection.
func (c *Client) WithReconnect(enabled bool) *Client {
	c.reconnect = enabled
	return c
}

// WithMaxRetries caps the number of reconnection attempts.
func (c *Client) WithMaxRetries(n int) *Client {
	c.backoffConfig.MaxRetries = n
	return c
}

type createTunnelWire struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type incomingClientWire struct {
	Type   string `json:"type"`
	Ticket string `json:"ticket"`
}

// bufferedConn replays bytes already consumed into a bufio.Reader while
// reading the bootstrap handshake's response line, before further reads
// reach the raw socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// Run connects once, registers subdomain, and serves incoming tunnel
// streams until the session ends or ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	log.Debug("connecting to server", "server", c.serverAddr)

	raw, err := net.Dial("tcp", c.serverAddr)
	if err != nil {
		return fmt.Errorf("client: dial %s: %w", c.serverAddr, err)
	}

	bootstrap := "GET " + controlPath + " HTTP/1.1\r\nHost: " + c.serverAddr +
		"\r\nConnection: Upgrade\r\nUpgrade: relay-tunnel\r\n\r\n"
	if _, err := io.WriteString(raw, bootstrap); err != nil {
		raw.Close()
		return fmt.Errorf("client: bootstrap handshake: %w", err)
	}

	br := bufio.NewReader(raw)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			raw.Close()
			return fmt.Errorf("client: reading bootstrap response: %w", err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	session, err := yamux.Client(&bufferedConn{Conn: raw, r: br}, nil)
	if err != nil {
		raw.Close()
		return fmt.Errorf("client: yamux handshake: %w", err)
	}

	go func() {
		<-ctx.Done()
		session.Close()
	}()

	controlStream, err := session.OpenStream()
	if err != nil {
		session.Close()
		return fmt.Errorf("client: open control stream: %w", err)
	}

	if err := json.NewEncoder(controlStream).Encode(createTunnelWire{Type: "createTunnel", Name: c.subdomain}); err != nil {
		session.Close()
		return fmt.Errorf("client: send createTunnel: %w", err)
	}

	log.Info("tunnel requested", "subdomain", c.subdomain, "forwarding_to", c.localAddr)

	dec := json.NewDecoder(controlStream)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if ctx.Err() != nil {
				return ErrShutdown
			}
			return fmt.Errorf("client: control stream closed: %w", err)
		}

		var msg incomingClientWire
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "incomingClient" {
			continue
		}
		go c.handleIncomingClient(session, msg.Ticket)
	}
}

// RunWithReconnect wraps Run with exponential backoff, matching the
// teacher's reconnect loop shape.
func (c *Client) RunWithReconnect(ctx context.Context) error {
	if !c.reconnect {
		return c.Run(ctx)
	}

	backoff := NewBackoff(c.backoffConfig)

	for {
		err := c.Run(ctx)
		if err == nil || isPermanentError(err) {
			return err
		}

		if backoff.MaxRetriesReached() {
			log.Error("max reconnection attempts reached")
			return ErrMaxRetriesExceeded
		}

		delay := backoff.NextDelay()
		log.Warn("connection lost, reconnecting...", "error", err, "attempt", backoff.Attempt(), "delay", delay.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return ErrShutdown
		case <-time.After(delay):
		}
	}
}

// handleIncomingClient opens the tagged reply stream for ticket, connects
// to the local service, and bridges them bidirectionally.
func (c *Client) handleIncomingClient(session *yamux.Session, ticket string) {
	stream, err := control.OpenTaggedStream(session, ticket)
	if err != nil {
		log.Debug("failed to open tagged stream", "error", err)
		return
	}

	localConn, err := net.Dial("tcp", c.localAddr)
	if err != nil {
		log.Error("failed to connect to local service", "error", err, "local", c.localAddr)
		stream.Close()
		return
	}

	if err := proxy.Bidirectional(stream, localConn); err != nil {
		log.Debug("tunnel stream completed", "error", err)
	}
}
