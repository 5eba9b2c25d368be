// Package control adapts one tunnel client's persistent yamux session into
// the two operations the rest of the system needs: emitting named events to
// the client, and accepting per-request byte streams the client opens back,
// tagged by the RequestTicket they answer.
package control

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/yamux"
)

var (
	// ErrClosed is returned by Emit/Once operations on a Conn that has
	// already been torn down.
	ErrClosed = errors.New("control: connection closed")

	// ErrUnexpectedMessage names a decoded control message that doesn't
	// carry a known type tag. Serve does not return it: such messages are
	// logged and skipped.
	ErrUnexpectedMessage = errors.New("control: unexpected message")
)

// TunnelStream is the per-request bidirectional byte channel a tunnel
// client opens in answer to an incomingClient event.
type TunnelStream = net.Conn

// StreamResult is delivered to a pending Once waiter when the client either
// opens the matching stream or the wait is aborted.
type StreamResult struct {
	Stream TunnelStream
	Err    error
}

// Conn wraps one tunnel client's yamux session: the control stream (stream
// 0, carrying JSON control messages) plus the accept loop that routes every
// subsequently opened stream to the waiter registered for its ticket.
type Conn struct {
	id     string
	remote string

	session       *yamux.Session
	controlStream net.Conn
	enc           *json.Encoder
	dec           *json.Decoder

	mu          sync.Mutex
	waiters     map[string]chan StreamResult
	closed      bool
	claimedName string
}

var connSeq uint64

// Accept performs the server side of the yamux handshake on raw and accepts
// its control stream (the first stream the client opens), returning a Conn
// ready to Serve.
func Accept(raw net.Conn) (*Conn, error) {
	session, err := yamux.Server(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("control: yamux handshake: %w", err)
	}

	controlStream, err := session.AcceptStream()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("control: accept control stream: %w", err)
	}

	c := &Conn{
		id:            newConnID(),
		remote:        raw.RemoteAddr().String(),
		session:       session,
		controlStream: controlStream,
		enc:           json.NewEncoder(controlStream),
		dec:           json.NewDecoder(controlStream),
		waiters:       make(map[string]chan StreamResult),
	}
	return c, nil
}

func newConnID() string {
	n := atomic.AddUint64(&connSeq, 1)
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("%d-%s", n, hex.EncodeToString(b))
}

// ID identifies this connection for the lifetime of the process. It
// satisfies registry.Conn.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the client's network address, for logging.
func (c *Conn) RemoteAddr() string { return c.remote }

// ClaimedName returns the name this connection has claimed, or "" if it
// hasn't claimed one yet. Matches the ClientConn data model's
// claimed_name attribute: set at most once per connection lifetime.
func (c *Conn) ClaimedName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimedName
}

// MarkClaimed records name as this connection's claim. It reports false,
// making no change, if the connection already holds any claim —
// a second createTunnel on an already-claimed connection is ignored per
// spec.md §4.2.
func (c *Conn) MarkClaimed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimedName != "" {
		return false
	}
	c.claimedName = name
	return true
}

// EmitIncomingClient sends the incomingClient event carrying ticket to the
// client over the control stream.
func (c *Conn) EmitIncomingClient(ticket string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	enc := c.enc
	c.mu.Unlock()

	return enc.Encode(newIncomingClientMessage(ticket))
}

// Once registers a one-shot acceptor for ticket: the returned channel
// receives exactly one StreamResult, either when the client opens a stream
// tagged with ticket or when the connection fails first. After Cancel for
// ticket, nothing is delivered. Callers must always eventually read from
// the returned channel or Cancel the ticket.
func (c *Conn) Once(ticket string) <-chan StreamResult {
	ch := make(chan StreamResult, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ch <- StreamResult{Err: ErrClosed}
		return ch
	}
	c.waiters[ticket] = ch
	return ch
}

// Cancel drops the pending acceptor for ticket, if any, without delivering
// a result. Used when the public side aborts before the client answers.
func (c *Conn) Cancel(ticket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, ticket)
}

// deliver routes an opened stream to its waiter, if one is still pending.
// An unmatched or late ticket gets its stream closed: nobody is listening.
func (c *Conn) deliver(ticket string, stream TunnelStream, err error) {
	c.mu.Lock()
	ch, ok := c.waiters[ticket]
	if ok {
		delete(c.waiters, ticket)
	}
	c.mu.Unlock()

	if !ok {
		if stream != nil {
			stream.Close()
		}
		return
	}
	ch <- StreamResult{Stream: stream, Err: err}
}

// abortWaiters fails every still-pending acceptor, used when the
// connection's transport dies out from under them.
func (c *Conn) abortWaiters(err error) {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[string]chan StreamResult)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- StreamResult{Err: err}
	}
}

// Serve runs both the data-stream accept loop and the control-message read
// loop, blocking until the session fails or the control stream is closed.
// onCreateTunnel is invoked, in arrival order, for every createTunnel
// message the client sends.
func (c *Conn) Serve(onCreateTunnel func(name string)) error {
	go c.acceptDataStreams()

	for {
		var raw json.RawMessage
		if err := c.dec.Decode(&raw); err != nil {
			c.teardown(err)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("control: read message: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch env.Type {
		case TypeCreateTunnel:
			var msg createTunnelMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			onCreateTunnel(msg.Name)
		default:
			slog.Warn("control: unexpected message type", "type", env.Type, "conn", c.id)
		}
	}
}

// acceptDataStreams accepts every stream the client opens beyond the
// control stream, reads its tagging line, and dispatches it to the
// matching Once waiter.
func (c *Conn) acceptDataStreams() {
	for {
		stream, err := c.session.AcceptStream()
		if err != nil {
			c.abortWaiters(fmt.Errorf("control: transport error: %w", err))
			return
		}
		go c.routeStream(stream)
	}
}

// routeStream reads the leading "<ticket>\n" line off a newly opened
// stream and hands the remainder, still wrapped so the buffered bytes
// replay first, to the waiter registered for that ticket.
func (c *Conn) routeStream(stream net.Conn) {
	reader := bufio.NewReader(stream)
	line, err := reader.ReadString('\n')
	if err != nil {
		stream.Close()
		return
	}
	ticket := trimNewline(line)

	c.deliver(ticket, &taggedStream{Conn: stream, r: reader}, nil)
}

func trimNewline(s string) string {
	n := len(s)
	for n > 0 && (s[n-1] == '\n' || s[n-1] == '\r') {
		n--
	}
	return s[:n]
}

// OpenTaggedStream opens a new stream on session and writes the
// "<ticket>\n" tag line before returning it. The tunnel client
// (internal/client) uses it on its side of the session to answer an
// incomingClient event; tests use it the same way.
func OpenTaggedStream(session *yamux.Session, ticket string) (net.Conn, error) {
	stream, err := session.OpenStream()
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(stream, ticket+"\n"); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// Session exposes the underlying yamux session, for callers (tests, or a
// server wiring a client-side stand-in) that need to open tagged streams
// directly.
func (c *Conn) Session() *yamux.Session { return c.session }

// teardown closes the session once and aborts any still-pending waiters.
func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.session.Close()
	c.abortWaiters(fmt.Errorf("control: connection closed: %w", cause))
}

// Close tears the connection down from the server side, e.g. after a
// BadName or Taken createTunnel response.
func (c *Conn) Close() error {
	c.teardown(errors.New("closed by server"))
	return nil
}

// taggedStream wraps a just-opened yamux stream so that bytes already
// buffered into the bufio.Reader while reading the tag line are replayed
// before further reads hit the underlying stream.
type taggedStream struct {
	net.Conn
	r *bufio.Reader
}

func (t *taggedStream) Read(p []byte) (int, error) {
	return t.r.Read(p)
}
