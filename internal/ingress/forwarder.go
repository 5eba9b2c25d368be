package ingress

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relay/internal/control"
	"github.com/relaygate/relay/internal/hostname"
	"github.com/relaygate/relay/internal/proxy"
	"github.com/relaygate/relay/internal/registry"
)

// Forwarder realizes C4 (HTTP ingress) and C5 (upgrade ingress): it
// resolves a request's tunnel client, allocates a RequestTicket, and
// bridges the resulting TunnelStream with the public socket.
type Forwarder struct {
	Registry      *registry.Registry[*control.Conn]
	BaseSubdomain string

	// NewTicket is overridable in tests; defaults to a UUID v4.
	NewTicket func() string
}

// NewForwarder builds a Forwarder over reg, resolving hostnames relative
// to baseSubdomain.
func NewForwarder(reg *registry.Registry[*control.Conn], baseSubdomain string) *Forwarder {
	return &Forwarder{
		Registry:      reg,
		BaseSubdomain: baseSubdomain,
		NewTicket:     uuid.NewString,
	}
}

// resolve runs C1 then C2 lookup for head's Host header.
func (f *Forwarder) resolve(head *Head) (conn *control.Conn, name string, err error) {
	name, err = hostname.Resolve(head.Host(), f.BaseSubdomain)
	if err != nil {
		return nil, name, err
	}
	conn, err = f.Registry.Lookup(name)
	return conn, name, err
}

// badGatewayMessage renders err as the human message spec.md's error
// taxonomy requires on the public socket.
func badGatewayMessage(name string, err error) string {
	if errors.Is(err, registry.ErrNotFound) {
		return fmt.Sprintf("%s is currently unregistered or offline.", name)
	}
	return err.Error()
}

// ForwardRequest implements C4 for one ordinary (non-upgrade) request: head
// has already been parsed off pub by the caller.
func (f *Forwarder) ForwardRequest(head *Head, pub *BufferedConn) {
	conn, name, err := f.resolve(head)
	if err != nil {
		writeBadGateway(pub, badGatewayMessage(name, err))
		pub.Close()
		return
	}

	ticket := f.NewTicket()
	waiter := conn.Once(ticket)

	if err := conn.EmitIncomingClient(ticket); err != nil {
		conn.Cancel(ticket)
		writeBadGateway(pub, "tunnel client unreachable")
		pub.Close()
		return
	}

	body, err := io.ReadAll(bodyReader(pub.r, head))
	if err != nil {
		conn.Cancel(ticket)
		pub.Close()
		return
	}

	// watchClosed only guards the rendezvous wait below, the one span
	// where nothing else reads pub: the body has already been fully
	// read above, and pub isn't touched again until the bridge starts
	// after this select resolves and the watcher is cancelled.
	closedCh, cancelWatch := watchClosed(pub)

	var tun control.TunnelStream
	select {
	case result := <-waiter:
		cancelWatch()
		if result.Err != nil {
			pub.Close()
			return
		}
		tun = result.Stream
	case <-closedCh:
		cancelWatch()
		conn.Cancel(ticket)
		pub.Close()
		return
	}
	defer tun.Close()

	// Written before the bridge starts: if the tunnel client writes reply
	// bytes the instant its stream opens, they must not reach the caller
	// ahead of the request it's replying to.
	if err := writeSerializedRequest(tun, head, body); err != nil {
		pub.Close()
		return
	}

	if err := proxy.Bidirectional(pub, tun); err != nil {
		slog.Debug("ingress: request bridge ended", "subdomain", name, "error", err)
	}
}

// ForwardUpgrade implements C5: the request head (no body) is framed onto
// the tunnel stream, then pub and the stream are bridged verbatim.
func (f *Forwarder) ForwardUpgrade(head *Head, pub *BufferedConn) {
	conn, name, err := f.resolve(head)
	if err != nil {
		if errors.Is(err, hostname.ErrInvalidSubdomain) {
			// Left open: the socket is not closed here. The control
			// bootstrap path is matched before this one, so nothing else
			// takes it over either.
			return
		}
		pub.Close()
		return
	}

	ticket := f.NewTicket()
	waiter := conn.Once(ticket)

	if err := conn.EmitIncomingClient(ticket); err != nil {
		conn.Cancel(ticket)
		pub.Close()
		return
	}

	// As in ForwardRequest: watchClosed only guards this rendezvous wait,
	// the only span where nothing else reads pub.
	closedCh, cancelWatch := watchClosed(pub)

	var tun control.TunnelStream
	select {
	case result := <-waiter:
		cancelWatch()
		if result.Err != nil {
			pub.Close()
			return
		}
		tun = result.Stream
	case <-closedCh:
		cancelWatch()
		conn.Cancel(ticket)
		pub.Close()
		return
	}
	defer tun.Close()

	if err := writeUpgradeHead(tun, head); err != nil {
		pub.Close()
		return
	}

	if err := proxy.Bidirectional(pub, tun); err != nil {
		slog.Debug("ingress: upgrade bridge ended", "subdomain", name, "error", err)
	}
}

// watchClosed polls conn for a read error using short deadlines so a
// pending rendezvous can be cancelled if the public caller disconnects
// first. Go's net.Conn has no event-driven close notification; this is a
// best-effort, bounded-latency substitute, not a guarantee of instant
// detection.
//
// cancel blocks until the poller has actually stopped touching conn (its
// in-flight Read returns and its read deadline is cleared), so a caller
// that calls cancel and then itself reads from conn is guaranteed not to
// race with the poller's last read. Callers must call cancel exactly once,
// whether or not closed has fired, before reading from or writing to conn
// again.
func watchClosed(conn net.Conn) (closed <-chan struct{}, cancel func()) {
	done := make(chan struct{})
	stop := make(chan struct{})
	stopped := make(chan struct{})
	var once sync.Once
	cancel = func() {
		once.Do(func() { close(stop) })
		<-stopped
	}

	go func() {
		defer close(stopped)
		defer conn.SetReadDeadline(time.Time{})

		buf := make([]byte, 1)
		for {
			select {
			case <-stop:
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
			_, err := conn.Read(buf)
			if err == nil {
				continue
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			close(done)
			return
		}
	}()

	return done, cancel
}
