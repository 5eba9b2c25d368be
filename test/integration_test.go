// Package test drives the tunnel server and client together over real TCP
// listeners, the way the teacher's own integration suite does rather than
// mocking the network.
package test

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"github.com/relaygate/relay/internal/client"
	"github.com/relaygate/relay/internal/server"
)

func startLocalServer(t *testing.T, addr, name string) *http.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Hello from %s!\nPath: %s\nMethod: %s\n", name, r.URL.Path, r.Method)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})
	mux.HandleFunc("/hash", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		hash := sha256.Sum256(body)
		fmt.Fprintf(w, "size=%d\nhash=%s\n", len(body), hex.EncodeToString(hash[:]))
	})
	mux.HandleFunc("/identity", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, name)
	})

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo: "), msg...)); err != nil {
				return
			}
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen on %s: %v", addr, err)
	}
	go srv.Serve(ln)
	return srv
}

func waitForPort(t *testing.T, addr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", addr)
}

// makeRequest disables keep-alive so each request gets a fresh connection,
// matching how distinct subdomains would arrive in practice.
func makeRequest(method, url, host string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	req.Host = host
	req.Close = true
	c := &http.Client{Timeout: 5 * time.Second}
	return c.Do(req)
}

func startTunnelServer(t *testing.T, port int, baseSubdomain string) (addr string, stop func()) {
	t.Helper()
	cfg := server.Config{Hostname: "127.0.0.1", Port: port, BaseSubdomain: baseSubdomain, ShutdownGrace: 2 * time.Second}
	srv := server.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Run(ctx)
		close(done)
	}()

	addr = fmt.Sprintf("127.0.0.1:%d", port)
	waitForPort(t, addr, 2*time.Second)

	return addr, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Log("tunnel server did not shut down within grace period")
		}
	}
}

func TestTunnelIntegrationHappyPath(t *testing.T) {
	localAddr := "127.0.0.1:19201"
	local := startLocalServer(t, localAddr, "local-service")
	defer local.Close()
	waitForPort(t, localAddr, 2*time.Second)

	tunnelAddr, stopServer := startTunnelServer(t, 19202, "")
	defer stopServer()

	ctx, cancelClient := context.WithCancel(context.Background())
	defer cancelClient()
	cli := client.New(tunnelAddr, localAddr).WithSubdomain("alice").WithReconnect(false)
	go cli.Run(ctx)

	time.Sleep(300 * time.Millisecond)

	host := "alice.example.com"
	baseURL := "http://" + tunnelAddr

	t.Run("basic GET", func(t *testing.T) {
		resp, err := makeRequest("GET", baseURL+"/", host, nil)
		if err != nil {
			t.Fatalf("GET failed: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "Hello from local-service") {
			t.Errorf("unexpected response: %s", body)
		}
	})

	t.Run("POST echoes body", func(t *testing.T) {
		resp, err := makeRequest("POST", baseURL+"/echo", host, strings.NewReader("test data"))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "test data" {
			t.Errorf("expected 'test data', got %q", body)
		}
	})

	t.Run("large payload hashes correctly", func(t *testing.T) {
		data := strings.Repeat("A", 10240)
		expectedHash := sha256.Sum256([]byte(data))

		resp, err := makeRequest("POST", baseURL+"/hash", host, strings.NewReader(data))
		if err != nil {
			t.Fatalf("POST failed: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "size=10240") {
			t.Errorf("unexpected size: %s", body)
		}
		if !strings.Contains(string(body), hex.EncodeToString(expectedHash[:])) {
			t.Errorf("hash mismatch: %s", body)
		}
	})

	t.Run("concurrent requests all succeed", func(t *testing.T) {
		var wg sync.WaitGroup
		results := make(chan bool, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				resp, err := makeRequest("GET", fmt.Sprintf("%s/?req=%d", baseURL, n), host, nil)
				if err != nil {
					results <- false
					return
				}
				defer resp.Body.Close()
				body, _ := io.ReadAll(resp.Body)
				results <- strings.Contains(string(body), "Hello from local-service")
			}(i)
		}
		wg.Wait()
		close(results)
		ok := 0
		for r := range results {
			if r {
				ok++
			}
		}
		if ok != 10 {
			t.Errorf("only %d/10 concurrent requests succeeded", ok)
		}
	})

	t.Run("websocket upgrade bridges both ways", func(t *testing.T) {
		wsURL := "ws://" + tunnelAddr + "/ws"
		headers := http.Header{"Host": []string{host}}
		dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
		conn, _, err := dialer.Dial(wsURL, headers)
		if err != nil {
			t.Fatalf("websocket dial: %v", err)
		}
		defer conn.Close()

		if err := conn.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
			t.Fatalf("write message: %v", err)
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		if string(msg) != "echo: hi" {
			t.Errorf("expected 'echo: hi', got %q", msg)
		}
	})
}

func TestTunnelIntegrationUnknownSubdomain(t *testing.T) {
	tunnelAddr, stop := startTunnelServer(t, 19203, "")
	defer stop()

	resp, err := makeRequest("GET", "http://"+tunnelAddr+"/", "ghost.example.com", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ghost is currently unregistered or offline.") {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestTunnelIntegrationMultiClientRouting(t *testing.T) {
	localAddrA := "127.0.0.1:19211"
	localAddrB := "127.0.0.1:19212"
	localA := startLocalServer(t, localAddrA, "service-A")
	defer localA.Close()
	localB := startLocalServer(t, localAddrB, "service-B")
	defer localB.Close()
	waitForPort(t, localAddrA, 2*time.Second)
	waitForPort(t, localAddrB, 2*time.Second)

	tunnelAddr, stop := startTunnelServer(t, 19213, "")
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientA := client.New(tunnelAddr, localAddrA).WithSubdomain("clienta").WithReconnect(false)
	clientB := client.New(tunnelAddr, localAddrB).WithSubdomain("clientb").WithReconnect(false)
	go clientA.Run(ctx)
	go clientB.Run(ctx)
	time.Sleep(300 * time.Millisecond)

	hostA := "clienta.example.com"
	hostB := "clientb.example.com"

	check := func(host, expected string) {
		t.Helper()
		resp, err := makeRequest("GET", "http://"+tunnelAddr+"/identity", host, nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if string(body) != expected {
			t.Errorf("expected %q, got %q", expected, body)
		}
	}

	check(hostA, "service-A")
	check(hostB, "service-B")

	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			check(hostA, "service-A")
		} else {
			check(hostB, "service-B")
		}
	}
}

// rawTunnelClient is a minimal hand-rolled tunnel client used only where a
// scenario needs to manipulate the control connection directly (collisions,
// bad names, abrupt disconnect) in ways the real client package doesn't
// expose.
type rawTunnelClient struct {
	session *yamux.Session
	control net.Conn
}

func dialRawTunnelClient(t *testing.T, addr string) *rawTunnelClient {
	t.Helper()
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	req := "GET /_tunnel/connect HTTP/1.1\r\nHost: relay\r\nConnection: Upgrade\r\nUpgrade: relay-tunnel\r\n\r\n"
	if _, err := io.WriteString(raw, req); err != nil {
		t.Fatalf("write bootstrap: %v", err)
	}

	br := bufio.NewReader(raw)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read bootstrap response: %v", err)
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	session, err := yamux.Client(&replayConn{Conn: raw, r: br}, nil)
	if err != nil {
		t.Fatalf("yamux.Client: %v", err)
	}
	controlStream, err := session.OpenStream()
	if err != nil {
		t.Fatalf("open control stream: %v", err)
	}
	return &rawTunnelClient{session: session, control: controlStream}
}

type replayConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *replayConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *rawTunnelClient) sendCreateTunnel(t *testing.T, name string) {
	t.Helper()
	enc := json.NewEncoder(c.control)
	if err := enc.Encode(struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}{"createTunnel", name}); err != nil {
		t.Fatalf("send createTunnel: %v", err)
	}
}

func (c *rawTunnelClient) answerNextRequest(t *testing.T, response string) {
	t.Helper()
	dec := json.NewDecoder(c.control)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		t.Fatalf("decode incomingClient: %v", err)
	}
	var msg struct {
		Ticket string `json:"ticket"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal incomingClient: %v", err)
	}

	stream, err := c.session.OpenStream()
	if err != nil {
		t.Fatalf("open tagged stream: %v", err)
	}
	io.WriteString(stream, msg.Ticket+"\n")
	io.WriteString(stream, response)
}

func TestTunnelIntegrationNameCollision(t *testing.T) {
	tunnelAddr, stop := startTunnelServer(t, 19221, "")
	defer stop()

	a := dialRawTunnelClient(t, tunnelAddr)
	defer a.session.Close()
	a.sendCreateTunnel(t, "bob")
	time.Sleep(200 * time.Millisecond)

	b := dialRawTunnelClient(t, tunnelAddr)
	defer b.session.Close()
	b.sendCreateTunnel(t, "BOB")

	b.control.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := b.control.Read(buf); err == nil {
		t.Error("expected B's control stream to be closed after collision")
	}

	go a.answerNextRequest(t, "HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\nA")
	resp, err := makeRequest("GET", "http://"+tunnelAddr+"/", "bob.example.com", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected bob to still route to A, got %d", resp.StatusCode)
	}
}

func TestTunnelIntegrationBadName(t *testing.T) {
	tunnelAddr, stop := startTunnelServer(t, 19222, "")
	defer stop()

	c := dialRawTunnelClient(t, tunnelAddr)
	defer c.session.Close()
	c.sendCreateTunnel(t, "a.b")

	c.control.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := c.control.Read(buf); err == nil {
		t.Error("expected control stream to be closed after bad name")
	}
}

// TestTunnelIntegrationClientDisconnectMidRequest covers spec.md §8
// scenario 6: the tunnel client vanishes while a request is in flight. The
// caller's socket must be torn down (not hang), and the registry entry
// must be released so the next request to the same name sees Unregistered.
func TestTunnelIntegrationClientDisconnectMidRequest(t *testing.T) {
	tunnelAddr, stop := startTunnelServer(t, 19223, "")
	defer stop()

	c := dialRawTunnelClient(t, tunnelAddr)
	c.sendCreateTunnel(t, "dave")
	time.Sleep(200 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp, err := makeRequest("GET", "http://"+tunnelAddr+"/", "dave.example.com", nil)
		if err == nil {
			resp.Body.Close()
		}
	}()

	// Wait for the incomingClient event to arrive, then vanish without
	// ever answering it.
	time.Sleep(150 * time.Millisecond)
	c.session.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("request did not complete after client vanished")
	}

	time.Sleep(100 * time.Millisecond)

	resp, err := makeRequest("GET", "http://"+tunnelAddr+"/", "dave.example.com", nil)
	if err != nil {
		t.Fatalf("follow-up request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502 after client vanished, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "unregistered or offline") {
		t.Errorf("expected unregistered message, got %s", body)
	}
}
