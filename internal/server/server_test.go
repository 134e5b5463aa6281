package server_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/wsrelay/internal/server"
	"github.com/Tyrowin/wsrelay/internal/testutil/wstest"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const readTimeout = 2 * time.Second

// newTestServer starts a relay behind an httptest server and returns the
// relay and the WebSocket URL of its endpoint.
func newTestServer(t *testing.T, customize func(cfg *server.Config)) (*server.Server, *httptest.Server, string) {
	t.Helper()

	cfg := server.NewConfig()
	if customize != nil {
		customize(cfg)
	}

	relay, err := server.New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	ts := httptest.NewServer(relay.Routes())
	t.Cleanup(func() {
		_ = relay.Shutdown(time.Second)
		ts.Close()
	})

	return relay, ts, wstest.URL(ts.URL, "/ws")
}

func waitConnections(t *testing.T, relay *server.Server, n int) {
	t.Helper()
	if !wstest.WaitFor(readTimeout, func() bool { return relay.Registry().Len() == n }) {
		t.Fatalf("Expected %d registered connections, got %d", n, relay.Registry().Len())
	}
}

// TestRelayScenario covers three clients exchanging messages while one of
// them leaves.
func TestRelayScenario(t *testing.T) {
	relay, _, url := newTestServer(t, nil)

	a := wstest.MustDial(t, url)
	b := wstest.MustDial(t, url)
	c := wstest.MustDial(t, url)
	waitConnections(t, relay, 3)

	wstest.SendText(t, a, "hello")
	wstest.ExpectText(t, b, "hello", readTimeout)
	wstest.ExpectText(t, c, "hello", readTimeout)

	if err := wstest.CloseGracefully(b); err != nil {
		t.Fatalf("Failed to close B: %v", err)
	}
	waitConnections(t, relay, 2)

	wstest.SendText(t, a, "hi")
	wstest.ExpectText(t, c, "hi", readTimeout)

	wstest.ExpectNoMessage(t, a, 200*time.Millisecond)
	wstest.ExpectNoMessage(t, c, 200*time.Millisecond)
}

// TestRelayFanOut verifies every client receives every other client's
// messages exactly once and never its own.
func TestRelayFanOut(t *testing.T) {
	relay, _, url := newTestServer(t, nil)

	const numClients = 5
	conns := wstest.DialMany(t, url, numClients)
	waitConnections(t, relay, numClients)

	for i, conn := range conns {
		wstest.SendText(t, conn, string(rune('A'+i)))
	}

	for i, conn := range conns {
		got := make(map[string]int)
		for j := 0; j < numClients-1; j++ {
			_, payload, err := wstest.Read(conn, readTimeout)
			if err != nil {
				t.Fatalf("Client %d: read %d failed: %v", i, j, err)
			}
			got[string(payload)]++
		}

		own := string(rune('A' + i))
		if got[own] != 0 {
			t.Errorf("Client %d received its own message", i)
		}
		for k := 0; k < numClients; k++ {
			if k == i {
				continue
			}
			if n := got[string(rune('A'+k))]; n != 1 {
				t.Errorf("Client %d received message from %d %d times", i, k, n)
			}
		}
		wstest.ExpectNoMessage(t, conn, 100*time.Millisecond)
	}
}

// TestRelayBurstReachesReader verifies that a burst larger than the send
// queue reaches a connected reader in full and in order.
func TestRelayBurstReachesReader(t *testing.T) {
	relay, _, url := newTestServer(t, nil)

	sender := wstest.MustDial(t, url)
	reader := wstest.MustDial(t, url)
	waitConnections(t, relay, 2)

	const total = 3000
	padding := strings.Repeat("x", 4096)

	go func() {
		for i := 0; i < total; i++ {
			if err := sender.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("%05d%s", i, padding))); err != nil {
				t.Errorf("Write %d failed: %v", i, err)
				return
			}
		}
	}()

	for i := 0; i < total; i++ {
		_, payload, err := wstest.Read(reader, 5*time.Second)
		if err != nil {
			t.Fatalf("Reader got %d of %d messages: %v", i, total, err)
		}
		if want := fmt.Sprintf("%05d", i); string(payload[:5]) != want {
			t.Fatalf("Expected message %s, got %s", want, payload[:5])
		}
	}

	if n := relay.Registry().Len(); n != 2 {
		t.Errorf("Expected both clients to stay registered, got %d", n)
	}
}

// TestRelayVerbatim verifies payloads and frame types pass through unchanged.
func TestRelayVerbatim(t *testing.T) {
	relay, _, url := newTestServer(t, nil)

	sender := wstest.MustDial(t, url)
	receiver := wstest.MustDial(t, url)
	waitConnections(t, relay, 2)

	frames := []struct {
		messageType int
		payload     []byte
	}{
		{websocket.TextMessage, []byte(`{"Hello":{"id":"0b6c","name":"ada"}}`)},
		{websocket.TextMessage, []byte("not json at all ☃")},
		{websocket.BinaryMessage, []byte{0x00, 0x10, 0xff}},
		{websocket.TextMessage, []byte(strings.Repeat("x", 64*1024))},
	}

	for _, f := range frames {
		if err := sender.WriteMessage(f.messageType, f.payload); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		messageType, payload, err := wstest.Read(receiver, readTimeout)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if messageType != f.messageType || string(payload) != string(f.payload) {
			t.Errorf("Frame altered in transit: type %d, %d bytes", messageType, len(payload))
		}
	}
}

// TestRelayAbnormalDisconnect verifies a client that drops its TCP
// connection is removed without affecting the others.
func TestRelayAbnormalDisconnect(t *testing.T) {
	relay, _, url := newTestServer(t, nil)

	a := wstest.MustDial(t, url)
	dropped := wstest.MustDial(t, url)
	c := wstest.MustDial(t, url)
	waitConnections(t, relay, 3)

	_ = dropped.UnderlyingConn().Close()
	waitConnections(t, relay, 2)

	wstest.SendText(t, a, "still alive")
	wstest.ExpectText(t, c, "still alive", readTimeout)
}

// TestRelayReadLimit verifies an oversized frame ends only the sender's
// session when a limit is configured.
func TestRelayReadLimit(t *testing.T) {
	relay, _, url := newTestServer(t, func(cfg *server.Config) {
		cfg.MaxMessageSize = 16
	})

	big := wstest.MustDial(t, url)
	a := wstest.MustDial(t, url)
	b := wstest.MustDial(t, url)
	waitConnections(t, relay, 3)

	wstest.SendText(t, big, strings.Repeat("y", 100))
	waitConnections(t, relay, 2)

	wstest.SendText(t, a, "small")
	wstest.ExpectText(t, b, "small", readTimeout)
}

// TestRelayConcurrentClients connects and disconnects clients concurrently
// and checks the registry ends up empty.
func TestRelayConcurrentClients(t *testing.T) {
	relay, _, url := newTestServer(t, nil)

	const numClients = 20
	var wg sync.WaitGroup
	wg.Add(numClients)

	for i := 0; i < numClients; i++ {
		go func(id int) {
			defer wg.Done()
			conn, _, err := wstest.Dial(url)
			if err != nil {
				t.Errorf("Client %d failed to connect: %v", id, err)
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			time.Sleep(20 * time.Millisecond)
			_ = wstest.CloseGracefully(conn)
		}(i)
	}
	wg.Wait()

	waitConnections(t, relay, 0)
}

func TestHealthHandler(t *testing.T) {
	relay, ts, url := newTestServer(t, nil)

	wstest.MustDial(t, url)
	waitConnections(t, relay, 1)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("Health request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "text/plain" {
		t.Errorf("Unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	if string(body) != "Relay server is running! Connections: 1" {
		t.Errorf("Unexpected body %q", body)
	}
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		name           string
		metrics        bool
		method         string
		path           string
		expectedStatus int
		contains       string
	}{
		{"Test page", true, http.MethodGet, "/test", http.StatusOK, "Relay WebSocket Test"},
		{"Metrics enabled", true, http.MethodGet, "/metrics", http.StatusOK, "relay_connections"},
		{"Metrics disabled", false, http.MethodGet, "/metrics", http.StatusNotFound, ""},
		{"WebSocket endpoint without upgrade", true, http.MethodGet, "/ws", http.StatusBadRequest, ""},
		{"WebSocket endpoint with POST", true, http.MethodPost, "/ws", http.StatusMethodNotAllowed, ""},
		{"Unknown path", true, http.MethodGet, "/nope", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ts, _ := newTestServer(t, func(cfg *server.Config) {
				cfg.MetricsEnabled = tt.metrics
			})

			req, err := http.NewRequest(tt.method, ts.URL+tt.path, http.NoBody)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, resp.StatusCode)
			}
			if tt.contains != "" {
				body, _ := io.ReadAll(resp.Body)
				if !strings.Contains(string(body), tt.contains) {
					t.Errorf("Response does not contain %q", tt.contains)
				}
			}
		})
	}
}

func TestOriginEnforcement(t *testing.T) {
	_, _, url := newTestServer(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{wstest.TestOrigin}
	})

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"Allowed browser origin", wstest.TestOrigin, true},
		{"Native client", "", true},
		{"Disallowed origin", "http://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := wstest.DialWithHeader(url, header)
			if tt.ok {
				if err != nil {
					t.Fatalf("Expected connection, got %v", err)
				}
				_ = conn.Close()
				return
			}
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected the handshake to be rejected")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("Expected 403, got %v", resp)
			}
		})
	}
}

func TestAdmissionLimit(t *testing.T) {
	_, _, url := newTestServer(t, func(cfg *server.Config) {
		cfg.AdmissionRate = "2-M"
	})

	for i := 0; i < 2; i++ {
		wstest.MustDial(t, url)
	}

	conn, resp, err := wstest.Dial(url)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected the third connection attempt to be rate limited")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %v", resp)
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("Expected no remaining attempts, got %q", resp.Header.Get("X-RateLimit-Remaining"))
	}
}

// TestShutdownClosesSessions verifies shutdown terminates every session and
// refuses new connections.
func TestShutdownClosesSessions(t *testing.T) {
	relay, _, url := newTestServer(t, nil)

	conns := wstest.DialMany(t, url, 3)
	waitConnections(t, relay, 3)

	if err := relay.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if relay.Registry().Len() != 0 {
		t.Errorf("Expected empty registry after shutdown, got %d", relay.Registry().Len())
	}

	for i, conn := range conns {
		if _, _, err := wstest.Read(conn, readTimeout); err == nil {
			t.Errorf("Client %d: expected connection to be closed", i)
		}
	}

	_, resp, err := wstest.Dial(url)
	if err == nil {
		t.Fatal("Expected new connections to be refused after shutdown")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %v", resp)
	}
}

func TestShutdownWithoutClients(t *testing.T) {
	relay, _, _ := newTestServer(t, nil)

	if err := relay.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown with no clients failed: %v", err)
	}
}

func TestNewHTTPServer(t *testing.T) {
	relay, err := server.New(&server.Config{Host: "127.0.0.1", Port: 9999}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	srv := relay.NewHTTPServer()
	if srv.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("Expected addr 127.0.0.1:9999, got %s", srv.Server.Addr)
	}
	if srv.Timeout != relay.Config().ShutdownTimeout {
		t.Errorf("Expected shutdown timeout %s, got %s", relay.Config().ShutdownTimeout, srv.Timeout)
	}
	if srv.Server.ReadTimeout != 15*time.Second || srv.Server.IdleTimeout != 60*time.Second {
		t.Error("Unexpected HTTP timeouts")
	}
	if got := relay.Config().AllowedOrigins; len(got) != 1 || got[0] != "*" {
		t.Errorf("Expected origins to default to *, got %v", got)
	}
}

// TestShutdownDuringConnects runs shutdown while clients keep connecting and
// checks that every accepted session is waited for.
func TestShutdownDuringConnects(t *testing.T) {
	relay, _, url := newTestServer(t, func(cfg *server.Config) {
		cfg.AdmissionRate = "100000-M"
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn, _, err := wstest.Dial(url)
				if err != nil {
					continue
				}
				_ = conn.Close()
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	err := relay.Shutdown(2 * time.Second)
	close(stop)
	wg.Wait()

	if err != nil {
		t.Errorf("Shutdown did not complete: %v", err)
	}
	if n := relay.Registry().Len(); n != 0 {
		t.Errorf("Expected no registered connections after shutdown, got %d", n)
	}
}
