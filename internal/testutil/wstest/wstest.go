// Package wstest provides WebSocket client helpers shared by the relay's
// package tests.
//
// The helpers dial test servers with the gorilla dialer, send raw frames, and
// assert on what a client does or does not receive within a deadline.
package wstest

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestOrigin is the Origin header sent by Dial.
const TestOrigin = "http://localhost:8080"

// URL converts an httptest server URL into a WebSocket URL for path.
func URL(serverURL, path string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + path
}

// Dial opens a WebSocket connection to url with the test origin header.
func Dial(url string) (*websocket.Conn, *http.Response, error) {
	return DialWithHeader(url, http.Header{"Origin": []string{TestOrigin}})
}

// DialWithHeader opens a WebSocket connection with custom request headers.
func DialWithHeader(url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	conn, resp, err := dialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustDial dials url and fails the test on error. The connection is closed
// when the test ends.
func MustDial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := Dial(url)
	if err != nil {
		t.Fatalf("Failed to connect to %s: %v", url, err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// DialMany opens n connections to url.
func DialMany(t *testing.T, url string, n int) []*websocket.Conn {
	t.Helper()

	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i] = MustDial(t, url)
	}
	return conns
}

// SendText writes a text frame and fails the test on error.
func SendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("Failed to send %q: %v", text, err)
	}
}

// Read reads one frame within timeout.
func Read(conn *websocket.Conn, timeout time.Duration) (int, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	return conn.ReadMessage()
}

// ExpectText reads one frame and fails the test unless it is the text want.
func ExpectText(t *testing.T, conn *websocket.Conn, want string, timeout time.Duration) {
	t.Helper()

	messageType, payload, err := Read(conn, timeout)
	if err != nil {
		t.Fatalf("Expected %q, got error: %v", want, err)
	}
	if messageType != websocket.TextMessage {
		t.Errorf("Expected a text frame, got type %d", messageType)
	}
	if string(payload) != want {
		t.Errorf("Expected %q, got %q", want, string(payload))
	}
}

// ExpectNoMessage fails the test if a frame arrives within timeout. The read
// deadline leaves the connection unusable for further reads, so call it last.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()

	if _, payload, err := Read(conn, timeout); err == nil {
		t.Errorf("Expected no message, got %q", string(payload))
	}
}

// CloseGracefully sends a normal close frame and closes the connection.
func CloseGracefully(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return err
	}
	return conn.Close()
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
