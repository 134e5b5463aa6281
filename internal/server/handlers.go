// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"net/http"

	"github.com/Tyrowin/wsrelay/internal/relay"
	"github.com/Tyrowin/wsrelay/internal/transport"
	"github.com/julienschmidt/httprouter"
)

// WebSocketHandler upgrades the request and runs a relay session for the
// connection until it ends.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.beginSession() {
		s.metrics.AdmissionRejected("shutting_down", http.StatusServiceUnavailable)
		http.Error(w, "Relay is shutting down.", http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.Done()

	ok, err := s.admission.allow(r.Context(), w, r)
	if err != nil {
		s.log.Error().Err(err).Msg("admission check failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !ok {
		s.metrics.AdmissionRejected("rate_limited", http.StatusTooManyRequests)
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("connection attempt rate limited")
		http.Error(w, "Too many connection attempts.", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := transport.NewConn(ws, r.RemoteAddr, s.cfg.TransportOptions(), s.log)
	session := relay.NewSession(conn, s.registry,
		relay.WithSessionLogger(s.log.With().Str("session", conn.ID()).Str("remote", conn.RemoteAddr()).Logger()),
		relay.WithSessionObserver(s.metrics),
	)

	_ = session.Run(s.ctx)
}

// beginSession counts a new session unless shutdown has started. The check
// and the count happen under the same lock that shutdown takes, so no
// session is added once Shutdown is waiting.
func (s *Server) beginSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.origins.allows(r) {
		return true
	}

	s.metrics.AdmissionRejected("origin", http.StatusForbidden)
	s.log.Warn().Str("origin", r.Header.Get("Origin")).Msg("blocked websocket connection from disallowed origin")
	return false
}

// HealthHandler reports that the relay is running and how many clients are
// connected.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running! Connections: %d", s.registry.Len())
}

// TestPageHandler serves an HTML page for trying the relay from a browser.
// Open it in two tabs: text sent from one appears in the other.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		s.log.Debug().Err(err).Msg("writing test page")
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Relay WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Relay WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color;
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.binaryType = 'arraybuffer';

            ws.onopen = function() {
                addMessage('Connected to relay', 'gray');
                updateStatus(true);
            };
            ws.onmessage = function(event) {
                const data = typeof event.data === 'string'
                    ? event.data
                    : '[binary ' + event.data.byteLength + ' bytes]';
                addMessage('peer: ' + data, 'green');
            };
            ws.onclose = function() {
                addMessage('Connection closed', 'gray');
                updateStatus(false);
                ws = null;
            };
            ws.onerror = function() {
                addMessage('Connection error', 'gray');
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const message = messageInput.value;
            if (message && ws && ws.readyState === WebSocket.OPEN) {
                ws.send(message);
                addMessage('you: ' + message, 'blue');
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
