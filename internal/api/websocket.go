package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/mimosa/internal/events"
	"grimm.is/mimosa/internal/metrics"
)

const (
	// closeAuthRequired is sent to subscribers that upgraded without a
	// valid session, bearer token or API key.
	closeAuthRequired = 4401

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin policy for upgrades; cross-site WebSocket hijacking
	// otherwise rides on the session cookie.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		if rest, ok := strings.CutPrefix(origin, "http://"); ok {
			return rest == host
		}
		if rest, ok := strings.CutPrefix(origin, "https://"); ok {
			return rest == host
		}
		return false
	},
}

// wsAuthorized validates the live feed subscriber. Browsers cannot set
// headers on a WebSocket handshake, so a session token in the query
// string is accepted alongside the usual cookie and header forms.
func (s *Server) wsAuthorized(r *http.Request) bool {
	if _, err := s.authMw.UserFromRequest(r); err == nil {
		return true
	}
	if s.auth == nil {
		return false
	}
	if token := r.URL.Query().Get("token"); token != "" {
		if _, err := s.auth.ValidateSession(token); err == nil {
			return true
		}
	}
	if key := r.URL.Query().Get("api_key"); key != "" {
		if _, ok := s.auth.ValidateAPIKey(key); ok {
			return true
		}
	}
	return false
}

// handleLiveWS streams hub events to one subscriber. Authentication is
// checked after the upgrade so browser clients receive a close frame
// with a distinguishable code instead of a failed handshake.
func (s *Server) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	authorized := s.wsAuthorized(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", clientIP(r))
		return
	}

	if !authorized {
		deadline := time.Now().Add(wsWriteWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAuthRequired, "authentication required"), deadline)
		conn.Close()
		return
	}

	queue := s.hub.Subscribe(events.DefaultQueueSize)
	metrics.WSClients.Inc()
	s.log.Debug("websocket subscriber connected", "remote", clientIP(r))

	defer func() {
		s.hub.Unsubscribe(queue)
		metrics.WSClients.Dec()
		conn.Close()
	}()

	// The read pump only consumes control frames; clients do not send
	// application messages on the live feed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event := <-queue:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
