package rest

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mailsink/mailsink/pkg/msgbus"
	"github.com/mailsink/mailsink/pkg/server/web"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// options for gorilla connection upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// busListener relays events from the msgbus to one websocket client.
type busListener struct {
	bus       *msgbus.Bus       // Global event bus.
	c         chan msgbus.Event // Queue of events from Receive().
	sessionID string            // Live connection record key.

	mu     sync.Mutex // Guards closed and sends on c.
	closed bool
}

// newBusListener creates a listener and registers it with the bus.
func newBusListener(bus *msgbus.Bus, sessionID string) *busListener {
	bl := &busListener{
		bus:       bus,
		c:         make(chan msgbus.Event, 100),
		sessionID: sessionID,
	}
	bus.Subscribe(bl)
	return bl
}

// Receive queues an incoming event. A slow client whose queue is full loses
// the event rather than stalling the bus.
func (bl *busListener) Receive(ev msgbus.Event) error {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.closed {
		return nil
	}
	select {
	case bl.c <- ev:
	default:
		log.Warn().Str("module", "rest").Str("session", bl.sessionID).
			Str("event", ev.Type).Msg("Event queue full, dropping event")
	}
	return nil
}

// wsReader consumes client frames until the connection dies. The only
// expected payload is a pong reply, recorded for diagnostics; liveness
// detection relies on the transport close event, never on missing pongs.
func (bl *busListener) wsReader(conn *websocket.Conn, ctx *web.Context) {
	slog := log.With().Str("module", "rest").Str("proto", "WebSocket").
		Str("remote", conn.RemoteAddr().String()).Logger()
	defer bl.Close()
	conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				// Unexpected close code
				slog.Warn().Err(err).Msg("Socket error")
			} else {
				slog.Debug().Msg("Closing socket")
			}
			return
		}
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug().Err(err).Msg("Discarding unparseable client frame")
			continue
		}
		if frame.Type == msgbus.EventPong {
			slog.Debug().Msg("Got pong")
			if err := ctx.Manager.RecordPong(bl.sessionID); err != nil {
				slog.Error().Err(err).Msg("Failed to record pong")
			}
		}
	}
}

// wsWriter relays queued events to the client and emits a keepalive ping
// every 30 seconds. The ticker stops before the writer returns; no pings
// are sent after close.
func (bl *busListener) wsWriter(conn *websocket.Conn, ctx *web.Context) {
	slog := log.With().Str("module", "rest").Str("proto", "WebSocket").
		Str("remote", conn.RemoteAddr().String()).Logger()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		bl.Close()
	}()

	// Handle events from the bus until the busListener is closed.
	for {
		select {
		case ev, ok := <-bl.c:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// busListener closed, exit
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if conn.WriteJSON(ev) != nil {
				// Write failed
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ctx.Manager.RecordPing(bl.sessionID); err != nil {
				slog.Error().Err(err).Msg("Failed to record ping")
			}
			if conn.WriteJSON(msgbus.Event{Type: msgbus.EventPing}) != nil {
				// Write error
				return
			}
			slog.Debug().Msg("Sent ping")
		}
	}
}

// Close removes the listener registration and closes the event queue. The
// reader and writer goroutines both call it on teardown; only the first
// call acts, regardless of events still waiting in the queue.
func (bl *busListener) Close() {
	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bl.closed {
		return
	}
	bl.closed = true
	bl.bus.Unsubscribe(bl)
	close(bl.c)
}

// EventFeed is a web handler which upgrades the connection to a websocket
// and notifies the client of message changes as they happen.
func EventFeed(w http.ResponseWriter, req *http.Request, ctx *web.Context) error {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return err
	}
	sessionID := uuid.NewString()
	clientIP := req.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	if err := ctx.Manager.CreateLiveConnection(sessionID, clientIP); err != nil {
		log.Error().Str("module", "rest").Err(err).Msg("Failed to record live connection")
	}
	defer func() {
		_ = conn.Close()
		if err := ctx.Manager.CloseLiveConnection(sessionID); err != nil {
			log.Error().Str("module", "rest").Err(err).
				Msg("Failed to close live connection record")
		}
	}()
	log.Debug().Str("module", "rest").Str("proto", "WebSocket").
		Str("remote", conn.RemoteAddr().String()).Msg("Upgraded to WebSocket")
	// Create, register listener; then interact with conn.
	bl := newBusListener(ctx.Bus, sessionID)
	go bl.wsWriter(conn, ctx)
	bl.wsReader(conn, ctx)
	return nil
}
