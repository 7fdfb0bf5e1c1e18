package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// closeRequest is pushed through conn.send (as the last thing written
// before the channel is closed) to tell writePump — the connection's sole
// writer, per gorilla/websocket's one-writer-at-a-time rule — to emit a
// specific close code instead of the default normal-closure frame.
type closeRequest struct {
	code   int
	reason string
}

const (
	connReadLimitBytes = 1024 * 1024
	connReadDeadline   = 60 * time.Second
	connWriteDeadline  = 10 * time.Second
	connPingInterval   = 30 * time.Second
	connSendBuffer     = 256
)

// conn wraps one authenticated-or-pending websocket client, mirroring the
// teacher's Client readPump/writePump split (one goroutine per direction,
// a buffered outbound channel, periodic ping keepalive).
type conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *zap.Logger

	mu                sync.Mutex
	challengeNonce    string
	authenticatedToken string
	subscriptions     map[string]bool // sessionId -> subscribed

	closeOnce  sync.Once
	pendingClose *closeRequest
	stopped    bool // guarded by mu; true once stop() has closed send
}

func newConn(id string, ws *websocket.Conn, hub *Hub, logger *zap.Logger) *conn {
	return &conn{
		id:            id,
		ws:            ws,
		send:          make(chan []byte, connSendBuffer),
		hub:           hub,
		logger:        logger,
		subscriptions: make(map[string]bool),
	}
}

// stop closes the send channel exactly once, optionally requesting a
// specific close code be emitted by writePump before it exits.
func (c *conn) stop(req *closeRequest) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.pendingClose = req
		c.stopped = true
		c.mu.Unlock()
		close(c.send)
	})
}

func (c *conn) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticatedToken != ""
}

// setNonce records the per-connection challenge nonce sent in
// connect.challenge, per spec.md §4.9's handshake.
func (c *conn) setNonce(nonce string) {
	c.mu.Lock()
	c.challengeNonce = nonce
	c.mu.Unlock()
}

func (c *conn) nonceMatches(candidate string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return candidate != "" && candidate == c.challengeNonce
}

func (c *conn) authenticate(token string) {
	c.mu.Lock()
	c.authenticatedToken = token
	c.mu.Unlock()
}

func (c *conn) tokenMatches(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticatedToken == token
}

func (c *conn) subscribe(sessionID string) {
	c.mu.Lock()
	c.subscriptions[sessionID] = true
	c.mu.Unlock()
}

func (c *conn) unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.subscriptions, sessionID)
	c.mu.Unlock()
}

func (c *conn) isSubscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[sessionID]
}

// writeJSON enqueues v for delivery; it never blocks the caller — a full
// send buffer drops the connection, matching the teacher's broadcast loop
// ("default: close(client.send)"). A connection already stopped (send
// channel closed) silently drops the write instead of sending on a closed
// channel, which would panic.
func (c *conn) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		c.hub.unregister(c)
		c.stop(nil)
	}
}

func (c *conn) readPump(onFrame func(c *conn, raw []byte)) {
	defer func() {
		c.hub.unregister(c)
		c.stop(nil)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(connReadLimitBytes)
	c.ws.SetReadDeadline(time.Now().Add(connReadDeadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(connReadDeadline))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onFrame(c, message)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(connPingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(connWriteDeadline))
			if !ok {
				c.mu.Lock()
				req := c.pendingClose
				c.mu.Unlock()
				if req != nil {
					c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(req.code, req.reason))
				} else {
					c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				}
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(connWriteDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWithCode asks writePump — the connection's sole writer — to emit a
// close frame carrying code and reason before exiting (used by token
// rotation, spec.md §4.9).
func (c *conn) closeWithCode(code int, reason string) {
	c.stop(&closeRequest{code: code, reason: reason})
}
