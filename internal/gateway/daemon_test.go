package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type wsClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dial(t *testing.T, d *Daemon) *wsClient {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", d.Addr())
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &wsClient{t: t, ws: ws}
}

func (c *wsClient) readFrame() map[string]any {
	c.t.Helper()
	_, raw, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	var v map[string]any
	require.NoError(c.t, json.Unmarshal(raw, &v))
	return v
}

func (c *wsClient) send(id, method string, params any) {
	c.t.Helper()
	req := map[string]any{"type": "req", "id": id, "method": method, "params": params}
	data, err := json.Marshal(req)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) authenticate(token string) map[string]any {
	challenge := c.readFrame()
	require.Equal(c.t, "connect.challenge", challenge["event"])
	nonce := challenge["payload"].(map[string]any)["nonce"].(string)

	c.send("connect-1", MethodConnect, map[string]any{
		"protocol":       "v1",
		"client":         "test",
		"auth":           map[string]string{"token": token},
		"challengeNonce": nonce,
	})
	return c.readFrame()
}

func startTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d := newTestDaemon(t)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	// give the listener a moment to accept.
	time.Sleep(20 * time.Millisecond)
	return d
}

func TestHandshakeAcceptsValidTokenAndNonce(t *testing.T) {
	d := startTestDaemon(t)
	c := dial(t, d)

	resp := c.authenticate(d.tokens.Current())
	require.Equal(t, true, resp["ok"])
}

func TestUnauthenticatedMethodsAreRejected(t *testing.T) {
	d := startTestDaemon(t)
	c := dial(t, d)
	_ = c.readFrame() // challenge

	c.send("req-1", MethodHealth, map[string]any{})
	resp := c.readFrame()
	require.Equal(t, false, resp["ok"])
	require.Equal(t, "unauthorized", resp["error"].(map[string]any)["code"])
}

func TestRepeatedConnectIsBadState(t *testing.T) {
	d := startTestDaemon(t)
	c := dial(t, d)
	resp := c.authenticate(d.tokens.Current())
	require.Equal(t, true, resp["ok"])

	c.send("connect-2", MethodConnect, map[string]any{
		"protocol": "v1", "client": "test",
		"auth": map[string]string{"token": d.tokens.Current()}, "challengeNonce": "whatever",
	})
	resp2 := c.readFrame()
	require.Equal(t, false, resp2["ok"])
	require.Equal(t, "bad_state", resp2["error"].(map[string]any)["code"])
}

func TestInvalidTokenRejected(t *testing.T) {
	d := startTestDaemon(t)
	c := dial(t, d)
	resp := c.authenticate("not-the-real-token")
	require.Equal(t, false, resp["ok"])
	require.Equal(t, "unauthorized", resp["error"].(map[string]any)["code"])
}

func TestSessionsOpenSendAndScopedBroadcast(t *testing.T) {
	d := startTestDaemon(t)

	a := dial(t, d)
	require.Equal(t, true, a.authenticate(d.tokens.Current())["ok"])
	b := dial(t, d)
	require.Equal(t, true, b.authenticate(d.tokens.Current())["ok"])

	a.send("open-1", MethodSessionsOpen, map[string]any{"sessionId": "session-A"})
	openResp := a.readFrame()
	require.Equal(t, true, openResp["ok"])

	b.send("sub-1", MethodSessionsSubscribe, map[string]any{"sessionId": "session-B"})
	require.Equal(t, true, b.readFrame()["ok"])

	a.send("send-1", MethodSessionsSend, map[string]any{"sessionId": "session-A", "message": "hi"})

	start := a.readFrame()
	require.Equal(t, "session.turn.start", start["event"])
	seqStart := start["seq"]

	end := a.readFrame()
	require.Equal(t, "session.turn.end", end["event"])

	ack := a.readFrame()
	require.Equal(t, true, ack["ok"])
	require.NotNil(t, seqStart)

	// b subscribed to a different session and must not see A's turn events.
	b.ws.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := b.ws.ReadMessage()
	require.Error(t, err, "connection B must not receive session-A's scoped events")
}

func TestTokenRotationRevokesPeers(t *testing.T) {
	d := startTestDaemon(t)

	a := dial(t, d)
	require.Equal(t, true, a.authenticate(d.tokens.Current())["ok"])
	b := dial(t, d)
	require.Equal(t, true, b.authenticate(d.tokens.Current())["ok"])

	oldToken := d.tokens.Current()

	a.send("rotate-1", MethodGatewayRotateToken, map[string]any{})
	resp := a.readFrame()
	require.Equal(t, true, resp["ok"])
	payload := resp["payload"].(map[string]any)
	require.Equal(t, true, payload["rotated"])
	require.GreaterOrEqual(t, payload["revokedConnections"].(float64), float64(1))

	a.ws.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := a.ws.ReadMessage()
	require.Error(t, err) // closed with 1008

	b.ws.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = b.ws.ReadMessage()
	require.Error(t, err)

	c := dial(t, d)
	resp2 := c.authenticate(oldToken)
	require.Equal(t, false, resp2["ok"])

	c2 := dial(t, d)
	resp3 := c2.authenticate(d.tokens.Current())
	require.Equal(t, true, resp3["ok"])
}

func TestIdleSweepClosesOnlyIdleWorkers(t *testing.T) {
	d := startTestDaemon(t)
	require.NoError(t, d.openSession("idle-me"))

	d.mu.Lock()
	w := d.workers["idle-me"]
	w.beginRequest("still-pending")
	d.mu.Unlock()

	d.sweepOnce(time.Now().Add(time.Hour), time.Millisecond)

	d.mu.Lock()
	_, stillThere := d.workers["idle-me"]
	d.mu.Unlock()
	require.True(t, stillThere, "a worker with a pending request must never be reaped")

	d.mu.Lock()
	w.endRequest(time.Now())
	d.mu.Unlock()

	d.sweepOnce(time.Now().Add(time.Hour), time.Millisecond)
	d.mu.Lock()
	_, stillThere2 := d.workers["idle-me"]
	d.mu.Unlock()
	require.False(t, stillThere2)
}

func TestOpenSessionEnforcesCapacity(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.openSession("s1"))
	require.NoError(t, d.openSession("s2"))
	err := d.openSession("s3")
	require.Error(t, err)
	require.IsType(t, SessionBackendCapacityError{}, err)
}
