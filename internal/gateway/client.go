package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codeorc/orchestrator/internal/infrastructure/config"
)

// ReadPIDFile loads the running daemon's host/port from its state
// directory, for CLI subcommands (status/rotate-token/stop) that need to
// dial an already-started gateway rather than boot one.
func ReadPIDFile(cfg *config.Config) (host string, port int, err error) {
	path := filepath.Join(cfg.WorkspaceRoot, cfg.Gateway.StateDir, productName+".pid.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("read pid file: %w", err)
	}
	var body pidFile
	if err := json.Unmarshal(data, &body); err != nil {
		return "", 0, fmt.Errorf("parse pid file: %w", err)
	}
	return body.Host, body.Port, nil
}

// ReadToken loads the current auth token written by a running daemon.
func ReadToken(cfg *config.Config) (string, error) {
	path := filepath.Join(cfg.WorkspaceRoot, cfg.Gateway.StateDir, productName+".token")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Client is a thin synchronous websocket client over the gateway's
// request/response protocol, used by cmd/gatewayd's status/rotate-token/
// stop subcommands rather than a full interactive session.
type Client struct {
	ws *websocket.Conn
}

// DialAndAuthenticate connects to the daemon at host:port, waits for its
// challenge, and completes the handshake with token.
func DialAndAuthenticate(ctx context.Context, host string, port int, token string) (*Client, error) {
	url := fmt.Sprintf("ws://%s:%d/ws", host, port)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}
	c := &Client{ws: ws}

	var challenge EventFrame
	if _, raw, err := ws.ReadMessage(); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read challenge: %w", err)
	} else if err := json.Unmarshal(raw, &challenge); err != nil {
		ws.Close()
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	nonce, _ := challenge.Payload.(map[string]any)["nonce"].(string)

	resp, err := c.call(MethodConnect, map[string]any{
		"protocol":       "v1",
		"client":         "gatewayd-cli",
		"auth":           map[string]string{"token": token},
		"challengeNonce": nonce,
	})
	if err != nil {
		ws.Close()
		return nil, err
	}
	if !resp.OK {
		ws.Close()
		return nil, fmt.Errorf("handshake rejected: %s", resp.Error.Message)
	}
	return c, nil
}

// Call issues one request and waits for its matching response.
func (c *Client) Call(method string, params any) (Response, error) {
	return c.call(method, params)
}

func (c *Client) call(method string, params any) (Response, error) {
	id := uuid.NewString()
	raw, err := json.Marshal(params)
	if err != nil {
		return Response{}, err
	}
	req := Request{Type: FrameReq, ID: id, Method: method, Params: raw}
	data, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return Response{}, fmt.Errorf("read response: %w", err)
		}
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			continue
		}
		if resp.Type == FrameRes && resp.ID == id {
			return resp, nil
		}
		// events arriving before our response are ignored by this thin client.
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.ws.Close()
}
