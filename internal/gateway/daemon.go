package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codeorc/orchestrator/internal/heartbeat"
	"github.com/codeorc/orchestrator/internal/infrastructure/config"
	"github.com/codeorc/orchestrator/internal/sessionrt"
	"github.com/codeorc/orchestrator/pkg/apperr"
	"github.com/codeorc/orchestrator/pkg/safego"
)

const productName = "codeorc"

var loopbackHosts = map[string]bool{
	"127.0.0.1": true,
	"localhost": true,
	"::1":       true,
}

// pidFile is the JSON body of state/<product>.pid.json (spec.md §6).
type pidFile struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`
}

// Daemon is the single-host websocket gateway supervisor described by
// spec.md §4.9: it authenticates clients, routes their requests to
// per-session workers over the shared Session Runtime façade, broadcasts
// scoped events in global sequence order, enforces worker concurrency
// limits, rotates the auth token, and reaps idle sessions.
type Daemon struct {
	cfg     config.GatewayConfig
	root    string
	logger  *zap.Logger
	runtime *sessionrt.Runtime

	hub    *Hub
	tokens *TokenStore

	heartbeat *heartbeat.Manager

	mu        sync.Mutex
	workers   map[string]*Worker
	startedAt time.Time

	upgrader websocket.Upgrader

	listener   net.Listener
	httpServer *http.Server

	// group supervises the daemon's background goroutines (the HTTP
	// server, idle sweeper, and heartbeat ticker) so Stop can wait for all
	// three to actually exit, and a server error surfaces instead of
	// vanishing into an unobserved goroutine.
	group *errgroup.Group

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Daemon bound to cfg's workspace/gateway configuration,
// wrapping the already-built Session Runtime façade. It does not yet bind a
// socket or write state files — call Start for that.
func New(cfg *config.Config, rt *sessionrt.Runtime, logger *zap.Logger) (*Daemon, error) {
	host := cfg.Gateway.Host
	if !loopbackHosts[host] {
		return nil, fmt.Errorf("gateway: refusing non-loopback host %q", host)
	}

	stateDir := filepath.Join(cfg.WorkspaceRoot, cfg.Gateway.StateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	tokens, err := OpenTokenStore(filepath.Join(stateDir, productName+".token"))
	if err != nil {
		return nil, fmt.Errorf("open token store: %w", err)
	}

	var hbMgr *heartbeat.Manager
	if cfg.Heartbeat.Enabled {
		hbMgr = heartbeat.NewManager(filepath.Join(cfg.WorkspaceRoot, cfg.Heartbeat.FilePath))
		if _, err := hbMgr.Load(); err != nil {
			logger.Warn("heartbeat policy failed to load", zap.Error(err))
		}
	}

	d := &Daemon{
		cfg:       cfg.Gateway,
		root:      cfg.WorkspaceRoot,
		logger:    logger,
		runtime:   rt,
		hub:       newHub(logger),
		tokens:    tokens,
		heartbeat: hbMgr,
		workers:   make(map[string]*Worker),
		stopCh:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	return d, nil
}

func (d *Daemon) stateDir() string {
	return filepath.Join(d.root, d.cfg.StateDir)
}

// Start binds the loopback listener, writes the pid file, serves the HTTP
// upgrade/health router, and launches the idle-sweep and heartbeat-tick
// background loops.
func (d *Daemon) Start(ctx context.Context) error {
	d.startedAt = time.Now()

	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	d.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port

	if err := d.writePIDFile(port); err != nil {
		ln.Close()
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", d.handleHealthHTTP)
	router.GET("/ws", d.handleUpgrade)

	d.httpServer = &http.Server{Handler: router}

	group, _ := errgroup.WithContext(context.Background())
	d.group = group
	group.Go(func() error {
		if err := d.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		d.idleSweepLoop()
		return nil
	})
	if d.heartbeat != nil {
		group.Go(func() error {
			d.heartbeatTickLoop()
			return nil
		})
	}

	d.logger.Info("gateway started", zap.String("host", d.cfg.Host), zap.Int("port", port))
	return nil
}

func (d *Daemon) writePIDFile(port int) error {
	path := filepath.Join(d.stateDir(), productName+".pid.json")
	body := pidFile{PID: os.Getpid(), Host: d.cfg.Host, Port: port, StartedAt: d.startedAt}
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Addr returns the bound loopback address once Start has succeeded.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Stop gracefully shuts every worker down within cfg.GracefulTimeoutMs, then
// closes the HTTP listener. Individual worker stop failures are logged, not
// fatal, matching the idle sweep's own failure policy.
func (d *Daemon) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stopCh) })

	graceful, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.GracefulTimeoutMs)*time.Millisecond)
	defer cancel()

	d.mu.Lock()
	ids := make([]string, 0, len(d.workers))
	for id := range d.workers {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		select {
		case <-graceful.Done():
		default:
		}
		if err := d.stopSession(id, "daemon_stop"); err != nil {
			d.logger.Warn("worker stop failed during shutdown", zap.String("sessionId", id), zap.Error(err))
		}
	}

	var shutdownErr error
	if d.httpServer != nil {
		shutdownErr = d.httpServer.Shutdown(ctx)
	}

	if d.group != nil {
		done := make(chan error, 1)
		go func() { done <- d.group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				d.logger.Warn("gateway background goroutine exited with error", zap.Error(err))
			}
		case <-ctx.Done():
			d.logger.Warn("gateway background goroutines did not exit before shutdown deadline")
		}
	}

	return shutdownErr
}

// --- HTTP/websocket entry points -------------------------------------------------

func (d *Daemon) handleHealthHTTP(c *gin.Context) {
	c.JSON(http.StatusOK, d.healthPayload())
}

func (d *Daemon) handleUpgrade(c *gin.Context) {
	ws, err := d.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		d.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(uuid.NewString(), ws, d.hub, d.logger)
	d.hub.register(conn)

	nonce := uuid.NewString()
	conn.setNonce(nonce)
	conn.writeJSON(EventFrame{Type: FrameEvent, Event: "connect.challenge", Payload: map[string]any{"nonce": nonce}})

	safego.Go(d.logger, "conn-writepump", conn.writePump)
	conn.readPump(d.onFrame)
}

func (d *Daemon) onFrame(c *conn, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.writeJSON(errResponse("", "", string(apperr.CodeInvalidRequest), "malformed request frame", false))
		return
	}
	resp := d.dispatch(c, req)
	c.writeJSON(resp)

	// A connection whose own token was just rotated away (e.g. it was the
	// caller of gateway.rotate-token) must still receive the response
	// above before its socket is revoked.
	if c.isAuthenticated() && !c.tokenMatches(d.tokens.Current()) {
		c.closeWithCode(1008, "auth token rotated")
	}
}

// --- dispatch ---------------------------------------------------------------------

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, err
	}
	return v, nil
}

// dispatch routes one request frame to its method handler, enforcing the
// handshake gate (spec.md §4.9: "Until that succeeds, any other method
// returns unauthorized.").
func (d *Daemon) dispatch(c *conn, req Request) Response {
	if req.Method != MethodConnect && !c.isAuthenticated() {
		return errResponse(req.ID, req.TraceID, string(apperr.CodeUnauthorized), "connection not authenticated", false)
	}

	switch req.Method {
	case MethodConnect:
		return d.handleConnect(c, req)
	case MethodHealth:
		return okResponse(req.ID, req.TraceID, d.healthPayload())
	case MethodStatusDeep:
		return okResponse(req.ID, req.TraceID, d.statusDeepPayload())
	case MethodHeartbeatReload:
		return d.handleHeartbeatReload(req)
	case MethodSessionsOpen:
		return d.handleSessionsOpen(req)
	case MethodSessionsClose:
		return d.handleSessionsClose(req)
	case MethodSessionsSend:
		return d.handleSessionsSend(c, req)
	case MethodSessionsSubscribe:
		return d.handleSubscribe(c, req, true)
	case MethodSessionsUnsub:
		return d.handleSubscribe(c, req, false)
	case MethodGatewayRotateToken:
		return d.handleRotateToken(c, req)
	case MethodGatewayStop:
		return d.handleGatewayStop(req)
	default:
		return errResponse(req.ID, req.TraceID, string(apperr.CodeInvalidRequest), "unknown method "+req.Method, false)
	}
}

type connectParams struct {
	Protocol       string `json:"protocol"`
	Client         string `json:"client"`
	Auth           struct {
		Token string `json:"token"`
	} `json:"auth"`
	ChallengeNonce string `json:"challengeNonce"`
}

func (d *Daemon) handleConnect(c *conn, req Request) Response {
	if c.isAuthenticated() {
		return errResponse(req.ID, req.TraceID, string(apperr.CodeBadState), "already authenticated", false)
	}
	params, err := decodeParams[connectParams](req.Params)
	if err != nil {
		return errResponse(req.ID, req.TraceID, string(apperr.CodeInvalidRequest), "malformed connect params", false)
	}
	if !c.nonceMatches(params.ChallengeNonce) {
		return errResponse(req.ID, req.TraceID, string(apperr.CodeUnauthorized), "invalid nonce", false)
	}
	if !d.tokens.Matches(params.Auth.Token) {
		return errResponse(req.ID, req.TraceID, string(apperr.CodeUnauthorized), "invalid token", false)
	}
	c.authenticate(params.Auth.Token)
	return okResponse(req.ID, req.TraceID, map[string]any{"authenticated": true})
}

func (d *Daemon) healthPayload() map[string]any {
	d.mu.Lock()
	workerCount := len(d.workers)
	d.mu.Unlock()
	return map[string]any{
		"status":      "ok",
		"uptimeMs":    time.Since(d.startedAt).Milliseconds(),
		"workers":     workerCount,
		"connections": d.hub.connectionCount(),
	}
}

func (d *Daemon) statusDeepPayload() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	sessions := make(map[string]any, len(d.workers))
	for id, w := range d.workers {
		sessions[id] = map[string]any{
			"pendingRequests": w.pendingRequests(),
			"lastActivityAt":  w.lastActivity(),
			"startedAt":       w.CreatedAt,
		}
	}
	return map[string]any{"sessions": sessions}
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

func (d *Daemon) handleSessionsOpen(req Request) Response {
	params, err := decodeParams[sessionIDParams](req.Params)
	if err != nil || params.SessionID == "" {
		return errResponse(req.ID, req.TraceID, string(apperr.CodeInvalidRequest), "sessionId is required", false)
	}
	if err := d.openSession(params.SessionID); err != nil {
		return mapBackendError(req, err)
	}
	if _, _, err := d.runtime.Restore(context.Background(), params.SessionID); err != nil {
		d.logger.Warn("session restore failed", zap.String("sessionId", params.SessionID), zap.Error(err))
	}
	return okResponse(req.ID, req.TraceID, map[string]any{"sessionId": params.SessionID, "opened": true})
}

func (d *Daemon) handleSessionsClose(req Request) Response {
	params, err := decodeParams[sessionIDParams](req.Params)
	if err != nil || params.SessionID == "" {
		return errResponse(req.ID, req.TraceID, string(apperr.CodeInvalidRequest), "sessionId is required", false)
	}
	closed := d.stopSession(params.SessionID, "remote_close") == nil
	return okResponse(req.ID, req.TraceID, map[string]any{"sessionId": params.SessionID, "closed": closed})
}

type sessionsSendParams struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func (d *Daemon) handleSessionsSend(c *conn, req Request) Response {
	params, err := decodeParams[sessionsSendParams](req.Params)
	if err != nil || params.SessionID == "" {
		return errResponse(req.ID, req.TraceID, string(apperr.CodeInvalidRequest), "sessionId is required", false)
	}

	d.hub.subscribe(c, params.SessionID)

	d.mu.Lock()
	w, ok := d.workers[params.SessionID]
	d.mu.Unlock()
	if !ok {
		return mapBackendError(req, SessionBackendStateError{Kind: StateErrSessionNotFound})
	}

	w.beginRequest(req.ID)
	defer w.endRequest(time.Now())

	turn := w.nextTurn()
	d.runtime.BeginTurn(params.SessionID, turn)
	d.hub.sendToSession(params.SessionID, "session.turn.start", map[string]any{"sessionId": params.SessionID, "turn": turn})
	d.hub.sendToSession(params.SessionID, "session.turn.end", map[string]any{"sessionId": params.SessionID, "turn": turn})

	return okResponse(req.ID, req.TraceID, map[string]any{"sessionId": params.SessionID, "turn": turn, "accepted": true})
}

func (d *Daemon) handleSubscribe(c *conn, req Request, subscribe bool) Response {
	params, err := decodeParams[sessionIDParams](req.Params)
	if err != nil || params.SessionID == "" {
		return errResponse(req.ID, req.TraceID, string(apperr.CodeInvalidRequest), "sessionId is required", false)
	}
	if subscribe {
		d.hub.subscribe(c, params.SessionID)
	} else {
		d.hub.unsubscribe(c, params.SessionID)
	}
	return okResponse(req.ID, req.TraceID, map[string]any{"ok": true})
}

func (d *Daemon) handleRotateToken(c *conn, req Request) Response {
	previous, _, err := d.tokens.Rotate()
	if err != nil {
		return errResponse(req.ID, req.TraceID, string(apperr.CodeInternal), err.Error(), false)
	}
	revoked := d.hub.closeAuthenticatedWith(previous, 1008, "auth token rotated", c)
	if c.tokenMatches(previous) {
		revoked++ // closed by onFrame's post-dispatch staleness check, after this response is sent
	}
	return okResponse(req.ID, req.TraceID, map[string]any{"rotated": true, "revokedConnections": revoked})
}

func (d *Daemon) handleGatewayStop(req Request) Response {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(d.cfg.GracefulTimeoutMs)*time.Millisecond)
		defer cancel()
		if err := d.Stop(ctx); err != nil {
			d.logger.Error("gateway stop failed", zap.Error(err))
		}
	}()
	return okResponse(req.ID, req.TraceID, map[string]any{"stopping": true})
}

func (d *Daemon) handleHeartbeatReload(req Request) Response {
	if d.heartbeat == nil {
		return errResponse(req.ID, req.TraceID, string(apperr.CodeInvalidRequest), "heartbeat disabled", false)
	}
	result, err := d.heartbeat.Reload()
	if err != nil {
		return errResponse(req.ID, req.TraceID, string(apperr.CodeInternal), err.Error(), false)
	}
	for _, sessionID := range result.ClosedSessions {
		if err := d.stopSession(sessionID, "heartbeat_rule_removed"); err != nil {
			d.logger.Warn("failed to close obsolete heartbeat session", zap.String("sessionId", sessionID), zap.Error(err))
		}
	}
	return okResponse(req.ID, req.TraceID, map[string]any{
		"added":          result.AddedRules,
		"removed":        result.RemovedRules,
		"closedSessions": result.ClosedSessions,
	})
}

func mapBackendError(req Request, err error) Response {
	switch e := err.(type) {
	case SessionBackendCapacityError:
		return errResponse(req.ID, req.TraceID, string(apperr.CodeBadState), e.Error(), true)
	case SessionBackendStateError:
		return errResponse(req.ID, req.TraceID, string(apperr.CodeBadState), e.Error(), false)
	default:
		return errResponse(req.ID, req.TraceID, string(apperr.CodeInternal), err.Error(), false)
	}
}

// --- worker lifecycle ---------------------------------------------------------------

// openSession enforces the hard worker limit and registers a fresh Worker,
// persisting the updated children registry atomically (spec.md §4.9).
func (d *Daemon) openSession(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.workers[sessionID]; exists {
		return nil
	}
	if d.cfg.MaxWorkers > 0 && len(d.workers) >= d.cfg.MaxWorkers {
		if !d.cfg.QueueEnabled {
			return SessionBackendCapacityError{}
		}
		if d.cfg.MaxQueueDepth > 0 && len(d.workers) >= d.cfg.MaxWorkers+d.cfg.MaxQueueDepth {
			return SessionBackendCapacityError{}
		}
	}

	d.workers[sessionID] = newWorker(sessionID, d.runtime, time.Now())
	d.persistChildrenLocked()
	return nil
}

// stopSession removes sessionID's worker, closes its runtime-side state,
// and emits a lifecycle event. It is idempotent: stopping an unknown
// session is not an error.
func (d *Daemon) stopSession(sessionID, reason string) error {
	d.mu.Lock()
	_, ok := d.workers[sessionID]
	if ok {
		delete(d.workers, sessionID)
	}
	d.persistChildrenLocked()
	d.mu.Unlock()

	if !ok {
		return nil
	}
	d.runtime.CloseSession(sessionID)
	d.hub.sendToSession(sessionID, "session.closed", map[string]any{"sessionId": sessionID, "reason": reason})
	return nil
}

// persistChildrenLocked must be called with d.mu held.
func (d *Daemon) persistChildrenLocked() {
	records := make([]ChildRecord, 0, len(d.workers))
	for id, w := range d.workers {
		records = append(records, ChildRecord{
			SessionID:       id,
			PID:             os.Getpid(),
			StartedAt:       w.CreatedAt,
			LastActivityAt:  w.lastActivity(),
			PendingRequests: w.pendingRequests(),
		})
	}
	path := filepath.Join(d.stateDir(), "children.json")
	if err := saveChildren(path, records); err != nil {
		d.logger.Warn("failed to persist children registry", zap.Error(err))
	}
}

// idleSweepLoop closes workers past their idle TTL with no in-flight work,
// per spec.md §4.9. A single worker's stop failure is logged and the sweep
// continues onto the next candidate.
func (d *Daemon) idleSweepLoop() {
	interval := time.Duration(d.cfg.SessionIdleSweepIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ttl := time.Duration(d.cfg.SessionIdleTtlMs) * time.Millisecond

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			d.sweepOnce(now, ttl)
		}
	}
}

func (d *Daemon) sweepOnce(now time.Time, ttl time.Duration) {
	d.mu.Lock()
	var candidates []string
	for id, w := range d.workers {
		if w.idleEligible(now, ttl) {
			candidates = append(candidates, id)
		}
	}
	d.mu.Unlock()

	for _, id := range candidates {
		if err := d.stopSession(id, "idle_timeout"); err != nil {
			d.logger.Warn("idle sweep stop failed", zap.String("sessionId", id), zap.Error(err))
		}
	}
}

// heartbeatTickLoop polls for cron-due heartbeat rules and routes each one
// into its (possibly newly opened) target session.
func (d *Daemon) heartbeatTickLoop() {
	interval := time.Duration(d.cfg.HeartbeatTickMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			for _, rule := range d.heartbeat.DueRules(now) {
				if err := d.openSession(rule.SessionID); err != nil {
					d.logger.Warn("heartbeat tick failed to open session", zap.String("ruleId", rule.ID), zap.Error(err))
					continue
				}
				turn := 0
				d.mu.Lock()
				if w, ok := d.workers[rule.SessionID]; ok {
					turn = w.nextTurn()
				}
				d.mu.Unlock()
				d.runtime.BeginTurn(rule.SessionID, turn)
				d.hub.sendToSession(rule.SessionID, "session.turn.start", map[string]any{
					"sessionId": rule.SessionID, "turn": turn, "heartbeatRule": rule.ID,
				})
			}
		}
	}
}

