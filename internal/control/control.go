package control

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/fbquality/internal/config"
	"github.com/NodePath81/fbquality/internal/metrics"
	"github.com/NodePath81/fbquality/internal/session"
	"github.com/NodePath81/fbquality/internal/util"
	"github.com/NodePath81/fbquality/internal/version"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	maxRPCBodyBytes   = 1 << 20
	limiterTTL        = 5 * time.Minute
	wsTokenPrefix     = "fbquality-token."
	wsPrimaryProtocol = "fbquality"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

type ControlServer struct {
	fullCfg   config.Config
	cfg       config.ControlConfig
	hostname  string
	session   *session.Orchestrator
	metrics   *metrics.Metrics
	hub       *StatusHub
	restartFn func() error
	logger    util.Logger
	server    *http.Server
	limiter   *rateLimiter
}

func NewControlServer(cfg config.Config, orch *session.Orchestrator, metrics *metrics.Metrics, hub *StatusHub, restartFn func() error, logger util.Logger) *ControlServer {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	return &ControlServer{
		fullCfg:   cfg,
		cfg:       cfg.Control,
		hostname:  cfg.Hostname,
		session:   orch,
		metrics:   metrics,
		hub:       hub,
		restartFn: restartFn,
		logger:    logger,
		limiter:   newRateLimiter(cfg.Control.RateLimit.RequestsPerSecond, cfg.Control.RateLimit.Burst, limiterTTL),
	}
}

// Handler returns the full control mux.
func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.cfg.Metrics.IsEnabled() && c.metrics != nil {
		mux.HandleFunc("/metrics", c.handleMetrics)
	}
	mux.HandleFunc("/rpc", c.handleRPC)
	mux.HandleFunc("/status", c.handleStatus)
	mux.HandleFunc("/identity", c.handleIdentity)
	mux.HandleFunc("/healthz", c.handleHealth)
	return mux
}

func (c *ControlServer) Start(ctx context.Context) error {
	addr := util.NetJoin(c.cfg.BindAddr, c.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.server = &http.Server{
		Addr:              addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", ln.Addr().String())
	return nil
}

func (c *ControlServer) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

type identityResponse struct {
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
}

func (c *ControlServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: map[string]any{
		"status":  c.session.Status(),
		"version": version.Version,
	}})
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !c.checkStatusAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(r *http.Request) bool { return c.originAllowed(r) },
		Subprotocols: []string{wsPrimaryProtocol},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	client := &statusClient{send: make(chan []byte, 64)}
	c.hub.Register(client)

	var closeOnce sync.Once
	done := make(chan struct{})
	closeConn := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}
	var subMu sync.Mutex
	stopTicker := func() {
		subMu.Lock()
		if client.tickerCancel != nil {
			client.tickerCancel()
			client.tickerCancel = nil
		}
		client.subscribed = false
		client.intervalMs = 0
		subMu.Unlock()
	}

	sendJSON := func(payload any) {
		select {
		case <-done:
			return
		default:
		}
		data, _ := json.Marshal(payload)
		client.trySend(data)
	}

	sendError := func(code, message string) {
		sendJSON(statusMessage{
			SchemaVersion: statusSchemaVersion,
			Type:          "error",
			Timestamp:     time.Now().UnixMilli(),
			Error:         &statusError{Code: code, Message: message},
		})
	}

	sendSnapshot := func() {
		select {
		case <-done:
			return
		default:
		}
		snap := c.session.Snapshot()
		sendJSON(statusMessage{
			SchemaVersion: statusSchemaVersion,
			Type:          "snapshot",
			Timestamp:     time.Now().UnixMilli(),
			Snapshot:      &snap,
		})
	}

	startTicker := func(intervalMs int, sendInitial bool) {
		stopTicker()
		subMu.Lock()
		client.subscribed = true
		client.intervalMs = intervalMs
		ctx, cancel := context.WithCancel(context.Background())
		client.tickerCancel = cancel
		subMu.Unlock()
		if sendInitial {
			sendSnapshot()
		}
		go func() {
			ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-done:
					return
				case <-ticker.C:
					sendSnapshot()
				}
			}
		}()
	}

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			stopTicker()
			closeConn()
			c.hub.Unregister(client)
		})
	}

	go func() {
		defer cleanup()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				Type       string `json:"type"`
				IntervalMs int    `json:"interval_ms"`
			}
			if err := json.Unmarshal(msg, &req); err != nil {
				sendError("invalid_json", "message must be a JSON object")
				continue
			}
			switch req.Type {
			case "subscribe":
				if req.IntervalMs != 100 && req.IntervalMs != 500 && req.IntervalMs != 1000 {
					sendError("invalid_interval", "interval_ms must be 100, 500, or 1000")
					continue
				}
				subMu.Lock()
				alreadySubscribed := client.subscribed
				subMu.Unlock()
				startTicker(req.IntervalMs, !alreadySubscribed)
			case "unsubscribe":
				stopTicker()
			case "snapshot":
				sendSnapshot()
			default:
				sendError("unknown_type", "unknown message type")
			}
		}
	}()

	go func() {
		defer cleanup()
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			case data, ok := <-client.send:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}()
}

func (c *ControlServer) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	name := strings.TrimSpace(c.hostname)
	if name == "" {
		name, _ = os.Hostname()
	}
	resp := identityResponse{
		Hostname: name,
		Version:  version.Version,
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: resp})
}

func (c *ControlServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.checkAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.metrics.Handler(w, r)
}

func (c *ControlServer) checkAuth(r *http.Request) bool {
	token, ok := bearerToken(r)
	if !ok {
		return false
	}
	return secureTokenEqual(token, c.cfg.AuthToken)
}

func (c *ControlServer) checkStatusAuth(r *http.Request) bool {
	if token, ok := bearerToken(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	if token, ok := tokenFromWebSocketProtocols(r); ok {
		return secureTokenEqual(token, c.cfg.AuthToken)
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func tokenFromWebSocketProtocols(r *http.Request) (string, bool) {
	for _, proto := range websocket.Subprotocols(r) {
		if !strings.HasPrefix(proto, wsTokenPrefix) {
			continue
		}
		encoded := strings.TrimPrefix(proto, wsTokenPrefix)
		if encoded == "" {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil || len(decoded) == 0 {
			continue
		}
		return string(decoded), true
	}
	return "", false
}

func secureTokenEqual(a, b string) bool {
	if a == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (c *ControlServer) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return strings.EqualFold(parsed.Host, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// rateLimiter keeps one token bucket per client address. Idle buckets are
// evicted after ttl.
type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
}

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

func newRateLimiter(perSecond float64, burst int, ttl time.Duration) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *rateLimiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	if r.limit <= 0 {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, cl := range r.clients {
		if now.Sub(cl.last) > r.ttl {
			delete(r.clients, k)
		}
	}
	cl := r.clients[key]
	if cl == nil {
		cl = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[key] = cl
	}
	cl.last = now
	return cl.limiter.AllowN(now, 1)
}

func (r *rateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
