package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "beacon/shared/contracts/push/v1"

	"github.com/coder/websocket"
)

// Verifier is the external credential check: it maps the token presented
// during AUTHENTICATING to a user id, or rejects it.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// WSGateway is the WebSocket entrypoint for push connections.
//
// It enforces origin policy, subprotocol selection, the auth handshake, rate
// limits and heartbeats, and routes validated envelopes to the Registry and
// the Dispatcher. Each connection gets its own reader, writer and heartbeat
// goroutine; nothing serializes I/O across connections.
type WSGateway struct {
	log      *slog.Logger
	cfg      Config
	reg      *Registry
	disp     *Dispatcher
	hb       *HeartbeatMonitor
	verifier Verifier

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewWSGateway constructs a gateway. verifier may be nil only when
// cfg.AuthRequired is false.
func NewWSGateway(log *slog.Logger, cfg Config, reg *Registry, disp *Dispatcher, verifier Verifier) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.SendQueueSize < minSendQueueSize {
		cfg.SendQueueSize = minSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	return &WSGateway{
		log:            log,
		cfg:            cfg,
		reg:            reg,
		disp:           disp,
		hb:             NewHeartbeatMonitor(log, reg, cfg.HeartbeatInterval, cfg.HeartbeatTimeout),
		verifier:       verifier,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request and serves one push connection until it closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !g.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.wg.Done()

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	c := NewConnection(NewConnectionID(), g.cfg.SendQueueSize, time.Now())
	if err := g.reg.Register(c); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	g.log.Info("ws.accept", "conn_id", c.ID(), "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, conn, c)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.hb.Run(ctx, c, g.serverBeat(c))
	}()

	if g.cfg.AuthRequired {
		authTimer := time.AfterFunc(g.cfg.AuthTimeout, func() {
			if g.reg.CloseUnlessActive(c.ID(), ErrAuthTimeout) {
				g.log.Info("ws.auth.timeout", "conn_id", c.ID())
			}
		})
		defer authTimer.Stop()
	} else {
		g.activate(c, strings.TrimSpace(r.URL.Query().Get("user_id")))
	}

	g.readLoop(ctx, conn, c)

	g.reg.Close(c.ID(), ErrClosedByPeer)
	<-writerDone
	cancel()

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

// Shutdown stops accepting connections, closes every registered connection
// with ErrShutdown and waits for their handlers to return (bounded by ctx).
func (g *WSGateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	n := g.reg.CloseAll(ErrShutdown)
	g.log.Info("ws.shutdown", "closed", n)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *WSGateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.wg.Add(1)
	return true
}

// ---- loops ----

func (g *WSGateway) readLoop(ctx context.Context, conn *websocket.Conn, c *Connection) {
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			reason := readCloseReason(err)
			if errors.Is(reason, ErrTransport) {
				g.log.Info("ws.read.fail", "conn_id", c.ID(), "err", err)
			}
			g.reg.Close(c.ID(), reason)
			return
		}

		now := time.Now()
		if !rl.Allow(now) {
			g.nack(c, "", "rate limited")
			g.reg.Close(c.ID(), ErrRateLimited)
			return
		}

		env, err := v1.Decode(data)
		if err != nil {
			var de *v1.DecodeError
			id := ""
			if errors.As(err, &de) {
				id = de.ID
			}
			g.log.Debug("ws.frame.invalid", "conn_id", c.ID(), "msg_id", id, "err", err)
			g.nack(c, id, err.Error())
			continue
		}

		switch c.State() {
		case StateConnecting, StateAuthenticating:
			if !g.handleAuth(ctx, c, env) {
				return
			}
		case StateActive:
			g.handleActive(ctx, c, env, now)
		default:
			return
		}
	}
}

func (g *WSGateway) writeLoop(ctx context.Context, conn *websocket.Conn, c *Connection) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.CloseNow()
			return
		case <-c.Done():
			g.drainAndClose(conn, c)
			return
		case env := <-c.outbox:
			if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
				g.log.Info("ws.write.fail", "conn_id", c.ID(), "close_status", websocket.CloseStatus(err), "err", err)
				g.reg.Close(c.ID(), fmt.Errorf("%w: %v", ErrTransport, err))
				_ = conn.CloseNow()
				return
			}
		}
	}
}

// drainAndClose writes what is still queued (bounded by closeGrace), then
// closes the transport with a status derived from the close reason.
func (g *WSGateway) drainAndClose(conn *websocket.Conn, c *Connection) {
	reason := c.Err()
	if errors.Is(reason, ErrTransport) {
		_ = conn.CloseNow()
		return
	}

	if !errors.Is(reason, ErrClosedByPeer) {
		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	drain:
		for {
			select {
			case env := <-c.outbox:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					break drain
				}
			default:
				break drain
			}
		}
		cancel()
	}

	code, text := closeStatus(reason)
	_ = conn.Close(code, text)
}

// ---- handlers ----

func (g *WSGateway) handleAuth(ctx context.Context, c *Connection, env v1.Envelope) bool {
	if err := c.beginAuth(); err != nil {
		return false
	}

	token, ok := authToken(env)
	if !ok {
		g.rejectAuth(c, ErrAuthRejected, "auth frame required")
		return false
	}
	if g.verifier == nil {
		g.log.Error("ws.auth.no_verifier", "conn_id", c.ID())
		g.rejectAuth(c, ErrAuthRejected, "auth unavailable")
		return false
	}

	vctx, cancel := context.WithDeadline(ctx, c.CreatedAt().Add(g.cfg.AuthTimeout))
	userID, err := g.verifier.Verify(vctx, token)
	cancel()
	if err != nil {
		reason := ErrAuthRejected
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ErrAuthTimeout
		}
		g.log.Info("ws.auth.fail", "conn_id", c.ID(), "reason", ReasonLabel(reason), "err", err)
		g.rejectAuth(c, reason, "invalid credentials")
		return false
	}

	userID = strings.TrimSpace(userID)
	if userID == "" {
		g.rejectAuth(c, ErrAuthRejected, "invalid credentials")
		return false
	}
	return g.activate(c, userID)
}

// activate acknowledges the handshake and makes c ACTIVE. auth.ok is queued
// before activation so it precedes any flushed offline envelope.
func (g *WSGateway) activate(c *Connection, userID string) bool {
	ok, err := v1.NewSystem(v1.ActionAuthOK, "authenticated", v1.AuthOKData{ConnectionID: c.ID(), UserID: userID}, v1.Options{UserID: userID})
	if err == nil {
		_, _ = c.push(ok)
	}

	if err := g.reg.Activate(c.ID(), userID, time.Now()); err != nil {
		g.log.Info("ws.activate.fail", "conn_id", c.ID(), "user_id", userID, "err", err)
		return false
	}
	return true
}

func (g *WSGateway) rejectAuth(c *Connection, reason error, msg string) {
	if env, err := v1.NewSystem(v1.ActionAuthFailed, msg, nil, v1.Options{}); err == nil {
		_, _ = c.push(env)
	}
	g.reg.Close(c.ID(), reason)
}

func (g *WSGateway) handleActive(ctx context.Context, c *Connection, env v1.Envelope, now time.Time) {
	switch env.Type {
	case v1.TypeHeartbeat:
		g.reg.Touch(c.ID(), now)
	case v1.TypeAck:
		if err := g.disp.HandleAck(ctx, c, env); err != nil {
			g.nack(c, env.ID, err.Error())
		}
	default:
		g.nack(c, env.ID, fmt.Sprintf("unsupported client frame: %s", env.Type))
	}
}

func (g *WSGateway) serverBeat(c *Connection) func(context.Context) error {
	if !g.cfg.ServerHeartbeat {
		return nil
	}
	return func(context.Context) error {
		env, err := v1.NewHeartbeat(time.Now(), v1.Options{})
		if err != nil {
			return err
		}
		_, err = c.push(env)
		return err
	}
}

func (g *WSGateway) nack(c *Connection, messageID, detail string) {
	env, err := v1.NewAck(messageID, v1.AckError, detail, v1.Options{})
	if err != nil {
		return
	}
	_, _ = c.push(env)
}

func authToken(env v1.Envelope) (string, bool) {
	if env.Type != v1.TypeSystem {
		return "", false
	}
	var p struct {
		Action string      `json:"action"`
		Data   v1.AuthData `json:"data"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Action != v1.ActionAuth {
		return "", false
	}
	tok := strings.TrimSpace(p.Data.Token)
	return tok, tok != ""
}

// ---- envelope IO ----

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := v1.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func closeStatus(reason error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(reason, ErrShutdown), errors.Is(reason, ErrHeartbeatTimeout):
		return websocket.StatusGoingAway, ReasonLabel(reason)
	case errors.Is(reason, ErrAuthTimeout), errors.Is(reason, ErrAuthRejected), errors.Is(reason, ErrRateLimited):
		return websocket.StatusPolicyViolation, ReasonLabel(reason)
	case errors.Is(reason, ErrBackpressure):
		return websocket.StatusTryAgainLater, ReasonLabel(reason)
	case errors.Is(reason, ErrClosedByPeer), errors.Is(reason, ErrConnectionClosed):
		return websocket.StatusNormalClosure, "bye"
	default:
		return websocket.StatusInternalError, ReasonLabel(reason)
	}
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

func readCloseReason(err error) error {
	switch classifyReadErr(err) {
	case readErrClose:
		return ErrClosedByPeer
	case readErrCtxDone:
		return ErrConnectionClosed
	case readErrConnClosed:
		return fmt.Errorf("%w: connection lost", ErrTransport)
	default:
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins keeps websocket.Accept's own origin
// check in agreement with enforceOrigin.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
