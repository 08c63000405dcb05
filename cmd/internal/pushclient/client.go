package pushclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"beacon/cmd/internal/backoff"
	v1 "beacon/shared/contracts/push/v1"

	"github.com/coder/websocket"
)

const (
	maxReadBytes        = 1 << 20
	defaultDedupeSize   = 1024
	defaultStepTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Config controls one Client.
type Config struct {
	// URL is the gateway endpoint (ws:// or wss://).
	URL string

	// Origin is sent as the Origin header when set.
	Origin string

	// Token is presented in the auth frame. Leave empty when the server runs
	// with auth disabled.
	Token string

	// HeartbeatInterval is the client heartbeat cadence.
	HeartbeatInterval time.Duration

	// Reconnect is the retry policy for dropped or failed connections.
	Reconnect backoff.Policy

	// HandshakeTimeout bounds dial plus auth.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// DedupeSize is how many recent envelope ids are remembered.
	DedupeSize int
}

// DefaultConfig returns the protocol defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		HeartbeatInterval: 30 * time.Second,
		Reconnect:         backoff.DefaultPolicy(),
		HandshakeTimeout:  defaultStepTimeout,
		WriteTimeout:      defaultWriteTimeout,
		DedupeSize:        defaultDedupeSize,
	}
}

// Handler receives each new notification or system event exactly once per
// client (duplicates are filtered by envelope id).
type Handler func(ctx context.Context, env v1.Envelope)

// Client is a reconnecting push connection.
type Client struct {
	log     *slog.Logger
	cfg     Config
	handler Handler
	counter *backoff.Counter
	seen    *seenSet
	sleep   func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	connID string
	userID string

	// OnActive is called after each successful handshake. Optional.
	OnActive func(connectionID, userID string)
}

// Option configures a Client.
type Option func(*Client)

// WithRand makes reconnect jitter deterministic.
func WithRand(rnd backoff.Rand) Option {
	return func(c *Client) { c.counter = backoff.NewCounter(c.cfg.Reconnect, rnd) }
}

// WithSleep overrides how the client waits between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// New validates cfg and builds a Client.
func New(log *slog.Logger, cfg Config, handler Handler, opts ...Option) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := validateWSURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("pushclient: invalid url: %w", err)
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, errors.New("pushclient: heartbeat interval must be > 0")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultStepTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = defaultDedupeSize
	}
	if handler == nil {
		handler = func(context.Context, v1.Envelope) {}
	}

	c := &Client{
		log:     log,
		cfg:     cfg,
		handler: handler,
		seen:    newSeenSet(cfg.DedupeSize),
		sleep:   sleepCtx,
	}
	c.counter = backoff.NewCounter(cfg.Reconnect, nil)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ConnectionID returns the id assigned by the server on the current (or last) connection.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// UserID returns the user the server authenticated.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Attempts returns the number of consecutive failed attempts.
func (c *Client) Attempts() int { return c.counter.Attempts() }

// Run connects and serves until ctx is done, the server rejects the
// credentials, or the reconnect budget is exhausted.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}

		delay, ok := c.counter.Fail()
		if !ok {
			c.log.Warn("pushclient.give_up", "attempts", c.counter.Attempts(), "err", err)
			return fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, c.counter.Attempts(), err)
		}
		c.log.Info("pushclient.reconnect", "attempt", c.counter.Attempts(), "delay", delay.String(), "err", err)
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// session runs one connection from dial to disconnect.
func (c *Client) session(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseNow() }()

	if err := c.handshake(ctx, conn); err != nil {
		if errors.Is(err, ErrAuthRejected) {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(sctx, conn)
	}()

	err = c.readLoop(sctx, conn)
	cancel()
	wg.Wait()

	if ctx.Err() != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	return err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(c.cfg.Origin) != "" {
		h.Set("Origin", c.cfg.Origin)
	}

	conn, resp, err := websocket.Dial(dctx, c.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return nil, fmt.Errorf("%w: subprotocol %q", ErrProtocol, got)
	}
	conn.SetReadLimit(maxReadBytes)
	return conn, nil
}

// handshake sends the auth frame (when a token is configured) and waits for
// auth.ok. Anything other than a system frame before that is a protocol error.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	if c.cfg.Token != "" {
		env, err := v1.NewSystem(v1.ActionAuth, "", v1.AuthData{Token: c.cfg.Token}, v1.Options{})
		if err != nil {
			return err
		}
		if err := c.write(hctx, conn, env); err != nil {
			return fmt.Errorf("write auth: %w", err)
		}
	}

	for {
		env, err := readEnvelope(hctx, conn)
		if err != nil {
			return fmt.Errorf("await auth.ok: %w", err)
		}
		if env.Type == v1.TypeHeartbeat {
			continue
		}
		if env.Type != v1.TypeSystem {
			return fmt.Errorf("%w: %s before auth.ok", ErrProtocol, env.Type)
		}

		var p struct {
			Action  string        `json:"action"`
			Message string        `json:"message"`
			Data    v1.AuthOKData `json:"data"`
		}
		if err := env.DecodePayload(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		switch p.Action {
		case v1.ActionAuthOK:
			c.mu.Lock()
			c.connID, c.userID = p.Data.ConnectionID, p.Data.UserID
			c.mu.Unlock()
			c.counter.Reset()
			c.log.Info("pushclient.active", "conn_id", p.Data.ConnectionID, "user_id", p.Data.UserID)
			if c.OnActive != nil {
				c.OnActive(p.Data.ConnectionID, p.Data.UserID)
			}
			return nil
		case v1.ActionAuthFailed:
			return fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
		default:
			return fmt.Errorf("%w: system %q before auth.ok", ErrProtocol, p.Action)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		env, err := readEnvelope(ctx, conn)
		if err != nil {
			return err
		}

		switch env.Type {
		case v1.TypeHeartbeat:
			continue
		case v1.TypeAck:
			var p v1.AckPayload
			if err := env.DecodePayload(&p); err == nil && p.Status == v1.AckError {
				c.log.Warn("pushclient.nack", "msg_id", p.MessageID, "err", p.Error)
			}
			continue
		}

		if env.RequireAck {
			ack, err := v1.NewAck(env.ID, v1.AckOK, "", v1.Options{})
			if err == nil {
				if err := c.write(ctx, conn, ack); err != nil {
					return fmt.Errorf("write ack: %w", err)
				}
			}
		}
		if !c.seen.add(env.ID) {
			c.log.Debug("pushclient.duplicate", "msg_id", env.ID)
			continue
		}
		c.handler(ctx, env)
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			env, err := v1.NewHeartbeat(now, v1.Options{})
			if err != nil {
				continue
			}
			if err := c.write(ctx, conn, env); err != nil {
				if ctx.Err() == nil {
					c.log.Debug("pushclient.heartbeat.fail", "err", err)
				}
				return
			}
		}
	}
}

// write is safe for concurrent use; coder/websocket serializes writers.
func (c *Client) write(ctx context.Context, conn *websocket.Conn, env v1.Envelope) error {
	b, err := v1.Marshal(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if typ != websocket.MessageText {
		return v1.Envelope{}, fmt.Errorf("%w: binary frame", ErrProtocol)
	}
	env, err := v1.Decode(data)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return env, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}
