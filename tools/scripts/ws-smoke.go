// Package main provides a CI-friendly smoke test for a running beacon server.
//
// It validates:
//   - handshake + subprotocol selection
//   - auth frame -> auth.ok (or anonymous activation when -token is empty)
//   - POST /v1/notify with awaitAckMs -> notification frame -> ack -> receipt
//   - heartbeat keeps the connection open
//   - unsupported client frames are nacked
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "beacon/shared/contracts/push/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	conn   *websocket.Conn
	connID string
	userID string

	inbox chan v1.Envelope
	errCh chan error
}

type notifyResponse struct {
	Outcome   string `json:"outcome"`
	MessageID string `json:"messageId"`
	Receipt   *struct {
		ConnectionID string `json:"connectionId"`
		Status       string `json:"status"`
	} `json:"receipt"`
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "HTTP base URL for /v1/notify")
		apiKey  = flag.String("api-key", os.Getenv("BEACON_NOTIFY_API_KEY"), "Bearer key for /v1/notify")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token   = flag.String("token", "", "JWT sent in the auth frame; empty connects with -user instead")
		user    = flag.String("user", "smoke-user", "user_id query parameter when auth is disabled")
		title   = flag.String("title", "hello beacon 👋", "Notification title to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	target := *wsURL
	if strings.TrimSpace(*token) == "" {
		target = withQuery(*wsURL, "user_id", *user)
	}

	c := mustConnect(root, target, *origin, *token, *timeout)
	defer closeWS(c.conn)

	if *verbose {
		fmt.Printf("connected: conn_id=%s user_id=%q origin=%q\n", c.connID, c.userID, *origin)
	}
	if c.userID == "" {
		fatalf("anonymous connection cannot receive targeted notifications; pass -token or -user")
	}

	type result struct {
		res notifyResponse
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := postNotify(root, *apiURL, *apiKey, c.userID, *title, *timeout)
		done <- result{res: res, err: err}
	}()

	env := c.mustReadUntilType(root, v1.TypeNotification, *timeout)
	var p v1.NotificationPayload
	if err := env.DecodePayload(&p); err != nil {
		fatalf("decode notification payload: %v", err)
	}
	if p.Title != *title {
		fatalf("title mismatch: got=%q want=%q", p.Title, *title)
	}
	if !env.RequireAck {
		fatalf("notification %s did not request an ack", env.ID)
	}
	ack, err := v1.NewAck(env.ID, v1.AckOK, "", v1.Options{UserID: c.userID})
	if err != nil {
		fatalf("build ack: %v", err)
	}
	mustWriteWithTimeout(root, c.conn, ack, *timeout)

	r := <-done
	if r.err != nil {
		fatalf("notify: %v", r.err)
	}
	if r.res.Outcome != "delivered" || r.res.MessageID != env.ID {
		fatalf("unexpected notify result: outcome=%q message_id=%q want delivered/%s", r.res.Outcome, r.res.MessageID, env.ID)
	}
	if r.res.Receipt == nil || r.res.Receipt.Status != string(v1.AckOK) || r.res.Receipt.ConnectionID != c.connID {
		fatalf("missing or mismatched receipt: %+v", r.res.Receipt)
	}

	hb, err := v1.NewHeartbeat(time.Now(), v1.Options{UserID: c.userID})
	if err != nil {
		fatalf("build heartbeat: %v", err)
	}
	mustWriteWithTimeout(root, c.conn, hb, *timeout)
	c.mustStayQuiet(root, 750*time.Millisecond)

	bogus, err := v1.NewNotification("from client", "", nil, v1.Options{UserID: c.userID})
	if err != nil {
		fatalf("build client notification: %v", err)
	}
	mustWriteWithTimeout(root, c.conn, bogus, *timeout)
	nack := c.mustReadUntilType(root, v1.TypeAck, *timeout)
	var ap v1.AckPayload
	if err := nack.DecodePayload(&ap); err != nil {
		fatalf("decode nack: %v", err)
	}
	if ap.Status != v1.AckError || ap.MessageID != bogus.ID {
		fatalf("expected nack for %s, got %+v", bogus.ID, ap)
	}

	fmt.Printf("OK: conn_id=%s user_id=%s message_id=%s\n", c.connID, c.userID, env.ID)
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
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func mustConnect(parent context.Context, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	if strings.TrimSpace(token) != "" {
		auth, err := v1.NewSystem(v1.ActionAuth, "", v1.AuthData{Token: token}, v1.Options{})
		if err != nil {
			fatalf("build auth frame: %v", err)
		}
		mustWriteWithTimeout(parent, conn, auth, stepTimeout)
	}

	for {
		env := c.mustReadUntilType(parent, v1.TypeSystem, stepTimeout)
		var p struct {
			Action  string        `json:"action"`
			Message string        `json:"message"`
			Data    v1.AuthOKData `json:"data"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal system payload: %v", err)
		}
		switch p.Action {
		case v1.ActionAuthOK:
			if strings.TrimSpace(p.Data.ConnectionID) == "" {
				fatalf("auth.ok missing connectionId")
			}
			c.connID, c.userID = p.Data.ConnectionID, p.Data.UserID
			return c
		case v1.ActionAuthFailed:
			fatalf("auth rejected: %s", p.Message)
		}
	}
}

func postNotify(parent context.Context, base, apiKey, userID, title string, stepTimeout time.Duration) (notifyResponse, error) {
	ctx, cancel := context.WithTimeout(parent, 2*stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]any{
		"userId":     userID,
		"title":      title,
		"body":       "smoke",
		"awaitAckMs": stepTimeout.Milliseconds(),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/v1/notify", bytes.NewReader(body))
	if err != nil {
		return notifyResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return notifyResponse{}, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return notifyResponse{}, fmt.Errorf("status %d", res.StatusCode)
	}
	var out notifyResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return notifyResponse{}, err
	}
	return out, nil
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			env, err := v1.Decode(data)
			if err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustReadUntilType skips server heartbeats and fails on anything else unexpected.
func (c *smokeClient) mustReadUntilType(parent context.Context, wantType v1.Type, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q: %v", wantType, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q", wantType)
			}
			fatalf("connection error while waiting for %q: %v", wantType, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q", wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeHeartbeat {
				continue
			}
			fatalf("unexpected envelope type: got=%q want=%q", env.Type, wantType)
		}
	}
}

func (c *smokeClient) mustStayQuiet(parent context.Context, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly: %v", err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly")
			}
			if env.Type == v1.TypeAck {
				var p v1.AckPayload
				_ = env.DecodePayload(&p)
				fatalf("server nacked %s: %s", p.MessageID, p.Error)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := v1.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
