package notify

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"beacon/cmd/internal/realtime"
	v1 "beacon/shared/contracts/push/v1"
)

const testAPIKey = "test-api-key"

func newTestServer(t *testing.T, fs *fakeSender, apiKey string) *httptest.Server {
	t.Helper()
	h := NewHandler(discardLogger(), mustService(t, fs), apiKey)
	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url, body string, headers map[string]string) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, url, bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("http.NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("client.Do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("io.ReadAll: %v", err)
	}
	return resp.StatusCode, raw
}

func authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAPIKey}
}

func TestHandler_Notify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		outcome    realtime.Outcome
		wantStatus int
	}{
		{name: "delivered", outcome: realtime.Delivered, wantStatus: http.StatusOK},
		{name: "queued", outcome: realtime.Queued, wantStatus: http.StatusAccepted},
		{name: "dropped", outcome: realtime.Dropped, wantStatus: http.StatusOK},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			fs := &fakeSender{outcome: tc.outcome}
			ts := newTestServer(t, fs, testAPIKey)

			status, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/notify",
				`{"userId":"u1","title":"Hi","body":"there","extra":{"k":"v"}}`, authHeader())
			if status != tc.wantStatus {
				t.Fatalf("status=%d want=%d body=%s", status, tc.wantStatus, body)
			}

			var resp sendResponse
			if err := json.Unmarshal(body, &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.Outcome != string(tc.outcome) {
				t.Fatalf("outcome=%q want=%q", resp.Outcome, tc.outcome)
			}
			if resp.MessageID == "" || resp.MessageID != fs.last(t).env.ID {
				t.Fatalf("messageId=%q does not match sent envelope", resp.MessageID)
			}
		})
	}
}

func TestHandler_NotifyAwaitAck(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{outcome: realtime.Delivered, receipt: &realtime.Receipt{ConnectionID: "c9", Status: v1.AckOK}}
	ts := newTestServer(t, fs, testAPIKey)

	status, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/notify",
		`{"userId":"u1","title":"Hi","awaitAckMs":500}`, authHeader())
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%s", status, body)
	}
	var resp sendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Receipt == nil || resp.Receipt.ConnectionID != "c9" || resp.Receipt.Status != "ok" {
		t.Fatalf("unexpected receipt: %+v", resp.Receipt)
	}
}

func TestHandler_SystemEvent(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{outcome: realtime.Delivered}
	ts := newTestServer(t, fs, testAPIKey)

	status, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/system-events",
		`{"action":"maintenance","message":"at 5","data":{"minutes":10}}`, authHeader())
	if status != http.StatusOK {
		t.Fatalf("status=%d body=%s", status, body)
	}
	if got := fs.last(t); !got.env.Broadcast() || got.env.Type != v1.TypeSystem {
		t.Fatalf("unexpected envelope: %+v", got.env)
	}
}

func TestHandler_Rejects(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{outcome: realtime.Delivered}
	ts := newTestServer(t, fs, testAPIKey)
	t.Cleanup(func() {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		if len(fs.sent) != 0 {
			t.Errorf("rejected requests must not send, got %d", len(fs.sent))
		}
	})

	cases := []struct {
		name       string
		method     string
		path       string
		body       string
		headers    map[string]string
		wantStatus int
	}{
		{name: "wrong method", method: http.MethodGet, path: "/v1/notify", headers: authHeader(), wantStatus: http.StatusMethodNotAllowed},
		{name: "missing key", method: http.MethodPost, path: "/v1/notify", body: `{"userId":"u1","title":"t"}`, wantStatus: http.StatusUnauthorized},
		{name: "wrong key", method: http.MethodPost, path: "/v1/notify", body: `{"userId":"u1","title":"t"}`, headers: map[string]string{"Authorization": "Bearer nope"}, wantStatus: http.StatusUnauthorized},
		{name: "bad json", method: http.MethodPost, path: "/v1/notify", body: `{"userId":`, headers: authHeader(), wantStatus: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/v1/notify", body: `{"userId":"u1","title":"t","x":1}`, headers: authHeader(), wantStatus: http.StatusBadRequest},
		{name: "trailing data", method: http.MethodPost, path: "/v1/notify", body: `{"userId":"u1","title":"t"}{}`, headers: authHeader(), wantStatus: http.StatusBadRequest},
		{name: "missing user", method: http.MethodPost, path: "/v1/notify", body: `{"title":"t"}`, headers: authHeader(), wantStatus: http.StatusBadRequest},
		{name: "negative await", method: http.MethodPost, path: "/v1/notify", body: `{"userId":"u1","title":"t","awaitAckMs":-1}`, headers: authHeader(), wantStatus: http.StatusBadRequest},
		{name: "missing action", method: http.MethodPost, path: "/v1/system-events", body: `{"message":"m"}`, headers: authHeader(), wantStatus: http.StatusBadRequest},
		{name: "reserved action", method: http.MethodPost, path: "/v1/system-events", body: `{"action":"auth.ok"}`, headers: authHeader(), wantStatus: http.StatusBadRequest},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			status, body := doJSON(t, ts.Client(), tc.method, ts.URL+tc.path, tc.body, tc.headers)
			if status != tc.wantStatus {
				t.Fatalf("status=%d want=%d body=%s", status, tc.wantStatus, body)
			}
		})
	}
}

func TestHandler_NoAPIKeyConfigured(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeSender{outcome: realtime.Delivered}, "")
	status, _ := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v1/notify", `{"userId":"u1","title":"t"}`, authHeader())
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want=503", status)
	}
}
