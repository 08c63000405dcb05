package notify

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"beacon/cmd/internal/realtime"

	"github.com/go-playground/validator/v10"
)

const (
	maxBodyBytes    = 64 << 10
	maxAwaitAck     = 30 * time.Second
	routeNotify     = "/v1/notify"
	routeSystemEvts = "/v1/system-events"
)

var validate = validator.New()

type notifyRequest struct {
	UserID     string         `json:"userId" validate:"required,max=128"`
	Title      string         `json:"title" validate:"required,max=256"`
	Body       string         `json:"body" validate:"max=4096"`
	Extra      map[string]any `json:"extra,omitempty"`
	AwaitAckMs int64          `json:"awaitAckMs,omitempty" validate:"gte=0"`
}

type systemEventRequest struct {
	UserID  string `json:"userId,omitempty" validate:"max=128"`
	Action  string `json:"action" validate:"required,max=128"`
	Message string `json:"message" validate:"max=4096"`
	Data    any    `json:"data,omitempty"`
}

type receiptResponse struct {
	ConnectionID string    `json:"connectionId"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

type sendResponse struct {
	Outcome   string           `json:"outcome"`
	MessageID string           `json:"messageId"`
	Receipt   *receiptResponse `json:"receipt,omitempty"`
}

// Handler exposes Service over HTTP. Every route requires the shared API key
// as a bearer token.
type Handler struct {
	log    *slog.Logger
	svc    *Service
	apiKey string
}

// NewHandler constructs a Handler. An empty apiKey makes every route answer 503.
func NewHandler(log *slog.Logger, svc *Service, apiKey string) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, svc: svc, apiKey: strings.TrimSpace(apiKey)}
}

// Register wires the collaborator routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc(routeNotify, h.handleNotify)
	mux.HandleFunc(routeSystemEvts, h.handleSystemEvent)
}

func (h *Handler) handleNotify(w http.ResponseWriter, r *http.Request) {
	if !h.precheck(w, r) {
		return
	}

	var req notifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		res Result
		err error
	)
	if req.AwaitAckMs > 0 {
		wait := min(time.Duration(req.AwaitAckMs)*time.Millisecond, maxAwaitAck)
		res, err = h.svc.NotifyAndWait(r.Context(), req.UserID, req.Title, req.Body, req.Extra, wait)
	} else {
		res, err = h.svc.Notify(r.Context(), req.UserID, req.Title, req.Body, req.Extra)
	}
	h.respond(w, "notify", res, err)
}

func (h *Handler) handleSystemEvent(w http.ResponseWriter, r *http.Request) {
	if !h.precheck(w, r) {
		return
	}

	var req systemEventRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.EmitSystemEvent(r.Context(), req.UserID, req.Action, req.Message, req.Data)
	h.respond(w, "system", res, err)
}

// ---- helpers ----

func (h *Handler) precheck(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return false
	}
	if h.apiKey == "" || h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "notify api not configured")
		return false
	}
	token := bearerToken(r)
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.apiKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, maxBodyBytes, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid field: "+verrs[0].Field())
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, op string, res Result, err error) {
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.log.Error("notify.http.fail", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	resp := sendResponse{Outcome: string(res.Outcome), MessageID: res.MessageID}
	if rc := res.Receipt; rc != nil {
		resp.Receipt = &receiptResponse{
			ConnectionID: rc.ConnectionID,
			Status:       string(rc.Status),
			Error:        rc.Error,
			At:           rc.At,
		}
	}

	status := http.StatusOK
	if res.Outcome == realtime.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
