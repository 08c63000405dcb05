package app

import (
	"net/http"
	"time"
)

type clientConfigResponse struct {
	Subprotocol         string          `json:"subprotocol"`
	HeartbeatIntervalMs int64           `json:"heartbeatInterval"`
	HeartbeatTimeoutMs  int64           `json:"heartbeatTimeout"`
	AuthRequired        bool            `json:"authRequired"`
	Reconnect           reconnectPolicy `json:"reconnect"`
}

type reconnectPolicy struct {
	Enabled     bool  `json:"enabled"`
	MaxAttempts int   `json:"maxAttempts"`
	BaseDelayMs int64 `json:"baseDelay"`
	MaxDelayMs  int64 `json:"maxDelay"`
}

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !a.ready.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		if a.cfg.ReadinessRequireDB && a.dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				a.log.Info("readyz.db.not_ready", "err", err)
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", a.metrics.Handler())

	mux.HandleFunc("/v1/client-config", a.handleClientConfig)
	a.notify.Register(mux)

	mux.Handle("/ws", a.ws)
}

// handleClientConfig publishes the timing knobs clients must follow.
func (a *App) handleClientConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rp := a.pushCfg.Reconnect()
	writeJSON(w, http.StatusOK, clientConfigResponse{
		Subprotocol:         subprotocol,
		HeartbeatIntervalMs: a.pushCfg.HeartbeatInterval.Milliseconds(),
		HeartbeatTimeoutMs:  a.pushCfg.HeartbeatTimeout.Milliseconds(),
		AuthRequired:        a.pushCfg.AuthRequired,
		Reconnect: reconnectPolicy{
			Enabled:     rp.Enabled,
			MaxAttempts: rp.MaxAttempts,
			BaseDelayMs: rp.BaseDelay.Milliseconds(),
			MaxDelayMs:  rp.MaxDelay.Milliseconds(),
		},
	})
}
