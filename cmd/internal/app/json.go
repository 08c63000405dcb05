package app

import (
	"encoding/json"
	"net/http"

	v1 "beacon/shared/contracts/push/v1"
)

const subprotocol = v1.Subprotocol

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
