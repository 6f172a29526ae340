// Package httpx carries the JSON request/response helpers shared by the
// ledger and authority servers.
package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"escrowlane/pkg/fault"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// WriteFault maps a fault-taxonomy error onto its wire status and code.
func WriteFault(w http.ResponseWriter, err error) {
	WriteError(w, fault.HTTPStatus(err), fault.Code(err), err.Error(), nil)
}
