// Package respond writes the gateway's JSON envelopes. Every failure goes out
// as {"success":false,"error":...} with the status chosen by apperr.
package respond

import (
	"encoding/json"
	"net/http"

	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/logger"
)

type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Error logs err with the request-scoped logger and writes the envelope.
// Server-side failures log at error level, caller mistakes at warn.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.Status(err)
	entry := logger.FromContext(r.Context()).WithError(err).WithField("kind", apperr.KindOf(err).String())
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}
	JSON(w, status, ErrorBody{Success: false, Error: apperr.PublicMessage(err)})
}

// Message writes a failure envelope for statuses outside the taxonomy (429, 405).
func Message(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorBody{Success: false, Error: message})
}
