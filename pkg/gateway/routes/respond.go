package routes

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/gateway/auth"
	"github.com/trialbridge/portal/pkg/gateway/respond"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	respond.JSON(w, status, payload)
}

// respondError is the only place a handler error becomes an HTTP status.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	respond.Error(w, r, err)
}

// decodeJSON reads the request body into dst. An empty body leaves dst at
// its zero value so functions that take {} accept a bare POST.
func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(dst)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	default:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("request body too large")
		}
		return apperr.Validation("invalid JSON body")
	}
}

func bearerToken(r *http.Request) string {
	return auth.TokenFromContext(r.Context())
}
