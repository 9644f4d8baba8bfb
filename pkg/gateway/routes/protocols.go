package routes

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/trialbridge/portal/pkg/agentapi"
	"github.com/trialbridge/portal/pkg/common/apperr"
)

// ProtocolHandler passes protocol payloads through in the agent's own shape.
type ProtocolHandler struct {
	agent *agentapi.Client
}

func NewProtocolHandler(agent *agentapi.Client) *ProtocolHandler {
	return &ProtocolHandler{agent: agent}
}

// RegisterPublic mounts the unauthenticated protocol list.
func (h *ProtocolHandler) RegisterPublic(r *mux.Router) {
	r.HandleFunc("/protocols", h.handleList).Methods(http.MethodGet).Name("protocols")
}

func (h *ProtocolHandler) Register(r *mux.Router) {
	r.HandleFunc("/protocol-detail", h.handleDetail).Methods(http.MethodPost).Name("protocol-detail")
	r.HandleFunc("/protocol-optimize", h.handleOptimize).Methods(http.MethodPost).Name("protocol-optimize")
}

func (h *ProtocolHandler) handleList(w http.ResponseWriter, r *http.Request) {
	raw, err := h.agent.ListProtocols(r.Context(), "")
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeRaw(w, raw)
}

func (h *ProtocolHandler) handleDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := trialIDFrom(w, r)
	if !ok {
		return
	}
	raw, err := h.agent.GetProtocol(r.Context(), bearerToken(r), id)
	if err != nil {
		respondError(w, r, apperr.PromoteNotFound(err, "protocol for trial %s not found", id))
		return
	}
	writeRaw(w, raw)
}

func (h *ProtocolHandler) handleOptimize(w http.ResponseWriter, r *http.Request) {
	id, ok := trialIDFrom(w, r)
	if !ok {
		return
	}
	raw, err := h.agent.OptimizeProtocol(r.Context(), bearerToken(r), id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeRaw(w, raw)
}

func trialIDFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req struct {
		TrialID string `json:"trial_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return "", false
	}
	id := strings.TrimSpace(req.TrialID)
	if id == "" {
		respondError(w, r, apperr.Validation("trial_id is required"))
		return "", false
	}
	return id, true
}

func writeRaw(w http.ResponseWriter, raw json.RawMessage) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
