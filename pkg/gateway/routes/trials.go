package routes

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/trialbridge/portal/pkg/agentapi"
	"github.com/trialbridge/portal/pkg/common/apperr"
)

type TrialHandler struct {
	agent *agentapi.Client
}

func NewTrialHandler(agent *agentapi.Client) *TrialHandler {
	return &TrialHandler{agent: agent}
}

func (h *TrialHandler) Register(r *mux.Router) {
	r.HandleFunc("/get-trials", h.handleGetTrials).Methods(http.MethodPost).Name("get-trials")
	r.HandleFunc("/get-trial-info", h.handleGetTrialInfo).Methods(http.MethodPost).Name("get-trial-info")
}

func (h *TrialHandler) handleGetTrials(w http.ResponseWriter, r *http.Request) {
	var req struct{}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	trials, err := h.agent.ListTrials(r.Context(), bearerToken(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    map[string]interface{}{"trials": trials},
	})
}

func (h *TrialHandler) handleGetTrialInfo(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrialID string `json:"trial_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	id := strings.TrimSpace(req.TrialID)
	if id == "" {
		respondError(w, r, apperr.Validation("trial_id is required"))
		return
	}

	info, err := h.agent.GetTrialInfo(r.Context(), bearerToken(r), id)
	if err != nil {
		respondError(w, r, apperr.PromoteNotFound(err, "trial %s not found", id))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "trial_info": info})
}
