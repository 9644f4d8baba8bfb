package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/trialbridge/portal/pkg/workflow"
)

type WorkflowHandler struct {
	service *workflow.Service
}

func NewWorkflowHandler(service *workflow.Service) *WorkflowHandler {
	return &WorkflowHandler{service: service}
}

func (h *WorkflowHandler) Register(r *mux.Router) {
	r.HandleFunc("/workflow/run", h.handleRun).Methods(http.MethodPost).Name("workflow-run")
	r.HandleFunc("/workflow/status", h.handleStatus).Methods(http.MethodPost).Name("workflow-status")
}

func (h *WorkflowHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req workflow.RunRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	resp, err := h.service.Run(r.Context(), bearerToken(r), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *WorkflowHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req workflow.StatusRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	resp, err := h.service.Status(r.Context(), bearerToken(r), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
