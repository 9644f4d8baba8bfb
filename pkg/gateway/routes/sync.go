package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/trialbridge/portal/pkg/syncer"
)

type SyncHandler struct {
	service *syncer.Service
}

func NewSyncHandler(service *syncer.Service) *SyncHandler {
	return &SyncHandler{service: service}
}

func (h *SyncHandler) Register(r *mux.Router) {
	r.HandleFunc("/sync", h.handleSync).Methods(http.MethodPost).Name("sync")
}

func (h *SyncHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncer.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	resp, err := h.service.Sync(r.Context(), bearerToken(r), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
