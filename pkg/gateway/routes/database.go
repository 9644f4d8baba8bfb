package routes

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/logger"
	"github.com/trialbridge/portal/pkg/common/models"
	"github.com/trialbridge/portal/pkg/docstore"
)

// DatabaseRequest is the document proxy's request shape.
type DatabaseRequest struct {
	Action     string                 `json:"action"`
	Collection string                 `json:"collection"`
	Data       models.Document        `json:"data,omitempty"`
	DocumentID string                 `json:"documentId,omitempty"`
	Filters    map[string]interface{} `json:"filters,omitempty"`
}

type DatabaseHandler struct {
	store docstore.Store
}

func NewDatabaseHandler(store docstore.Store) *DatabaseHandler {
	return &DatabaseHandler{store: store}
}

func (h *DatabaseHandler) Register(r *mux.Router) {
	r.HandleFunc("/database", h.handle).Methods(http.MethodPost).Name("database")
}

func (h *DatabaseHandler) handle(w http.ResponseWriter, r *http.Request) {
	var req DatabaseRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	switch req.Action {
	case "list", "get", "create", "update", "delete":
	default:
		respondError(w, r, apperr.Validation("Invalid action"))
		return
	}
	if strings.TrimSpace(req.Collection) == "" {
		respondError(w, r, apperr.Validation("collection is required"))
		return
	}
	needsID := req.Action == "get" || req.Action == "update" || req.Action == "delete"
	if needsID && req.DocumentID == "" {
		respondError(w, r, apperr.Validation("documentId is required for %s", req.Action))
		return
	}
	if (req.Action == "create" || req.Action == "update") && req.Data == nil {
		respondError(w, r, apperr.Validation("data is required for %s", req.Action))
		return
	}

	ctx := r.Context()
	logger.FromContext(ctx).WithFields(map[string]interface{}{
		"action":     req.Action,
		"collection": req.Collection,
	}).Debug("document proxy call")

	// Store failures, including a missing document, come back as upstream
	// errors and are answered with 500 and the store's message.
	switch req.Action {
	case "list":
		docs, total, err := h.store.List(ctx, req.Collection, req.Filters)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": docs, "total": total})
	case "get":
		doc, err := h.store.Get(ctx, req.Collection, req.DocumentID)
		h.respondDocument(w, r, doc, err)
	case "create":
		doc, err := h.store.Create(ctx, req.Collection, req.Data)
		h.respondDocument(w, r, doc, err)
	case "update":
		doc, err := h.store.Update(ctx, req.Collection, req.DocumentID, req.Data)
		h.respondDocument(w, r, doc, err)
	case "delete":
		if err := h.store.Delete(ctx, req.Collection, req.DocumentID); err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": map[string]string{"id": req.DocumentID}})
	}
}

func (h *DatabaseHandler) respondDocument(w http.ResponseWriter, r *http.Request, doc models.Document, err error) {
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": doc})
}
