package routes

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/trialbridge/portal/pkg/agentapi"
	"github.com/trialbridge/portal/pkg/common/apperr"
)

type PatientHandler struct {
	agent *agentapi.Client
}

func NewPatientHandler(agent *agentapi.Client) *PatientHandler {
	return &PatientHandler{agent: agent}
}

func (h *PatientHandler) Register(r *mux.Router) {
	r.HandleFunc("/get-patients", h.handleGetPatients).Methods(http.MethodPost).Name("get-patients")
	r.HandleFunc("/trigger-match", h.handleTriggerMatch).Methods(http.MethodPost).Name("trigger-match")
}

func (h *PatientHandler) handleGetPatients(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID string `json:"patientId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	if id := strings.TrimSpace(req.PatientID); id != "" {
		patient, err := h.agent.GetPatient(r.Context(), bearerToken(r), id)
		if err != nil {
			respondError(w, r, apperr.PromoteNotFound(err, "patient %s not found", id))
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "patient": patient})
		return
	}

	patients, err := h.agent.ListPatients(r.Context(), bearerToken(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"patients": patients,
		"total":    len(patients),
	})
}

func (h *PatientHandler) handleTriggerMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatientID string `json:"patient_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if strings.TrimSpace(req.PatientID) == "" {
		respondError(w, r, apperr.Validation("patient_id is required"))
		return
	}

	ack, err := h.agent.TriggerMatch(r.Context(), bearerToken(r), req.PatientID)
	if err != nil {
		respondError(w, r, apperr.PromoteNotFound(err, "patient %s not found", req.PatientID))
		return
	}
	patientID := ack.PatientID
	if patientID == "" {
		patientID = req.PatientID
	}
	message := ack.Message
	if message == "" {
		message = "Matching started"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"message":    message,
		"patient_id": patientID,
	})
}
