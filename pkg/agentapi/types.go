package agentapi

import (
	"encoding/json"
	"strings"

	"github.com/trialbridge/portal/pkg/common/models"
)

// Workflow status strings as reported by the agent API.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type WorkflowRequest struct {
	PatientData  models.Document `json:"patient_data"`
	WorkflowType string          `json:"workflow_type"`
	Timestamp    string          `json:"timestamp"`
}

type TrialMatchResult struct {
	TrialID         string  `json:"trial_id"`
	ConfidenceScore float64 `json:"confidence_score"`
	Rationale       string  `json:"rationale,omitempty"`
	MatchReason     string  `json:"match_reason,omitempty"`
}

// Reason prefers the explicit rationale and falls back to match_reason.
func (m TrialMatchResult) Reason() string {
	if m.Rationale != "" {
		return m.Rationale
	}
	return m.MatchReason
}

type SummaryResult struct {
	TrialID string `json:"trial_id,omitempty"`
	Content string `json:"content"`
}

type WorkflowResult struct {
	Success            *bool              `json:"success,omitempty"`
	WorkflowID         string             `json:"workflow_id"`
	Status             string             `json:"status"`
	MatchedTrialsCount int                `json:"matched_trials_count"`
	TrialMatches       []TrialMatchResult `json:"trial_matches"`
	Summary            *SummaryResult     `json:"summary,omitempty"`
	Error              string             `json:"error,omitempty"`
	Results            json.RawMessage    `json:"results,omitempty"`
}

// Succeeded is false when the agent reports success=false or a failed status.
func (r *WorkflowResult) Succeeded() bool {
	if r == nil {
		return false
	}
	if r.Success != nil && !*r.Success {
		return false
	}
	return !strings.EqualFold(r.Status, StatusFailed)
}

type WorkflowStatus struct {
	WorkflowID  string          `json:"workflow_id,omitempty"`
	Status      string          `json:"status"`
	Progress    float64         `json:"progress"`
	CurrentStep string          `json:"current_step"`
	Results     json.RawMessage `json:"results,omitempty"`
}

type MatchAck struct {
	Message   string `json:"message"`
	PatientID string `json:"patient_id"`
}
