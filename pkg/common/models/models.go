package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Document is a record as the document store returns it: arbitrary JSON
// fields plus server-assigned metadata.
type Document map[string]interface{}

const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
)

func (d Document) ID() string {
	return d.String(FieldID)
}

func (d Document) String(key string) string {
	switch v := d[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprint(v)
	}
}

// Fields returns a copy without the server-assigned metadata.
func (d Document) Fields() Document {
	out := make(Document, len(d))
	for k, v := range d {
		if k == FieldID || k == FieldCreatedAt || k == FieldUpdatedAt {
			continue
		}
		out[k] = v
	}
	return out
}

// Clone deep copies d through JSON so that numbers, nested maps and slices
// take the same shape they have on the wire.
func (d Document) Clone() (Document, error) {
	if d == nil {
		return Document{}, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Patient mirrors patient_info_collection. The bookkeeping fields at the end
// are written back after a workflow run.
type Patient struct {
	ID                 string   `json:"id,omitempty"`
	PatientID          string   `json:"patient_id"`
	Name               string   `json:"name,omitempty"`
	Age                int      `json:"age,omitempty"`
	Gender             string   `json:"gender,omitempty"`
	Condition          string   `json:"condition,omitempty"`
	Biomarker          string   `json:"biomarker,omitempty"`
	ECOGScore          *int     `json:"ecog_score,omitempty"`
	PriorTreatments    []string `json:"prior_treatments,omitempty"`
	CurrentMedications []string `json:"current_medications,omitempty"`
	Matched            bool     `json:"matched"`
	MatchedTrialsCount int      `json:"matched_trials_count"`
	Status             string   `json:"status,omitempty"`
}

type Trial struct {
	ID                   string `json:"id,omitempty"`
	TrialID              string `json:"trial_id"`
	Title                string `json:"title,omitempty"`
	Phase                string `json:"phase,omitempty"`
	Sponsor              string `json:"sponsor,omitempty"`
	SponsorInfo          string `json:"sponsor_info,omitempty"`
	Eligibility          string `json:"eligibility,omitempty"`
	StatisticalPlan      string `json:"statistical_plan,omitempty"`
	MatchedPatientsCount int    `json:"matched_patients_count"`
}

type TrialMatch struct {
	ID              string  `json:"id,omitempty"`
	MatchID         string  `json:"match_id"`
	PatientID       string  `json:"patient_id"`
	TrialID         string  `json:"trial_id"`
	WorkflowID      string  `json:"workflow_id,omitempty"`
	ConfidenceScore float64 `json:"confidence_score"`
	Rationale       string  `json:"rationale,omitempty"`
}

type Summary struct {
	ID         string `json:"id,omitempty"`
	SummaryID  string `json:"summary_id"`
	PatientID  string `json:"patient_id"`
	TrialID    string `json:"trial_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Content    string `json:"content"`
}

type ProcessingMetric struct {
	ID         string    `json:"id,omitempty"`
	MetricID   string    `json:"metric_id,omitempty"`
	MetricType string    `json:"metric_type"`
	Value      float64   `json:"value"`
	Source     string    `json:"source,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CompositeKey joins parts into one unambiguous key. Each part is prefixed
// with its length, so ("a|b", "c") and ("a", "b|c") never collide.
func CompositeKey(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// ToDocument converts one of the typed records above into a store document.
func ToDocument(v interface{}) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	delete(doc, FieldID)
	return doc, nil
}

// FromDocument decodes a store document into a typed record.
func FromDocument(doc Document, dst interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // workflow.completed, sync.completed
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

const (
	EventWorkflowCompleted = "workflow.completed"
	EventSyncCompleted     = "sync.completed"
)
