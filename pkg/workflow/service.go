// Package workflow triggers agent workflows for a patient and writes the
// result back to the document store.
package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/trialbridge/portal/pkg/agentapi"
	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/common/kafka"
	"github.com/trialbridge/portal/pkg/common/logger"
	"github.com/trialbridge/portal/pkg/common/models"
	"github.com/trialbridge/portal/pkg/docstore"
	"github.com/trialbridge/portal/pkg/observability/metrics"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultWorkflowType = "trial_matching"
	eventSource         = "workflow-service"
)

// Namespaces for the deterministic ids written back after a run.
var (
	matchNamespace   = uuid.NewSHA1(uuid.NameSpaceURL, []byte("trialbridge:trial-match"))
	summaryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("trialbridge:summary"))
)

// Agent is the part of agentapi.Client the service calls.
type Agent interface {
	RunWorkflow(ctx context.Context, token string, req agentapi.WorkflowRequest) (*agentapi.WorkflowResult, error)
	WorkflowStatus(ctx context.Context, token, workflowID string) (*agentapi.WorkflowStatus, error)
}

type RunRequest struct {
	PatientID    string `json:"patient_id"`
	WorkflowType string `json:"workflow_type"`
}

type RunResponse struct {
	Success    bool            `json:"success"`
	WorkflowID string          `json:"workflow_id"`
	Status     string          `json:"status"`
	Results    json.RawMessage `json:"results"`
}

type StatusRequest struct {
	WorkflowID string `json:"workflow_id"`
}

type StatusResponse struct {
	Success     bool            `json:"success"`
	Status      string          `json:"status"`
	Progress    float64         `json:"progress"`
	CurrentStep string          `json:"current_step"`
	Results     json.RawMessage `json:"results"`
}

type Service struct {
	agent       Agent
	store       docstore.Store
	locker      Locker
	events      kafka.Publisher
	collections config.Collections
	lockTTL     time.Duration
	group       singleflight.Group
	nowFunc     func() time.Time
}

func NewService(cfg config.Config, agent Agent, store docstore.Store, locker Locker, events kafka.Publisher) *Service {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if events == nil {
		events = kafka.Nop{}
	}
	ttl := cfg.DedupTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		agent:       agent,
		store:       store,
		locker:      locker,
		events:      events,
		collections: cfg.Collections,
		lockTTL:     ttl,
		nowFunc:     time.Now,
	}
}

// MatchID derives the id of a trial match from the patient, the trial and the
// workflow timestamp. Re-running the write-back for the same workflow yields
// the same ids.
func MatchID(patientID, trialID, timestamp string) string {
	return uuid.NewSHA1(matchNamespace, []byte(models.CompositeKey(patientID, trialID, timestamp))).String()
}

func SummaryID(workflowID string) string {
	return uuid.NewSHA1(summaryNamespace, []byte(workflowID)).String()
}

func lockKey(patientID, workflowType string) string {
	return models.CompositeKey(patientID, workflowType)
}

// callerKey identifies the bearer without keeping the token itself in memory keys.
func callerKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Run triggers one workflow for a patient. Identical concurrent requests from
// the same caller in this process share one downstream call. A lock keyed by
// patient and workflow type rejects any other run already in flight, here or
// in another process, with a conflict.
//
// The shared call is detached from the cancellation of whichever caller
// started it and is bounded by the lock TTL instead.
func (s *Service) Run(ctx context.Context, token string, req RunRequest) (*RunResponse, error) {
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" {
		return nil, apperr.Validation("patient_id is required")
	}
	if req.WorkflowType == "" {
		req.WorkflowType = DefaultWorkflowType
	}

	lk := lockKey(req.PatientID, req.WorkflowType)
	ch := s.group.DoChan(models.CompositeKey(lk, callerKey(token)), func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.lockTTL)
		defer cancel()
		return s.runLocked(runCtx, token, lk, req)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*RunResponse), nil
	}
}

func (s *Service) runLocked(ctx context.Context, token, key string, req RunRequest) (*RunResponse, error) {
	release, err := s.locker.Acquire(ctx, key, s.lockTTL)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			metrics.ObserveWorkflow("conflict")
			return nil, apperr.Conflict("workflow %s already running for patient %s", req.WorkflowType, req.PatientID)
		}
		metrics.ObserveWorkflow("error")
		return nil, apperr.Internal(err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.FromContext(ctx).WithError(err).WithField("lock_key", key).Warn("failed to release workflow lock")
		}
	}()

	resp, err := s.run(ctx, token, req)
	switch {
	case err == nil:
		metrics.ObserveWorkflow("success")
	case apperr.KindOf(err) == apperr.KindUpstream:
		metrics.ObserveWorkflow("failed")
	default:
		metrics.ObserveWorkflow("error")
	}
	return resp, err
}

func (s *Service) run(ctx context.Context, token string, req RunRequest) (*RunResponse, error) {
	log := logger.FromContext(ctx).WithField("patient_id", req.PatientID)

	patient, err := s.findPatient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}

	timestamp := s.nowFunc().UTC().Format(time.RFC3339)
	result, err := s.agent.RunWorkflow(ctx, token, agentapi.WorkflowRequest{
		PatientData:  patient.Fields(),
		WorkflowType: req.WorkflowType,
		Timestamp:    timestamp,
	})
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		msg := result.Error
		if msg == "" {
			msg = "workflow failed"
		}
		return nil, apperr.Upstream("workflow", 0, msg)
	}

	log = log.WithField("workflow_id", result.WorkflowID)
	if err := s.writeBack(ctx, patient, req.PatientID, timestamp, result); err != nil {
		log.WithError(err).Error("workflow write-back failed")
		return nil, err
	}
	log.WithField("matched_trials_count", result.MatchedTrialsCount).Info("workflow completed")

	if err := s.events.PublishEvent(ctx, models.EventWorkflowCompleted, eventSource, map[string]interface{}{
		"workflow_id":          result.WorkflowID,
		"workflow_type":        req.WorkflowType,
		"patient_id":           req.PatientID,
		"status":               result.Status,
		"matched_trials_count": result.MatchedTrialsCount,
	}); err != nil {
		log.WithError(err).Warn("failed to publish workflow event")
	}

	return &RunResponse{
		Success:    true,
		WorkflowID: result.WorkflowID,
		Status:     result.Status,
		Results:    resultsOf(result),
	}, nil
}

// findPatient looks the patient up by business key, then by document id.
func (s *Service) findPatient(ctx context.Context, patientID string) (models.Document, error) {
	docs, _, err := s.store.List(ctx, s.collections.Patients, map[string]interface{}{"patient_id": patientID})
	if err != nil {
		return nil, err
	}
	if len(docs) > 0 {
		return docs[0], nil
	}

	doc, err := s.store.Get(ctx, s.collections.Patients, patientID)
	if err != nil {
		return nil, apperr.PromoteNotFound(err, "patient %s not found", patientID)
	}
	return doc, nil
}

type createdDoc struct {
	collection string
	id         string
}

// writeBack creates matches, then the summary, then updates the patient.
// When a step fails every document this call created is deleted again.
func (s *Service) writeBack(ctx context.Context, patient models.Document, patientID, timestamp string, result *agentapi.WorkflowResult) (err error) {
	var created []createdDoc
	defer func() {
		if err != nil {
			s.compensate(ctx, created)
		}
	}()

	for _, m := range result.TrialMatches {
		match := models.TrialMatch{
			MatchID:         MatchID(patientID, m.TrialID, timestamp),
			PatientID:       patientID,
			TrialID:         m.TrialID,
			WorkflowID:      result.WorkflowID,
			ConfidenceScore: m.ConfidenceScore,
			Rationale:       m.Reason(),
		}
		id, err := s.createOnce(ctx, s.collections.Matches, "match_id", match.MatchID, match)
		if err != nil {
			return err
		}
		if id != "" {
			created = append(created, createdDoc{s.collections.Matches, id})
		}
	}

	if result.Summary != nil && result.Summary.Content != "" {
		summary := models.Summary{
			SummaryID:  SummaryID(result.WorkflowID),
			PatientID:  patientID,
			TrialID:    result.Summary.TrialID,
			WorkflowID: result.WorkflowID,
			Content:    result.Summary.Content,
		}
		id, err := s.createOnce(ctx, s.collections.Summary, "summary_id", summary.SummaryID, summary)
		if err != nil {
			return err
		}
		if id != "" {
			created = append(created, createdDoc{s.collections.Summary, id})
		}
	}

	status := result.Status
	if status == "" {
		status = agentapi.StatusCompleted
	}
	_, err = s.store.Update(ctx, s.collections.Patients, patient.ID(), models.Document{
		"status":               status,
		"matched":              result.MatchedTrialsCount > 0,
		"matched_trials_count": result.MatchedTrialsCount,
	})
	return err
}

// createOnce creates record unless a document with the same key already
// exists. It returns the new document id, or "" when nothing was created.
func (s *Service) createOnce(ctx context.Context, collection, keyField, key string, record interface{}) (string, error) {
	existing, _, err := s.store.List(ctx, collection, map[string]interface{}{keyField: key})
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return "", nil
	}

	doc, err := models.ToDocument(record)
	if err != nil {
		return "", apperr.Internal(err)
	}
	stored, err := s.store.Create(ctx, collection, doc)
	if err != nil {
		return "", err
	}
	return stored.ID(), nil
}

func (s *Service) compensate(ctx context.Context, created []createdDoc) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)
	for i := len(created) - 1; i >= 0; i-- {
		doc := created[i]
		if err := s.store.Delete(ctx, doc.collection, doc.id); err != nil {
			log.WithError(err).WithFields(map[string]interface{}{
				"collection":  doc.collection,
				"document_id": doc.id,
			}).Error("compensation delete failed")
		}
	}
}

// resultsOf relays the agent's results object, or the match details when the
// agent reported them at the top level.
func resultsOf(result *agentapi.WorkflowResult) json.RawMessage {
	if len(result.Results) > 0 && string(result.Results) != "null" {
		return result.Results
	}
	raw, err := json.Marshal(map[string]interface{}{
		"matched_trials_count": result.MatchedTrialsCount,
		"trial_matches":        result.TrialMatches,
		"summary":              result.Summary,
	})
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

// Status relays the agent's view of a workflow.
func (s *Service) Status(ctx context.Context, token string, req StatusRequest) (*StatusResponse, error) {
	req.WorkflowID = strings.TrimSpace(req.WorkflowID)
	if req.WorkflowID == "" {
		return nil, apperr.Validation("workflow_id is required")
	}

	st, err := s.agent.WorkflowStatus(ctx, token, req.WorkflowID)
	if err != nil {
		return nil, apperr.PromoteNotFound(err, "workflow %s not found", req.WorkflowID)
	}

	results := st.Results
	if len(results) == 0 {
		results = json.RawMessage("null")
	}
	return &StatusResponse{
		Success:     true,
		Status:      st.Status,
		Progress:    st.Progress,
		CurrentStep: st.CurrentStep,
		Results:     results,
	}, nil
}
