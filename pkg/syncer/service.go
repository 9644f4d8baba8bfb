// Package syncer copies patient, trial and match collections from the agent
// API into the document store.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/common/kafka"
	"github.com/trialbridge/portal/pkg/common/logger"
	"github.com/trialbridge/portal/pkg/common/models"
	"github.com/trialbridge/portal/pkg/docstore"
	"github.com/trialbridge/portal/pkg/observability/metrics"
)

const eventSource = "sync-service"

var summaryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("trialbridge:synced-summary"))

// Source lists a named collection from the agent API with the caller's token.
type Source interface {
	ListCollection(ctx context.Context, token, name string) ([]models.Document, error)
}

type Request struct {
	Collection string `json:"collection,omitempty"`
}

type Results struct {
	Patients  int `json:"patients"`
	Trials    int `json:"trials"`
	Matches   int `json:"matches"`
	Summaries int `json:"summaries"`
	Metrics   int `json:"metrics"`
}

func (r *Results) add(counter string, n int) {
	switch counter {
	case CounterPatients:
		r.Patients += n
	case CounterTrials:
		r.Trials += n
	case CounterMatches:
		r.Matches += n
	}
}

func (r *Results) count(counter string) int {
	switch counter {
	case CounterPatients:
		return r.Patients
	case CounterTrials:
		return r.Trials
	case CounterMatches:
		return r.Matches
	}
	return 0
}

type Response struct {
	Success bool                `json:"success"`
	Results Results             `json:"results"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

type Service struct {
	source      Source
	store       docstore.Store
	events      kafka.Publisher
	plan        *Plan
	collections config.Collections
	nowFunc     func() time.Time
}

func NewService(cfg config.Config, plan *Plan, source Source, store docstore.Store, events kafka.Publisher) *Service {
	if events == nil {
		events = kafka.Nop{}
	}
	return &Service{
		source:      source,
		store:       store,
		events:      events,
		plan:        plan,
		collections: cfg.Collections,
		nowFunc:     time.Now,
	}
}

// Sync copies every planned collection, or only req.Collection when set.
// A failing document or collection is recorded in Errors and the rest of the
// sync carries on.
func (s *Service) Sync(ctx context.Context, token string, req Request) (*Response, error) {
	entries := s.plan.Collections
	if req.Collection != "" {
		e, ok := s.plan.entry(req.Collection)
		if !ok {
			return nil, apperr.Validation("Invalid collection: %s", req.Collection)
		}
		entries = []Entry{e}
	}

	log := logger.FromContext(ctx)
	resp := &Response{Success: true}
	record := func(collection string, err error) {
		if resp.Errors == nil {
			resp.Errors = make(map[string][]string)
		}
		resp.Errors[collection] = append(resp.Errors[collection], apperr.PublicMessage(err))
		log.WithError(err).WithField("collection", collection).Warn("sync error")
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		docs, err := s.source.ListCollection(ctx, token, e.Source)
		if err != nil {
			record(e.Source, err)
			metrics.ObserveSync(e.Source, "error", 1)
			continue
		}

		synced, failed := 0, 0
		for _, doc := range docs {
			if err := s.upsert(ctx, e.Destination, e.Key, doc.Fields()); err != nil {
				failed++
				record(e.Source, err)
				continue
			}
			synced++

			if e.SummaryField == "" {
				continue
			}
			if ok, err := s.upsertSummary(ctx, doc, e.SummaryField); err != nil {
				record(s.collections.Summary, err)
			} else if ok {
				resp.Results.Summaries++
			}
		}
		resp.Results.add(e.Counter, synced)
		metrics.ObserveSync(e.Source, "synced", synced)
		metrics.ObserveSync(e.Source, "error", failed)
		log.WithFields(map[string]interface{}{
			"collection": e.Source,
			"synced":     synced,
			"failed":     failed,
		}).Info("collection synced")
	}

	for _, e := range entries {
		metric := models.ProcessingMetric{
			MetricType: "sync_" + e.Counter,
			Value:      float64(resp.Results.count(e.Counter)),
			Source:     eventSource,
			RecordedAt: s.nowFunc().UTC(),
		}
		if err := s.createMetric(ctx, metric); err != nil {
			record(s.collections.Metrics, err)
			continue
		}
		resp.Results.Metrics++
	}

	if err := s.events.PublishEvent(ctx, models.EventSyncCompleted, eventSource, map[string]interface{}{
		"patients":  resp.Results.Patients,
		"trials":    resp.Results.Trials,
		"matches":   resp.Results.Matches,
		"summaries": resp.Results.Summaries,
		"errors":    len(resp.Errors),
	}); err != nil {
		log.WithError(err).Warn("failed to publish sync event")
	}

	return resp, nil
}

// upsert creates doc in collection, or updates the document that already
// carries the same key values.
func (s *Service) upsert(ctx context.Context, collection string, key []string, doc models.Document) error {
	filters := make(map[string]interface{}, len(key))
	for _, field := range key {
		v, ok := doc[field]
		if !ok || v == nil || v == "" {
			return apperr.Validation("document missing key field %s", field)
		}
		filters[field] = v
	}

	existing, _, err := s.store.List(ctx, collection, filters)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		_, err = s.store.Create(ctx, collection, doc)
		return err
	}
	_, err = s.store.Update(ctx, collection, existing[0].ID(), doc)
	return err
}

func (s *Service) upsertSummary(ctx context.Context, match models.Document, field string) (bool, error) {
	content := match.String(field)
	if content == "" {
		return false, nil
	}
	patientID, trialID := match.String("patient_id"), match.String("trial_id")
	summary := models.Summary{
		SummaryID: uuid.NewSHA1(summaryNamespace, []byte(models.CompositeKey(patientID, trialID))).String(),
		PatientID: patientID,
		TrialID:   trialID,
		Content:   content,
	}
	doc, err := models.ToDocument(summary)
	if err != nil {
		return false, apperr.Internal(err)
	}
	if err := s.upsert(ctx, s.collections.Summary, []string{"patient_id", "trial_id"}, doc); err != nil {
		return false, fmt.Errorf("summary for %s/%s: %w", patientID, trialID, err)
	}
	return true, nil
}

func (s *Service) createMetric(ctx context.Context, metric models.ProcessingMetric) error {
	doc, err := models.ToDocument(metric)
	if err != nil {
		return apperr.Internal(err)
	}
	_, err = s.store.Create(ctx, s.collections.Metrics, doc)
	return err
}
