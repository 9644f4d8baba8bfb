// Package recorder turns workflow and sync events into ProcessingMetric
// documents for the dashboard.
package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trialbridge/portal/pkg/common/logger"
	"github.com/trialbridge/portal/pkg/common/models"
	"github.com/trialbridge/portal/pkg/docstore"
)

var metricNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("trialbridge:processing-metric"))

type Recorder struct {
	store      docstore.Store
	collection string
}

func New(store docstore.Store, collection string) *Recorder {
	return &Recorder{store: store, collection: collection}
}

// Handle has the kafka.EventHandler signature. Unknown event types are
// acknowledged without writing anything. Metric ids derive from the event id,
// so a redelivered event only writes the metrics that are still missing.
func (r *Recorder) Handle(ctx context.Context, event models.Event) error {
	metrics := metricsFor(event)
	if len(metrics) == 0 {
		logger.Log.WithField("event_type", event.Type).Debug("ignoring event")
		return nil
	}

	for _, m := range metrics {
		if err := r.createOnce(ctx, m); err != nil {
			return err
		}
	}

	logger.Log.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": event.Type,
		"metrics":    len(metrics),
	}).Info("recorded processing metrics")
	return nil
}

// MetricID is the id of the metricType metric recorded for one event.
func MetricID(eventID, metricType string) string {
	return uuid.NewSHA1(metricNamespace, []byte(models.CompositeKey(eventID, metricType))).String()
}

func (r *Recorder) createOnce(ctx context.Context, m models.ProcessingMetric) error {
	if m.MetricID != "" {
		existing, _, err := r.store.List(ctx, r.collection, map[string]interface{}{"metric_id": m.MetricID})
		if err != nil {
			return fmt.Errorf("looking up metric %s: %w", m.MetricType, err)
		}
		if len(existing) > 0 {
			return nil
		}
	}

	doc, err := models.ToDocument(m)
	if err != nil {
		return fmt.Errorf("encoding metric %s: %w", m.MetricType, err)
	}
	if _, err := r.store.Create(ctx, r.collection, doc); err != nil {
		return fmt.Errorf("writing metric %s: %w", m.MetricType, err)
	}
	return nil
}

func metricsFor(event models.Event) []models.ProcessingMetric {
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	metric := func(metricType string, value float64) models.ProcessingMetric {
		m := models.ProcessingMetric{MetricType: metricType, Value: value, Source: event.Source, RecordedAt: at}
		if event.ID != "" {
			m.MetricID = MetricID(event.ID, metricType)
		}
		return m
	}

	switch event.Type {
	case models.EventWorkflowCompleted:
		return []models.ProcessingMetric{
			metric("workflow_runs", 1),
			metric("trials_matched", number(event.Data["matched_trials_count"])),
		}
	case models.EventSyncCompleted:
		out := make([]models.ProcessingMetric, 0, 4)
		for _, key := range []string{"patients", "trials", "matches", "summaries"} {
			out = append(out, metric("synced_"+key, number(event.Data[key])))
		}
		return out
	}
	return nil
}

// number reads a JSON number that may have been decoded as float64 or kept as int.
func number(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
