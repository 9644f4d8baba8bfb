package routes

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/trialbridge/portal/pkg/agentapi"
	"github.com/trialbridge/portal/pkg/common/models"
	"github.com/trialbridge/portal/pkg/docstore"
)

type MetricsHandler struct {
	agent      *agentapi.Client
	store      docstore.Store
	collection string
}

// MetricSummary aggregates the ProcessingMetric documents of one type.
type MetricSummary struct {
	MetricType string     `json:"metric_type"`
	Count      int        `json:"count"`
	Sum        float64    `json:"sum"`
	Latest     float64    `json:"latest"`
	LatestAt   *time.Time `json:"latest_at,omitempty"`
}

func NewMetricsHandler(agent *agentapi.Client, store docstore.Store, collection string) *MetricsHandler {
	return &MetricsHandler{agent: agent, store: store, collection: collection}
}

func (h *MetricsHandler) Register(r *mux.Router) {
	r.HandleFunc("/get-metrics", h.handleAgentMetrics).Methods(http.MethodPost).Name("get-metrics")
	r.HandleFunc("/processing-metrics", h.handleProcessingMetrics).Methods(http.MethodPost).Name("processing-metrics")
}

func (h *MetricsHandler) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	var req struct{}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	raw, err := h.agent.Metrics(r.Context(), bearerToken(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeRaw(w, raw)
}

func (h *MetricsHandler) handleProcessingMetrics(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MetricType string `json:"metric_type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}

	var filters map[string]interface{}
	if t := strings.TrimSpace(req.MetricType); t != "" {
		filters = map[string]interface{}{"metric_type": t}
	}
	docs, _, err := h.store.List(r.Context(), h.collection, filters)
	if err != nil {
		respondError(w, r, err)
		return
	}

	summaries := aggregateMetrics(docs)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"metrics": summaries,
		"total":   len(docs),
	})
}

func aggregateMetrics(docs []models.Document) []MetricSummary {
	byType := make(map[string]*MetricSummary)
	for _, doc := range docs {
		var m models.ProcessingMetric
		if err := models.FromDocument(doc, &m); err != nil || m.MetricType == "" {
			continue
		}
		s, ok := byType[m.MetricType]
		if !ok {
			s = &MetricSummary{MetricType: m.MetricType}
			byType[m.MetricType] = s
		}
		s.Count++
		s.Sum += m.Value
		if s.LatestAt == nil || m.RecordedAt.After(*s.LatestAt) {
			at := m.RecordedAt
			s.LatestAt = &at
			s.Latest = m.Value
		}
	}

	out := make([]MetricSummary, 0, len(byType))
	for _, s := range byType {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MetricType < out[j].MetricType })
	return out
}
