package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/common/models"
	"github.com/trialbridge/portal/pkg/gateway/httpclient"
	"github.com/trialbridge/portal/pkg/observability/metrics"
)

const target = "document store"

// HTTPStore talks to the hosted document database over its REST API.
type HTTPStore struct {
	baseURL    string
	databaseID string
	apiKey     string
	client     *http.Client
}

func NewHTTPStore(cfg config.Config) *HTTPStore {
	return NewHTTPStoreWithClient(cfg, httpclient.New(cfg.DocStoreTimeout))
}

func NewHTTPStoreWithClient(cfg config.Config, client *http.Client) *HTTPStore {
	return &HTTPStore{
		baseURL:    cfg.DocStoreBaseURL,
		databaseID: cfg.DocStoreDatabaseID,
		apiKey:     cfg.DocStoreAPIKey,
		client:     client,
	}
}

type listResponse struct {
	Documents []models.Document `json:"documents"`
	Total     int               `json:"total"`
}

func (s *HTTPStore) List(ctx context.Context, collection string, filters map[string]interface{}) ([]models.Document, int, error) {
	body := map[string]interface{}{"filters": BuildFilters(filters)}
	var out listResponse
	if err := s.do(ctx, http.MethodPost, s.documentsURL(collection)+"/query", body, &out); err != nil {
		return nil, 0, err
	}
	if out.Documents == nil {
		out.Documents = []models.Document{}
	}
	return out.Documents, out.Total, nil
}

func (s *HTTPStore) Get(ctx context.Context, collection, id string) (models.Document, error) {
	var doc models.Document
	if err := s.do(ctx, http.MethodGet, s.documentURL(collection, id), nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *HTTPStore) Create(ctx context.Context, collection string, data models.Document) (models.Document, error) {
	var doc models.Document
	if err := s.do(ctx, http.MethodPost, s.documentsURL(collection), map[string]interface{}{"data": data}, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *HTTPStore) Update(ctx context.Context, collection, id string, data models.Document) (models.Document, error) {
	var doc models.Document
	if err := s.do(ctx, http.MethodPatch, s.documentURL(collection, id), map[string]interface{}{"data": data}, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *HTTPStore) Delete(ctx context.Context, collection, id string) error {
	return s.do(ctx, http.MethodDelete, s.documentURL(collection, id), nil, nil)
}

func (s *HTTPStore) documentsURL(collection string) string {
	return fmt.Sprintf("%s/v1/databases/%s/collections/%s/documents",
		s.baseURL, url.PathEscape(s.databaseID), url.PathEscape(collection))
}

func (s *HTTPStore) documentURL(collection, id string) string {
	return s.documentsURL(collection) + "/" + url.PathEscape(id)
}

func (s *HTTPStore) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Internal(fmt.Errorf("encoding document store request: %w", err))
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return apperr.Internal(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.ObserveUpstream(target, 0, err)
		return apperr.UpstreamTransport(target, err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream(target, resp.StatusCode, nil)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Upstream(target, resp.StatusCode, httpclient.ErrorMessage(resp.Body))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Upstream(target, resp.StatusCode, "invalid response body")
	}
	return nil
}
