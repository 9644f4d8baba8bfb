// Package agentapi is a typed client for the clinical-trial multi-agent API.
// Matching, eligibility reasoning and protocol optimisation all happen there.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/common/models"
	"github.com/trialbridge/portal/pkg/gateway/httpclient"
	"github.com/trialbridge/portal/pkg/observability/metrics"
	"golang.org/x/oauth2"
)

const target = "agent api"

type Client struct {
	baseURL    string
	apiKey     string
	attempts   int
	retryDelay time.Duration
	http       *http.Client
}

func New(cfg config.Config) *Client {
	return NewWithHTTPClient(cfg, httpclient.New(cfg.AgentTimeout))
}

func NewWithHTTPClient(cfg config.Config, hc *http.Client) *Client {
	return &Client{
		baseURL:    cfg.AgentBaseURL,
		apiKey:     cfg.AgentAPIKey,
		attempts:   cfg.AgentRetryAttempts,
		retryDelay: 200 * time.Millisecond,
		http:       hc,
	}
}

func (c *Client) RunWorkflow(ctx context.Context, token string, req WorkflowRequest) (*WorkflowResult, error) {
	var out WorkflowResult
	if err := c.post(ctx, token, "/api/workflows/run", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) WorkflowStatus(ctx context.Context, token, workflowID string) (*WorkflowStatus, error) {
	var out WorkflowStatus
	if err := c.get(ctx, token, "/api/workflows/"+url.PathEscape(workflowID)+"/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListPatients(ctx context.Context, token string) ([]models.Document, error) {
	var raw json.RawMessage
	if err := c.get(ctx, token, "/api/patients", &raw); err != nil {
		return nil, err
	}
	return unwrapList(raw, "patients")
}

func (c *Client) GetPatient(ctx context.Context, token, patientID string) (models.Document, error) {
	var raw json.RawMessage
	if err := c.get(ctx, token, "/api/patients/"+url.PathEscape(patientID), &raw); err != nil {
		return nil, err
	}
	return unwrapObject(raw, "patient")
}

func (c *Client) ListTrials(ctx context.Context, token string) ([]models.Document, error) {
	var raw json.RawMessage
	if err := c.get(ctx, token, "/api/trials", &raw); err != nil {
		return nil, err
	}
	return unwrapList(raw, "trials")
}

func (c *Client) GetTrialInfo(ctx context.Context, token, trialID string) (models.Document, error) {
	var raw json.RawMessage
	if err := c.get(ctx, token, "/api/trials/"+url.PathEscape(trialID), &raw); err != nil {
		return nil, err
	}
	return unwrapObject(raw, "trial_info")
}

func (c *Client) TriggerMatch(ctx context.Context, token, patientID string) (*MatchAck, error) {
	var out MatchAck
	if err := c.post(ctx, token, "/api/match", map[string]string{"patient_id": patientID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProtocols, GetProtocol and OptimizeProtocol pass the agent payload through untouched.
func (c *Client) ListProtocols(ctx context.Context, token string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.get(ctx, token, "/api/protocols", &raw)
	return raw, err
}

func (c *Client) GetProtocol(ctx context.Context, token, trialID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.get(ctx, token, "/api/protocols/"+url.PathEscape(trialID), &raw)
	return raw, err
}

func (c *Client) OptimizeProtocol(ctx context.Context, token, trialID string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.post(ctx, token, "/api/protocols/"+url.PathEscape(trialID)+"/optimize", map[string]string{"trial_id": trialID}, &raw)
	return raw, err
}

func (c *Client) Metrics(ctx context.Context, token string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := c.get(ctx, token, "/api/metrics", &raw)
	return raw, err
}

// ListCollection reads a raw source collection for the bulk sync on behalf
// of the caller holding token.
func (c *Client) ListCollection(ctx context.Context, token, name string) ([]models.Document, error) {
	var raw json.RawMessage
	if err := c.get(ctx, token, "/api/collections/"+url.PathEscape(name), &raw); err != nil {
		return nil, err
	}
	return unwrapList(raw, "documents")
}

func (c *Client) get(ctx context.Context, token, path string, out interface{}) error {
	return httpclient.Retry(ctx, c.attempts, c.retryDelay, func() error {
		err := c.do(ctx, http.MethodGet, token, path, nil, out)
		if err == nil || retriable(err) {
			return err
		}
		return httpclient.Permanent(err)
	})
}

// post never retries; the agent API offers no idempotency key.
func (c *Client) post(ctx context.Context, token, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, token, path, body, out)
}

func (c *Client) do(ctx context.Context, method, token, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Internal(fmt.Errorf("encoding agent request: %w", err))
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return apperr.Internal(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstream(target, 0, err)
		return apperr.UpstreamTransport(target, err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream(target, resp.StatusCode, nil)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Upstream(target, resp.StatusCode, httpclient.ErrorMessage(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return apperr.Upstream(target, resp.StatusCode, "invalid response body")
	}
	return nil
}

func retriable(err error) bool {
	ae, ok := err.(*apperr.Error)
	if !ok || ae.Kind != apperr.KindUpstream {
		return false
	}
	if ae.UpstreamStatus == 0 {
		return httpclient.IsRetriable(ae.Err)
	}
	return httpclient.IsRetriableStatus(ae.UpstreamStatus)
}

// unwrapList accepts either a bare array or an object holding the array
// under key (or under "data").
func unwrapList(raw json.RawMessage, key string) ([]models.Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []models.Document{}, nil
	}
	if trimmed[0] == '[' {
		var docs []models.Document
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, apperr.Upstream(target, http.StatusOK, "unexpected list payload")
		}
		return docs, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, apperr.Upstream(target, http.StatusOK, "unexpected list payload")
	}
	for _, k := range []string{key, "data"} {
		if inner, ok := envelope[k]; ok {
			return unwrapList(inner, key)
		}
	}
	return []models.Document{}, nil
}

func unwrapObject(raw json.RawMessage, key string) (models.Document, error) {
	var doc models.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.Upstream(target, http.StatusOK, "unexpected object payload")
	}
	for _, k := range []string{key, "data"} {
		if inner, ok := doc[k].(map[string]interface{}); ok {
			return models.Document(inner), nil
		}
	}
	return doc, nil
}
