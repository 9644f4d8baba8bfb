// Package portalclient is the typed Go client for the gateway's forwarding
// functions. It sets the caller's bearer token once and decodes the uniform
// {success:false,error} envelope into *Error.
package portalclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trialbridge/portal/pkg/common/models"
	"golang.org/x/oauth2"
)

// Error is a non-2xx gateway response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("portal: %d %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token used by later calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Document proxy

func (c *Client) ListDocuments(ctx context.Context, collection string, filters map[string]interface{}) ([]models.Document, int, error) {
	var out struct {
		Data  []models.Document `json:"data"`
		Total int               `json:"total"`
	}
	err := c.call(ctx, http.MethodPost, "/functions/database", map[string]interface{}{
		"action": "list", "collection": collection, "filters": filters,
	}, &out)
	return out.Data, out.Total, err
}

func (c *Client) GetDocument(ctx context.Context, collection, id string) (models.Document, error) {
	return c.documentCall(ctx, map[string]interface{}{"action": "get", "collection": collection, "documentId": id})
}

func (c *Client) CreateDocument(ctx context.Context, collection string, data models.Document) (models.Document, error) {
	return c.documentCall(ctx, map[string]interface{}{"action": "create", "collection": collection, "data": data})
}

func (c *Client) UpdateDocument(ctx context.Context, collection, id string, data models.Document) (models.Document, error) {
	return c.documentCall(ctx, map[string]interface{}{"action": "update", "collection": collection, "documentId": id, "data": data})
}

func (c *Client) DeleteDocument(ctx context.Context, collection, id string) error {
	_, err := c.documentCall(ctx, map[string]interface{}{"action": "delete", "collection": collection, "documentId": id})
	return err
}

func (c *Client) documentCall(ctx context.Context, body map[string]interface{}) (models.Document, error) {
	var out struct {
		Data models.Document `json:"data"`
	}
	if err := c.call(ctx, http.MethodPost, "/functions/database", body, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Patients and trials

func (c *Client) ListPatients(ctx context.Context) ([]models.Document, int, error) {
	var out struct {
		Patients []models.Document `json:"patients"`
		Total    int               `json:"total"`
	}
	err := c.call(ctx, http.MethodPost, "/functions/get-patients", struct{}{}, &out)
	return out.Patients, out.Total, err
}

func (c *Client) GetPatient(ctx context.Context, patientID string) (models.Document, error) {
	var out struct {
		Patient models.Document `json:"patient"`
	}
	err := c.call(ctx, http.MethodPost, "/functions/get-patients", map[string]string{"patientId": patientID}, &out)
	return out.Patient, err
}

func (c *Client) ListTrials(ctx context.Context) ([]models.Document, error) {
	var out struct {
		Data struct {
			Trials []models.Document `json:"trials"`
		} `json:"data"`
	}
	err := c.call(ctx, http.MethodPost, "/functions/get-trials", struct{}{}, &out)
	return out.Data.Trials, err
}

func (c *Client) GetTrialInfo(ctx context.Context, trialID string) (models.Document, error) {
	var out struct {
		TrialInfo models.Document `json:"trial_info"`
	}
	err := c.call(ctx, http.MethodPost, "/functions/get-trial-info", map[string]string{"trial_id": trialID}, &out)
	return out.TrialInfo, err
}

type MatchAck struct {
	Message   string `json:"message"`
	PatientID string `json:"patient_id"`
}

func (c *Client) TriggerMatch(ctx context.Context, patientID string) (*MatchAck, error) {
	var out MatchAck
	if err := c.call(ctx, http.MethodPost, "/functions/trigger-match", map[string]string{"patient_id": patientID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Workflows

type WorkflowRun struct {
	WorkflowID string          `json:"workflow_id"`
	Status     string          `json:"status"`
	Results    json.RawMessage `json:"results"`
}

type WorkflowStatus struct {
	Status      string          `json:"status"`
	Progress    float64         `json:"progress"`
	CurrentStep string          `json:"current_step"`
	Results     json.RawMessage `json:"results"`
}

func (c *Client) RunWorkflow(ctx context.Context, patientID, workflowType string) (*WorkflowRun, error) {
	var out WorkflowRun
	body := map[string]string{"patient_id": patientID}
	if workflowType != "" {
		body["workflow_type"] = workflowType
	}
	if err := c.call(ctx, http.MethodPost, "/functions/workflow/run", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) WorkflowStatus(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	var out WorkflowStatus
	if err := c.call(ctx, http.MethodPost, "/functions/workflow/status", map[string]string{"workflow_id": workflowID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Protocols and metrics are passed through in the agent's own shape.

func (c *Client) Protocols(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, http.MethodGet, "/functions/protocols", nil, &out)
	return out, err
}

func (c *Client) ProtocolDetail(ctx context.Context, trialID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, http.MethodPost, "/functions/protocol-detail", map[string]string{"trial_id": trialID}, &out)
	return out, err
}

func (c *Client) OptimizeProtocol(ctx context.Context, trialID string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, http.MethodPost, "/functions/protocol-optimize", map[string]string{"trial_id": trialID}, &out)
	return out, err
}

func (c *Client) AgentMetrics(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, http.MethodPost, "/functions/get-metrics", struct{}{}, &out)
	return out, err
}

type MetricSummary struct {
	MetricType string     `json:"metric_type"`
	Count      int        `json:"count"`
	Sum        float64    `json:"sum"`
	Latest     float64    `json:"latest"`
	LatestAt   *time.Time `json:"latest_at,omitempty"`
}

func (c *Client) ProcessingMetrics(ctx context.Context, metricType string) ([]MetricSummary, error) {
	var out struct {
		Metrics []MetricSummary `json:"metrics"`
	}
	err := c.call(ctx, http.MethodPost, "/functions/processing-metrics", map[string]string{"metric_type": metricType}, &out)
	return out.Metrics, err
}

// Sync

type SyncResults struct {
	Patients  int `json:"patients"`
	Trials    int `json:"trials"`
	Matches   int `json:"matches"`
	Summaries int `json:"summaries"`
	Metrics   int `json:"metrics"`
}

type SyncReport struct {
	Results SyncResults         `json:"results"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

// Sync copies one collection, or all of them when collection is empty.
func (c *Client) Sync(ctx context.Context, collection string) (*SyncReport, error) {
	body := map[string]string{}
	if collection != "" {
		body["collection"] = collection
	}
	var out SyncReport
	if err := c.call(ctx, http.MethodPost, "/functions/sync", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chat

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat returns the runtime's completion payload unchanged.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.call(ctx, http.MethodPost, "/functions/chat", map[string]interface{}{"messages": messages}, &out)
	return out, err
}

// ChatStream calls fn with each streamed chunk until the stream ends.
func (c *Client) ChatStream(ctx context.Context, messages []ChatMessage, fn func(chunk json.RawMessage) error) error {
	resp, err := c.send(ctx, http.MethodPost, "/functions/chat", map[string]interface{}{"messages": messages, "stream": true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return nil
		}
		var streamErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal([]byte(payload), &streamErr) == nil && streamErr.Error != "" {
			return &Error{Status: http.StatusInternalServerError, Message: streamErr.Error}
		}
		if err := fn(json.RawMessage(payload)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		*raw = bytes.TrimSpace(data)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		(&oauth2.Token{AccessToken: c.token, TokenType: "Bearer"}).SetAuthHeader(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}
	defer resp.Body.Close()

	var envelope struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error == "" {
		envelope.Error = strings.TrimSpace(string(raw))
	}
	if envelope.Error == "" {
		envelope.Error = http.StatusText(resp.StatusCode)
	}
	return nil, &Error{Status: resp.StatusCode, Message: envelope.Error}
}
