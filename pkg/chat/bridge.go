// Package chat relays dashboard chat turns to the configured LLM runtime.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/observability/metrics"
)

const target = "chat runtime"

// ErrNotConfigured surfaces as a 500 carrying this message.
var ErrNotConfigured = &apperr.Error{Kind: apperr.KindUpstream, Message: "chat runtime not configured"}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Bridge is bound to one model, key and base URL.
type Bridge struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewBridge returns a bridge that rejects every call when no API key is set.
func NewBridge(cfg config.Config) *Bridge {
	if cfg.LLMAPIKey == "" {
		return &Bridge{model: cfg.LLMModelName}
	}

	clientCfg := openai.DefaultConfig(cfg.LLMAPIKey)
	if cfg.LLMBaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.LLMBaseURL, "/")
	}
	if cfg.LLMTimeout > 0 {
		// Only the wait for response headers is bounded; a stream may run
		// longer than the timeout once it has started.
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = cfg.LLMTimeout
		clientCfg.HTTPClient = &http.Client{Transport: transport}
	}

	return &Bridge{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.LLMModelName,
		timeout: cfg.LLMTimeout,
	}
}

func (b *Bridge) Configured() bool {
	return b.client != nil
}

func (b *Bridge) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, apperr.Validation("messages are required")
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case openai.ChatMessageRoleSystem, openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant:
		default:
			return openai.ChatCompletionRequest{}, apperr.Validation("message %d has invalid role %q", i, m.Role)
		}
		messages[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}

	return openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}, nil
}

// Complete returns one non-streamed completion.
func (b *Bridge) Complete(ctx context.Context, req Request) (*openai.ChatCompletionResponse, error) {
	if !b.Configured() {
		return nil, ErrNotConfigured
	}
	oreq, err := b.buildRequest(req)
	if err != nil {
		return nil, err
	}
	oreq.Stream = false

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	resp, err := b.client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return nil, upstreamError(err)
	}
	metrics.ObserveUpstream(target, http.StatusOK, nil)
	return &resp, nil
}

// Stream is an open completion stream. Next returns each chunk in the
// runtime's JSON shape and io.EOF once the runtime is done.
type Stream struct {
	stream *openai.ChatCompletionStream
}

func (b *Bridge) Stream(ctx context.Context, req Request) (*Stream, error) {
	if !b.Configured() {
		return nil, ErrNotConfigured
	}
	oreq, err := b.buildRequest(req)
	if err != nil {
		return nil, err
	}
	oreq.Stream = true

	stream, err := b.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, upstreamError(err)
	}
	metrics.ObserveUpstream(target, http.StatusOK, nil)
	return &Stream{stream: stream}, nil
}

func (s *Stream) Next() ([]byte, error) {
	chunk, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, upstreamError(err)
	}
	raw, err := json.Marshal(chunk)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return raw, nil
}

func (s *Stream) Close() error {
	s.stream.Close()
	return nil
}

func upstreamError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		metrics.ObserveUpstream(target, apiErr.HTTPStatusCode, nil)
		return apperr.Upstream(target, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		metrics.ObserveUpstream(target, reqErr.HTTPStatusCode, nil)
		return apperr.Upstream(target, reqErr.HTTPStatusCode, http.StatusText(reqErr.HTTPStatusCode))
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	metrics.ObserveUpstream(target, 0, err)
	return apperr.UpstreamTransport(target, err)
}
