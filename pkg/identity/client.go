// Package identity validates bearer tokens against the hosted identity
// service that issues dashboard sessions.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/trialbridge/portal/pkg/common/apperr"
	"github.com/trialbridge/portal/pkg/common/config"
	"github.com/trialbridge/portal/pkg/gateway/auth"
	"github.com/trialbridge/portal/pkg/gateway/httpclient"
	"github.com/trialbridge/portal/pkg/observability/metrics"
	"golang.org/x/oauth2"
)

const target = "identity service"

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		baseURL: cfg.IdentityBaseURL,
		apiKey:  cfg.IdentityAPIKey,
		http:    httpclient.New(10 * time.Second),
	}
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Verify asks the identity service who owns token. A 401 or 403 from the
// service is an auth failure; anything else non-2xx is an upstream failure.
func (c *Client) Verify(ctx context.Context, token string) (*auth.Principal, error) {
	if token == "" {
		return nil, auth.ErrTokenEmpty
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstream(target, 0, err)
		return nil, apperr.UpstreamTransport(target, err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream(target, resp.StatusCode, nil)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, auth.ErrTokenInvalid
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, apperr.Upstream(target, resp.StatusCode, httpclient.ErrorMessage(resp.Body))
	}

	var user userResponse
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, apperr.Upstream(target, resp.StatusCode, "invalid user payload")
	}
	if user.ID == "" {
		return nil, fmt.Errorf("%w: identity service returned no user", auth.ErrTokenInvalid)
	}

	return &auth.Principal{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		Token:  token,
	}, nil
}
