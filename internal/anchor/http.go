package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/capsulevault/internal/auth"
)

// serviceIdentity is the token subject for gateway calls.
const serviceIdentity = "capsulevault"

// HTTPConfig configures the gateway client.
type HTTPConfig struct {
	BaseURL string
	Tokens  *auth.TokenService
	Timeout time.Duration
}

// HTTPClient talks JSON to the ledger gateway.
type HTTPClient struct {
	baseURL string
	tokens  *auth.TokenService
	client  *http.Client
	now     func() time.Time
}

// NewHTTPClient creates a gateway client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("anchor base url not configured")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("anchor token service not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		tokens:  cfg.Tokens,
		now:     time.Now,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			}),
		},
	}, nil
}

// CreateTimeLockPolicy implements Client.
func (c *HTTPClient) CreateTimeLockPolicy(ctx context.Context, dataID string, unlockAt time.Time) (string, error) {
	body := map[string]any{"data_id": dataID, "unlock_at": unlockAt.UTC()}
	var out struct {
		Ref string `json:"ref"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/timelocks", body, &out); err != nil {
		return "", fmt.Errorf("create time lock: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("create time lock: %w: empty reference", ErrRejected)
	}
	return out.Ref, nil
}

// CheckTimeLock implements Client.
func (c *HTTPClient) CheckTimeLock(ctx context.Context, dataID, ref string) (*State, error) {
	var out State
	found, err := c.do(ctx, http.MethodGet, "/v1/timelocks/"+url.PathEscape(ref)+"?data_id="+url.QueryEscape(dataID), nil, &out)
	if err != nil {
		return nil, fmt.Errorf("check time lock: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &out, nil
}

// VerifyCondition implements Client.
func (c *HTTPClient) VerifyCondition(state *State) bool {
	return conditionMet(state, c.now())
}

// CheckQuorum implements Client.
func (c *HTTPClient) CheckQuorum(ctx context.Context, dataID, ref string) (bool, error) {
	var out struct {
		Met bool `json:"met"`
	}
	found, err := c.do(ctx, http.MethodGet, "/v1/quorums/"+url.PathEscape(ref)+"?data_id="+url.QueryEscape(dataID), nil, &out)
	if err != nil {
		return false, fmt.Errorf("check quorum: %w", err)
	}
	return found && out.Met, nil
}

// do performs a request. It returns found=false for 404.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) (bool, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return false, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	token, err := c.tokens.Issue(auth.AudienceAnchor, serviceIdentity, 0)
	if err != nil {
		return false, fmt.Errorf("issue service token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 500:
		return false, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}
