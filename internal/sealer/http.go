package sealer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/capsulevault/internal/auth"
)

// DefaultThreshold is the number of key servers required to decrypt.
const DefaultThreshold = 2

// ServiceIdentity is the token subject used for calls not made on behalf of an owner.
const ServiceIdentity = "capsulevault"

// maxResponseBytes caps response bodies read from the service.
const maxResponseBytes = 512 << 20

// HTTPConfig configures the HTTP client.
type HTTPConfig struct {
	BaseURL   string
	Threshold int
	Tokens    *auth.TokenService
	Timeout   time.Duration
	Logger    *slog.Logger
}

// HTTPClient talks JSON to the encryption service.
type HTTPClient struct {
	baseURL   string
	threshold int
	tokens    *auth.TokenService
	client    *http.Client
	logger    *slog.Logger
}

// NewHTTPClient creates an HTTP client for the encryption service.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sealer base url not configured")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("sealer token service not configured")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		threshold: cfg.Threshold,
		tokens:    cfg.Tokens,
		logger:    logger,
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

type encryptRequest struct {
	Plaintext []byte `json:"plaintext"`
	Identity  string `json:"identity"`
	Threshold int    `json:"threshold"`
}

type encryptResponse struct {
	Ciphertext []byte   `json:"ciphertext"`
	Metadata   Metadata `json:"metadata"`
}

type decryptRequest struct {
	Ciphertext []byte `json:"ciphertext"`
	MetadataID string `json:"metadata_id"`
}

type decryptResponse struct {
	Plaintext []byte `json:"plaintext"`
}

// Encrypt implements Client.
func (c *HTTPClient) Encrypt(ctx context.Context, plaintext []byte, identity string) (*Sealed, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyPlaintext
	}

	var out encryptResponse
	err := c.post(ctx, "/v1/encrypt", identity, encryptRequest{
		Plaintext: plaintext,
		Identity:  identity,
		Threshold: c.threshold,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if len(out.Ciphertext) == 0 || out.Metadata.ID == "" {
		return nil, fmt.Errorf("encrypt: %w: incomplete response", ErrRejected)
	}
	return &Sealed{Ciphertext: out.Ciphertext, Metadata: out.Metadata}, nil
}

// Decrypt implements Client.
func (c *HTTPClient) Decrypt(ctx context.Context, ciphertext []byte, metadataID string) ([]byte, error) {
	var out decryptResponse
	err := c.post(ctx, "/v1/decrypt", ServiceIdentity, decryptRequest{
		Ciphertext: ciphertext,
		MetadataID: metadataID,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// VerifyConnectivity implements Client.
func (c *HTTPClient) VerifyConnectivity(ctx context.Context) bool {
	return c.HealthCheck(ctx) == nil
}

// HealthCheck reports the service's health endpoint status.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sealer unhealthy: unexpected status code %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path, identity string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	token, err := c.tokens.Issue(auth.AudienceSealer, identity, c.threshold)
	if err != nil {
		return fmt.Errorf("issue service token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		c.logger.WarnContext(ctx, "encryption service call failed",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode))
		return err
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := strings.TrimSpace(string(msg))

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrServiceUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAccessDenied, detail)
	case resp.StatusCode == http.StatusNotFound:
		return ErrUnknownMetadata
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, detail)
	}
}
