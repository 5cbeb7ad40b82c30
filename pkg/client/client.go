// Package client provides the Go SDK for the Tessera ledger HTTP API:
// recording trust events, reading trust records, verifying the
// commitment chain, authorization checks, and the ATP resource ledger.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sentinel errors mapped from API status codes.
var (
	ErrRateLimited  = errors.New("client: rate limited")
	ErrUnauthorized = errors.New("client: unauthorized")
	ErrNotFound     = errors.New("client: not found")
	ErrConflict     = errors.New("client: conflict")
)

// Client is the Tessera SDK entry point.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a service token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client connected to baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program
// init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// AdminToken exchanges the admin secret for an admin JWT and configures
// the client to use it.
func (c *Client) AdminToken(ctx context.Context, secret string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/auth/admin-token",
		map[string]string{"secret": secret}, &out)
	if err != nil {
		return "", err
	}
	c.bearerToken = out.Token
	return out.Token, nil
}

// RecordAction submits a capability outcome event. Acceptance is
// best-effort; the trust update lands with the next flush.
func (c *Client) RecordAction(ctx context.Context, entityID, orgID, actionKind string, success bool) error {
	return c.call(ctx, http.MethodPost, "/api/v1/events/action", map[string]any{
		"entity_id":       entityID,
		"organization_id": orgID,
		"action_kind":     actionKind,
		"success":         success,
	}, nil)
}

// RecordTransaction submits a transaction outcome event.
func (c *Client) RecordTransaction(ctx context.Context, entityID, orgID, kind string, value float64, verified bool) error {
	return c.call(ctx, http.MethodPost, "/api/v1/events/transaction", map[string]any{
		"entity_id":       entityID,
		"organization_id": orgID,
		"kind":            kind,
		"value":           value,
		"verified":        verified,
	}, nil)
}

// TrustRecord is the trust read response. Composites and level are
// computed by the server on read.
type TrustRecord struct {
	EntityID             string    `json:"entity_id"`
	OrganizationID       string    `json:"organization_id"`
	Competence           float64   `json:"competence"`
	Consistency          float64   `json:"consistency"`
	Temperament          float64   `json:"temperament"`
	Veracity             float64   `json:"veracity"`
	Validity             float64   `json:"validity"`
	Valuation            float64   `json:"valuation"`
	CapabilityComposite  float64   `json:"capability_composite"`
	TransactionComposite float64   `json:"transaction_composite"`
	Level                string    `json:"level"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// GetTrust reads one trust record. May lag the event stream by up to one
// flush interval.
func (c *Client) GetTrust(ctx context.Context, entityID, orgID string) (*TrustRecord, error) {
	var out TrustRecord
	path := fmt.Sprintf("/api/v1/trust/%s/%s", url.PathEscape(orgID), url.PathEscape(entityID))
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHistory reads the flushed delta history for one key.
func (c *Client) GetHistory(ctx context.Context, entityID, orgID string, limit int) (json.RawMessage, error) {
	path := fmt.Sprintf("/api/v1/trust/%s/%s/history?limit=%s",
		url.PathEscape(orgID), url.PathEscape(entityID), strconv.Itoa(limit))
	var out struct {
		Entries json.RawMessage `json:"entries"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// VerifyInclusion verifies a leaf's inclusion proof against a root. The
// proof uses the hex-step encoding returned by GetProof.
func (c *Client) VerifyInclusion(ctx context.Context, leafHash string, proof json.RawMessage, rootHash string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/merkle/verify", map[string]any{
		"leaf_hash": leafHash,
		"proof":     proof,
		"root_hash": rootHash,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Valid, nil
}

// RootRecord is one committed flush in the chain.
type RootRecord struct {
	RootHash     string    `json:"root_hash"`
	PreviousRoot string    `json:"previous_root"`
	BatchSize    int       `json:"batch_size"`
	AnchorRef    string    `json:"anchor_ref,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListRoots returns the commitment chain, oldest first.
func (c *Client) ListRoots(ctx context.Context, limit int) ([]RootRecord, error) {
	var out struct {
		Roots []RootRecord `json:"roots"`
	}
	path := "/api/v1/merkle/roots?limit=" + strconv.Itoa(limit)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Roots, nil
}

// VerifyChain asks the server to walk the whole root chain.
func (c *Client) VerifyChain(ctx context.Context) (bool, string, error) {
	var out struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/merkle/chain/verify", nil, &out); err != nil {
		return false, "", err
	}
	return out.Valid, out.Error, nil
}

// Decision is an authorization verdict with its human-readable reason.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// IsAuthorized evaluates a single action:resource check.
func (c *Client) IsAuthorized(ctx context.Context, entityID, action, resource, orgID string) (*Decision, error) {
	var out Decision
	err := c.call(ctx, http.MethodPost, "/api/v1/authz/check", map[string]string{
		"entity_id":       entityID,
		"action":          action,
		"resource":        resource,
		"organization_id": orgID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Revoke revokes a claim or delegation by id.
func (c *Client) Revoke(ctx context.Context, targetType, targetID, revokedBy, reason string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/revocations", map[string]string{
		"target_type": targetType,
		"target_id":   targetID,
		"revoked_by":  revokedBy,
		"reason":      reason,
	}, nil)
}

// BatcherStats is the batcher counter snapshot.
type BatcherStats struct {
	EventsRecorded         int64  `json:"events_recorded"`
	RateLimitRejections    int64  `json:"rate_limit_rejections"`
	PendingLimitRejections int64  `json:"pending_limit_rejections"`
	Flushes                int64  `json:"flushes"`
	FlushErrors            int64  `json:"flush_errors"`
	KeysFlushed            int64  `json:"keys_flushed"`
	RootsGenerated         int64  `json:"roots_generated"`
	PendingKeys            int    `json:"pending_keys"`
	LastRoot               string `json:"last_root,omitempty"`
}

// Stats reads the batcher counters.
func (c *Client) Stats(ctx context.Context) (*BatcherStats, error) {
	var out BatcherStats
	if err := c.call(ctx, http.MethodGet, "/api/v1/batcher/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs one JSON request against the API.
func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, string(body))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, string(body))
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, string(body))
	case resp.StatusCode >= 300:
		return fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}

	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
