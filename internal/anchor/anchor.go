// Package anchor submits committed Merkle roots to an external anchoring
// collaborator (e.g. a blockchain gateway). Anchoring is best-effort: the
// flush that produced a root never fails because the anchor did.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Anchorer submits a root hash and returns an external transaction
// reference.
type Anchorer interface {
	Anchor(ctx context.Context, rootHash string) (txRef string, err error)
}

// Noop is the default anchorer when no external anchor is configured.
type Noop struct{}

// Anchor returns an empty reference.
func (Noop) Anchor(context.Context, string) (string, error) { return "", nil }

// HTTP posts roots to an anchoring gateway.
type HTTP struct {
	url    string
	token  string
	client *http.Client
	logger *zap.Logger
}

// NewHTTP creates an HTTP anchorer. token may be empty.
func NewHTTP(url, token string, logger *zap.Logger) *HTTP {
	return &HTTP{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type anchorRequest struct {
	RootHash string `json:"root_hash"`
}

type anchorResponse struct {
	TxRef string `json:"tx_ref"`
}

// Anchor submits one root. The caller treats errors as non-fatal.
func (h *HTTP) Anchor(ctx context.Context, rootHash string) (string, error) {
	body, err := json.Marshal(anchorRequest{RootHash: rootHash})
	if err != nil {
		return "", fmt.Errorf("marshal anchor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post anchor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck
		return "", fmt.Errorf("anchor gateway returned HTTP %d", resp.StatusCode)
	}

	var out anchorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode anchor response: %w", err)
	}

	h.logger.Debug("root anchored",
		zap.String("root", rootHash),
		zap.String("tx_ref", out.TxRef),
	)
	return out.TxRef, nil
}
