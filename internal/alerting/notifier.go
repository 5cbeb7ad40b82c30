// Package alerting delivers operator alerts over a signed webhook:
// integrity violations detected by Merkle verification, and entities
// flagged for abuse review. Alerts are advisory and delivery is
// best-effort with retries.
package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Alert event types.
const (
	EventIntegrityViolation = "integrity.violation"
	EventAbuseFlag          = "abuse.flag"
)

// Alert is the webhook payload.
type Alert struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Notifier posts alerts to a single configured webhook endpoint, signing
// each body with HMAC-SHA256 so the receiver can authenticate it.
type Notifier struct {
	url        string
	secret     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewNotifier creates a Notifier. An empty url disables delivery; alerts
// are then only logged.
func NewNotifier(url, secret string, logger *zap.Logger) *Notifier {
	return &Notifier{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// NotifyIntegrityViolation reports a Merkle verification failure. These
// are fatal to trust in the affected record and must reach an operator,
// never be auto-corrected.
func (n *Notifier) NotifyIntegrityViolation(ctx context.Context, entityID, orgID, rootHash, detail string) {
	n.logger.Error("integrity violation",
		zap.String("entity", entityID),
		zap.String("org", orgID),
		zap.String("root", rootHash),
		zap.String("detail", detail),
	)
	n.send(ctx, Alert{
		Type:      EventIntegrityViolation,
		Timestamp: time.Now().UTC(),
		Payload: map[string]string{
			"entity_id":       entityID,
			"organization_id": orgID,
			"root_hash":       rootHash,
			"detail":          detail,
		},
	})
}

// NotifyAbuseFlag reports an entity flagged for abuse review.
func (n *Notifier) NotifyAbuseFlag(ctx context.Context, entityID, reason string) {
	n.logger.Warn("abuse flag",
		zap.String("entity", entityID),
		zap.String("reason", reason),
	)
	n.send(ctx, Alert{
		Type:      EventAbuseFlag,
		Timestamp: time.Now().UTC(),
		Payload: map[string]string{
			"entity_id": entityID,
			"reason":    reason,
		},
	})
}

func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.url == "" {
		return
	}
	go n.deliver(ctx, alert)
}

// deliver posts one alert with retries: immediate, then 1s and 5s.
func (n *Notifier) deliver(ctx context.Context, alert Alert) {
	body, err := json.Marshal(alert)
	if err != nil {
		n.logger.Error("alert: marshal", zap.Error(err))
		return
	}
	signature := signPayload(body, n.secret)

	delays := []time.Duration{0, 1 * time.Second, 5 * time.Second}
	for attempt, delay := range delays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if err := n.post(ctx, body, signature); err == nil {
			return
		} else {
			n.logger.Warn("alert: delivery failed",
				zap.String("type", alert.Type),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
	}
}

func (n *Notifier) post(ctx context.Context, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tessera-Signature", signature)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// signPayload computes an HMAC-SHA256 signature over the alert body.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
