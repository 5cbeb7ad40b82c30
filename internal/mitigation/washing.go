// Package mitigation provides cross-cutting defenses against reputation
// abuse: advisory washing detection over trust history, and reputation
// gating of expensive resource reservations.
package mitigation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/trust"
)

// Finding is a single heuristic match returned by the washing detector.
type Finding struct {
	Rule        string  `json:"rule"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// Report is the advisory output of a washing analysis run. It never
// auto-enforces anything; downstream review decides.
type Report struct {
	EntityID       string `json:"entity_id"`
	OrganizationID string `json:"organization_id"`

	// RiskScore is the aggregate washing risk (0–10).
	RiskScore int `json:"risk_score"`

	// Severity is a label derived from RiskScore:
	//   0–1  → "none"
	//   2–4  → "low"
	//   5–7  → "medium"
	//   8–10 → "high"
	Severity string `json:"severity"`

	Findings []Finding `json:"findings"`

	// FlagForReview is true when RiskScore >= 5.
	FlagForReview bool `json:"flag_for_review"`
}

// historian is the slice of the trust store the detector reads.
type historian interface {
	Get(ctx context.Context, entityID, orgID string) (*trust.Record, error)
	GetHistory(ctx context.Context, entityID, orgID string, limit int) ([]trust.HistoryEntry, error)
}

// DetectorConfig holds the washing heuristics' thresholds.
type DetectorConfig struct {
	// Window is how far back history is considered for velocity.
	Window time.Duration
	// VelocityThreshold is the capability-trust gain per day above which
	// accumulation counts as rapid.
	VelocityThreshold float64
	// RapidGainThreshold is the per-flush capability gain above which a
	// single history entry counts as a rapid increase.
	RapidGainThreshold float64
	// AbandonmentAfter is the quiet period after which a high-trust
	// identity counts as abandoned.
	AbandonmentAfter time.Duration
	// PeakComposite is the capability composite above which abandonment
	// becomes interesting; washing a low-trust identity gains nothing.
	PeakComposite float64
	// HistoryLimit bounds how many history entries one run reads.
	HistoryLimit int
}

// DefaultDetectorConfig returns the production thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:             7 * 24 * time.Hour,
		VelocityThreshold:  0.05,
		RapidGainThreshold: 0.02,
		AbandonmentAfter:   14 * 24 * time.Hour,
		PeakComposite:      0.7,
		HistoryLimit:       500,
	}
}

// WashingDetector scores entities for reputation-washing patterns: trust
// accumulated faster than organic use produces it, or a built-up identity
// going quiet after reaching a peak.
type WashingDetector struct {
	store  historian
	cfg    DetectorConfig
	logger *zap.Logger
}

// NewWashingDetector creates a detector over the given trust store.
func NewWashingDetector(store historian, cfg DetectorConfig, logger *zap.Logger) *WashingDetector {
	if cfg.Window <= 0 {
		cfg = DefaultDetectorConfig()
	}
	return &WashingDetector{store: store, cfg: cfg, logger: logger}
}

// Analyze runs every heuristic against the entity's flushed history and
// returns an advisory report.
func (d *WashingDetector) Analyze(ctx context.Context, entityID, orgID string) (*Report, error) {
	rec, err := d.store.Get(ctx, entityID, orgID)
	if err != nil {
		return nil, err
	}
	history, err := d.store.GetHistory(ctx, entityID, orgID, d.cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	findings := append(
		d.velocityFindings(history, now),
		d.abandonmentFindings(rec, history, now)...,
	)

	total := 0.0
	for _, f := range findings {
		total += f.Weight
	}
	score := int(total)
	if score > 10 {
		score = 10
	}
	if findings == nil {
		findings = []Finding{}
	}

	report := &Report{
		EntityID:       entityID,
		OrganizationID: orgID,
		RiskScore:      score,
		Severity:       severityLabel(score),
		Findings:       findings,
		FlagForReview:  score >= 5,
	}
	if report.FlagForReview {
		d.logger.Warn("washing risk flagged",
			zap.String("entity", entityID),
			zap.String("org", orgID),
			zap.Int("risk_score", score),
		)
	}
	return report, nil
}

// velocityFindings flags rapid trust accumulation: individual flushes with
// outsized capability gains, and an overall gain rate above the daily
// velocity threshold.
func (d *WashingDetector) velocityFindings(history []trust.HistoryEntry, now time.Time) []Finding {
	var findings []Finding
	cutoff := now.Add(-d.cfg.Window)

	rapid := 0
	totalGain := 0.0
	var oldest time.Time
	for _, h := range history {
		if h.FlushedAt.Before(cutoff) {
			continue
		}
		gain := capabilityGain(&h.Delta)
		if gain <= 0 {
			continue
		}
		totalGain += gain
		if gain > d.cfg.RapidGainThreshold {
			rapid++
		}
		if oldest.IsZero() || h.FlushedAt.Before(oldest) {
			oldest = h.FlushedAt
		}
	}

	if rapid > 0 {
		findings = append(findings, Finding{
			Rule:        "rapid_increase",
			Description: "Capability trust jumped above the per-flush gain threshold",
			Weight:      float64(rapid),
		})
	}

	if !oldest.IsZero() {
		days := now.Sub(oldest).Hours() / 24
		if days < 1 {
			days = 1
		}
		if velocity := totalGain / days; velocity > d.cfg.VelocityThreshold {
			findings = append(findings, Finding{
				Rule:        "velocity",
				Description: "Capability trust gain rate exceeds the daily velocity threshold",
				Weight:      3,
			})
		}
	}
	return findings
}

// abandonmentFindings flags a high-trust identity with no recorded
// activity for the configured quiet period. An abandoned peak identity is
// the donor half of a washing pair.
func (d *WashingDetector) abandonmentFindings(rec *trust.Record, history []trust.HistoryEntry, now time.Time) []Finding {
	if rec.CapabilityComposite() < d.cfg.PeakComposite {
		return nil
	}
	var last time.Time
	for _, h := range history {
		if h.FlushedAt.After(last) {
			last = h.FlushedAt
		}
	}
	if last.IsZero() || now.Sub(last) < d.cfg.AbandonmentAfter {
		return nil
	}
	return []Finding{{
		Rule:        "abandonment",
		Description: "High-trust identity has recorded no activity for the quiet period",
		Weight:      4,
	}}
}

// capabilityGain is the summed positive capability movement in one delta.
func capabilityGain(d *trust.Delta) float64 {
	return d.Competence + d.Consistency + d.Temperament
}

// severityLabel maps a 0–10 risk score to a severity string.
func severityLabel(score int) string {
	switch {
	case score >= 8:
		return "high"
	case score >= 5:
		return "medium"
	case score >= 2:
		return "low"
	default:
		return "none"
	}
}
