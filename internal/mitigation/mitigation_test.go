package mitigation_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/atp"
	"github.com/tessera-ledger/tessera/internal/mitigation"
	"github.com/tessera-ledger/tessera/internal/trust"
)

var ctx = context.Background()

// fakeTrust serves a fixed record and history for one entity.
type fakeTrust struct {
	record  *trust.Record
	history []trust.HistoryEntry
}

func (f *fakeTrust) Get(_ context.Context, entityID, orgID string) (*trust.Record, error) {
	if f.record == nil {
		return nil, trust.ErrNotFound
	}
	return f.record, nil
}

func (f *fakeTrust) GetHistory(_ context.Context, _, _ string, _ int) ([]trust.HistoryEntry, error) {
	return f.history, nil
}

type fakeIdentity struct {
	verified bool
}

func (f fakeIdentity) Verified(_ context.Context, _ string) (bool, error) {
	return f.verified, nil
}

func recordWithComposite(score float64) *trust.Record {
	rec := trust.NewRecord("agent-1", "org-1")
	rec.Capability = trust.CapabilityTensor{
		Competence:  score,
		Consistency: score,
		Temperament: score,
	}
	return rec
}

// ── reputation gate ─────────────────────────────────────────────────────────

func TestGate_tierThresholds(t *testing.T) {
	cases := []struct {
		cost    float64
		score   float64
		allowed bool
	}{
		{cost: 50, score: 0.3, allowed: true},
		{cost: 50, score: 0.29, allowed: false},
		{cost: 100, score: 0.3, allowed: true},
		{cost: 101, score: 0.3, allowed: false},
		{cost: 500, score: 0.5, allowed: true},
		{cost: 501, score: 0.5, allowed: false},
		{cost: 2000, score: 0.7, allowed: true},
		{cost: 2001, score: 0.7, allowed: false},
		{cost: 5000, score: 0.9, allowed: true},
		{cost: 5000, score: 0.89, allowed: false},
	}
	for _, tc := range cases {
		store := &fakeTrust{record: recordWithComposite(tc.score)}
		gate := mitigation.NewGate(store, nil, zap.NewNop())

		err := gate.CheckSequenceCost(ctx, "agent-1", "org-1", tc.cost)
		if tc.allowed && err != nil {
			t.Errorf("cost %.0f at score %.2f: unexpected denial: %v", tc.cost, tc.score, err)
		}
		if !tc.allowed {
			if !errors.Is(err, atp.ErrReputationGate) {
				t.Errorf("cost %.0f at score %.2f: err = %v, want ErrReputationGate", tc.cost, tc.score, err)
			}
		}
	}
}

func TestGate_unknownEntityUsesDefaultScore(t *testing.T) {
	// No trust record: the default composite 0.5 admits mid-tier costs.
	gate := mitigation.NewGate(&fakeTrust{}, nil, zap.NewNop())

	if err := gate.CheckSequenceCost(ctx, "new-agent", "org-1", 500); err != nil {
		t.Errorf("default score should admit 500 ATP: %v", err)
	}
	if err := gate.CheckSequenceCost(ctx, "new-agent", "org-1", 2000); !errors.Is(err, atp.ErrReputationGate) {
		t.Errorf("default score should not admit 2000 ATP: %v", err)
	}
}

func TestGate_unverifiedIdentityDenied(t *testing.T) {
	store := &fakeTrust{record: recordWithComposite(0.95)}
	gate := mitigation.NewGate(store, fakeIdentity{verified: false}, zap.NewNop())

	err := gate.CheckSequenceCost(ctx, "agent-1", "org-1", 10)
	if !errors.Is(err, atp.ErrReputationGate) {
		t.Fatalf("err = %v, want ErrReputationGate", err)
	}
	if !strings.Contains(err.Error(), "identity") {
		t.Errorf("denial should name the identity binding: %v", err)
	}
}

func TestGate_verifiedIdentityPasses(t *testing.T) {
	store := &fakeTrust{record: recordWithComposite(0.95)}
	gate := mitigation.NewGate(store, fakeIdentity{verified: true}, zap.NewNop())

	if err := gate.CheckSequenceCost(ctx, "agent-1", "org-1", 5000); err != nil {
		t.Errorf("verified high-trust entity denied: %v", err)
	}
}

// ── washing detector ────────────────────────────────────────────────────────

func historyEntry(flushedAt time.Time, gainPerDim float64) trust.HistoryEntry {
	d := trust.Delta{
		EntityID:       "agent-1",
		OrganizationID: "org-1",
		Competence:     gainPerDim,
		Consistency:    gainPerDim,
		Temperament:    gainPerDim,
		ActionCount:    1,
	}
	return trust.HistoryEntry{
		EntityID:       "agent-1",
		OrganizationID: "org-1",
		Delta:          d,
		FlushedAt:      flushedAt,
	}
}

func newDetector(store *fakeTrust) *mitigation.WashingDetector {
	return mitigation.NewWashingDetector(store, mitigation.DefaultDetectorConfig(), zap.NewNop())
}

func TestAnalyze_quietEntityScoresZero(t *testing.T) {
	store := &fakeTrust{record: recordWithComposite(0.5)}
	d := newDetector(store)

	report, err := d.Analyze(ctx, "agent-1", "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.RiskScore != 0 || report.Severity != "none" || report.FlagForReview {
		t.Errorf("report = %+v, want zero risk", report)
	}
	if report.Findings == nil {
		t.Error("findings should be an empty slice, not nil")
	}
}

func TestAnalyze_rapidGainsFlagged(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeTrust{record: recordWithComposite(0.6)}
	// Six recent flushes each gaining 0.03 per dimension (0.09 per flush,
	// above the 0.02 per-flush threshold) well above organic pace.
	for i := 0; i < 6; i++ {
		store.history = append(store.history, historyEntry(now.Add(-time.Duration(i)*time.Hour), 0.03))
	}
	d := newDetector(store)

	report, err := d.Analyze(ctx, "agent-1", "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if !report.FlagForReview {
		t.Fatalf("rapid accumulation not flagged: %+v", report)
	}
	if report.Severity != "high" {
		t.Errorf("severity = %q, want high", report.Severity)
	}
	var rules []string
	for _, f := range report.Findings {
		rules = append(rules, f.Rule)
	}
	joined := strings.Join(rules, ",")
	if !strings.Contains(joined, "rapid_increase") || !strings.Contains(joined, "velocity") {
		t.Errorf("findings = %v, want rapid_increase and velocity", rules)
	}
}

func TestAnalyze_riskScoreCappedAtTen(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeTrust{record: recordWithComposite(0.6)}
	for i := 0; i < 50; i++ {
		store.history = append(store.history, historyEntry(now.Add(-time.Duration(i)*time.Minute), 0.03))
	}
	d := newDetector(store)

	report, err := d.Analyze(ctx, "agent-1", "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.RiskScore != 10 {
		t.Errorf("risk score = %d, want capped at 10", report.RiskScore)
	}
}

func TestAnalyze_abandonedPeakIdentity(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeTrust{record: recordWithComposite(0.8)}
	// Last activity 20 days ago, past the 14-day quiet period; old entries
	// also fall outside the velocity window so only abandonment fires.
	store.history = []trust.HistoryEntry{historyEntry(now.Add(-20*24*time.Hour), 0.01)}
	d := newDetector(store)

	report, err := d.Analyze(ctx, "agent-1", "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Findings) != 1 || report.Findings[0].Rule != "abandonment" {
		t.Fatalf("findings = %+v, want single abandonment", report.Findings)
	}
	if report.RiskScore != 4 || report.Severity != "low" {
		t.Errorf("report = %d/%q, want 4/low", report.RiskScore, report.Severity)
	}
}

func TestAnalyze_lowTrustAbandonmentIgnored(t *testing.T) {
	now := time.Now().UTC()
	// Composite 0.4 is below the peak threshold; abandoning it gains nothing.
	store := &fakeTrust{record: recordWithComposite(0.4)}
	store.history = []trust.HistoryEntry{historyEntry(now.Add(-20*24*time.Hour), 0.01)}
	d := newDetector(store)

	report, err := d.Analyze(ctx, "agent-1", "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.RiskScore != 0 {
		t.Errorf("risk score = %d, want 0 for low-trust quiet identity", report.RiskScore)
	}
}

func TestAnalyze_organicPaceNotFlagged(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeTrust{record: recordWithComposite(0.6)}
	// Small gains spread over the window: 0.003 per flush, one per day.
	for i := 0; i < 6; i++ {
		store.history = append(store.history, historyEntry(now.Add(-time.Duration(i)*24*time.Hour), 0.001))
	}
	d := newDetector(store)

	report, err := d.Analyze(ctx, "agent-1", "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.FlagForReview {
		t.Errorf("organic accumulation flagged: %+v", report)
	}
}
