package mitigation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/atp"
	"github.com/tessera-ledger/tessera/internal/trust"
)

// costTier maps a maximum reservation cost to the minimum capability
// composite required to reserve it. Tiers are checked in order; the last
// tier has no upper bound.
type costTier struct {
	maxCost  float64
	minScore float64
}

// defaultTiers: small reservations need only a novice-level composite,
// the largest need a master-level one.
var defaultTiers = []costTier{
	{maxCost: 100, minScore: 0.3},
	{maxCost: 500, minScore: 0.5},
	{maxCost: 2000, minScore: 0.7},
	{maxCost: 0, minScore: 0.9},
}

// identityStore answers whether identity minting has produced a
// verifiable binding for an entity.
type identityStore interface {
	Verified(ctx context.Context, entityID string) (bool, error)
}

// Gate enforces reputation minimums on expensive reservations and rejects
// unverified identities outright. It satisfies the resource ledger's gate
// dependency.
type Gate struct {
	trust    trust.Reader
	identity identityStore
	tiers    []costTier
	logger   *zap.Logger
}

// NewGate creates a Gate. identity may be nil when identity verification
// is handled upstream.
func NewGate(reader trust.Reader, identity identityStore, logger *zap.Logger) *Gate {
	return &Gate{trust: reader, identity: identity, tiers: defaultTiers, logger: logger}
}

// CheckSequenceCost returns nil when the entity may reserve cost ATP.
// Entities without a verified identity binding are denied regardless of
// score; otherwise the capability composite must meet the tier minimum
// for the requested cost.
func (g *Gate) CheckSequenceCost(ctx context.Context, entityID, orgID string, cost float64) error {
	if g.identity != nil {
		verified, err := g.identity.Verified(ctx, entityID)
		if err != nil {
			return fmt.Errorf("check identity binding: %w", err)
		}
		if !verified {
			return fmt.Errorf("%w: entity %s has no verified identity binding", atp.ErrReputationGate, entityID)
		}
	}

	min := g.minScoreFor(cost)

	rec, err := g.trust.Get(ctx, entityID, orgID)
	if errors.Is(err, trust.ErrNotFound) {
		rec = trust.NewRecord(entityID, orgID)
	} else if err != nil {
		return fmt.Errorf("read trust record: %w", err)
	}

	if score := rec.CapabilityComposite(); score < min {
		g.logger.Info("reservation gated",
			zap.String("entity", entityID),
			zap.Float64("cost", cost),
			zap.Float64("score", score),
			zap.Float64("required", min),
		)
		return fmt.Errorf("%w: composite %.3f below %.3f required for %.0f ATP", atp.ErrReputationGate, score, min, cost)
	}
	return nil
}

func (g *Gate) minScoreFor(cost float64) float64 {
	for _, t := range g.tiers {
		if t.maxCost > 0 && cost <= t.maxCost {
			return t.minScore
		}
	}
	return g.tiers[len(g.tiers)-1].minScore
}
