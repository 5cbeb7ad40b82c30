// Package batcher implements the write-behind trust update aggregator.
//
// Events accumulate as in-memory deltas keyed by (entity, organization)
// and are flushed to the durable store periodically or when the batch
// fills. One flush produces one Merkle-anchored commitment. Recording is
// rate-limited per entity and memory-bounded in both directions, so a
// misbehaving caller is rejected instead of growing the pending set.
package batcher

import (
	"context"
	"encoding/hex"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tessera-ledger/tessera/internal/merkle"
	"github.com/tessera-ledger/tessera/internal/trust"
)

// Recording errors. Both are recoverable caller errors: the single call is
// rejected and no other state changes.
var (
	ErrRateLimited          = errors.New("batcher: event rate limit exceeded")
	ErrPendingLimitExceeded = errors.New("batcher: pending limit exceeded")
)

// Store commits one flushed batch atomically.
type Store interface {
	ApplyBatch(ctx context.Context, flushedAt time.Time, deltas []*trust.Delta, root *merkle.RootRecord, proofs []merkle.LeafProof) error
}

// Anchorer submits a committed root to an external anchor. Failures are
// non-fatal to the flush.
type Anchorer interface {
	Anchor(ctx context.Context, rootHash string) (txRef string, err error)
}

// AnchorSink persists a successful anchor's transaction reference on the
// committed root record.
type AnchorSink interface {
	SetAnchorRef(ctx context.Context, rootHash, anchorRef string) error
}

// Config holds the batcher tunables. Zero values select the defaults
// from DefaultConfig.
type Config struct {
	FlushInterval time.Duration // nominal flush period (default 60s)
	FlushJitter   time.Duration // timer randomized within +/- this (default 10s)
	CommitDelay   time.Duration // max random delay before commit (default 50ms; Nanosecond effectively disables)

	MaxBatchSize       int // pending keys that force a flush (default 100)
	MaxEventsPerMinute int // per-entity rolling 60s limit (default 60)
	MaxPendingTotal    int // absolute cap on pending keys (default 10000)
	MaxPendingPerKey   int // cap on accumulated events per key (default 100)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FlushInterval:      60 * time.Second,
		FlushJitter:        10 * time.Second,
		CommitDelay:        50 * time.Millisecond,
		MaxBatchSize:       100,
		MaxEventsPerMinute: 60,
		MaxPendingTotal:    10000,
		MaxPendingPerKey:   100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.FlushJitter < 0 {
		c.FlushJitter = d.FlushJitter
	}
	if c.CommitDelay <= 0 {
		c.CommitDelay = d.CommitDelay
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.MaxEventsPerMinute <= 0 {
		c.MaxEventsPerMinute = d.MaxEventsPerMinute
	}
	if c.MaxPendingTotal <= 0 {
		c.MaxPendingTotal = d.MaxPendingTotal
	}
	if c.MaxPendingPerKey <= 0 {
		c.MaxPendingPerKey = d.MaxPendingPerKey
	}
	return c
}

// Stats are the batcher's cumulative counters.
type Stats struct {
	EventsRecorded          int64      `json:"events_recorded"`
	RateLimitRejections     int64      `json:"rate_limit_rejections"`
	PendingLimitRejections  int64      `json:"pending_limit_rejections"`
	Flushes                 int64      `json:"flushes"`
	FlushErrors             int64      `json:"flush_errors"`
	KeysFlushed             int64      `json:"keys_flushed"`
	RootsGenerated          int64      `json:"roots_generated"`
	PendingKeys             int        `json:"pending_keys"`
	LastFlushAt             *time.Time `json:"last_flush_at,omitempty"`
	LastRoot                string     `json:"last_root,omitempty"`
}

// Batcher accumulates trust deltas and flushes them in Merkle-anchored
// batches. One Batcher instance owns one organization shard's pending
// state; there are no process-wide singletons.
type Batcher struct {
	cfg        Config
	store      Store
	anchor     Anchorer
	anchorSink AnchorSink
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*trust.Delta
	rates   map[string][]time.Time
	stats   Stats

	flushCh chan struct{}
	done    chan struct{}
	stop    sync.Once
}

// SetAnchorSink registers the store that records anchor transaction refs
// on committed roots. Must be called before Run.
func (b *Batcher) SetAnchorSink(s AnchorSink) { b.anchorSink = s }

// New creates a Batcher. anchor may be nil to disable external anchoring.
func New(cfg Config, store Store, anchor Anchorer, logger *zap.Logger) *Batcher {
	return &Batcher{
		cfg:     cfg.withDefaults(),
		store:   store,
		anchor:  anchor,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]*trust.Delta),
		rates:   make(map[string][]time.Time),
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// RecordAction records one action outcome for an entity. The resulting
// capability delta is merged into the pending set.
func (b *Batcher) RecordAction(entityID, orgID, actionKind string, success bool) error {
	competence, consistency, temperament := actionDeltas(actionKind, success)
	return b.record(entityID, orgID, func(d *trust.Delta) {
		d.AccumulateCapability(competence, consistency, temperament)
	})
}

// RecordTransaction records one transaction outcome for an entity. The
// resulting transaction delta is merged into the pending set.
func (b *Batcher) RecordTransaction(entityID, orgID, txKind string, value float64, verified bool) error {
	veracity, validity, valuation := transactionDeltas(txKind, value, verified)
	return b.record(entityID, orgID, func(d *trust.Delta) {
		d.AccumulateTransaction(veracity, validity, valuation)
	})
}

func (b *Batcher) record(entityID, orgID string, accumulate func(*trust.Delta)) error {
	full := false

	b.mu.Lock()
	if !b.allowRate(entityID) {
		b.stats.RateLimitRejections++
		b.mu.Unlock()
		return ErrRateLimited
	}

	key := entityID + ":" + orgID
	d, ok := b.pending[key]
	switch {
	case !ok && len(b.pending) >= b.cfg.MaxPendingTotal:
		b.stats.PendingLimitRejections++
		b.mu.Unlock()
		return ErrPendingLimitExceeded
	case ok && d.Events() >= b.cfg.MaxPendingPerKey:
		b.stats.PendingLimitRejections++
		b.mu.Unlock()
		return ErrPendingLimitExceeded
	}

	if !ok {
		d = trust.NewDelta(entityID, orgID)
		b.pending[key] = d
	}
	accumulate(d)
	b.stats.EventsRecorded++
	full = len(b.pending) >= b.cfg.MaxBatchSize
	b.mu.Unlock()

	if full {
		// Wake the flush loop; never block the recording caller on I/O.
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// allowRate enforces the per-entity rolling 60-second window: an event
// admitted at t counts against the entity until t+60s, so there is no
// window boundary to burst across. Caller must hold b.mu.
func (b *Batcher) allowRate(entityID string) bool {
	now := b.now()
	cutoff := now.Add(-time.Minute)

	events := b.rates[entityID]
	expired := 0
	for expired < len(events) && !events[expired].After(cutoff) {
		expired++
	}
	events = events[expired:]

	if len(events) >= b.cfg.MaxEventsPerMinute {
		b.rates[entityID] = events
		return false
	}
	b.rates[entityID] = append(events, now)
	return true
}

// Run is the background flush loop. It flushes when the jittered timer
// elapses or when recording fills the batch, and performs a final flush
// when ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.done)
	for {
		timer := time.NewTimer(b.jitteredInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := b.Flush(flushCtx); err != nil {
				b.logger.Warn("final flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-timer.C:
		case <-b.flushCh:
			timer.Stop()
		}
		if err := b.Flush(ctx); err != nil {
			// The deltas were returned to the pending set; the next
			// scheduled flush retries them.
			b.logger.Warn("flush failed, batch requeued", zap.Error(err))
		}
	}
}

// Wait blocks until the flush loop has exited.
func (b *Batcher) Wait() { <-b.done }

// jitteredInterval randomizes the flush period within +/- FlushJitter so
// observers cannot infer concurrent load from flush timing.
func (b *Batcher) jitteredInterval() time.Duration {
	if b.cfg.FlushJitter == 0 {
		return b.cfg.FlushInterval
	}
	jitter := rand.N(2*b.cfg.FlushJitter) - b.cfg.FlushJitter
	interval := b.cfg.FlushInterval + jitter
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

// Flush commits the current pending set as one batch. Pending state is
// swapped out under the lock, then the Merkle tree construction and the
// store write happen outside it, so new events accumulate into a fresh
// batch during the I/O window. On failure every delta is merged back into
// the pending set and the flush is safe to retry.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = make(map[string]*trust.Delta)
	b.mu.Unlock()

	flushedAt := time.Now().UTC()
	deltas := make([]*trust.Delta, 0, len(batch))
	for _, d := range batch {
		deltas = append(deltas, d)
	}

	leaves := make([][32]byte, len(deltas))
	for i, d := range deltas {
		leaves[i] = d.LeafHash()
	}
	tree, err := merkle.NewTree(leaves)
	if err != nil {
		b.requeue(batch)
		return err
	}

	root := &merkle.RootRecord{
		RootHash:  tree.RootHex(),
		BatchSize: len(deltas),
		CreatedAt: flushedAt,
	}
	proofs := make([]merkle.LeafProof, len(deltas))
	for i, d := range deltas {
		proof, err := tree.Proof(i)
		if err != nil {
			b.requeue(batch)
			return err
		}
		proofs[i] = merkle.LeafProof{
			EntityID:       d.EntityID,
			OrganizationID: d.OrganizationID,
			LeafIndex:      i,
			LeafHash:       hexLeaf(leaves[i]),
			RootHash:       root.RootHash,
			Proof:          proof,
			FlushedAt:      flushedAt,
		}
	}

	// Random commit delay so flush duration does not leak batch size.
	if b.cfg.CommitDelay > 0 {
		select {
		case <-time.After(rand.N(b.cfg.CommitDelay)):
		case <-ctx.Done():
			b.requeue(batch)
			return ctx.Err()
		}
	}

	if err := b.store.ApplyBatch(ctx, flushedAt, deltas, root, proofs); err != nil {
		b.mu.Lock()
		b.stats.FlushErrors++
		b.mu.Unlock()
		b.requeue(batch)
		return err
	}

	b.mu.Lock()
	b.stats.Flushes++
	b.stats.KeysFlushed += int64(len(deltas))
	b.stats.RootsGenerated++
	b.stats.LastRoot = root.RootHash
	now := time.Now().UTC()
	b.stats.LastFlushAt = &now
	b.mu.Unlock()

	flushesTotal.Inc()
	keysFlushed.Add(float64(len(deltas)))

	b.anchorRoot(root.RootHash)
	return nil
}

// requeue merges a failed batch back into the pending set, combining with
// any deltas recorded during the flush attempt.
func (b *Batcher) requeue(batch map[string]*trust.Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, d := range batch {
		if existing, ok := b.pending[key]; ok {
			existing.Merge(d)
		} else {
			b.pending[key] = d
		}
	}
}

// anchorRoot submits the root to the external anchor, best-effort, and
// records the returned transaction reference on the durable root record.
func (b *Batcher) anchorRoot(rootHash string) {
	if b.anchor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ref, err := b.anchor.Anchor(ctx, rootHash)
	if err != nil {
		b.logger.Warn("root anchoring failed",
			zap.String("root", rootHash),
			zap.Error(err),
		)
		return
	}
	b.logger.Info("root anchored",
		zap.String("root", rootHash),
		zap.String("tx_ref", ref),
	)
	if b.anchorSink == nil {
		return
	}
	if err := b.anchorSink.SetAnchorRef(ctx, rootHash, ref); err != nil {
		b.logger.Warn("recording anchor ref failed",
			zap.String("root", rootHash),
			zap.String("tx_ref", ref),
			zap.Error(err),
		)
	}
}

// Stats returns a snapshot of the batcher counters.
func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.PendingKeys = len(b.pending)
	return s
}

// PendingCount returns the number of distinct pending keys.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// LastFlush returns when the last successful flush committed, or the zero
// time if none has yet. Used by readiness probes.
func (b *Batcher) LastFlush() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stats.LastFlushAt == nil {
		return time.Time{}
	}
	return *b.stats.LastFlushAt
}

func hexLeaf(leaf [32]byte) string {
	return hex.EncodeToString(leaf[:])
}
