package trust

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// DefaultScore is the initial value of every tensor dimension for an
// entity that has no recorded history in an organization.
const DefaultScore = 0.5

// Record is the persisted trust state for one (entity, organization) pair.
type Record struct {
	EntityID       string            `json:"entity_id"`
	OrganizationID string            `json:"organization_id"`
	Capability     CapabilityTensor  `json:"capability"`
	Transaction    TransactionTensor `json:"transaction"`

	TotalActions      int       `json:"total_actions"`
	TotalTransactions int       `json:"total_transactions"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewRecord returns a Record with every dimension at DefaultScore.
func NewRecord(entityID, orgID string) *Record {
	return &Record{
		EntityID:       entityID,
		OrganizationID: orgID,
		Capability:     CapabilityTensor{DefaultScore, DefaultScore, DefaultScore},
		Transaction:    TransactionTensor{DefaultScore, DefaultScore, DefaultScore},
	}
}

// CapabilityComposite returns the weighted capability score.
func (r *Record) CapabilityComposite() float64 {
	return r.Capability.Composite(DefaultCapabilityWeights)
}

// TransactionComposite returns the weighted transaction score.
func (r *Record) TransactionComposite() float64 {
	return r.Transaction.Composite(DefaultTransactionWeights)
}

// Level returns the reputation level for the current capability composite.
func (r *Record) Level() Level {
	return LevelFor(r.CapabilityComposite())
}

// ApplyDelta merges one accumulated delta into the record, applying
// penalty scaling and clamping per dimension.
func (r *Record) ApplyDelta(d *Delta) {
	if d.ActionCount > 0 {
		r.Capability.Competence = Apply(r.Capability.Competence, d.Competence)
		r.Capability.Consistency = Apply(r.Capability.Consistency, d.Consistency)
		r.Capability.Temperament = Apply(r.Capability.Temperament, d.Temperament)
		r.TotalActions += d.ActionCount
	}
	if d.TransactionCount > 0 {
		r.Transaction.Veracity = Apply(r.Transaction.Veracity, d.Veracity)
		r.Transaction.Validity = Apply(r.Transaction.Validity, d.Validity)
		r.Transaction.Valuation = Apply(r.Transaction.Valuation, d.Valuation)
		r.TotalTransactions += d.TransactionCount
	}
}

// Delta is an uncommitted accumulation of pending score changes for one
// (entity, organization) key. Deltas live in the batcher's pending map and
// are destroyed when a flush commits them.
type Delta struct {
	EntityID       string `json:"entity_id"`
	OrganizationID string `json:"organization_id"`

	// Capability deltas.
	Competence  float64 `json:"competence_delta"`
	Consistency float64 `json:"consistency_delta"`
	Temperament float64 `json:"temperament_delta"`

	// Transaction deltas.
	Veracity  float64 `json:"veracity_delta"`
	Validity  float64 `json:"validity_delta"`
	Valuation float64 `json:"valuation_delta"`

	ActionCount      int `json:"action_count"`
	TransactionCount int `json:"transaction_count"`

	FirstUpdate time.Time `json:"first_update"`
	LastUpdate  time.Time `json:"last_update"`
}

// NewDelta returns an empty delta for the given key.
func NewDelta(entityID, orgID string) *Delta {
	now := time.Now().UTC()
	return &Delta{
		EntityID:       entityID,
		OrganizationID: orgID,
		FirstUpdate:    now,
		LastUpdate:     now,
	}
}

// Key returns the pending-map key for this delta.
func (d *Delta) Key() string {
	return d.EntityID + ":" + d.OrganizationID
}

// Events returns the total number of events accumulated in this delta.
func (d *Delta) Events() int {
	return d.ActionCount + d.TransactionCount
}

// AccumulateCapability merges one capability event into the delta.
func (d *Delta) AccumulateCapability(competence, consistency, temperament float64) {
	d.Competence += competence
	d.Consistency += consistency
	d.Temperament += temperament
	d.ActionCount++
	d.LastUpdate = time.Now().UTC()
}

// AccumulateTransaction merges one transaction event into the delta.
func (d *Delta) AccumulateTransaction(veracity, validity, valuation float64) {
	d.Veracity += veracity
	d.Validity += validity
	d.Valuation += valuation
	d.TransactionCount++
	d.LastUpdate = time.Now().UTC()
}

// Merge folds other into d. Used when a failed flush returns its deltas to
// a pending set that has accumulated new entries in the meantime.
func (d *Delta) Merge(other *Delta) {
	d.Competence += other.Competence
	d.Consistency += other.Consistency
	d.Temperament += other.Temperament
	d.Veracity += other.Veracity
	d.Validity += other.Validity
	d.Valuation += other.Valuation
	d.ActionCount += other.ActionCount
	d.TransactionCount += other.TransactionCount
	if other.FirstUpdate.Before(d.FirstUpdate) {
		d.FirstUpdate = other.FirstUpdate
	}
	if other.LastUpdate.After(d.LastUpdate) {
		d.LastUpdate = other.LastUpdate
	}
}

// LeafHash computes the canonical SHA-256 leaf hash of this delta for
// Merkle anchoring. The serialization covers the key, the six deltas,
// and the event counts with a fixed format so the hash is deterministic
// across processes. Flush time is deliberately excluded: an identical
// batch re-submitted later must produce the same root so the root-hash
// uniqueness constraint rejects the replay.
func (d *Delta) LeafHash() [32]byte {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%.9f|%.9f|%.9f|%.9f|%.9f|%.9f|%d|%d",
		d.EntityID, d.OrganizationID,
		d.Competence, d.Consistency, d.Temperament,
		d.Veracity, d.Validity, d.Valuation,
		d.ActionCount, d.TransactionCount,
	)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// HistoryEntry is one committed delta, recorded at flush time together
// with the Merkle root that anchors it.
type HistoryEntry struct {
	ID             string    `json:"id"`
	EntityID       string    `json:"entity_id"`
	OrganizationID string    `json:"organization_id"`
	Delta          Delta     `json:"delta"`
	MerkleRoot     string    `json:"merkle_root"`
	FlushedAt      time.Time `json:"flushed_at"`
}
