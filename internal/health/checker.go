// Package health implements the liveness and readiness probes for the
// ledger process.
package health

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// FlushObserver reports when the batcher last completed a flush attempt.
// Implemented by the batcher's stats surface.
type FlushObserver interface {
	LastFlush() time.Time
}

// Config holds probe configuration.
type Config struct {
	ProbeTimeout time.Duration
	// MaxFlushAge marks the service unready when the batcher has not
	// completed a flush within this window. Zero disables the check.
	MaxFlushAge time.Duration
}

// Checker answers liveness and readiness probes against the database and
// the batcher's flush loop.
type Checker struct {
	db      *pgxpool.Pool
	batcher FlushObserver
	cfg     Config
	logger  *zap.Logger
}

// New creates a Checker. batcher may be nil to skip the flush-age check.
func New(db *pgxpool.Pool, batcher FlushObserver, cfg Config, logger *zap.Logger) *Checker {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	return &Checker{db: db, batcher: batcher, cfg: cfg, logger: logger}
}

// Status is the probe response body.
type Status struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
}

// Live reports process liveness. It never touches dependencies.
func (c *Checker) Live() Status {
	return Status{Healthy: true, Checks: map[string]string{"process": "ok"}}
}

// Ready reports whether the service can serve traffic: the database
// answers a ping and the flush loop is not stalled.
func (c *Checker) Ready(ctx context.Context) Status {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := c.db.Ping(ctx); err != nil {
		c.logger.Warn("readiness: db ping failed", zap.Error(err))
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if c.batcher != nil && c.cfg.MaxFlushAge > 0 {
		detail, ok := c.flushStatus()
		checks["batcher"] = detail
		if !ok {
			healthy = false
		}
	}

	return Status{Healthy: healthy, Checks: checks}
}

func (c *Checker) flushStatus() (detail string, ok bool) {
	last := c.batcher.LastFlush()
	switch {
	case last.IsZero():
		// No flush yet since startup. Not a failure.
		return "pending first flush", true
	case time.Since(last) > c.cfg.MaxFlushAge:
		return "flush loop stalled", false
	default:
		return "ok", true
	}
}
