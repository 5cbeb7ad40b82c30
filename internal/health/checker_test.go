package health

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeFlush struct{ last time.Time }

func (f fakeFlush) LastFlush() time.Time { return f.last }

func newChecker(last time.Time, maxAge time.Duration) *Checker {
	return New(nil, fakeFlush{last: last}, Config{MaxFlushAge: maxAge}, zap.NewNop())
}

func TestLive_alwaysHealthy(t *testing.T) {
	c := newChecker(time.Time{}, time.Minute)
	st := c.Live()
	if !st.Healthy {
		t.Fatal("liveness probe reported unhealthy")
	}
	if st.Checks["process"] != "ok" {
		t.Errorf("process check = %q, want ok", st.Checks["process"])
	}
}

func TestFlushStatus_pendingFirstFlush(t *testing.T) {
	c := newChecker(time.Time{}, time.Minute)
	detail, ok := c.flushStatus()
	if !ok {
		t.Error("zero last-flush should not fail readiness")
	}
	if detail != "pending first flush" {
		t.Errorf("detail = %q", detail)
	}
}

func TestFlushStatus_recentFlushOK(t *testing.T) {
	c := newChecker(time.Now().Add(-10*time.Second), time.Minute)
	detail, ok := c.flushStatus()
	if !ok || detail != "ok" {
		t.Errorf("got (%q, %v), want (ok, true)", detail, ok)
	}
}

func TestFlushStatus_stalled(t *testing.T) {
	c := newChecker(time.Now().Add(-5*time.Minute), time.Minute)
	detail, ok := c.flushStatus()
	if ok {
		t.Error("stale flush should fail readiness")
	}
	if detail != "flush loop stalled" {
		t.Errorf("detail = %q", detail)
	}
}
