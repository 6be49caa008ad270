package recorder

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Guardian enforces the storage quota. It is seeded with the bytes already
// used by past sessions, accumulates bytes written by the active one, and
// latches exactly once when the limit is crossed. Media writers gate on
// Allow before writing; event logs only account after the fact, since
// discrete event records are cheap and keep flowing while the session is
// being stopped.
type Guardian struct {
	limit    int64
	baseline int64
	logger   *zap.Logger
	onQuota  func()

	session atomic.Int64
	tripped atomic.Bool
}

// NewGuardian builds a guardian. limit <= 0 disables enforcement. baseline
// is the global bytes already on disk at session start. onQuota fires at
// most once, on its own goroutine, when the quota is first exceeded.
func NewGuardian(limit, baseline int64, onQuota func(), logger *zap.Logger) *Guardian {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guardian{limit: limit, baseline: baseline, logger: logger, onQuota: onQuota}
}

// Allow reports whether a media write of n bytes fits under the quota.
// A write that would cross the limit trips the guardian and is refused;
// all later calls are refused too.
func (g *Guardian) Allow(n int64) bool {
	if g.limit <= 0 {
		return true
	}
	if g.tripped.Load() {
		return false
	}
	if g.UsedBytes()+n > g.limit {
		g.trip(n)
		return false
	}
	return true
}

// Add records n bytes actually written. All writers report through Add,
// including event logs that bypass the Allow gate. Crossing the limit here
// trips the guardian but never rejects the write.
func (g *Guardian) Add(n int64) {
	if n <= 0 {
		return
	}
	g.session.Add(n)
	if g.limit > 0 && g.UsedBytes() > g.limit && !g.tripped.Load() {
		g.trip(n)
	}
}

// SessionBytes is the number of bytes the active session has written.
func (g *Guardian) SessionBytes() int64 { return g.session.Load() }

// UsedBytes is the global usage: the seed baseline plus session bytes.
func (g *Guardian) UsedBytes() int64 { return g.baseline + g.session.Load() }

// Tripped reports whether the quota has been exceeded.
func (g *Guardian) Tripped() bool { return g.tripped.Load() }

func (g *Guardian) trip(n int64) {
	if !g.tripped.CompareAndSwap(false, true) {
		return
	}
	g.logger.Warn("storage quota exceeded",
		zap.Int64("limit_bytes", g.limit),
		zap.Int64("used_bytes", g.UsedBytes()),
		zap.Int64("attempted_bytes", n))
	if g.onQuota != nil {
		go g.onQuota()
	}
}
