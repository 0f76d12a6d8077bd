package tlogrpc

import (
	"time"

	"go.uber.org/zap"

	"github.com/chn0318/tlog/config"
)

// peekStats keeps rolling fast/slow/unknown reply counters per endpoint.
// When, over one stats window, slow replies reach both the absolute amount
// and the slow ratio, a connection reset is requested. This is decoupled
// from correctness; it only nudges a persistently slow replica.
type peekStats struct {
	resetConn func()
	logger    *zap.Logger
	now       func() time.Time

	windowStart time.Time
	lastReset   time.Time

	fast    int
	slow    int
	unknown int
}

func newPeekStats(resetConn func(), logger *zap.Logger, now func() time.Time) *peekStats {
	return &peekStats{
		resetConn: resetConn,
		logger:    logger,
		now:       now,
	}
}

// record classifies one reply. Slow replies with a zero-byte payload are
// "unknown": an empty reply that took long says little about the
// connection. Any slow reply with data counts as slow.
func (s *peekStats) record(latency time.Duration, bytes int) {
	t := s.now()
	if !s.lastReset.IsZero() && t.Sub(s.lastReset) <= config.PeekResetInterval() {
		return
	}
	if s.windowStart.IsZero() {
		s.windowStart = t
	}

	if latency > config.PeekMaxLatency() {
		if bytes > 0 {
			s.slow++
		} else {
			s.unknown++
		}
	} else {
		s.fast++
	}

	if t.Sub(s.windowStart) >= config.PeekStatsInterval() {
		s.evaluate(t)
	}
}

func (s *peekStats) evaluate(t time.Time) {
	s.logger.Debug("slow peek stats",
		zap.Int("slow", s.slow), zap.Int("fast", s.fast), zap.Int("unknown", s.unknown))

	if s.slow >= config.PeekStatsSlowAmount() &&
		float64(s.slow)/float64(s.slow+s.fast) >= config.PeekStatsSlowRatio() {
		s.logger.Warn("requesting connection reset for slow peeks",
			zap.Int("slow", s.slow), zap.Int("fast", s.fast))
		s.resetConn()
		s.lastReset = t
	}

	s.windowStart = t
	s.fast, s.slow, s.unknown = 0, 0, 0
}
