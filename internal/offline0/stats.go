package offline0

import (
	"math"
	"sync/atomic"
)

// statsCollector tracks the size of responses served to clients.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	n := uint64(max(respBytes, 0))

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for cur := s.minRespBytes.Load(); n < cur; cur = s.minRespBytes.Load() {
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for cur := s.maxRespBytes.Load(); n > cur; cur = s.maxRespBytes.Load() {
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   total / count,
	}
}
