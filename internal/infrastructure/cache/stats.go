package cache

import (
	"sync/atomic"
	"time"

	"github.com/rostersync/backend/internal/domain/mapping"
)

// statsRecorder accumulates lookup outcomes without locking
type statsRecorder struct {
	hits       atomic.Int64
	misses     atomic.Int64
	errors     atomic.Int64
	operations atomic.Int64
	latencyNs  atomic.Int64
}

func (s *statsRecorder) observe(start time.Time, hits, misses int64) {
	s.operations.Add(1)
	s.latencyNs.Add(int64(time.Since(start)))
	if hits > 0 {
		s.hits.Add(hits)
	}
	if misses > 0 {
		s.misses.Add(misses)
	}
}

func (s *statsRecorder) fail() {
	s.errors.Add(1)
}

func (s *statsRecorder) snapshot() mapping.CacheStats {
	st := mapping.CacheStats{
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Errors:     s.errors.Load(),
		Operations: s.operations.Load(),
	}
	if lookups := st.Hits + st.Misses; lookups > 0 {
		st.HitRate = float64(st.Hits) / float64(lookups)
		st.MissRate = float64(st.Misses) / float64(lookups)
	}
	if st.Operations > 0 {
		st.AvgLatency = time.Duration(s.latencyNs.Load() / st.Operations)
	}
	return st
}
