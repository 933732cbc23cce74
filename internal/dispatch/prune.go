package dispatch

import (
	"sort"
	"time"
)

// pruneStatus evicts finished job statuses so the map stays bounded. Running
// and still-queued jobs are never evicted. Takes statusMu internally.
func (s *Service) pruneStatus(now time.Time) {
	s.mu.Lock()
	max := s.cfg.StatusMax
	ttl := s.cfg.StatusTTL
	s.mu.Unlock()
	if max <= 0 {
		max = defaultStatusMax
	}
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	// 1) Drop finished jobs older than the TTL.
	for id, st := range s.status {
		if st == nil {
			delete(s.status, id)
			continue
		}
		if !st.DoneAt.IsZero() && now.Sub(st.DoneAt) > ttl {
			delete(s.status, id)
		}
	}

	over := len(s.status) - max
	if over <= 0 {
		return
	}

	// 2) Still too big: drop the oldest finished jobs.
	type cand struct {
		id string
		t  time.Time
	}
	cands := make([]cand, 0, len(s.status))
	for id, st := range s.status {
		if st == nil || st.DoneAt.IsZero() {
			continue
		}
		cands = append(cands, cand{id: id, t: st.DoneAt})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].t.Before(cands[j].t) })

	for i := 0; i < len(cands) && over > 0; i++ {
		delete(s.status, cands[i].id)
		over--
	}
}
