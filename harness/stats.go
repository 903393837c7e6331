package harness

import (
	"cmp"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// Summary is the aggregate over every recorded session.
type Summary struct {
	Sessions    int            `json:"sessions"`
	Stopped     int            `json:"stopped"`
	SetupErrors int            `json:"setup_errors"`
	Allocation  map[string]int `json:"allocation"`
	Binding     map[string]int `json:"binding"`

	DataClientPeerErrorCnt int `json:"data_client_peer_error_cnt"`
	DataPeerClientErrorCnt int `json:"data_peer_client_error_cnt"`
}

// LogAttrs flattens the summary into slog key/value pairs, in a stable order.
func (s Summary) LogAttrs() []any {
	attrs := []any{
		"sessions", s.Sessions,
		"stopped", s.Stopped,
		"setup-errors", s.SetupErrors,
		"client-peer-errors", s.DataClientPeerErrorCnt,
		"peer-client-errors", s.DataPeerClientErrorCnt,
	}

	for _, m := range []struct {
		prefix string
		counts map[string]int
	}{
		{"allocation-", s.Allocation},
		{"binding-", s.Binding},
	} {
		keys := maps.Keys(m.counts)
		slices.Sort(keys)
		for _, k := range keys {
			attrs = append(attrs, m.prefix+k, m.counts[k])
		}
	}

	return attrs
}

// Stats collects the terminal state of every session. It is safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	results []Result
	summary Summary

	metrics *Metrics
}

// NewStats returns an empty aggregator, metrics may be nil.
func NewStats(metrics *Metrics) *Stats {
	return &Stats{
		summary: Summary{
			Allocation: make(map[string]int),
			Binding:    make(map[string]int),
		},
		metrics: metrics,
	}
}

// Record adds the terminal state of one session. Each session is recorded exactly once.
func (s *Stats) Record(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = append(s.results, r)

	s.summary.Sessions++
	if r.Stopped {
		s.summary.Stopped++
	}
	if r.SetupErr != nil {
		s.summary.SetupErrors++
	}
	s.summary.Allocation[r.Allocation.String()]++
	s.summary.Binding[r.Binding.String()]++
	s.summary.DataClientPeerErrorCnt += r.ClientPeerErrors
	s.summary.DataPeerClientErrorCnt += r.PeerClientErrors

	s.metrics.observe(r)
}

// Summary returns a copy of the aggregate so far.
func (s *Stats) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := s.summary
	sum.Allocation = maps.Clone(s.summary.Allocation)
	sum.Binding = maps.Clone(s.summary.Binding)
	return sum
}

// Results returns every recorded session, ordered by session ID.
func (s *Stats) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := slices.Clone(s.results)
	slices.SortFunc(rs, func(a, b Result) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return rs
}
