package reconcile

// seenSet remembers the last n event ids. The oldest id is forgotten when a
// new one arrives at capacity.
type seenSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenSet(n int) *seenSet {
	n = max(n, 1)
	return &seenSet{ids: make(map[string]struct{}, n), ring: make([]string, n)}
}

// Add reports whether id was new.
func (s *seenSet) Add(id string) bool {
	if _, dup := s.ids[id]; dup {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return true
}

func (s *seenSet) Len() int { return len(s.ids) }
