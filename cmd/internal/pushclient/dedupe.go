package pushclient

import lru "github.com/hashicorp/golang-lru/v2"

// seenSet remembers the last n envelope ids. Redelivery is at-least-once, so
// the same id can arrive from the offline flush and a live send.
type seenSet struct {
	ids *lru.Cache[string, struct{}]
}

func newSeenSet(n int) *seenSet {
	if n <= 0 {
		n = 1
	}
	// lru.New only fails for a non-positive size.
	ids, _ := lru.New[string, struct{}](n)
	return &seenSet{ids: ids}
}

// add reports whether id is new, recording it when it is.
func (s *seenSet) add(id string) bool {
	seen, _ := s.ids.ContainsOrAdd(id, struct{}{})
	return !seen
}
