package preparedcache

import (
	"container/list"
	"sync"
)

// entry is the server-truth record for one prepared statement: for as long
// as it exists here, the associated connection is known to hold a PREPAREd
// statement under name on the server.
type entry struct {
	name       string
	text       string
	paramCount int
}

// connState is the per-connection bookkeeping the LRU manager keeps. lru
// tracks only the most-recently-used max entries (bounded); entries is the
// full server-truth set, which may briefly exceed lru's membership between
// an insertion and its single corresponding eviction.
type connState struct {
	mu      sync.Mutex // guards every field below; held by Manager around each access
	entries map[string]*entry
	lru     *list.List               // list of string keys, back = most recent
	elems   map[string]*list.Element // key -> its element in lru, only for keys currently tracked
	cap     int
	counter uint64
}

func newConnState(cap int) *connState {
	return &connState{
		entries: make(map[string]*entry),
		lru:     list.New(),
		elems:   make(map[string]*list.Element),
		cap:     cap,
	}
}

// lookup returns the entry for key and touches its LRU position, or nil if
// absent.
func (s *connState) lookup(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if el, tracked := s.elems[key]; tracked {
		s.lru.MoveToBack(el)
	}
	return e
}

// insert records a freshly PREPAREd statement and pushes it as most recent.
// If this pushes the tracked set past cap, it returns the key that fell out
// of the LRU (still present in entries, ready for the caller to DEALLOCATE
// and then remove via forget) — exactly one eviction candidate per
// insertion, per the spec's "evict if the statement set exceeds the cap"
// rule.
func (s *connState) insert(key string, e *entry) (evicted string, ok bool) {
	s.entries[key] = e
	el := s.lru.PushBack(key)
	s.elems[key] = el

	if s.lru.Len() <= s.cap {
		return "", false
	}

	front := s.lru.Front()
	evictedKey := front.Value.(string)
	s.lru.Remove(front)
	delete(s.elems, evictedKey)
	return evictedKey, true
}

// forget drops key from the full entries set (called after a successful
// DEALLOCATE, or when the server reports the statement missing).
func (s *connState) forget(key string) {
	delete(s.entries, key)
	if el, ok := s.elems[key]; ok {
		s.lru.Remove(el)
		delete(s.elems, key)
	}
}

// names returns every server-side statement name currently tracked, used to
// DEALLOCATE them all on cleanup.
func (s *connState) names() []string {
	names := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		names = append(names, e.name)
	}
	return names
}
