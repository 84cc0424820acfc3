package live

import "sync"

// dedupeWindow remembers the last size message ids.
type dedupeWindow struct {
	mu   sync.Mutex
	size int
	ring []string
	next int
	seen map[string]struct{}
}

func newDedupeWindow(size int) *dedupeWindow {
	if size <= 0 {
		size = 1024
	}
	return &dedupeWindow{
		size: size,
		ring: make([]string, 0, size),
		seen: make(map[string]struct{}, size),
	}
}

// add returns false when id is already in the window.
func (w *dedupeWindow) add(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[id]; ok {
		return false
	}
	if len(w.ring) < w.size {
		w.ring = append(w.ring, id)
	} else {
		delete(w.seen, w.ring[w.next])
		w.ring[w.next] = id
		w.next = (w.next + 1) % w.size
	}
	w.seen[id] = struct{}{}
	return true
}
