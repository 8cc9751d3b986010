package representation

import "sync"

// InFlight tracks derivative keys currently being written through, so that
// concurrent misses on one key wait for the first writer instead of
// processing the same derivative in parallel.
type InFlight struct {
	mu   sync.Mutex
	keys map[string]chan struct{}
}

// NewInFlight returns an empty tracker.
func NewInFlight() *InFlight {
	return &InFlight{keys: make(map[string]chan struct{})}
}

// Acquire claims key. The first caller gets leader == true and must call
// release when done; later callers get a channel closed on release.
func (f *InFlight) Acquire(key string) (release func(), done <-chan struct{}, leader bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.keys[key]; ok {
		return nil, ch, false
	}
	ch := make(chan struct{})
	f.keys[key] = ch
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.keys, key)
			f.mu.Unlock()
			close(ch)
		})
	}, ch, true
}

// Len is the number of keys in flight.
func (f *InFlight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}
