package session

import "sync"

type subscriber struct {
	ch chan View
}

// viewBus fans view snapshots out to presentation adapters.
type viewBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func newViewBus() *viewBus {
	return &viewBus{subs: make(map[*subscriber]struct{})}
}

// subscribe registers a buffered receiver primed with initial. The returned
// func removes it and closes the channel; calling it twice is safe.
func (b *viewBus) subscribe(buf int, initial View) (<-chan View, func()) {
	s := &subscriber{ch: make(chan View, buf)}
	s.ch <- initial
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
	}
	return s.ch, unsub
}

// publish delivers v to every subscriber. Subscribers with a full buffer
// are skipped so the session loop never stalls.
func (b *viewBus) publish(v View) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- v:
		default:
		}
	}
}

func (b *viewBus) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// closeAll removes and closes every subscriber.
func (b *viewBus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}
