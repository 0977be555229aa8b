package services

import "sync"

// ProgressHub wakes up the streaming sessions watching a submission when its supervisor
// has written to it. A wake-up carries no data; sessions always re-read the store.
type ProgressHub struct {
	mu          sync.Mutex
	subscribers map[string]map[chan struct{}]struct{}
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{subscribers: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe returns a channel receiving wake-ups for identifier and a function which
// cancels the subscription. Wake-ups are coalesced while the channel is full.
func (h *ProgressHub) Subscribe(identifier string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	h.mu.Lock()
	subs, ok := h.subscribers[identifier]
	if !ok {
		subs = make(map[chan struct{}]struct{})
		h.subscribers[identifier] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subscribers[identifier]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.subscribers, identifier)
				}
			}
		})
	}
}

// Publish wakes up every subscriber of identifier without blocking.
func (h *ProgressHub) Publish(identifier string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers[identifier] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (h *ProgressHub) subscriberCount(identifier string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[identifier])
}
