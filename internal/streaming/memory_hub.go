package streaming

import (
	"context"
	"sync"
)

const defaultChannelBuffer = 64

// subscription pairs a delivery channel with the filter it registered.
type subscription struct {
	ch     chan StreamEvent
	filter EventFilter
}

// wants reports whether the subscription's filter matches the event.
func (s *subscription) wants(e StreamEvent) bool {
	f := s.filter
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.StepName != "" && f.StepName != e.StepName {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// MemoryHub fans run progress events out to in-process subscribers.
// Delivery is best-effort: a subscriber that stops draining its channel
// loses events rather than stalling the run that publishes them.
type MemoryHub struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]*subscription
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]*subscription)}
}

// Publish delivers the event to every subscriber whose filter matches.
// Never blocks on a full channel.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Slow subscriber: the event is lost for this channel only.
		}
	}
	return nil
}

// Subscribe registers a filtered subscriber and returns its channel plus a
// cancel function. After cancel, events already buffered stay readable but
// nothing new arrives.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = &subscription{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}
