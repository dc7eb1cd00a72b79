package jobs

import (
	"context"
	"sync"

	"github.com/MrWong99/cryscope/pkg/types"
)

// Hub fans progress updates out to subscribers, per file. Publishing never
// blocks: a subscriber that falls behind loses intermediate updates but
// always receives the most recent one.
//
// The zero value is ready to use.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan types.Progress]struct{}
}

// NewHub returns an empty [Hub].
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan types.Progress]struct{})}
}

// Subscribe returns a channel receiving every update published for fileID
// from now on, and a function that ends the subscription and closes the
// channel. The function is safe to call more than once.
func (h *Hub) Subscribe(fileID string) (<-chan types.Progress, func()) {
	ch := make(chan types.Progress, 16)

	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[string]map[chan types.Progress]struct{})
	}
	if h.subs[fileID] == nil {
		h.subs[fileID] = make(map[chan types.Progress]struct{})
	}
	h.subs[fileID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[fileID], ch)
			if len(h.subs[fileID]) == 0 {
				delete(h.subs, fileID)
			}
			close(ch)
		})
	}
}

// Publish delivers p to every subscriber of fileID. Its signature matches
// [pipeline.ProgressHook].
func (h *Hub) Publish(_ context.Context, fileID string, p types.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[fileID] {
		select {
		case ch <- p:
			continue
		default:
		}
		// Full: replace the oldest pending update.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- p:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions for fileID.
func (h *Hub) Subscribers(fileID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[fileID])
}
