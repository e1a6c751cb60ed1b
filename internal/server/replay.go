package server

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"collab/internal/events"
)

// replayCapacity bounds how many recent requests keep their event history.
const replayCapacity = 256

// maxEventsPerRequest caps the history kept for one request so a long
// token-streaming run cannot pin unbounded memory.
const maxEventsPerRequest = 4096

// ReplayBuffer retains the recent event history per request id so a client
// that lost its SSE connection can recover what it missed. Oldest requests
// are evicted first.
type ReplayBuffer struct {
	cache *lru.Cache[string, *requestLog]
}

type requestLog struct {
	mu     sync.Mutex
	events []events.Event
}

// NewReplayBuffer returns a buffer retaining the most recent requests.
func NewReplayBuffer() (*ReplayBuffer, error) {
	cache, err := lru.New[string, *requestLog](replayCapacity)
	if err != nil {
		return nil, err
	}
	return &ReplayBuffer{cache: cache}, nil
}

// Record appends one event to the request's history.
func (b *ReplayBuffer) Record(requestID string, ev events.Event) {
	if requestID == "" {
		return
	}
	log, ok := b.cache.Get(requestID)
	if !ok {
		log = &requestLog{}
		// Racing creators may both insert; PeekOrAdd keeps the first.
		if existing, loaded, _ := b.cache.PeekOrAdd(requestID, log); loaded {
			log = existing
		}
	}
	log.mu.Lock()
	if len(log.events) < maxEventsPerRequest {
		log.events = append(log.events, ev)
	}
	log.mu.Unlock()
}

// Events returns a copy of the recorded history for a request id.
func (b *ReplayBuffer) Events(requestID string) ([]events.Event, bool) {
	log, ok := b.cache.Get(requestID)
	if !ok {
		return nil, false
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	out := make([]events.Event, len(log.events))
	copy(out, log.events)
	return out, true
}
