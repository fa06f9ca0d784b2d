package groupchat

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Streamer is the Activity Streamer (C9): best-effort pub/sub keyed by
// session ID. Publish never blocks the caller — a slow or absent subscriber
// only loses events, it never stalls a turn. When a subscriber's buffer
// fills, the oldest buffered events are dropped and counted; DrainDropped
// reports that count as a single synthetic ActivityDropped event (Publish
// itself never emits one), mirroring the drop-oldest buffering the
// reference Python activity streamer uses for its per-session subscriber
// queues.
type Streamer struct {
	mu       sync.Mutex
	subs     map[string][]*subscription
	bufSize  int
	dropFilt func(ActivityEvent) bool
}

type subscription struct {
	ch      chan ActivityEvent
	dropped int
}

// NewStreamer builds an Activity Streamer with the given per-subscriber
// buffer size (config's activity_buffer option).
func NewStreamer(bufSize int) *Streamer {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Streamer{
		subs:    make(map[string][]*subscription),
		bufSize: bufSize,
		dropFilt: func(ev ActivityEvent) bool {
			// Generic/placeholder events carry no useful information for a
			// subscriber and are dropped at publish time rather than
			// consuming buffer space.
			return ev.Kind == ""
		},
	}
}

// Subscribe registers a new listener for sessionID. The returned channel is
// closed when Unsubscribe is called with the same channel.
func (s *Streamer) Subscribe(sessionID string) <-chan ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &subscription{ch: make(chan ActivityEvent, s.bufSize)}
	s.subs[sessionID] = append(s.subs[sessionID], sub)
	return sub.ch
}

// Unsubscribe removes and closes ch from sessionID's subscriber list.
func (s *Streamer) Unsubscribe(sessionID string, ch <-chan ActivityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.subs[sessionID]
	for i, sub := range list {
		if (<-chan ActivityEvent)(sub.ch) == ch {
			close(sub.ch)
			s.subs[sessionID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every subscriber of ev.SessionID without blocking.
func (s *Streamer) Publish(ev ActivityEvent) {
	if s.dropFilt != nil && s.dropFilt(ev) {
		return
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs[ev.SessionID] {
		select {
		case sub.ch <- ev:
		default:
			// Buffer full: drop the oldest buffered event to make room,
			// then enqueue this one, tracking how many we've coalesced.
			select {
			case <-sub.ch:
				sub.dropped++
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// DrainDropped emits a synthetic ActivityDropped event for sessionID
// summarizing how many events have been coalesced away since the last call,
// for each subscriber that has dropped any. Callers (e.g. a console
// consumer) call this periodically rather than on every publish to avoid
// amplifying the very backpressure it reports on.
func (s *Streamer) DrainDropped(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs[sessionID] {
		if sub.dropped == 0 {
			continue
		}
		ev := ActivityEvent{
			SessionID: sessionID,
			Kind:      ActivityDropped,
			Message:   "dropped",
			Data:      map[string]any{"dropped": sub.dropped},
			At:        time.Now(),
			EventID:   uuid.NewString(),
		}
		select {
		case sub.ch <- ev:
			sub.dropped = 0
		default:
		}
	}
}
