package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type names a session lifecycle event.
type Type string

const (
	// TypePairingCode carries a freshly issued pairing code and its TTL.
	TypePairingCode Type = "pairing.code"
	// TypePairingUpdate republishes raw connection progress payloads.
	TypePairingUpdate Type = "pairing.update"
	// TypeConnected marks the protocol link coming up.
	TypeConnected Type = "pairing.connected"
	// TypeClosed marks the end of the session, with the close reason.
	TypeClosed Type = "pairing.closed"
	// TypeError carries a non-fatal or fatal error description.
	TypeError Type = "pairing.error"
)

// Event is one entry on a session's event stream.
type Event struct {
	SessionID string         `json:"session_id"`
	Type      Type           `json:"type"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

type subscriber struct {
	id int
	ch chan Event
}

// Bus fans session events out to subscribers. Publishing never blocks: a
// subscriber that falls behind has events dropped (with a warning) rather
// than stalling the session's drive loop. Publishing with no subscribers
// is fine; every event is also logged.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]subscriber
	nextID int
	log    *logrus.Entry
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]subscriber),
		log:  logrus.WithField("component", "events"),
	}
}

// Publish delivers evt to every subscriber of its session. A zero At is
// stamped with the current time.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.log.WithFields(logrus.Fields{
		"session": evt.SessionID,
		"type":    evt.Type,
	}).Debug("event published")

	b.mu.Lock()
	subs := make([]subscriber, len(b.subs[evt.SessionID]))
	copy(subs, b.subs[evt.SessionID])
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- evt:
		default:
			b.log.WithFields(logrus.Fields{
				"session": evt.SessionID,
				"type":    evt.Type,
			}).Warn("slow subscriber, event dropped")
		}
	}
}

// Subscribe registers a listener for one session's events. The returned
// cancel function removes the subscription and closes the channel; it is
// safe to call more than once.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscriber{id: b.nextID, ch: make(chan Event, 16)}
	b.subs[sessionID] = append(b.subs[sessionID], sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[sessionID]
			for i, cand := range list {
				if cand.id == sub.id {
					b.subs[sessionID] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}
