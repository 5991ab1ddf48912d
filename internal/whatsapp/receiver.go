package whatsapp

import (
	"sync"
	"time"
)

// ReceivedMessage is one inbound message as kept in the inbox and served
// over the API.
type ReceivedMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultInboxDepth = 100

// Inbox keeps the most recent inbound messages per session, newest first.
// It is a bounded in-memory log for the API; command dispatch happens on
// the drive loop regardless of what the inbox retains.
type Inbox struct {
	mu         sync.RWMutex
	bySession  map[string][]ReceivedMessage
	perSession int
}

// NewInbox returns an inbox keeping up to perSession messages per session.
func NewInbox(perSession int) *Inbox {
	if perSession <= 0 {
		perSession = defaultInboxDepth
	}
	return &Inbox{
		bySession:  make(map[string][]ReceivedMessage),
		perSession: perSession,
	}
}

// Add records a message for its session, evicting the oldest past the cap.
func (b *Inbox) Add(sessionID string, msg *InboundMessage) {
	if msg == nil {
		return
	}
	rec := ReceivedMessage{
		ID:        msg.ID,
		SessionID: sessionID,
		Sender:    msg.Sender,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	log := append([]ReceivedMessage{rec}, b.bySession[sessionID]...)
	if len(log) > b.perSession {
		log = log[:b.perSession]
	}
	b.bySession[sessionID] = log
}

// Recent returns up to limit messages for a session, newest first. A limit
// of zero or less means everything retained.
func (b *Inbox) Recent(sessionID string, limit int) []ReceivedMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	log := b.bySession[sessionID]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}
	out := make([]ReceivedMessage, limit)
	copy(out, log[:limit])
	return out
}

// Size returns the total number of retained messages across all sessions.
func (b *Inbox) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, log := range b.bySession {
		n += len(log)
	}
	return n
}
