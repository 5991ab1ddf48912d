// Package antiban paces bot replies so a session's outbound traffic keeps
// a human rhythm instead of answering within milliseconds.
package antiban

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Pacing bounds for one reply.
const (
	minThink   = 400 * time.Millisecond
	maxReplyAt = 4 * time.Second
)

// Engine computes a plausible typing delay for a reply: a short thinking
// pause plus per-character typing time with jitter, capped so long replies
// do not stall the session's message loop.
type Engine struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewEngine() *Engine {
	return &Engine{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// ReplyDelay returns how long to "type" text before sending it.
func (e *Engine) ReplyDelay(text string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	// 30-80ms per character, 60-180ms pause per word boundary.
	perChar := 30 + e.rng.Intn(50)
	typing := time.Duration(len(text)*perChar) * time.Millisecond
	words := len(strings.Fields(text))
	pauses := time.Duration(words*(60+e.rng.Intn(120))) * time.Millisecond

	delay := minThink + typing + pauses
	if delay > maxReplyAt {
		delay = maxReplyAt
	}
	return delay
}

// Wait sleeps for the reply delay, returning early if ctx ends.
func (e *Engine) Wait(ctx context.Context, text string) {
	timer := time.NewTimer(e.ReplyDelay(text))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
