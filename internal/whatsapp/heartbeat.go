package whatsapp

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Crazynotdev/verbose-waffle/internal/session"
)

const (
	// HeartbeatInterval is how often presence is refreshed on live links.
	HeartbeatInterval = 5 * time.Minute

	heartbeatTimeout = 10 * time.Second
)

// presenceSender is the optional protocol capability the heartbeat uses.
// Handles without it are skipped.
type presenceSender interface {
	SendPresence(ctx context.Context) error
}

// Heartbeat periodically refreshes presence on every connected session so
// idle links are not reaped server-side. It never reconnects anything;
// drops surface through the drive loop like any other close.
type Heartbeat struct {
	registry *session.Registry
	interval time.Duration

	mu       sync.Mutex
	stopChan chan struct{}
	running  bool

	log *logrus.Entry
}

// NewHeartbeat builds a heartbeat over the registry. interval <= 0 uses
// HeartbeatInterval.
func NewHeartbeat(registry *session.Registry, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	return &Heartbeat{
		registry: registry,
		interval: interval,
		log:      logrus.WithField("component", "heartbeat"),
	}
}

// Start begins the periodic refresh.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopChan = make(chan struct{})
	go h.loop(h.stopChan)
	h.log.WithField("interval", h.interval).Info("heartbeat started")
}

// Stop halts the refresh loop.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stopChan)
	h.log.Info("heartbeat stopped")
}

func (h *Heartbeat) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.Beat()
		}
	}
}

// Beat sends one round of presence refreshes. Failures are logged and left
// alone; a dead link reports itself on its own event stream.
func (h *Heartbeat) Beat() {
	sent, failed := 0, 0
	for _, rt := range h.registry.All() {
		if !rt.Handle.IsConnected() {
			continue
		}
		ps, ok := rt.Handle.(presenceSender)
		if !ok {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), heartbeatTimeout)
		err := ps.SendPresence(ctx)
		cancel()

		if err != nil {
			failed++
			h.log.WithField("session", rt.ID).WithError(err).Warn("presence refresh failed")
			continue
		}
		sent++
	}

	if sent > 0 || failed > 0 {
		h.log.WithFields(logrus.Fields{
			"sent":   sent,
			"failed": failed,
		}).Debug("presence refreshed")
	}
}
