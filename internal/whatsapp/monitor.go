package whatsapp

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Crazynotdev/verbose-waffle/internal/session"
)

// LinkProbeInterval is how often registered handles are probed.
const LinkProbeInterval = 30 * time.Second

// MonitorSnapshot is the last probe's view of link health, served by the
// health endpoint.
type MonitorSnapshot struct {
	Live      int       `json:"live"`
	Linked    int       `json:"linked"`
	LastProbe time.Time `json:"last_probe"`
	Running   bool      `json:"running"`
}

// LinkMonitor periodically probes every registered handle and keeps a
// snapshot of how many links are actually up. It never reconnects
// anything: a dropped link either recovers inside the client or ends the
// session through its own event stream.
type LinkMonitor struct {
	registry *session.Registry
	interval time.Duration

	mu       sync.Mutex
	snap     MonitorSnapshot
	stopChan chan struct{}
	running  bool

	log *logrus.Entry
}

// NewLinkMonitor builds a monitor over the registry. interval <= 0 uses
// LinkProbeInterval.
func NewLinkMonitor(registry *session.Registry, interval time.Duration) *LinkMonitor {
	if interval <= 0 {
		interval = LinkProbeInterval
	}
	return &LinkMonitor{
		registry: registry,
		interval: interval,
		log:      logrus.WithField("component", "monitor"),
	}
}

// Start begins periodic probing.
func (m *LinkMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	go m.loop(m.stopChan)
	m.log.WithField("interval", m.interval).Info("link monitor started")
}

// Stop halts probing. The last snapshot stays readable.
func (m *LinkMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopChan)
	m.log.Info("link monitor stopped")
}

func (m *LinkMonitor) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Probe()
		}
	}
}

// Probe counts registered handles and how many report a live link.
func (m *LinkMonitor) Probe() {
	live, linked := 0, 0
	for _, rt := range m.registry.All() {
		live++
		if rt.Handle.IsConnected() {
			linked++
		}
	}

	m.mu.Lock()
	m.snap = MonitorSnapshot{
		Live:      live,
		Linked:    linked,
		LastProbe: time.Now(),
		Running:   m.running,
	}
	m.mu.Unlock()

	if linked < live {
		m.log.WithFields(logrus.Fields{
			"live":    live,
			"dropped": live - linked,
		}).Warn("sessions with dropped links")
	}
}

// Snapshot returns the last probe result.
func (m *LinkMonitor) Snapshot() MonitorSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snap
	snap.Running = m.running
	return snap
}
