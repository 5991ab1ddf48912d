// Package billing runs the metering sweep: connected sessions are charged
// for elapsed time and sessions whose owner runs dry are suspended and
// torn down.
package billing

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/Crazynotdev/verbose-waffle/internal/config"
	"github.com/Crazynotdev/verbose-waffle/internal/session"
	"github.com/Crazynotdev/verbose-waffle/internal/store"
)

// Orchestrator is the slice of the session manager the scheduler drives:
// tearing down suspended runtimes and repairing registry drift.
type Orchestrator interface {
	CloseSession(ctx context.Context, id string, to session.Status, reason string) error
	ReconcileRegistry(ctx context.Context)
}

// Alerter receives operator notifications about suspensions.
type Alerter interface {
	SessionSuspended(sessionID, email, phone string)
}

// Scheduler sweeps on a fixed period. Charges and suspensions are decided
// inside one store transaction per tick; the runtime teardown that follows
// is best-effort and never blocks or reverses the billing outcome.
type Scheduler struct {
	store         *store.Store
	orch          Orchestrator
	alerter       Alerter
	clock         clockwork.Clock
	interval      time.Duration
	costPerMinute int64

	mu       sync.Mutex
	stopChan chan struct{}
	running  bool

	log *logrus.Entry
}

// NewScheduler wires the metering sweep. alerter may be nil.
func NewScheduler(cfg *config.Config, st *store.Store, orch Orchestrator, alerter Alerter, clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		store:         st,
		orch:          orch,
		alerter:       alerter,
		clock:         clock,
		interval:      cfg.MeterInterval,
		costPerMinute: cfg.CostPerMinute,
		log:           logrus.WithField("component", "billing"),
	}
}

// Start launches the periodic sweep.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	go s.loop(s.stopChan)
	s.log.WithField("interval", s.interval).Info("metering scheduler started")
}

// Stop halts the sweep. A tick already in flight finishes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopChan)
	s.log.Info("metering scheduler stopped")
}

func (s *Scheduler) loop(stop <-chan struct{}) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.Tick(ctx)
			cancel()
		}
	}
}

// Tick performs one sweep: charge every connected session for its whole
// elapsed minutes, suspend owners at zero, tear down suspended runtimes
// and drop any registry entry whose record left the active states.
func (s *Scheduler) Tick(ctx context.Context) {
	res, err := s.store.SweepCharges(ctx, s.clock.Now(), s.costPerMinute)
	if err != nil {
		s.log.WithError(err).Error("metering sweep failed")
		return
	}

	var total int64
	for _, c := range res.Charges {
		total += c.Amount
		s.log.WithFields(logrus.Fields{
			"session": c.SessionID,
			"minutes": c.Minutes,
			"amount":  c.Amount,
			"balance": c.Balance,
		}).Debug("session charged")
	}
	if len(res.Charges) > 0 {
		s.log.WithFields(logrus.Fields{
			"sessions": len(res.Charges),
			"coins":    total,
		}).Info("metering sweep charged")
	}

	chargesByID := make(map[string]store.Charge, len(res.Charges))
	for _, c := range res.Charges {
		chargesByID[c.SessionID] = c
	}

	for _, rec := range res.Suspended {
		s.log.WithFields(logrus.Fields{
			"session": rec.ID,
			"user":    rec.UserID,
		}).Warn("session suspended, balance exhausted")

		// The record is already suspended; this only tears the runtime
		// down. A failed logout is logged and left behind, the billing
		// outcome stands.
		if err := s.orch.CloseSession(ctx, rec.ID, session.StatusSuspended, "balance exhausted"); err != nil {
			s.log.WithField("session", rec.ID).WithError(err).Warn("failed to tear down suspended session")
		}

		if s.alerter != nil {
			c := chargesByID[rec.ID]
			s.alerter.SessionSuspended(rec.ID, c.Email, rec.Phone)
		}
	}

	s.orch.ReconcileRegistry(ctx)
}
