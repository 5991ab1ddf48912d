package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"

	"github.com/Crazynotdev/verbose-waffle/internal/config"
	"github.com/Crazynotdev/verbose-waffle/internal/events"
	"github.com/Crazynotdev/verbose-waffle/internal/session"
	"github.com/Crazynotdev/verbose-waffle/internal/store"
)

// Dispatcher consumes inbound text messages from live sessions.
type Dispatcher interface {
	HandleInbound(ctx context.Context, sessionID, sender, text string)
}

// Alerter receives operator notifications about fatal session failures.
type Alerter interface {
	SessionFailed(sessionID, phone, reason string)
}

// Manager owns the session lifecycle between admission and a terminal
// status: it provisions protocol sessions, runs one drive loop per live
// session, and keeps the registry and the store in step through every
// connect, close and teardown.
type Manager struct {
	cfg        *config.Config
	store      *store.Store
	registry   *session.Registry
	bus        *events.Bus
	dialer     Dialer
	dispatcher Dispatcher
	inbox      *Inbox
	alerter    Alerter

	wg  sync.WaitGroup
	log *logrus.Entry
}

// NewManager wires the orchestrator. dispatcher, inbox and alerter may be
// nil.
func NewManager(cfg *config.Config, st *store.Store, registry *session.Registry, bus *events.Bus, dialer Dialer, dispatcher Dispatcher, inbox *Inbox, alerter Alerter) *Manager {
	return &Manager{
		cfg:        cfg,
		store:      st,
		registry:   registry,
		bus:        bus,
		dialer:     dialer,
		dispatcher: dispatcher,
		inbox:      inbox,
		alerter:    alerter,
		log:        logrus.WithField("component", "manager"),
	}
}

// StartPairing brings a freshly admitted session record to life: it
// provisions credentials, registers the runtime, spawns the drive loop and
// kicks off the requested login flow. A FatalStartupError means the record
// has been marked failed and nothing is left running.
func (m *Manager) StartPairing(ctx context.Context, rec *store.Session, mode string) error {
	log := m.log.WithField("session", rec.ID)

	sess, err := m.dialer.Dial(ctx, rec)
	if err != nil {
		return m.failStartup(ctx, rec, "provisioning", err)
	}

	var qr <-chan QRItem
	if mode == ModeQR {
		// The QR channel must be armed before the socket opens.
		qr, err = sess.QRChannel(ctx)
		if err != nil {
			sess.Release()
			return m.failStartup(ctx, rec, "qr setup", err)
		}
	}

	if err := m.persistDevice(ctx, rec.ID, sess.DeviceJID()); err != nil {
		log.WithError(err).Warn("failed to record credential location")
	}

	rt := &session.Runtime{ID: rec.ID, UserID: rec.UserID, Phone: rec.Phone, Handle: sess}
	m.registry.Register(rt)
	m.wg.Add(1)
	go m.drive(rt, sess)

	if err := sess.Connect(); err != nil {
		m.registry.Remove(rec.ID)
		sess.Release()
		return m.failStartup(ctx, rec, "connect", err)
	}

	if mode == ModeQR {
		m.wg.Add(1)
		go m.driveQR(rec.ID, qr)
		log.Info("qr login started")
		return nil
	}

	code, err := sess.PairPhone(ctx, rec.Phone)
	if err != nil {
		// Not fatal: the session stays in pairing and the connection is
		// still usable; the failure is surfaced on the event stream.
		log.WithError(err).Warn("pairing code request failed")
		m.bus.Publish(events.Event{SessionID: rec.ID, Type: events.TypeError, Data: map[string]any{
			"message": "failed to request pairing code",
			"details": err.Error(),
		}})
		return nil
	}
	if err := m.store.SetPairingCode(ctx, rec.ID, code); err != nil {
		log.WithError(err).Warn("failed to record pairing code")
	}
	m.bus.Publish(events.Event{SessionID: rec.ID, Type: events.TypePairingCode, Data: map[string]any{
		"code":        code,
		"ttl_seconds": int(m.cfg.PairingCodeTTL / time.Second),
	}})
	log.Info("pairing code issued")
	return nil
}

// StartPairingAsync runs StartPairing on its own goroutine so admission can
// answer immediately; progress and failures arrive on the event stream. A
// panic during startup is converted into the usual startup-failure path.
func (m *Manager) StartPairingAsync(rec *store.Session, mode string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				m.failStartup(ctx, rec, "startup", fmt.Errorf("panic: %v", r))
			}
		}()

		if err := m.StartPairing(ctx, rec, mode); err != nil {
			m.log.WithField("session", rec.ID).WithError(err).Warn("async session startup failed")
		}
	}()
}

func (m *Manager) failStartup(ctx context.Context, rec *store.Session, stage string, cause error) error {
	m.log.WithField("session", rec.ID).WithError(cause).Error("session startup failed")
	m.bus.Publish(events.Event{SessionID: rec.ID, Type: events.TypeError, Data: map[string]any{
		"message": "session startup failed",
		"details": cause.Error(),
	}})
	if _, err := m.store.Transition(ctx, rec.ID, session.StatusFailed, "startup: "+stage, time.Now()); err != nil && !errors.Is(err, store.ErrTerminalStatus) {
		m.log.WithField("session", rec.ID).WithError(err).Error("failed to record startup failure")
	}
	m.bus.Publish(events.Event{SessionID: rec.ID, Type: events.TypeClosed, Data: map[string]any{
		"reason": "startup: " + stage,
	}})
	if m.alerter != nil {
		m.alerter.SessionFailed(rec.ID, rec.Phone, stage+": "+cause.Error())
	}
	return &FatalStartupError{Stage: stage, Err: cause}
}

// drive is the one goroutine that owns a live session's status writes. It
// consumes the typed protocol stream until the session closes or is
// released; a panic is captured into the fatal close path instead of
// taking the process down.
func (m *Manager) drive(rt *session.Runtime, sess Session) {
	defer m.wg.Done()
	log := m.log.WithField("session", rt.ID)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("drive loop panicked")
			m.finish(rt.ID, sess, CloseReason{
				Code:   "internal_error",
				Detail: fmt.Sprintf("panic: %v", r),
				Fatal:  true,
			})
		}
	}()

	for {
		select {
		case <-sess.Done():
			return
		case evt := <-sess.Events():
			switch evt.Kind {
			case KindPaired:
				m.handlePaired(rt.ID, evt.Detail)
			case KindConnected:
				if !m.handleConnected(rt.ID, sess) {
					return
				}
			case KindMessage:
				m.handleMessage(rt, evt.Message)
			case KindInterrupted:
				m.bus.Publish(events.Event{SessionID: rt.ID, Type: events.TypePairingUpdate, Data: map[string]any{
					"connection": "interrupted",
					"detail":     evt.Detail,
				}})
			case KindRestored:
				m.bus.Publish(events.Event{SessionID: rt.ID, Type: events.TypePairingUpdate, Data: map[string]any{
					"connection": "up",
					"detail":     evt.Detail,
				}})
			case KindClosed:
				m.finish(rt.ID, sess, evt.Reason)
				return
			}
		}
	}
}

// handlePaired persists the device identity the phone just granted us.
// The credentials must be durable before we report progress; a failed
// flush is surfaced as an error event.
func (m *Manager) handlePaired(id, deviceJID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.persistDevice(ctx, id, deviceJID); err != nil {
		m.log.WithField("session", id).WithError(err).Error("failed to persist device identity")
		m.bus.Publish(events.Event{SessionID: id, Type: events.TypeError, Data: map[string]any{
			"message": "failed to persist device identity",
			"details": err.Error(),
		}})
		return
	}
	m.bus.Publish(events.Event{SessionID: id, Type: events.TypePairingUpdate, Data: map[string]any{
		"status":     "paired",
		"device_jid": deviceJID,
	}})
}

func (m *Manager) persistDevice(ctx context.Context, id, deviceJID string) error {
	dir := ""
	if m.cfg.WhatsappDBURI == "" {
		dir = SessionDir(m.cfg, id)
	}
	return m.store.SetDevice(ctx, id, dir, deviceJID)
}

// handleConnected records the link coming up. Returns false when the
// record turned terminal in the meantime and the loop should stop.
func (m *Manager) handleConnected(id string, sess Session) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := m.store.Transition(ctx, id, session.StatusConnected, "", time.Now())
	if errors.Is(err, store.ErrTerminalStatus) {
		// Closed while the link was coming up; drop it rather than leave
		// a live handle under a terminal record.
		m.log.WithField("session", id).Warn("link came up after close, dropping")
		m.registry.Remove(id)
		sess.Disconnect()
		sess.Release()
		return false
	}
	if err != nil {
		m.log.WithField("session", id).WithError(err).Error("failed to record connection")
		return true
	}

	m.bus.Publish(events.Event{SessionID: id, Type: events.TypeConnected, Data: map[string]any{
		"phone":      rec.Phone,
		"device_jid": sess.DeviceJID(),
	}})
	m.log.WithField("session", id).Info("session connected")
	return true
}

func (m *Manager) handleMessage(rt *session.Runtime, msg *InboundMessage) {
	if msg == nil {
		return
	}
	if m.inbox != nil {
		m.inbox.Add(rt.ID, msg)
	}
	if m.dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m.dispatcher.HandleInbound(ctx, rt.ID, msg.Sender, msg.Text)
}

// finish settles a final close coming from the protocol side: terminal
// transition, registry removal and the closed event, then the handle is
// released.
func (m *Manager) finish(id string, sess Session, reason CloseReason) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	to := session.StatusDisconnected
	if reason.Fatal {
		to = session.StatusFailed
	}

	rec, err := m.store.Transition(ctx, id, to, reason.Code, time.Now())
	if err != nil && !errors.Is(err, store.ErrTerminalStatus) {
		m.log.WithField("session", id).WithError(err).Error("failed to record close")
	}

	m.registry.Remove(id)
	m.bus.Publish(events.Event{SessionID: id, Type: events.TypeClosed, Data: map[string]any{
		"reason": reason.Code,
		"detail": reason.Detail,
	}})
	m.log.WithFields(logrus.Fields{
		"session": id,
		"reason":  reason.Code,
		"fatal":   reason.Fatal,
	}).Info("session closed")

	if reason.Fatal && m.alerter != nil {
		phone := ""
		if rec != nil {
			phone = rec.Phone
		}
		m.alerter.SessionFailed(id, phone, reason.Code+": "+reason.Detail)
	}
	sess.Release()
}

// driveQR forwards QR codes to the event stream until the flow ends. Each
// code is also rendered to a PNG next to the session's credentials.
func (m *Manager) driveQR(id string, qr <-chan QRItem) {
	defer m.wg.Done()
	log := m.log.WithField("session", id)

	for item := range qr {
		switch {
		case item.Code != "":
			data := map[string]any{"code": item.Code}
			if path, err := m.writeQRImage(id, item.Code); err != nil {
				log.WithError(err).Warn("failed to write qr image")
			} else {
				data["image"] = path
			}
			m.bus.Publish(events.Event{SessionID: id, Type: events.TypePairingCode, Data: data})

		case item.Done:
			log.Info("qr login finished")
			return

		case item.Err != nil:
			log.WithError(item.Err).Warn("qr login failed")
			m.bus.Publish(events.Event{SessionID: id, Type: events.TypeError, Data: map[string]any{
				"message": "qr login failed",
				"details": item.Err.Error(),
			}})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.CloseSession(ctx, id, session.StatusFailed, "qr login failed"); err != nil {
				log.WithError(err).Warn("failed to close session after qr failure")
			}
			cancel()
			return
		}
	}
}

func (m *Manager) writeQRImage(id, code string) (string, error) {
	dir := SessionDir(m.cfg, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "qr.png")
	if err := qrcode.WriteFile(code, qrcode.Medium, 512, path); err != nil {
		return "", err
	}
	return path, nil
}

// CloseSession ends a session from outside the drive loop (owner request,
// suspension teardown, QR failure). The record moves to the target status
// unless a terminal state already won; the runtime leaves the registry and
// the link is torn down with a best-effort logout.
func (m *Manager) CloseSession(ctx context.Context, id string, to session.Status, reason string) error {
	_, err := m.store.Transition(ctx, id, to, reason, time.Now())
	alreadyClosed := errors.Is(err, store.ErrTerminalStatus)
	if err != nil && !alreadyClosed {
		return err
	}

	rt := m.registry.Remove(id)
	if rt == nil && alreadyClosed {
		return nil
	}

	m.bus.Publish(events.Event{SessionID: id, Type: events.TypeClosed, Data: map[string]any{
		"reason": reason,
	}})
	if rt == nil {
		return nil
	}

	logoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rt.Handle.Logout(logoutCtx); err != nil {
		// Best effort: the close stands regardless.
		m.log.WithField("session", id).WithError(err).Warn("logout failed, dropping connection")
		rt.Handle.Disconnect()
	}
	if ws, ok := rt.Handle.(Session); ok {
		ws.Release()
	}
	m.log.WithFields(logrus.Fields{"session": id, "reason": reason}).Info("session torn down")
	return nil
}

// RecoverState reconciles records with reality after a restart: sessions
// that were mid-pairing are failed (their flow died with the process), and
// previously connected sessions are redialed with a fresh billing anchor
// so the downtime is not charged.
func (m *Manager) RecoverState(ctx context.Context) error {
	stale, err := m.store.SessionsByStatus(ctx, session.StatusPairing)
	if err != nil {
		return fmt.Errorf("failed to list pairing sessions: %w", err)
	}
	for _, rec := range stale {
		if _, err := m.store.Transition(ctx, rec.ID, session.StatusFailed, "interrupted by restart", time.Now()); err != nil {
			m.log.WithField("session", rec.ID).WithError(err).Warn("failed to fail stale pairing session")
		}
	}

	connected, err := m.store.SessionsByStatus(ctx, session.StatusConnected)
	if err != nil {
		return fmt.Errorf("failed to list connected sessions: %w", err)
	}
	resumed := 0
	for _, rec := range connected {
		if err := m.resume(ctx, rec); err != nil {
			m.log.WithField("session", rec.ID).WithError(err).Warn("failed to resume session")
			if _, terr := m.store.Transition(ctx, rec.ID, session.StatusDisconnected, "resume failed", time.Now()); terr != nil {
				m.log.WithField("session", rec.ID).WithError(terr).Warn("failed to record resume failure")
			}
			continue
		}
		resumed++
	}

	m.log.WithFields(logrus.Fields{
		"stale_pairing": len(stale),
		"resumed":       resumed,
		"lost":          len(connected) - resumed,
	}).Info("startup state recovery complete")
	return nil
}

func (m *Manager) resume(ctx context.Context, rec *store.Session) error {
	if err := m.store.ResetChargeAnchor(ctx, rec.ID, time.Now()); err != nil {
		return fmt.Errorf("failed to reset charge anchor: %w", err)
	}
	sess, err := m.dialer.Dial(ctx, rec)
	if err != nil {
		return err
	}

	rt := &session.Runtime{ID: rec.ID, UserID: rec.UserID, Phone: rec.Phone, Handle: sess}
	m.registry.Register(rt)
	m.wg.Add(1)
	go m.drive(rt, sess)

	if err := sess.Connect(); err != nil {
		m.registry.Remove(rec.ID)
		sess.Release()
		return err
	}
	return nil
}

// ReconcileRegistry drops any live handle whose record has left the active
// states. Normal teardown keeps the two in step; this repairs the map when
// a path missed.
func (m *Manager) ReconcileRegistry(ctx context.Context) {
	for _, rt := range m.registry.All() {
		rec, err := m.store.SessionByID(ctx, rt.ID)
		if err != nil {
			m.log.WithField("session", rt.ID).WithError(err).Warn("failed to load record during reconcile")
			continue
		}
		if rec.Status.Active() {
			continue
		}
		m.log.WithFields(logrus.Fields{
			"session": rt.ID,
			"status":  rec.Status,
		}).Warn("live handle under closed record, removing")
		m.registry.Remove(rt.ID)
		rt.Handle.Disconnect()
		if ws, ok := rt.Handle.(Session); ok {
			ws.Release()
		}
	}
}

// Shutdown disconnects every live session without touching records, so
// connected sessions resume on the next boot.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, rt := range m.registry.All() {
		m.registry.Remove(rt.ID)
		rt.Handle.Disconnect()
		if ws, ok := rt.Handle.(Session); ok {
			ws.Release()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn("timed out waiting for session loops to stop")
	}
}
