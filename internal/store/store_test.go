package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Crazynotdev/verbose-waffle/internal/session"
)

var t0 = time.Unix(1700000000, 0)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestUser(t *testing.T, s *Store, email string, balance int64) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), email, "hash", balance)
	require.NoError(t, err)
	return u
}

func defaultAdmit() AdmitParams {
	return AdmitParams{PairingCost: 5, Cooldown: 30 * time.Second, MaxActive: 20}
}

func TestCreateUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(t, s, "a@example.com", 10)
	assert.Equal(t, int64(10), u.Balance)
	assert.False(t, u.IsAdmin)

	got, err := s.UserByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.CreateUser(ctx, "a@example.com", "hash2", 10)
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = s.UserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.UserByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreditUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newTestUser(t, s, "a@example.com", 3)
	got, err := s.CreditUser(ctx, u.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Balance)

	_, err = s.CreditUser(ctx, "missing", 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdmitPairingDebitsAndStamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 10)

	sess, err := s.AdmitPairing(ctx, u.ID, "33612345678", t0, defaultAdmit())
	require.NoError(t, err)
	assert.Equal(t, session.StatusPairing, sess.Status)
	assert.Equal(t, "33612345678", sess.Phone)

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Balance)
	require.True(t, got.LastPairingAt.Valid)
	assert.Equal(t, t0.Unix(), got.LastPairingAt.Int64)
}

func TestAdmitPairingExactBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 5)

	_, err := s.AdmitPairing(ctx, u.ID, "33612345678", t0, defaultAdmit())
	require.NoError(t, err)

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Balance)
}

func TestAdmitPairingCooldown(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 100)

	_, err := s.AdmitPairing(ctx, u.ID, "33612345678", t0, defaultAdmit())
	require.NoError(t, err)

	_, err = s.AdmitPairing(ctx, u.ID, "33612345678", t0.Add(10*time.Second), defaultAdmit())
	assert.ErrorIs(t, err, ErrCooldownActive)

	// The rejection must not have debited anything.
	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(95), got.Balance)

	// Exactly at the cooldown boundary the request goes through.
	_, err = s.AdmitPairing(ctx, u.ID, "33612345678", t0.Add(30*time.Second), defaultAdmit())
	assert.NoError(t, err)
}

func TestAdmitPairingCapacity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := newTestUser(t, s, "a@example.com", 100)
	b := newTestUser(t, s, "b@example.com", 100)

	params := defaultAdmit()
	params.MaxActive = 1

	_, err := s.AdmitPairing(ctx, a.ID, "33611111111", t0, params)
	require.NoError(t, err)

	_, err = s.AdmitPairing(ctx, b.ID, "33622222222", t0, params)
	assert.ErrorIs(t, err, ErrCapacityReached)

	got, err := s.UserByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance, "rejected request must not debit")
	assert.False(t, got.LastPairingAt.Valid, "rejected request must not start a cooldown")
}

func TestAdmitPairingCapacityFreedByTerminalState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := newTestUser(t, s, "a@example.com", 100)
	b := newTestUser(t, s, "b@example.com", 100)

	params := defaultAdmit()
	params.MaxActive = 1

	sess, err := s.AdmitPairing(ctx, a.ID, "33611111111", t0, params)
	require.NoError(t, err)

	_, err = s.Transition(ctx, sess.ID, session.StatusFailed, "pairing failed", t0.Add(time.Second))
	require.NoError(t, err)

	_, err = s.AdmitPairing(ctx, b.ID, "33622222222", t0.Add(2*time.Second), params)
	assert.NoError(t, err)
}

func TestAdmitPairingInsufficientBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 4)

	_, err := s.AdmitPairing(ctx, u.ID, "33612345678", t0, defaultAdmit())
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Balance)
}

func TestTransitionConnectedStampsAnchor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 100)

	sess, err := s.AdmitPairing(ctx, u.ID, "33612345678", t0, defaultAdmit())
	require.NoError(t, err)

	now := t0.Add(20 * time.Second)
	got, err := s.Transition(ctx, sess.ID, session.StatusConnected, "", now)
	require.NoError(t, err)
	assert.Equal(t, session.StatusConnected, got.Status)
	require.True(t, got.ConnectedAt.Valid)
	assert.Equal(t, now.Unix(), got.ConnectedAt.Int64)
	require.True(t, got.LastChargedAt.Valid)
	assert.Equal(t, now.Unix(), got.LastChargedAt.Int64)
}

func TestTransitionTerminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 100)

	sess, err := s.AdmitPairing(ctx, u.ID, "33612345678", t0, defaultAdmit())
	require.NoError(t, err)

	got, err := s.Transition(ctx, sess.ID, session.StatusFailed, "stream error", t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, got.Status)
	require.True(t, got.CloseReason.Valid)
	assert.Equal(t, "stream error", got.CloseReason.String)

	for _, target := range []session.Status{
		session.StatusConnected,
		session.StatusDisconnected,
		session.StatusSuspended,
	} {
		_, err = s.Transition(ctx, sess.ID, target, "", t0.Add(2*time.Second))
		assert.ErrorIs(t, err, ErrTerminalStatus, "failed -> %s must be refused", target)
	}

	// Re-asserting the current terminal status is a harmless no-op.
	got, err = s.Transition(ctx, sess.ID, session.StatusFailed, "again", t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "stream error", got.CloseReason.String, "no-op must not rewrite the reason")
}

func TestTransitionRejectsInvalidTargets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Transition(ctx, "any", session.StatusPairing, "", t0)
	assert.Error(t, err)
	_, err = s.Transition(ctx, "any", session.Status("bogus"), "", t0)
	assert.Error(t, err)
	_, err = s.Transition(ctx, "missing", session.StatusConnected, "", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func connectSession(t *testing.T, s *Store, userID, phone string, at time.Time) *Session {
	t.Helper()
	sess, err := s.AdmitPairing(context.Background(), userID, phone, at, defaultAdmit())
	require.NoError(t, err)
	got, err := s.Transition(context.Background(), sess.ID, session.StatusConnected, "", at)
	require.NoError(t, err)
	return got
}

func TestSweepChargesWholeMinutesWithCarry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 100)
	sess := connectSession(t, s, u.ID, "33612345678", t0)

	// 90s elapsed: one whole minute charged, 30s carries over.
	res, err := s.SweepCharges(ctx, t0.Add(90*time.Second), 1)
	require.NoError(t, err)
	require.Len(t, res.Charges, 1)
	assert.Equal(t, int64(1), res.Charges[0].Minutes)
	assert.Equal(t, int64(1), res.Charges[0].Amount)
	assert.Empty(t, res.Suspended)

	got, err := s.SessionByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(60*time.Second).Unix(), got.LastChargedAt.Int64)

	// 29s later the carried 30s still hasn't reached a minute.
	res, err = s.SweepCharges(ctx, t0.Add(119*time.Second), 1)
	require.NoError(t, err)
	assert.Empty(t, res.Charges)

	// 6s more and the carried residue completes the second minute.
	res, err = s.SweepCharges(ctx, t0.Add(125*time.Second), 1)
	require.NoError(t, err)
	require.Len(t, res.Charges, 1)
	assert.Equal(t, int64(1), res.Charges[0].Amount)

	user, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(93), user.Balance) // 100 - 5 pairing - 2 metered
}

func TestSweepChargesNoDoubleCharge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 100)
	connectSession(t, s, u.ID, "33612345678", t0)

	// Many sweeps inside the same minute charge exactly once.
	total := int64(0)
	for _, offset := range []time.Duration{61, 62, 70, 90, 119} {
		res, err := s.SweepCharges(ctx, t0.Add(offset*time.Second), 1)
		require.NoError(t, err)
		for _, c := range res.Charges {
			total += c.Amount
		}
	}
	assert.Equal(t, int64(1), total)
}

func TestSweepChargesSuspendsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 7) // 5 pairing cost + 2 coins of runtime
	sess := connectSession(t, s, u.ID, "33612345678", t0)

	res, err := s.SweepCharges(ctx, t0.Add(60*time.Second), 1)
	require.NoError(t, err)
	require.Len(t, res.Charges, 1)
	assert.Equal(t, int64(1), res.Charges[0].Balance)
	assert.Empty(t, res.Suspended)

	res, err = s.SweepCharges(ctx, t0.Add(120*time.Second), 1)
	require.NoError(t, err)
	require.Len(t, res.Suspended, 1)
	assert.Equal(t, sess.ID, res.Suspended[0].ID)
	assert.Equal(t, session.StatusSuspended, res.Suspended[0].Status)
	assert.Equal(t, "balance exhausted", res.Suspended[0].CloseReason.String)

	user, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), user.Balance)

	// Suspension is terminal.
	_, err = s.Transition(ctx, sess.ID, session.StatusConnected, "", t0.Add(121*time.Second))
	assert.ErrorIs(t, err, ErrTerminalStatus)
}

func TestSweepChargesClampsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 6) // one coin left after pairing
	connectSession(t, s, u.ID, "33612345678", t0)

	// Five minutes owed but only one coin available: debit clamps, the
	// balance never goes negative, and the session is suspended.
	res, err := s.SweepCharges(ctx, t0.Add(5*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, res.Charges, 1)
	assert.Equal(t, int64(5), res.Charges[0].Minutes)
	assert.Equal(t, int64(1), res.Charges[0].Amount)
	assert.Equal(t, int64(0), res.Charges[0].Balance)
	require.Len(t, res.Suspended, 1)

	user, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), user.Balance)
}

func TestSweepChargesSharedBalanceAcrossSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 11) // two pairings (10) + 1 coin

	first := connectSession(t, s, u.ID, "33611111111", t0)
	// Second admission needs the cooldown to have passed.
	second, err := s.AdmitPairing(ctx, u.ID, "33622222222", t0.Add(30*time.Second), defaultAdmit())
	require.NoError(t, err)
	_, err = s.Transition(ctx, second.ID, session.StatusConnected, "", t0.Add(30*time.Second))
	require.NoError(t, err)

	// Both sessions owe a minute; only one coin exists. Both end suspended.
	res, err := s.SweepCharges(ctx, t0.Add(100*time.Second), 1)
	require.NoError(t, err)
	require.Len(t, res.Charges, 2)
	assert.Equal(t, int64(1), res.Charges[0].Amount)
	assert.Equal(t, int64(0), res.Charges[1].Amount, "second debit clamps against the shared balance")
	assert.Len(t, res.Suspended, 2)

	user, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), user.Balance)

	for _, id := range []string{first.ID, second.ID} {
		got, err := s.SessionByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, session.StatusSuspended, got.Status)
	}
}

func TestSweepIgnoresNonConnectedSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 100)

	sess, err := s.AdmitPairing(ctx, u.ID, "33612345678", t0, defaultAdmit())
	require.NoError(t, err)

	res, err := s.SweepCharges(ctx, t0.Add(10*time.Minute), 1)
	require.NoError(t, err)
	assert.Empty(t, res.Charges, "pairing sessions are not billed")

	_, err = s.Transition(ctx, sess.ID, session.StatusFailed, "", t0.Add(11*time.Minute))
	require.NoError(t, err)

	res, err = s.SweepCharges(ctx, t0.Add(20*time.Minute), 1)
	require.NoError(t, err)
	assert.Empty(t, res.Charges, "terminal sessions are not billed")
}

func TestResetChargeAnchor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 100)
	sess := connectSession(t, s, u.ID, "33612345678", t0)

	later := t0.Add(time.Hour)
	require.NoError(t, s.ResetChargeAnchor(ctx, sess.ID, later))

	res, err := s.SweepCharges(ctx, later.Add(30*time.Second), 1)
	require.NoError(t, err)
	assert.Empty(t, res.Charges, "the hour before the reset is not billed")
}

func TestSessionsQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := newTestUser(t, s, "a@example.com", 100)
	b := newTestUser(t, s, "b@example.com", 100)

	s1, err := s.AdmitPairing(ctx, a.ID, "33611111111", t0, defaultAdmit())
	require.NoError(t, err)
	_, err = s.AdmitPairing(ctx, b.ID, "33622222222", t0, defaultAdmit())
	require.NoError(t, err)

	mine, err := s.SessionsByUser(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, s1.ID, mine[0].ID)

	active, err := s.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	pairing, err := s.SessionsByStatus(ctx, session.StatusPairing)
	require.NoError(t, err)
	assert.Len(t, pairing, 2)

	_, err = s.Transition(ctx, s1.ID, session.StatusFailed, "", t0.Add(time.Second))
	require.NoError(t, err)

	active, err = s.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestSetPairingCodeAndDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := newTestUser(t, s, "a@example.com", 100)

	sess, err := s.AdmitPairing(ctx, u.ID, "33612345678", t0, defaultAdmit())
	require.NoError(t, err)

	require.NoError(t, s.SetPairingCode(ctx, sess.ID, "ABCD-1234"))
	require.NoError(t, s.SetDevice(ctx, sess.ID, "/data/sessions/"+sess.ID, "33612345678:1@s.whatsapp.net"))

	got, err := s.SessionByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", got.PairingCode.String)
	assert.Equal(t, "/data/sessions/"+sess.ID, got.CredsDir)
	assert.Equal(t, "33612345678:1@s.whatsapp.net", got.DeviceJID.String)
}
