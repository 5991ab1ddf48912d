package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Crazynotdev/verbose-waffle/internal/config"
	"github.com/Crazynotdev/verbose-waffle/internal/session"
	"github.com/Crazynotdev/verbose-waffle/internal/store"
)

type fakeOrch struct {
	mu         sync.Mutex
	closeErr   error
	closed     []string
	reconciles int
}

func (o *fakeOrch) CloseSession(ctx context.Context, id string, to session.Status, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = append(o.closed, id)
	return o.closeErr
}

func (o *fakeOrch) ReconcileRegistry(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconciles++
}

func (o *fakeOrch) closedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.closed...)
}

type suspensionAlert struct {
	sessionID, email, phone string
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []suspensionAlert
}

func (a *fakeAlerter) SessionSuspended(sessionID, email, phone string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, suspensionAlert{sessionID, email, phone})
}

type billingEnv struct {
	scheduler *Scheduler
	st        *store.Store
	clock     *clockwork.FakeClock
	orch      *fakeOrch
	alerter   *fakeAlerter
	owner     *store.User
	rec       *store.Session
	t0        time.Time
}

// newBillingEnv opens an in-memory store with one connected session whose
// owner holds the given balance, charge anchor at t0.
func newBillingEnv(t *testing.T, balance int64) *billingEnv {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	t0 := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

	owner, err := st.CreateUser(context.Background(), "owner@example.com", "hash", balance+1)
	require.NoError(t, err)
	rec, err := st.AdmitPairing(context.Background(), owner.ID, "33612345678", t0, store.AdmitParams{
		PairingCost: 1,
		MaxActive:   10,
	})
	require.NoError(t, err)
	rec, err = st.Transition(context.Background(), rec.ID, session.StatusConnected, "", t0)
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(t0)
	orch := &fakeOrch{}
	alerter := &fakeAlerter{}
	cfg := &config.Config{MeterInterval: time.Minute, CostPerMinute: 1}

	return &billingEnv{
		scheduler: NewScheduler(cfg, st, orch, alerter, clock),
		st:        st,
		clock:     clock,
		orch:      orch,
		alerter:   alerter,
		owner:     owner,
		rec:       rec,
		t0:        t0,
	}
}

func (env *billingEnv) balance(t *testing.T) int64 {
	t.Helper()
	u, err := env.st.UserByID(context.Background(), env.owner.ID)
	require.NoError(t, err)
	return u.Balance
}

func TestTickChargesElapsedMinutes(t *testing.T) {
	env := newBillingEnv(t, 100)

	env.clock.Advance(90 * time.Second)
	env.scheduler.Tick(context.Background())

	assert.Equal(t, int64(99), env.balance(t), "one whole minute charged, residual carried")
	assert.Empty(t, env.orch.closedIDs())
	assert.Empty(t, env.alerter.alerts)
}

func TestTickNeverDoubleCharges(t *testing.T) {
	env := newBillingEnv(t, 100)

	// Many sweeps inside one minute charge exactly once in total.
	for i := 0; i < 6; i++ {
		env.clock.Advance(10 * time.Second)
		env.scheduler.Tick(context.Background())
	}

	assert.Equal(t, int64(99), env.balance(t))
}

func TestTickChargeMatchesElapsedTimeRegardlessOfCadence(t *testing.T) {
	env := newBillingEnv(t, 100)

	// One sweep after five minutes bills the same as five prompt sweeps.
	env.clock.Advance(5 * time.Minute)
	env.scheduler.Tick(context.Background())

	assert.Equal(t, int64(95), env.balance(t))
}

func TestTickSuspendsAndTearsDown(t *testing.T) {
	env := newBillingEnv(t, 2)

	env.clock.Advance(10 * time.Minute)
	env.scheduler.Tick(context.Background())

	assert.Equal(t, int64(0), env.balance(t), "charge clamps at zero")

	rec, err := env.st.SessionByID(context.Background(), env.rec.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuspended, rec.Status)

	require.Len(t, env.orch.closedIDs(), 1)
	assert.Equal(t, env.rec.ID, env.orch.closedIDs()[0])

	require.Len(t, env.alerter.alerts, 1)
	alert := env.alerter.alerts[0]
	assert.Equal(t, env.rec.ID, alert.sessionID)
	assert.Equal(t, "owner@example.com", alert.email)
	assert.Equal(t, "33612345678", alert.phone)
}

func TestTickTeardownFailureKeepsSuspension(t *testing.T) {
	env := newBillingEnv(t, 1)
	env.orch.closeErr = errors.New("logout timed out")

	env.clock.Advance(3 * time.Minute)
	env.scheduler.Tick(context.Background())

	rec, err := env.st.SessionByID(context.Background(), env.rec.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusSuspended, rec.Status, "billing outcome stands even when teardown fails")
	assert.Len(t, env.alerter.alerts, 1, "alert still fires")
}

func TestTickSuspendedSessionNotChargedAgain(t *testing.T) {
	env := newBillingEnv(t, 1)

	env.clock.Advance(2 * time.Minute)
	env.scheduler.Tick(context.Background())
	require.Equal(t, int64(0), env.balance(t))

	env.clock.Advance(10 * time.Minute)
	env.scheduler.Tick(context.Background())

	assert.Equal(t, int64(0), env.balance(t))
	assert.Len(t, env.alerter.alerts, 1, "no repeat suspension alerts")
}

func TestTickReconcilesRegistry(t *testing.T) {
	env := newBillingEnv(t, 100)

	env.scheduler.Tick(context.Background())
	env.scheduler.Tick(context.Background())

	env.orch.mu.Lock()
	defer env.orch.mu.Unlock()
	assert.Equal(t, 2, env.orch.reconciles)
}

func TestSchedulerStartStop(t *testing.T) {
	env := newBillingEnv(t, 100)

	env.scheduler.Start()
	env.scheduler.Start() // second call is a no-op

	// Wait for the loop's ticker to arm, then fire one interval.
	env.clock.BlockUntil(1)
	env.clock.Advance(time.Minute)

	assert.Eventually(t, func() bool {
		return env.balance(t) == 99
	}, 2*time.Second, 10*time.Millisecond, "loop tick should charge the elapsed minute")

	env.scheduler.Stop()
	env.scheduler.Stop() // idempotent
}
