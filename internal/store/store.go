package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Crazynotdev/verbose-waffle/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	email           TEXT NOT NULL UNIQUE,
	password_hash   TEXT NOT NULL,
	balance         INTEGER NOT NULL DEFAULT 0,
	is_admin        INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	last_pairing_at INTEGER
);

CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL REFERENCES users(id),
	phone           TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	connected_at    INTEGER,
	closed_at       INTEGER,
	close_reason    TEXT,
	last_charged_at INTEGER,
	pairing_code    TEXT,
	creds_dir       TEXT NOT NULL DEFAULT '',
	device_jid      TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

// Store owns all user and session state. Every read-modify-write sequence
// is a single method holding the store mutex and a SQLite transaction, so
// callers never observe or produce interleaved partial updates.
type Store struct {
	mu sync.Mutex
	db *sqlx.DB
}

// Open opens (creating if necessary) the database at path and applies the
// schema. Pass ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids lock errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser inserts a new account with the signup bonus as the starting
// balance. Returns ErrEmailTaken if the email is already registered.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string, bonus int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM users WHERE email = ?`, email); err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, ErrEmailTaken
	}

	u := &User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Balance:      bonus,
		CreatedAt:    time.Now().Unix(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, balance, is_admin, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		u.ID, u.Email, u.PasswordHash, u.Balance, u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE email = ?`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreditUser adds coins to a balance and returns the updated user.
func (s *Store) CreditUser(ctx context.Context, id string, coins int64) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE users SET balance = balance + ? WHERE id = ?`, coins, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.UserByID(ctx, id)
}

// SetAdmin flips the operator flag on an account.
func (s *Store) SetAdmin(ctx context.Context, id string, admin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_admin = ? WHERE id = ?`, admin, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdmitParams carries the admission limits for a pairing request.
type AdmitParams struct {
	PairingCost int64
	Cooldown    time.Duration
	MaxActive   int
}

// AdmitPairing runs the full admission decision in one transaction: user
// cooldown, global active-session capacity, balance floor. On success it
// debits the pairing cost, stamps the request time and inserts the session
// record in the pairing state, all atomically. On any rejection nothing is
// written.
func (s *Store) AdmitPairing(ctx context.Context, userID, phone string, now time.Time, p AdmitParams) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var u User
	err = tx.GetContext(ctx, &u, `SELECT * FROM users WHERE id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if u.LastPairingAt.Valid && now.Unix()-u.LastPairingAt.Int64 < int64(p.Cooldown/time.Second) {
		return nil, ErrCooldownActive
	}

	var active int
	err = tx.GetContext(ctx, &active,
		`SELECT COUNT(*) FROM sessions WHERE status IN (?, ?)`,
		session.StatusPairing, session.StatusConnected)
	if err != nil {
		return nil, err
	}
	if active >= p.MaxActive {
		return nil, ErrCapacityReached
	}

	if u.Balance < p.PairingCost {
		return nil, ErrInsufficientBalance
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users SET balance = balance - ?, last_pairing_at = ? WHERE id = ?`,
		p.PairingCost, now.Unix(), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to debit pairing cost: %w", err)
	}

	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Phone:     phone,
		Status:    session.StatusPairing,
		CreatedAt: now.Unix(),
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, phone, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Phone, sess.Status, sess.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) SessionByID(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) SessionsByUser(ctx context.Context, userID string) ([]*Session, error) {
	var out []*Session
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
	return out, err
}

func (s *Store) SessionsByStatus(ctx context.Context, st session.Status) ([]*Session, error) {
	var out []*Session
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM sessions WHERE status = ? ORDER BY created_at`, st)
	return out, err
}

// CountActive returns the number of sessions holding capacity (pairing or
// connected).
func (s *Store) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM sessions WHERE status IN (?, ?)`,
		session.StatusPairing, session.StatusConnected)
	return n, err
}

// Transition moves a session to a new status. Terminal states are final:
// asking to leave one returns ErrTerminalStatus and writes nothing. A
// transition to the current status is a no-op. Moving to connected stamps
// the connection time and starts the billing anchor; moving to a terminal
// state stamps the close time and reason.
func (s *Store) Transition(ctx context.Context, id string, to session.Status, reason string, now time.Time) (*Session, error) {
	if !to.Valid() || to == session.StatusPairing {
		return nil, fmt.Errorf("invalid target status %q", to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var cur Session
	err = tx.GetContext(ctx, &cur, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if cur.Status == to {
		return &cur, nil
	}
	if cur.Status.Terminal() {
		return nil, ErrTerminalStatus
	}

	if to == session.StatusConnected {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, connected_at = ?, last_charged_at = ? WHERE id = ?`,
			to, now.Unix(), now.Unix(), id)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, closed_at = ?, close_reason = NULLIF(?, '') WHERE id = ?`,
			to, now.Unix(), reason, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update session status: %w", err)
	}

	var updated Session
	if err := tx.GetContext(ctx, &updated, `SELECT * FROM sessions WHERE id = ?`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetPairingCode records the most recently issued pairing code (purely
// informational; codes expire on the protocol side).
func (s *Store) SetPairingCode(ctx context.Context, id, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET pairing_code = ? WHERE id = ?`, code, id)
	return err
}

// SetDevice records where a session keeps its credentials and, once known,
// the device identity on the protocol network.
func (s *Store) SetDevice(ctx context.Context, id, credsDir, deviceJID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET creds_dir = ?, device_jid = NULLIF(?, '') WHERE id = ?`,
		credsDir, deviceJID, id)
	return err
}

// ResetChargeAnchor restarts the billing clock for a connected session.
// Used when a session is resumed after a process restart so downtime is
// not billed.
func (s *Store) ResetChargeAnchor(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_charged_at = ? WHERE id = ? AND status = ?`,
		now.Unix(), id, session.StatusConnected)
	return err
}
