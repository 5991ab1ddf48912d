package store

import (
	"database/sql"

	"github.com/Crazynotdev/verbose-waffle/internal/session"
)

// User is an account row. Balance is in coins and is never observably
// negative: every debit path clamps at zero.
type User struct {
	ID            string        `db:"id" json:"id"`
	Email         string        `db:"email" json:"email"`
	PasswordHash  string        `db:"password_hash" json:"-"`
	Balance       int64         `db:"balance" json:"balance"`
	IsAdmin       bool          `db:"is_admin" json:"is_admin"`
	CreatedAt     int64         `db:"created_at" json:"created_at"`
	LastPairingAt sql.NullInt64 `db:"last_pairing_at" json:"-"`
}

// Session is a session record. Rows are never deleted; closed sessions keep
// their terminal status, close timestamp and reason for inspection.
// Timestamps are unix seconds.
type Session struct {
	ID            string         `db:"id" json:"id"`
	UserID        string         `db:"user_id" json:"user_id"`
	Phone         string         `db:"phone" json:"phone"`
	Status        session.Status `db:"status" json:"status"`
	CreatedAt     int64          `db:"created_at" json:"created_at"`
	ConnectedAt   sql.NullInt64  `db:"connected_at" json:"-"`
	ClosedAt      sql.NullInt64  `db:"closed_at" json:"-"`
	CloseReason   sql.NullString `db:"close_reason" json:"-"`
	LastChargedAt sql.NullInt64  `db:"last_charged_at" json:"-"`
	PairingCode   sql.NullString `db:"pairing_code" json:"-"`
	CredsDir      string         `db:"creds_dir" json:"-"`
	DeviceJID     sql.NullString `db:"device_jid" json:"-"`
}
