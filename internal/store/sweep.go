package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Crazynotdev/verbose-waffle/internal/session"
)

// Charge describes one session's debit from a metering sweep. Amount is
// what was actually taken after clamping at zero, Balance the owner's
// balance afterwards.
type Charge struct {
	SessionID string
	UserID    string
	Email     string
	Phone     string
	Minutes   int64
	Amount    int64
	Balance   int64
}

// SweepResult is the outcome of one metering sweep.
type SweepResult struct {
	Charges   []Charge
	Suspended []*Session
}

type meteredRow struct {
	ID            string        `db:"id"`
	UserID        string        `db:"user_id"`
	Phone         string        `db:"phone"`
	LastChargedAt sql.NullInt64 `db:"last_charged_at"`
	Balance       int64         `db:"balance"`
	Email         string        `db:"email"`
}

// SweepCharges bills every connected session for the whole minutes elapsed
// since its charge anchor, in a single transaction. The anchor advances by
// exactly the minutes charged, so partial minutes carry into the next
// sweep. Debits clamp at zero. A session whose owner ends the sweep at
// zero balance while time was owed is suspended inside the same
// transaction.
func (s *Store) SweepCharges(ctx context.Context, now time.Time, costPerMinute int64) (*SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var rows []meteredRow
	err = tx.SelectContext(ctx, &rows,
		`SELECT s.id, s.user_id, s.phone, s.last_charged_at, u.balance, u.email
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.status = ? ORDER BY s.created_at`,
		session.StatusConnected)
	if err != nil {
		return nil, err
	}

	result := &SweepResult{}
	// A user can own several connected sessions; track the running balance
	// so charges within one sweep stack correctly.
	balances := make(map[string]int64)

	for _, row := range rows {
		if !row.LastChargedAt.Valid {
			continue
		}
		minutes := (now.Unix() - row.LastChargedAt.Int64) / 60
		if minutes < 1 {
			continue
		}

		bal, seen := balances[row.UserID]
		if !seen {
			bal = row.Balance
		}

		amount := minutes * costPerMinute
		debit := amount
		if debit > bal {
			debit = bal
		}
		newBal := bal - debit
		balances[row.UserID] = newBal

		if debit > 0 {
			_, err = tx.ExecContext(ctx, `UPDATE users SET balance = ? WHERE id = ?`, newBal, row.UserID)
			if err != nil {
				return nil, fmt.Errorf("failed to debit user %s: %w", row.UserID, err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET last_charged_at = ? WHERE id = ?`,
			row.LastChargedAt.Int64+minutes*60, row.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to advance charge anchor for %s: %w", row.ID, err)
		}

		result.Charges = append(result.Charges, Charge{
			SessionID: row.ID,
			UserID:    row.UserID,
			Email:     row.Email,
			Phone:     row.Phone,
			Minutes:   minutes,
			Amount:    debit,
			Balance:   newBal,
		})

		if newBal == 0 && amount > 0 {
			_, err = tx.ExecContext(ctx,
				`UPDATE sessions SET status = ?, closed_at = ?, close_reason = ? WHERE id = ?`,
				session.StatusSuspended, now.Unix(), "balance exhausted", row.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to suspend session %s: %w", row.ID, err)
			}
			var suspended Session
			if err := tx.GetContext(ctx, &suspended, `SELECT * FROM sessions WHERE id = ?`, row.ID); err != nil {
				return nil, err
			}
			result.Suspended = append(result.Suspended, &suspended)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}
