// Package gate is the admission control in front of session creation:
// phone format, per-user cooldown, global capacity and balance floor are
// all checked before any resources are committed.
package gate

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/sirupsen/logrus"

	"github.com/Crazynotdev/verbose-waffle/internal/config"
	"github.com/Crazynotdev/verbose-waffle/internal/store"
)

// ErrBadPhone rejects a phone identifier that is not 6-15 digits.
var ErrBadPhone = errors.New("phone must be 6-15 digits")

// Gate decides whether a pairing request is admitted. The decision and its
// side effects (debit, cooldown stamp, record creation) are evaluated
// against one consistent read of state inside the store.
type Gate struct {
	store  *store.Store
	params store.AdmitParams
	log    *logrus.Entry
}

func New(cfg *config.Config, st *store.Store) *Gate {
	return &Gate{
		store: st,
		params: store.AdmitParams{
			PairingCost: cfg.PairingCost,
			Cooldown:    cfg.PairingCooldown,
			MaxActive:   cfg.MaxActiveSessions,
		},
		log: logrus.WithField("component", "gate"),
	}
}

// NormalizePhone strips formatting ("+", spaces, dashes, parentheses) and
// validates the result as a 6-15 digit identifier.
func NormalizePhone(phone string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '+', ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, phone)

	err := validation.Validate(cleaned,
		validation.Required,
		validation.Length(6, 15),
		is.Digit,
	)
	if err != nil {
		return "", ErrBadPhone
	}
	return cleaned, nil
}

// Admit runs the four admission checks in order (format, cooldown,
// capacity, balance) and, when all pass, debits the pairing cost, stamps
// the cooldown and creates the session record in the pairing state. On any
// rejection nothing is written.
func (g *Gate) Admit(ctx context.Context, userID, phone string) (*store.Session, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	rec, err := g.store.AdmitPairing(ctx, userID, normalized, time.Now(), g.params)
	if err != nil {
		g.log.WithFields(logrus.Fields{
			"user":   userID,
			"reason": err,
		}).Info("pairing request rejected")
		return nil, err
	}

	g.log.WithFields(logrus.Fields{
		"user":    userID,
		"session": rec.ID,
		"phone":   normalized,
	}).Info("pairing request admitted")
	return rec, nil
}
