// Package command routes normalized text commands coming from live
// protocol sessions or from the API into handlers and sends the replies.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/Crazynotdev/verbose-waffle/internal/antiban"
	"github.com/Crazynotdev/verbose-waffle/internal/config"
	"github.com/Crazynotdev/verbose-waffle/internal/session"
	"github.com/Crazynotdev/verbose-waffle/internal/store"
)

// ErrNotLive is returned for an API dispatch against a session with no
// live connection.
var ErrNotLive = errors.New("session has no live connection")

// Result is the outcome of one dispatch. A send failure lands in Error
// instead of crashing the message loop; input that is not addressed to the
// bot (no text, wrong prefix) is flagged Ignored and has no side effects.
type Result struct {
	OK      bool   `json:"ok"`
	Ignored bool   `json:"ignored,omitempty"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Dispatcher parses the command prefix, executes the matched handler and
// replies through the session's live handle.
type Dispatcher struct {
	prefix   string
	store    *store.Store
	registry *session.Registry
	pacer    *antiban.Engine
	log      *logrus.Entry
}

// NewDispatcher wires the dispatcher. pacer may be nil to send replies
// immediately (API dispatches never pace regardless).
func NewDispatcher(cfg *config.Config, st *store.Store, registry *session.Registry, pacer *antiban.Engine) *Dispatcher {
	return &Dispatcher{
		prefix:   cfg.CommandPrefix,
		store:    st,
		registry: registry,
		pacer:    pacer,
		log:      logrus.WithField("component", "command"),
	}
}

// HandleInbound processes a text message received on a live session,
// replying to its sender. Non-command traffic is ignored silently.
func (d *Dispatcher) HandleInbound(ctx context.Context, sessionID, sender, text string) {
	rt, ok := d.registry.Get(sessionID)
	if !ok {
		// The session closed between the event and the dispatch.
		d.log.WithField("session", sessionID).Debug("inbound message for session without runtime")
		return
	}

	res := d.dispatch(ctx, rt, sender, text, true)
	if res.Ignored {
		return
	}
	d.log.WithFields(logrus.Fields{
		"session": sessionID,
		"from":    sender,
		"ok":      res.OK,
	}).Info("inbound command handled")
}

// DispatchAPI runs a command on behalf of the session owner; the reply
// goes to the session's own number.
func (d *Dispatcher) DispatchAPI(ctx context.Context, sessionID, text string) (Result, error) {
	rt, ok := d.registry.Get(sessionID)
	if !ok {
		return Result{}, ErrNotLive
	}
	return d.dispatch(ctx, rt, rt.Phone, text, false), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, rt *session.Runtime, replyTo, text string, paced bool) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || !strings.HasPrefix(trimmed, d.prefix) {
		return Result{Ignored: true}
	}

	fields := strings.Fields(trimmed[len(d.prefix):])
	if len(fields) == 0 {
		return Result{Ignored: true}
	}
	name := strings.ToLower(fields[0])

	// Everything after the command token, verbatim.
	rest := strings.TrimPrefix(trimmed[len(d.prefix):], fields[0])
	rest = strings.TrimLeft(rest, " \t")

	reply := d.execute(ctx, rt, name, rest)

	if paced && d.pacer != nil {
		d.pacer.Wait(ctx, reply)
	}

	if err := rt.Handle.SendText(ctx, replyTo, reply); err != nil {
		d.log.WithFields(logrus.Fields{
			"session": rt.ID,
			"command": name,
		}).WithError(err).Warn("failed to send reply")
		return Result{Error: err.Error()}
	}
	return Result{OK: true, Result: reply}
}

func (d *Dispatcher) execute(ctx context.Context, rt *session.Runtime, name, rest string) string {
	switch name {
	case "ping":
		return "pong"
	case "help":
		return d.helpText()
	case "info":
		return d.infoText(ctx, rt)
	case "echo":
		if rest == "" {
			return fmt.Sprintf("Usage: %secho <text>", d.prefix)
		}
		return rest
	default:
		return fmt.Sprintf("Unknown command: %s\nSend %shelp for the list of commands.", name, d.prefix)
	}
}

func (d *Dispatcher) helpText() string {
	p := d.prefix
	return strings.Join([]string{
		"Commands:",
		p + "ping - check the bot is alive",
		p + "help - this listing",
		p + "info - session details",
		p + "echo <text> - repeat <text>",
	}, "\n")
}

func (d *Dispatcher) infoText(ctx context.Context, rt *session.Runtime) string {
	lines := []string{
		"Session " + rt.ID,
		"Phone: " + rt.Phone,
	}

	rec, err := d.store.SessionByID(ctx, rt.ID)
	if err != nil {
		d.log.WithField("session", rt.ID).WithError(err).Warn("failed to load session for info")
		return strings.Join(lines, "\n")
	}

	if owner, err := d.store.UserByID(ctx, rec.UserID); err == nil {
		lines = append(lines, "Owner: "+owner.Email)
	}
	lines = append(lines, "Status: "+string(rec.Status))
	if rec.ConnectedAt.Valid {
		lines = append(lines, "Connected: "+humanize.Time(time.Unix(rec.ConnectedAt.Int64, 0)))
	}
	return strings.Join(lines, "\n")
}
