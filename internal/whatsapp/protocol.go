package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/Crazynotdev/verbose-waffle/internal/session"
	"github.com/Crazynotdev/verbose-waffle/internal/store"
)

// Login modes for a new session.
const (
	ModePairingCode = "code"
	ModeQR          = "qr"
)

// EventKind enumerates what the protocol side can report to a session's
// drive loop. Everything whatsmeow emits is folded into this set; the loop
// never sees raw library events.
type EventKind int

const (
	// KindConnected: the link is up and logged in.
	KindConnected EventKind = iota
	// KindPaired: the phone accepted the pairing; a reconnect follows.
	KindPaired
	// KindMessage: an inbound text message.
	KindMessage
	// KindInterrupted: the link dropped but the client is retrying on its
	// own. No status change.
	KindInterrupted
	// KindRestored: connectivity recovered after an interruption.
	KindRestored
	// KindClosed: the link is gone for good. Reason says how.
	KindClosed
)

func (k EventKind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindPaired:
		return "paired"
	case KindMessage:
		return "message"
	case KindInterrupted:
		return "interrupted"
	case KindRestored:
		return "restored"
	case KindClosed:
		return "closed"
	}
	return "unknown"
}

// Event is one entry on a session's protocol event stream.
type Event struct {
	Kind    EventKind
	Detail  string
	Message *InboundMessage // set for KindMessage
	Reason  CloseReason     // set for KindClosed
}

// CloseReason classifies a final connection close. Fatal reasons mean the
// credentials are no longer usable (logged out, replaced, banned); the
// session record moves to failed. Non-fatal closes move it to
// disconnected.
type CloseReason struct {
	Code   string
	Detail string
	Fatal  bool
}

// Close reason codes. Unrecognized protocol-side closes map to
// ReasonDisconnected.
const (
	ReasonLoggedOut      = "logged_out"
	ReasonStreamReplaced = "stream_replaced"
	ReasonTemporaryBan   = "temporary_ban"
	ReasonClientOutdated = "client_outdated"
	ReasonPairError      = "pair_error"
	ReasonDisconnected   = "disconnected"
)

// InboundMessage is a text message received on a live session.
type InboundMessage struct {
	ID        string
	Sender    string // digits only
	Text      string
	Timestamp time.Time
}

// QRItem is one emission from a QR login flow: a fresh code to render, a
// successful finish, or a failure.
type QRItem struct {
	Code string
	Done bool
	Err  error
}

// Session is the protocol-side surface the orchestrator drives. The real
// implementation wraps a whatsmeow client; tests use fakes.
type Session interface {
	session.Handle

	// Connect opens the websocket. With stored credentials this also logs
	// in; otherwise the session waits for a pairing code or QR scan.
	Connect() error
	// PairPhone asks the server for a pairing code the user types on
	// their phone. Requires Connect first.
	PairPhone(ctx context.Context, phone string) (string, error)
	// QRChannel switches the session to QR login. Must be called before
	// Connect.
	QRChannel(ctx context.Context) (<-chan QRItem, error)
	// DeviceJID returns the stored device identity, or "" before pairing.
	DeviceJID() string
	// Events is the single stream the drive loop consumes. It is never
	// closed; Done signals the end instead.
	Events() <-chan Event
	// Done is closed by Release.
	Done() <-chan struct{}
	// Release detaches event delivery and frees the credential store
	// handle. Safe to call more than once.
	Release()
}

// Dialer builds protocol sessions. The production dialer provisions
// whatsmeow credential containers; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, rec *store.Session) (Session, error)
}

// FatalStartupError means a session could not be brought up at all: its
// record has been marked failed and no runtime is live.
type FatalStartupError struct {
	Stage string
	Err   error
}

func (e *FatalStartupError) Error() string {
	return fmt.Sprintf("session startup failed during %s: %v", e.Stage, e.Err)
}

func (e *FatalStartupError) Unwrap() error { return e.Err }
