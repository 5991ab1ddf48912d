package whatsapp

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/Crazynotdev/verbose-waffle/internal/fingerprint"
)

// meowSession adapts one whatsmeow client to the Session interface. Every
// library event is classified right here; the drive loop only ever sees
// the typed stream.
type meowSession struct {
	id            string
	client        *whatsmeow.Client
	container     *sqlstore.Container
	ownsContainer bool
	handlerID     uint32
	ident         fingerprint.Identity

	events  chan Event
	done    chan struct{}
	release sync.Once

	log *logrus.Entry
}

func newMeowSession(id string, client *whatsmeow.Client, container *sqlstore.Container, ownsContainer bool, ident fingerprint.Identity) *meowSession {
	s := &meowSession{
		id:            id,
		client:        client,
		container:     container,
		ownsContainer: ownsContainer,
		ident:         ident,
		events:        make(chan Event, 32),
		done:          make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"component": "whatsapp",
			"session":   id,
		}),
	}
	s.handlerID = client.AddEventHandler(s.handleEvent)
	return s
}

// emit delivers to the drive loop, aborting once the session is released
// so a late library event can never block whatsmeow's dispatcher.
func (s *meowSession) emit(evt Event) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

func (s *meowSession) handleEvent(raw interface{}) {
	switch v := raw.(type) {
	case *events.Connected:
		s.emit(Event{Kind: KindConnected})

	case *events.PairSuccess:
		s.log.WithField("device", v.ID.String()).Info("pairing accepted by phone")
		s.emit(Event{Kind: KindPaired, Detail: v.ID.String()})

	case *events.PairError:
		s.emit(Event{Kind: KindClosed, Reason: CloseReason{
			Code:   ReasonPairError,
			Detail: fmt.Sprintf("pairing rejected: %v", v.Error),
			Fatal:  true,
		}})

	case *events.Message:
		if msg := extractText(v); msg != nil {
			s.emit(Event{Kind: KindMessage, Message: msg})
		}

	case *events.LoggedOut:
		s.emit(Event{Kind: KindClosed, Reason: CloseReason{
			Code:   ReasonLoggedOut,
			Detail: fmt.Sprintf("logged out by server (reason %v)", v.Reason),
			Fatal:  true,
		}})

	case *events.StreamReplaced:
		s.emit(Event{Kind: KindClosed, Reason: CloseReason{
			Code:   ReasonStreamReplaced,
			Detail: "another client connected with the same credentials",
			Fatal:  true,
		}})

	case *events.TemporaryBan:
		s.emit(Event{Kind: KindClosed, Reason: CloseReason{
			Code:   ReasonTemporaryBan,
			Detail: fmt.Sprintf("%v, expires in %s", v.Code, v.Expire),
			Fatal:  true,
		}})

	case *events.ClientOutdated:
		s.emit(Event{Kind: KindClosed, Reason: CloseReason{
			Code:   ReasonClientOutdated,
			Detail: "server rejected the client version",
			Fatal:  true,
		}})

	case *events.ConnectFailure:
		s.emit(Event{Kind: KindClosed, Reason: CloseReason{
			Code:   ReasonDisconnected,
			Detail: fmt.Sprintf("connect failure: %v (%s)", v.Reason, v.Message),
		}})

	case *events.StreamError:
		s.emit(Event{Kind: KindClosed, Reason: CloseReason{
			Code:   ReasonDisconnected,
			Detail: "stream error " + v.Code,
		}})

	case *events.Disconnected:
		// The client reconnects on its own; not a close.
		s.emit(Event{Kind: KindInterrupted, Detail: "connection dropped, reconnecting"})

	case *events.KeepAliveTimeout:
		s.emit(Event{Kind: KindInterrupted, Detail: fmt.Sprintf("keepalive timeout (%d misses)", v.ErrorCount)})

	case *events.KeepAliveRestored:
		s.emit(Event{Kind: KindRestored, Detail: "keepalive restored"})
	}
}

// extractText pulls plain text out of an inbound message. Group chats,
// own echoes and non-text payloads are ignored.
func extractText(v *events.Message) *InboundMessage {
	if v.Info.IsFromMe || v.Info.IsGroup {
		return nil
	}
	text := v.Message.GetConversation()
	if text == "" {
		text = v.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return nil
	}
	return &InboundMessage{
		ID:        v.Info.ID,
		Sender:    v.Info.Sender.User,
		Text:      text,
		Timestamp: v.Info.Timestamp,
	}
}

func (s *meowSession) Connect() error {
	return s.client.Connect()
}

func (s *meowSession) PairPhone(ctx context.Context, phone string) (string, error) {
	code, err := s.client.PairPhone(ctx, sanitizePhone(phone), true, pairClientFor(s.ident.Browser), s.ident.DisplayName())
	if err != nil {
		return "", fmt.Errorf("failed to request pairing code: %w", err)
	}
	return formatPairingCode(code), nil
}

// pairClientFor maps a companion browser to the protocol's client type.
func pairClientFor(browser string) whatsmeow.PairClientType {
	switch browser {
	case "Firefox":
		return whatsmeow.PairClientFirefox
	case "Edge":
		return whatsmeow.PairClientEdge
	case "Safari":
		return whatsmeow.PairClientSafari
	default:
		return whatsmeow.PairClientChrome
	}
}

// formatPairingCode renders the raw 8-character code as XXXX-XXXX, the way
// the phone displays it.
func formatPairingCode(code string) string {
	if len(code) == 8 && !strings.Contains(code, "-") {
		return code[:4] + "-" + code[4:]
	}
	return code
}

func (s *meowSession) QRChannel(ctx context.Context) (<-chan QRItem, error) {
	raw, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QR channel: %w", err)
	}

	out := make(chan QRItem, 8)
	go func() {
		defer close(out)
		for item := range raw {
			var mapped QRItem
			switch item.Event {
			case whatsmeow.QRChannelEventCode:
				mapped = QRItem{Code: item.Code}
			case whatsmeow.QRChannelEventError:
				mapped = QRItem{Err: item.Error}
			case whatsmeow.QRChannelSuccess.Event:
				mapped = QRItem{Done: true}
			default:
				// timeout and the miscellaneous terminal states
				mapped = QRItem{Err: fmt.Errorf("qr login ended: %s", item.Event)}
			}
			select {
			case out <- mapped:
			case <-s.done:
				return
			}
		}
	}()
	return out, nil
}

func (s *meowSession) SendText(ctx context.Context, to, text string) error {
	jid := types.NewJID(sanitizePhone(to), types.DefaultUserServer)
	_, err := s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (s *meowSession) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

func (s *meowSession) Disconnect() {
	s.client.Disconnect()
}

func (s *meowSession) IsConnected() bool {
	return s.client.IsConnected()
}

// SendPresence refreshes server-side presence; used by the heartbeat.
func (s *meowSession) SendPresence(ctx context.Context) error {
	return s.client.SendPresence(ctx, types.PresenceAvailable)
}

func (s *meowSession) DeviceJID() string {
	if s.client.Store.ID == nil {
		return ""
	}
	return s.client.Store.ID.String()
}

func (s *meowSession) Events() <-chan Event {
	return s.events
}

func (s *meowSession) Done() <-chan struct{} {
	return s.done
}

func (s *meowSession) Release() {
	s.release.Do(func() {
		s.client.RemoveEventHandler(s.handlerID)
		close(s.done)
		if s.ownsContainer && s.container != nil {
			if err := s.container.Close(); err != nil {
				s.log.WithError(err).Warn("failed to close credential store")
			}
		}
	})
}

// sanitizePhone strips everything but digits.
func sanitizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
