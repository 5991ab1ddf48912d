package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Crazynotdev/verbose-waffle/internal/events"
)

const wsWriteTimeout = 5 * time.Second

// GET /api/sessions/{id}/events
//
// Streams the session's lifecycle events as JSON frames until the session
// closes or the client goes away. Browser clients pass the bearer token in
// the access_token query parameter.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ownedSession(w, r)
	if !ok {
		return
	}

	// Subscribe before the terminal check so a close between the two is
	// seen either in the record or on the channel.
	ch, cancel := s.bus.Subscribe(rec.ID)
	defer cancel()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-origin policy is handled by token auth
	})
	if err != nil {
		s.log.WithField("session", rec.ID).WithError(err).Debug("websocket accept failed")
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	// A session that is already over gets its stored outcome and a clean
	// close instead of a stream that never speaks.
	if rec.Status.Terminal() {
		evt := events.Event{
			SessionID: rec.ID,
			Type:      events.TypeClosed,
			At:        time.Now(),
			Data:      map[string]any{"reason": rec.CloseReason.String},
		}
		s.writeEvent(ctx, conn, evt)
		conn.Close(websocket.StatusNormalClosure, "session closed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case evt, open := <-ch:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := s.writeEvent(ctx, conn, evt); err != nil {
				return
			}
			if evt.Type == events.TypeClosed {
				conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, evt events.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, evt)
}
