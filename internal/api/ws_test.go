package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Crazynotdev/verbose-waffle/internal/events"
	"github.com/Crazynotdev/verbose-waffle/internal/session"
)

func dialEvents(t *testing.T, env *apiEnv, id, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, env.ts.URL+"/api/sessions/"+id+"/events?access_token="+token, &websocket.DialOptions{
		HTTPClient: env.ts.Client(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var evt events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	return evt
}

func TestEventStreamForwardsLifecycle(t *testing.T) {
	env := newAPIEnv(t, nil)
	token, _ := env.register(t, "alice@example.com")
	id := env.createSession(t, token, "33612345678")

	conn := dialEvents(t, env, id, token)

	env.bus.Publish(events.Event{
		SessionID: id,
		Type:      events.TypePairingCode,
		Data:      map[string]any{"code": "ABCD-1234"},
	})
	evt := readEvent(t, conn)
	assert.Equal(t, events.TypePairingCode, evt.Type)
	assert.Equal(t, id, evt.SessionID)
	assert.Equal(t, "ABCD-1234", evt.Data["code"])

	env.bus.Publish(events.Event{SessionID: id, Type: events.TypeConnected})
	assert.Equal(t, events.TypeConnected, readEvent(t, conn).Type)

	env.bus.Publish(events.Event{
		SessionID: id,
		Type:      events.TypeClosed,
		Data:      map[string]any{"reason": "logged out"},
	})
	evt = readEvent(t, conn)
	require.Equal(t, events.TypeClosed, evt.Type)
	assert.Equal(t, "logged out", evt.Data["reason"])

	// The closing event is the last frame.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var extra events.Event
	err := wsjson.Read(ctx, conn, &extra)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestEventStreamClosedSessionGetsFinalFrame(t *testing.T) {
	env := newAPIEnv(t, nil)
	token, _ := env.register(t, "alice@example.com")
	id := env.createSession(t, token, "33612345678")

	_, err := env.st.Transition(context.Background(), id, session.StatusFailed, "pairing timed out", time.Now())
	require.NoError(t, err)

	conn := dialEvents(t, env, id, token)
	evt := readEvent(t, conn)
	assert.Equal(t, events.TypeClosed, evt.Type)
	assert.Equal(t, "pairing timed out", evt.Data["reason"])
}

func TestEventStreamRejectsOutsiders(t *testing.T) {
	env := newAPIEnv(t, nil)
	alice, _ := env.register(t, "alice@example.com")
	id := env.createSession(t, alice, "33612345678")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, env.ts.URL+"/api/sessions/"+id+"/events", &websocket.DialOptions{
		HTTPClient: env.ts.Client(),
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	bob, _ := env.register(t, "bob@example.com")
	_, resp, err = websocket.Dial(ctx, env.ts.URL+"/api/sessions/"+id+"/events?access_token="+bob, &websocket.DialOptions{
		HTTPClient: env.ts.Client(),
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
