package telegram

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedAlert struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func newTestNotifier(t *testing.T, status int) (*Notifier, func() []capturedAlert) {
	t.Helper()
	var mu sync.Mutex
	var alerts []capturedAlert

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert capturedAlert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		mu.Lock()
		alerts = append(alerts, alert)
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	n := NewNotifier("test-token", "chat-42")
	n.apiURL = srv.URL
	return n, func() []capturedAlert {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedAlert(nil), alerts...)
	}
}

func TestSessionFailedAlert(t *testing.T) {
	n, alerts := newTestNotifier(t, http.StatusOK)

	n.SessionFailed("sess-1", "33612345678", "logged_out: device unlinked")

	got := alerts()
	require.Len(t, got, 1)
	assert.Equal(t, "chat-42", got[0].ChatID)
	assert.Equal(t, "HTML", got[0].ParseMode)
	assert.Contains(t, got[0].Text, "SESSION FAILED")
	assert.Contains(t, got[0].Text, "sess-1")
	assert.Contains(t, got[0].Text, "33612345678")
	assert.Contains(t, got[0].Text, "logged_out")
}

func TestSessionSuspendedAlert(t *testing.T) {
	n, alerts := newTestNotifier(t, http.StatusOK)

	n.SessionSuspended("sess-1", "owner@example.com", "33612345678")

	got := alerts()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Text, "SESSION SUSPENDED")
	assert.Contains(t, got[0].Text, "owner@example.com")
}

func TestServiceStartedAlert(t *testing.T) {
	n, alerts := newTestNotifier(t, http.StatusOK)

	n.ServiceStarted(":3000", 3)

	got := alerts()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Text, "SERVICE UP")
	assert.Contains(t, got[0].Text, ":3000")
}

func TestDisabledNotifierSendsNothing(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	n := NewNotifier("", "")
	n.apiURL = srv.URL

	assert.False(t, n.Enabled())
	n.SessionFailed("sess-1", "33612345678", "reason")
	n.SessionSuspended("sess-1", "owner@example.com", "33612345678")
	n.ServiceStarted(":3000", 0)
	assert.Equal(t, 0, requests)
}

func TestAlertSurvivesAPIError(t *testing.T) {
	n, alerts := newTestNotifier(t, http.StatusBadGateway)

	// Must not panic or block; the failure is only logged.
	n.SessionFailed("sess-1", "33612345678", "reason")
	assert.Len(t, alerts(), 1)
}
