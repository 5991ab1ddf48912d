// Package telegram pushes operator alerts to a Telegram chat.
package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const apiURLTemplate = "https://api.telegram.org/bot%s/sendMessage"

// Notifier sends alerts through the Telegram bot API. With no token or
// chat id configured every alert is a silent no-op, so callers never need
// to check first.
type Notifier struct {
	token  string
	chatID string
	apiURL string
	client *http.Client
	log    *logrus.Entry
}

// NewNotifier builds a notifier for the given bot token and chat.
func NewNotifier(token, chatID string) *Notifier {
	return &Notifier{
		token:  token,
		chatID: chatID,
		apiURL: fmt.Sprintf(apiURLTemplate, token),
		client: &http.Client{Timeout: 10 * time.Second},
		log:    logrus.WithField("component", "telegram"),
	}
}

// Enabled reports whether alerts will actually be delivered.
func (n *Notifier) Enabled() bool {
	return n.token != "" && n.chatID != ""
}

func (n *Notifier) send(message string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id":    n.chatID,
		"text":       message,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := n.client.Post(n.apiURL, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// SessionFailed alerts on a session reaching the failed state.
func (n *Notifier) SessionFailed(sessionID, phone, reason string) {
	if !n.Enabled() {
		return
	}
	msg := fmt.Sprintf(`🚨 <b>SESSION FAILED</b>

🪪 Session: %s
📱 Phone: %s
📝 Reason: %s
⏰ Time: %s`, sessionID, phone, reason, time.Now().Format("2006-01-02 15:04:05"))

	if err := n.send(msg); err != nil {
		n.log.WithField("session", sessionID).WithError(err).Warn("failed to send failure alert")
	}
}

// SessionSuspended alerts on a session suspended for lack of coins.
func (n *Notifier) SessionSuspended(sessionID, email, phone string) {
	if !n.Enabled() {
		return
	}
	msg := fmt.Sprintf(`⛔ <b>SESSION SUSPENDED</b>

🪪 Session: %s
👤 Owner: %s
📱 Phone: %s
💰 Balance exhausted, top up to pair again
⏰ Time: %s`, sessionID, email, phone, time.Now().Format("2006-01-02 15:04:05"))

	if err := n.send(msg); err != nil {
		n.log.WithField("session", sessionID).WithError(err).Warn("failed to send suspension alert")
	}
}

// ServiceStarted posts a boot summary.
func (n *Notifier) ServiceStarted(addr string, resumed int) {
	if !n.Enabled() {
		return
	}
	msg := fmt.Sprintf(`✅ <b>SERVICE UP</b>

🌐 Listening: %s
🔁 Sessions resumed: %d
⏰ Time: %s`, addr, resumed, time.Now().Format("2006-01-02 15:04:05"))

	if err := n.send(msg); err != nil {
		n.log.WithError(err).Warn("failed to send startup alert")
	}
}
