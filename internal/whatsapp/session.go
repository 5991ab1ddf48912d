package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	wstore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Crazynotdev/verbose-waffle/internal/config"
	"github.com/Crazynotdev/verbose-waffle/internal/fingerprint"
	"github.com/Crazynotdev/verbose-waffle/internal/store"
)

// meowDialer provisions whatsmeow clients. The default keeps one SQLite
// credential database per session under DataDir/sessions/<id>/; setting
// WHATSAPP_DB_URI switches every session to a single shared postgres
// container, with devices looked up by their stored JID.
type meowDialer struct {
	cfg *config.Config
	log *logrus.Entry

	sharedOnce sync.Once
	shared     *sqlstore.Container
	sharedErr  error
}

func NewDialer(cfg *config.Config) Dialer {
	// The companion shows up on the phone with these properties.
	platform := waCompanionReg.DeviceProps_PlatformType(1) // Chrome
	wstore.DeviceProps.PlatformType = &platform
	osName := cfg.DeviceName
	wstore.DeviceProps.Os = &osName

	return &meowDialer{cfg: cfg, log: logrus.WithField("component", "dialer")}
}

// SessionDir is the per-session credential folder.
func SessionDir(cfg *config.Config, sessionID string) string {
	return filepath.Join(cfg.DataDir, "sessions", sessionID)
}

func (d *meowDialer) Dial(ctx context.Context, rec *store.Session) (Session, error) {
	device, container, owns, err := d.openDevice(ctx, rec)
	if err != nil {
		return nil, err
	}

	client := whatsmeow.NewClient(device, d.clientLog(rec.ID))
	client.EnableAutoReconnect = true
	client.AutoTrustIdentity = true

	if d.cfg.ProxyURL != "" {
		if err := client.SetProxyAddress(d.cfg.ProxyURL); err != nil {
			if owns && container != nil {
				container.Close()
			}
			return nil, fmt.Errorf("failed to set proxy address: %w", err)
		}
	}

	ident := fingerprint.Generate(d.cfg.DeviceSeed, rec.ID)
	d.log.WithFields(logrus.Fields{
		"session": rec.ID,
		"device":  ident.DeviceID,
		"as":      ident.DisplayName(),
	}).Debug("session provisioned")

	return newMeowSession(rec.ID, client, container, owns, ident), nil
}

func (d *meowDialer) openDevice(ctx context.Context, rec *store.Session) (*wstore.Device, *sqlstore.Container, bool, error) {
	if d.cfg.WhatsappDBURI != "" {
		container, err := d.sharedContainer(ctx)
		if err != nil {
			return nil, nil, false, fmt.Errorf("failed to open shared credential store: %w", err)
		}
		if rec.DeviceJID.Valid && rec.DeviceJID.String != "" {
			jid, err := types.ParseJID(rec.DeviceJID.String)
			if err != nil {
				return nil, nil, false, fmt.Errorf("invalid stored device jid: %w", err)
			}
			device, err := container.GetDevice(ctx, jid)
			if err != nil {
				return nil, nil, false, fmt.Errorf("failed to load device: %w", err)
			}
			if device != nil {
				return device, container, false, nil
			}
			d.log.WithField("session", rec.ID).Warn("stored device not found, pairing a fresh one")
		}
		return container.NewDevice(), container, false, nil
	}

	dir := SessionDir(d.cfg, rec.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, false, fmt.Errorf("failed to create session directory: %w", err)
	}

	dbURI := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(dir, "device.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dbURI, d.dbLog(rec.ID))
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to open credential store: %w", err)
	}

	// GetFirstDevice hands back a fresh device when the database is new.
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, nil, false, fmt.Errorf("failed to load device: %w", err)
	}
	return device, container, true, nil
}

func (d *meowDialer) sharedContainer(ctx context.Context) (*sqlstore.Container, error) {
	d.sharedOnce.Do(func() {
		d.shared, d.sharedErr = sqlstore.New(ctx, "postgres", d.cfg.WhatsappDBURI, d.dbLog("shared"))
	})
	return d.shared, d.sharedErr
}

func (d *meowDialer) clientLog(id string) waLog.Logger {
	return waLog.Stdout("Client-"+shortID(id), d.waLogLevel(), true)
}

func (d *meowDialer) dbLog(id string) waLog.Logger {
	return waLog.Stdout("DB-"+shortID(id), d.waLogLevel(), true)
}

func (d *meowDialer) waLogLevel() string {
	if strings.EqualFold(d.cfg.LogLevel, "debug") {
		return "DEBUG"
	}
	return "WARN"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
