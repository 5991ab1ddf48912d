package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime knob. Values come from the environment
// (optionally seeded from a .env file by the caller) and are read once at
// process start; there is no hot reload.
type Config struct {
	Addr      string // listen address, e.g. ":3000"
	LogLevel  string
	LogFormat string // "text" or "json"
	DataDir   string // root for the app database and per-session credential folders

	// WhatsappDBURI overrides the credential-store backend. Empty means one
	// sqlite database per session under DataDir/sessions/<id>/. A postgres
	// URI switches all sessions to a shared container keyed by device JID.
	WhatsappDBURI string
	ProxyURL      string // optional socks5:// or http:// proxy for protocol connections
	DeviceName    string // companion name shown on the paired phone
	DeviceSeed    string // seed for per-session companion identities

	CommandPrefix string

	JWTSecret     string
	TokenLifetime time.Duration

	SignupBonus       int64
	PairingCost       int64
	CostPerMinute     int64
	MaxActiveSessions int
	PairingCooldown   time.Duration
	PairingCodeTTL    time.Duration
	MeterInterval     time.Duration

	TelegramToken  string
	TelegramChatID string
}

// Load reads configuration from the environment with defaults suitable for
// local development. The JWT secret has no default on purpose.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_PORT", "3000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("WHATSAPP_DB_URI", "")
	v.SetDefault("PROXY_URL", "")
	v.SetDefault("PROXY_HOST", "")
	v.SetDefault("PROXY_PORT", "")
	v.SetDefault("PROXY_USER", "")
	v.SetDefault("PROXY_PASS", "")
	v.SetDefault("PROXY_TYPE", "socks5")
	v.SetDefault("DEVICE_NAME", "verbose-waffle")
	v.SetDefault("DEVICE_SEED", "")
	v.SetDefault("COMMAND_PREFIX", ".")
	v.SetDefault("TOKEN_LIFETIME", "168h")
	v.SetDefault("SIGNUP_BONUS", 10)
	v.SetDefault("PAIRING_COST", 5)
	v.SetDefault("COST_PER_MINUTE", 1)
	v.SetDefault("MAX_ACTIVE_SESSIONS", 20)
	v.SetDefault("PAIRING_COOLDOWN", "30s")
	v.SetDefault("PAIRING_CODE_TTL", "160s")
	v.SetDefault("METER_INTERVAL", "60s")
	v.SetDefault("TELEGRAM_TOKEN", "")
	v.SetDefault("TELEGRAM_CHAT_ID", "")

	cfg := &Config{
		Addr:              ":" + v.GetString("APP_PORT"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
		DataDir:           v.GetString("DATA_DIR"),
		WhatsappDBURI:     v.GetString("WHATSAPP_DB_URI"),
		ProxyURL:          resolveProxyURL(v),
		DeviceName:        v.GetString("DEVICE_NAME"),
		DeviceSeed:        v.GetString("DEVICE_SEED"),
		CommandPrefix:     v.GetString("COMMAND_PREFIX"),
		JWTSecret:         v.GetString("JWT_SECRET"),
		TokenLifetime:     v.GetDuration("TOKEN_LIFETIME"),
		SignupBonus:       v.GetInt64("SIGNUP_BONUS"),
		PairingCost:       v.GetInt64("PAIRING_COST"),
		CostPerMinute:     v.GetInt64("COST_PER_MINUTE"),
		MaxActiveSessions: v.GetInt("MAX_ACTIVE_SESSIONS"),
		PairingCooldown:   v.GetDuration("PAIRING_COOLDOWN"),
		PairingCodeTTL:    v.GetDuration("PAIRING_CODE_TTL"),
		MeterInterval:     v.GetDuration("METER_INTERVAL"),
		TelegramToken:     v.GetString("TELEGRAM_TOKEN"),
		TelegramChatID:    v.GetString("TELEGRAM_CHAT_ID"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.PairingCost < 0 || c.CostPerMinute < 0 {
		return fmt.Errorf("PAIRING_COST and COST_PER_MINUTE must not be negative")
	}
	if c.MaxActiveSessions < 1 {
		return fmt.Errorf("MAX_ACTIVE_SESSIONS must be at least 1")
	}
	if c.MeterInterval < time.Second {
		return fmt.Errorf("METER_INTERVAL is too short: %s", c.MeterInterval)
	}
	return nil
}
