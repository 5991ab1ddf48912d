// Package fingerprint derives the companion identity a session presents
// while pairing: the browser it claims to be and the name shown in the
// phone's linked-devices list. Identities are deterministic per session so
// a session redialed after a restart looks like the same device.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Identity is one session's companion identity.
type Identity struct {
	Browser string `json:"browser"`
	OS      string `json:"os"`
	// DeviceID is a stable 16-hex-char identifier derived from the same
	// hash, kept for logging and support.
	DeviceID string `json:"device_id"`
}

// DisplayName renders the identity the way the phone expects it.
func (i Identity) DisplayName() string {
	return i.Browser + " (" + i.OS + ")"
}

var browsers = []string{"Chrome", "Firefox", "Edge", "Safari"}

// systems lists plausible operating systems per browser.
var systems = map[string][]string{
	"Chrome":  {"Windows", "Mac OS", "Linux"},
	"Firefox": {"Windows", "Mac OS", "Linux"},
	"Edge":    {"Windows"},
	"Safari":  {"Mac OS"},
}

// Generate derives an identity from a process-wide seed and the session id.
// Same inputs always give the same identity; different sessions spread
// across the browser/OS combinations.
func Generate(seed, sessionID string) Identity {
	if seed == "" {
		seed = "default-seed"
	}
	sum := sha256.Sum256([]byte(seed + ":" + sessionID))

	browser := browsers[int(sum[0])%len(browsers)]
	candidates := systems[browser]
	os := candidates[int(sum[1])%len(candidates)]

	return Identity{
		Browser:  browser,
		OS:       os,
		DeviceID: hex.EncodeToString(sum[2:10]),
	}
}
