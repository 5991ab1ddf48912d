package session

// Status is the lifecycle state of a session record.
//
// Sessions start in StatusPairing and move to StatusConnected once the
// protocol link is up. The three remaining states are terminal: a record
// that reaches one of them never changes status again.
type Status string

const (
	StatusPairing      Status = "pairing"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
	StatusSuspended    Status = "suspended"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusDisconnected, StatusFailed, StatusSuspended:
		return true
	}
	return false
}

// Active reports whether the session counts against the global capacity
// limit (pairing in progress or connected).
func (s Status) Active() bool {
	return s == StatusPairing || s == StatusConnected
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPairing, StatusConnected, StatusDisconnected, StatusFailed, StatusSuspended:
		return true
	}
	return false
}
