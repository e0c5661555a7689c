package domain

import "time"

// State tracks where an environment is in its lifecycle. Only running and
// destroying environments are ever persisted; provisioning happens before the
// record is committed and destroyed records are deleted outright.
type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateDestroying   State = "destroying"
	StateDestroyed    State = "destroyed"
	StateFailed       State = "failed"
)

// Environment represents one ephemeral preview environment built from a
// branch, running on this host and exposed through a public tunnel.
type Environment struct {
	ID        string
	Branch    string
	Commit    string
	Service   string
	Workdir   string
	PublicURL string
	Port      int
	State     State
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the environment's time budget has elapsed.
func (e Environment) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// MinutesRemaining returns whole minutes until expiry, clamped at zero.
func (e Environment) MinutesRemaining(now time.Time) int {
	remaining := int(e.ExpiresAt.Sub(now).Minutes())
	if remaining < 0 {
		return 0
	}
	return remaining
}
