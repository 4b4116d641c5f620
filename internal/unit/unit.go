// Package unit defines the isolation unit: one ephemeral, resource-limited
// execution environment bound to a single user/session. Units move through a
// strict lifecycle and are owned exclusively by the pool manager; everything
// else holds references only.
package unit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an isolation unit.
type State string

const (
	StateProvisioning State = "provisioning"
	StateIdle         State = "idle"
	StateBorrowed     State = "borrowed"
	StateUnhealthy    State = "unhealthy"
	StateDestroyed    State = "destroyed"
)

// ErrInvalidTransition is returned when a lifecycle transition is not allowed.
var ErrInvalidTransition = errors.New("invalid unit state transition")

// allowedTransitions encodes the lifecycle state machine.
// Destroyed is terminal; Destroy is idempotent (handled in To).
var allowedTransitions = map[State][]State{
	StateProvisioning: {StateIdle, StateDestroyed},
	StateIdle:         {StateBorrowed, StateUnhealthy, StateDestroyed},
	StateBorrowed:     {StateIdle, StateUnhealthy, StateDestroyed},
	StateUnhealthy:    {StateDestroyed},
	StateDestroyed:    {},
}

// Limits constrains the unit's execution environment.
type Limits struct {
	CPUCores     float64       // CPU rate limit (e.g. 0.5 = half a core).
	MemoryMB     int           // Hard memory limit.
	PIDsLimit    int           // Fork bomb protection.
	MaxWallClock time.Duration // Upper bound on a single tool call.
}

// Unit is one isolation unit. All state mutation goes through To, which
// enforces the lifecycle state machine. Safe for concurrent use.
type Unit struct {
	id        uuid.UUID
	userID    string
	sessionID string
	workDir   string
	limits    Limits
	createdAt time.Time

	mu         sync.Mutex
	state      State
	lastActive time.Time
}

// New creates a unit in the Provisioning state. The id is a fresh UUID and
// is never reused, even after destruction.
func New(userID, sessionID, workDir string, limits Limits) *Unit {
	now := time.Now().UTC()
	return &Unit{
		id:         uuid.New(),
		userID:     userID,
		sessionID:  sessionID,
		workDir:    workDir,
		limits:     limits,
		createdAt:  now,
		state:      StateProvisioning,
		lastActive: now,
	}
}

// ID returns the unit's opaque identifier.
func (u *Unit) ID() uuid.UUID { return u.id }

// UserID returns the owning user.
func (u *Unit) UserID() string { return u.userID }

// SessionID returns the owning session.
func (u *Unit) SessionID() string { return u.sessionID }

// WorkDir returns the host path of the mounted session working directory.
func (u *Unit) WorkDir() string { return u.workDir }

// Limits returns the resource limits applied at provisioning time.
func (u *Unit) Limits() Limits { return u.limits }

// CreatedAt returns the provisioning timestamp.
func (u *Unit) CreatedAt() time.Time { return u.createdAt }

// State returns the current lifecycle state.
func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// LastActive returns the last borrow/release/touch timestamp.
func (u *Unit) LastActive() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastActive
}

// Touch updates the activity timestamp without changing state.
func (u *Unit) Touch() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastActive = time.Now().UTC()
}

// To transitions the unit to the next state, enforcing the state machine.
// Transitioning a destroyed unit to Destroyed again is a no-op, making
// destruction idempotent. Every other invalid transition returns
// ErrInvalidTransition wrapped with the attempted edge.
func (u *Unit) To(next State) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state == StateDestroyed && next == StateDestroyed {
		return nil
	}
	for _, s := range allowedTransitions[u.state] {
		if s == next {
			u.state = next
			u.lastActive = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (unit %s)", ErrInvalidTransition, u.state, next, u.id)
}

// Destroyed reports whether the unit has reached its terminal state.
func (u *Unit) Destroyed() bool {
	return u.State() == StateDestroyed
}
