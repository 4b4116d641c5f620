// Package pool manages the fleet of isolation units. It enforces the
// per-session and global capacity ceilings, reuses warm idle units, reaps
// expired ones, and guarantees that every provisioned unit is eventually
// destroyed. The pool is the only component that creates or destroys units;
// everything else borrows through a Lease.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/unit"
	"github.com/jkaninda/kazi/internal/workspace"
)

var (
	// ErrPoolExhausted is returned when capacity is unavailable and the
	// pool is configured to fail fast instead of blocking.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrProvision is returned when the backend could not produce a
	// working environment after all retries.
	ErrProvision = errors.New("provisioning failed")

	// ErrClosed is returned for operations on a closed pool.
	ErrClosed = errors.New("pool closed")

	// ErrNotBorrowed is returned when releasing a lease that is not in
	// the borrowed state.
	ErrNotBorrowed = errors.New("lease not borrowed")
)

// Destruction reasons recorded in metrics and logs.
const (
	ReasonTimeout      = "timeout"
	ReasonCancelled    = "cancelled"
	ReasonUnhealthy    = "unhealthy"
	ReasonIdleExpired  = "idle_expired"
	ReasonIdleOverflow = "idle_overflow"
	ReasonSessionEnd   = "session_end"
	ReasonShutdown     = "shutdown"
)

// Config holds pool sizing and lifecycle policy.
type Config struct {
	GlobalMax         int           // Upper bound on borrowed units across all sessions.
	PerSessionMax     int           // Upper bound on borrowed units per session.
	MaxIdlePerSession int           // Warm units kept per session after release.
	IdleTTL           time.Duration // Idle units older than this are reaped.
	Block             bool          // true = wait for capacity, false = fail fast.
	ProvisionRetries  int           // Attempts before giving up on a backend.
	ProvisionBackoff  time.Duration // Base delay between attempts (doubles each retry).
	UnitLimits        unit.Limits   // Resource limits applied to every unit.
	NetworkAllowed    bool          // Propagated to the environment spec.
}

func (c Config) withDefaults() Config {
	if c.GlobalMax <= 0 {
		c.GlobalMax = 32
	}
	if c.PerSessionMax <= 0 {
		c.PerSessionMax = 2
	}
	if c.MaxIdlePerSession < 0 {
		c.MaxIdlePerSession = 0
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 5 * time.Minute
	}
	if c.ProvisionRetries <= 0 {
		c.ProvisionRetries = 3
	}
	if c.ProvisionBackoff <= 0 {
		c.ProvisionBackoff = 500 * time.Millisecond
	}
	if c.UnitLimits.CPUCores <= 0 {
		c.UnitLimits.CPUCores = 0.5
	}
	if c.UnitLimits.MemoryMB <= 0 {
		c.UnitLimits.MemoryMB = 512
	}
	if c.UnitLimits.PIDsLimit <= 0 {
		c.UnitLimits.PIDsLimit = 128
	}
	if c.UnitLimits.MaxWallClock <= 0 {
		c.UnitLimits.MaxWallClock = 30 * time.Second
	}
	return c
}

// Lease is a borrowed unit plus its environment. The holder must finish
// with exactly one of Release or Destroy.
type Lease struct {
	u   *unit.Unit
	env sandbox.Environment
	mgr *Manager
	sp  *sessionPool // the pool the capacity slot was taken from

	done atomic.Bool
}

// Unit returns the borrowed isolation unit.
func (l *Lease) Unit() *unit.Unit { return l.u }

// Env returns the unit's execution environment.
func (l *Lease) Env() sandbox.Environment { return l.env }

// idleUnit is a warm unit waiting for its next borrow.
type idleUnit struct {
	u   *unit.Unit
	env sandbox.Environment
}

// sessionPool tracks one session's semaphore and warm units.
// Semaphores count BORROWED units only: a warm idle unit consumes no
// capacity, so capacity limits bound concurrency, not fleet size.
type sessionPool struct {
	sem     chan struct{}
	idle    []*idleUnit // LIFO: the warmest unit is borrowed first.
	closing bool        // session ended; releases destroy instead of parking.
}

// Manager is the pool manager. Safe for concurrent use.
type Manager struct {
	cfg     Config
	backend sandbox.Backend
	ws      *workspace.Workspace
	metrics *observability.MetricsCollector
	logger  *slog.Logger

	global chan struct{}

	mu       sync.Mutex
	sessions map[string]*sessionPool
	closed   bool
}

// New creates a pool manager. metrics may be nil.
func New(cfg Config, backend sandbox.Backend, ws *workspace.Workspace, metrics *observability.MetricsCollector, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		backend:  backend,
		ws:       ws,
		metrics:  metrics,
		logger:   logger,
		global:   make(chan struct{}, cfg.GlobalMax),
		sessions: make(map[string]*sessionPool),
	}
}

// Acquire borrows a unit for the session, reusing a warm idle unit when one
// passes its health probe, provisioning a fresh one otherwise. When both
// capacity ceilings have room the call returns promptly; at capacity it
// either blocks until a slot frees (Block=true) or fails with
// ErrPoolExhausted.
func (m *Manager) Acquire(ctx context.Context, userID, sessionID string) (*Lease, error) {
	sp, err := m.sessionFor(sessionID)
	if err != nil {
		return nil, err
	}

	// Per-session slot first, then global. Consistent ordering, and a
	// session at its own ceiling never ties up global capacity waiting.
	if err := m.acquireSlot(ctx, sp.sem, "session"); err != nil {
		return nil, err
	}
	if err := m.acquireSlot(ctx, m.global, "global"); err != nil {
		m.releaseSlot(sp.sem)
		return nil, err
	}

	lease, err := m.leaseUnit(ctx, sp, userID, sessionID)
	if err != nil {
		m.releaseSlot(m.global)
		m.releaseSlot(sp.sem)
		return nil, err
	}
	lease.sp = sp
	m.observeGauges()
	return lease, nil
}

// Release returns a borrowed unit. A healthy unit parks as warm idle when
// the session has room; an unhealthy unit, or one over the idle cap, is
// destroyed. Either way the capacity slots free.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	if !l.done.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: lease already finished", ErrNotBorrowed)
	}
	if l.u.State() != unit.StateBorrowed {
		return fmt.Errorf("%w: unit %s in state %s", ErrNotBorrowed, l.u.ID(), l.u.State())
	}

	sp := l.sp
	defer func() {
		m.releaseSlot(sp.sem)
		m.releaseSlot(m.global)
		m.observeGauges()
	}()

	if err := l.env.Healthy(ctx); err != nil {
		m.logger.Warn("released unit failed health probe",
			slog.String("unit", l.u.ID().String()),
			slog.String("error", err.Error()),
		)
		_ = l.u.To(unit.StateUnhealthy)
		return m.destroyUnit(ctx, l.u, l.env, ReasonUnhealthy)
	}

	// Park-or-destroy is decided and applied under one lock so a
	// concurrent session teardown cannot strand a just-parked unit.
	m.mu.Lock()
	if m.closed || sp.closing {
		m.mu.Unlock()
		return m.destroyUnit(ctx, l.u, l.env, ReasonSessionEnd)
	}
	if len(sp.idle) >= m.cfg.MaxIdlePerSession {
		m.mu.Unlock()
		return m.destroyUnit(ctx, l.u, l.env, ReasonIdleOverflow)
	}
	if err := l.u.To(unit.StateIdle); err != nil {
		m.mu.Unlock()
		return err
	}
	sp.idle = append(sp.idle, &idleUnit{u: l.u, env: l.env})
	m.mu.Unlock()

	m.logger.Debug("unit parked idle", slog.String("unit", l.u.ID().String()))
	return nil
}

// Destroy tears down a borrowed unit immediately. Used after timeouts,
// cancellations, and isolation faults, where the environment can no longer
// be trusted. The capacity slots free once teardown completes.
func (m *Manager) Destroy(ctx context.Context, l *Lease, reason string) error {
	if !l.done.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: lease already finished", ErrNotBorrowed)
	}

	defer func() {
		m.releaseSlot(l.sp.sem)
		m.releaseSlot(m.global)
		m.observeGauges()
	}()

	return m.destroyUnit(ctx, l.u, l.env, reason)
}

// DestroySession tears down all of a session's idle units and marks the
// session closing so in-flight borrows are destroyed on release.
func (m *Manager) DestroySession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sp := m.sessions[sessionID]
	if sp == nil {
		m.mu.Unlock()
		return nil
	}
	sp.closing = true
	idle := sp.idle
	sp.idle = nil
	borrowed := len(sp.sem)
	if borrowed == 0 {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	var errs []error
	for _, iu := range idle {
		if err := m.destroyUnit(ctx, iu.u, iu.env, ReasonSessionEnd); err != nil {
			errs = append(errs, err)
		}
	}
	m.observeGauges()
	return errors.Join(errs...)
}

// Sweep destroys idle units whose last activity is older than the idle TTL.
// Returns the number of units reaped.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	var expired []*idleUnit
	for id, sp := range m.sessions {
		kept := sp.idle[:0]
		for _, iu := range sp.idle {
			if iu.u.LastActive().Before(cutoff) {
				expired = append(expired, iu)
			} else {
				kept = append(kept, iu)
			}
		}
		sp.idle = kept
		if len(sp.idle) == 0 && len(sp.sem) == 0 && !sp.closing {
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, iu := range expired {
		if err := m.destroyUnit(ctx, iu.u, iu.env, ReasonIdleExpired); err != nil {
			m.logger.Warn("sweep teardown failed",
				slog.String("unit", iu.u.ID().String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(expired) > 0 {
		m.logger.Info("swept idle units", slog.Int("count", len(expired)))
	}
	m.observeGauges()
	return len(expired)
}

// Stats is a point-in-time capacity snapshot.
type Stats struct {
	Borrowed int `json:"borrowed"`
	Idle     int `json:"idle"`
	Sessions int `json:"sessions"`
	Capacity int `json:"capacity"`
}

// Stats reports current pool occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Borrowed: len(m.global),
		Sessions: len(m.sessions),
		Capacity: m.cfg.GlobalMax,
	}
	for _, sp := range m.sessions {
		s.Idle += len(sp.idle)
	}
	return s
}

// Close destroys all idle units and rejects further acquires. Borrowed
// units are destroyed as their leases finish.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var idle []*idleUnit
	for _, sp := range m.sessions {
		sp.closing = true
		idle = append(idle, sp.idle...)
		sp.idle = nil
	}
	m.mu.Unlock()

	var errs []error
	for _, iu := range idle {
		if err := m.destroyUnit(ctx, iu.u, iu.env, ReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --- Internal helpers ---

func (m *Manager) sessionFor(sessionID string) (*sessionPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sp := m.sessions[sessionID]
	if sp == nil || sp.closing {
		sp = &sessionPool{sem: make(chan struct{}, m.cfg.PerSessionMax)}
		m.sessions[sessionID] = sp
	}
	return sp, nil
}

// acquireSlot takes one token from a semaphore, blocking only when the
// pool is configured to.
func (m *Manager) acquireSlot(ctx context.Context, sem chan struct{}, scope string) error {
	select {
	case sem <- struct{}{}:
		return nil
	default:
	}

	if !m.cfg.Block {
		if m.metrics != nil {
			m.metrics.PoolExhaustedTotal.WithLabelValues(scope).Inc()
		}
		return fmt.Errorf("%w: %s capacity reached", ErrPoolExhausted, scope)
	}
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s capacity: %w", scope, ctx.Err())
	}
}

func (m *Manager) releaseSlot(sem chan struct{}) {
	select {
	case <-sem:
	default:
		// Released more than acquired — a bug upstream, never silent.
		m.logger.Error("semaphore underflow on release")
	}
}

// leaseUnit pops a healthy warm unit or provisions a fresh one. Called
// with both capacity slots already held.
func (m *Manager) leaseUnit(ctx context.Context, sp *sessionPool, userID, sessionID string) (*Lease, error) {
	for {
		m.mu.Lock()
		var iu *idleUnit
		if n := len(sp.idle); n > 0 {
			iu = sp.idle[n-1]
			sp.idle = sp.idle[:n-1]
		}
		m.mu.Unlock()
		if iu == nil {
			break
		}

		if err := iu.env.Healthy(ctx); err != nil {
			m.logger.Warn("idle unit failed health probe, destroying",
				slog.String("unit", iu.u.ID().String()),
				slog.String("error", err.Error()),
			)
			_ = iu.u.To(unit.StateUnhealthy)
			_ = m.destroyUnit(ctx, iu.u, iu.env, ReasonUnhealthy)
			continue
		}
		if err := iu.u.To(unit.StateBorrowed); err != nil {
			return nil, err
		}
		m.logger.Debug("reusing warm unit", slog.String("unit", iu.u.ID().String()))
		return &Lease{u: iu.u, env: iu.env, mgr: m}, nil
	}

	return m.provision(ctx, userID, sessionID)
}

// provision creates a fresh unit with bounded retries and exponential
// backoff between attempts.
func (m *Manager) provision(ctx context.Context, userID, sessionID string) (*Lease, error) {
	u := unit.New(userID, sessionID, m.ws.SessionDir(userID, sessionID), m.cfg.UnitLimits)
	spec := sandbox.Spec{
		Name:           "kazi-unit-" + u.ID().String(),
		WorkDir:        u.WorkDir(),
		Limits:         u.Limits(),
		NetworkAllowed: m.cfg.NetworkAllowed,
	}

	var lastErr error
	backoff := m.cfg.ProvisionBackoff
	for attempt := 1; attempt <= m.cfg.ProvisionRetries; attempt++ {
		env, err := m.backend.Provision(ctx, spec)
		if err == nil {
			if err := u.To(unit.StateIdle); err != nil {
				_ = env.Teardown(ctx)
				return nil, err
			}
			if err := u.To(unit.StateBorrowed); err != nil {
				_ = env.Teardown(ctx)
				return nil, err
			}
			if m.metrics != nil {
				m.metrics.UnitsProvisionedTotal.Inc()
			}
			m.logger.Info("unit provisioned",
				slog.String("unit", u.ID().String()),
				slog.String("session", sessionID),
				slog.Int("attempt", attempt),
			)
			return &Lease{u: u, env: env, mgr: m}, nil
		}

		lastErr = err
		m.logger.Warn("provisioning attempt failed",
			slog.String("session", sessionID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if m.metrics != nil {
			m.metrics.ProvisionRetriesTotal.Inc()
		}
		if attempt == m.cfg.ProvisionRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrProvision, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	_ = u.To(unit.StateDestroyed)
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrProvision, m.cfg.ProvisionRetries, lastErr)
}

// destroyUnit tears down an environment and drives the unit to its
// terminal state. Teardown errors are reported but the unit is marked
// destroyed regardless — the record must never outlive the resource.
func (m *Manager) destroyUnit(ctx context.Context, u *unit.Unit, env sandbox.Environment, reason string) error {
	tdErr := env.Teardown(ctx)
	_ = u.To(unit.StateDestroyed)
	if m.metrics != nil {
		m.metrics.UnitsDestroyedTotal.WithLabelValues(reason).Inc()
	}
	m.logger.Info("unit destroyed",
		slog.String("unit", u.ID().String()),
		slog.String("session", u.SessionID()),
		slog.String("reason", reason),
	)
	if tdErr != nil {
		return fmt.Errorf("tearing down unit %s: %w", u.ID(), tdErr)
	}
	return nil
}

func (m *Manager) observeGauges() {
	if m.metrics == nil {
		return
	}
	s := m.Stats()
	m.metrics.UnitsBorrowed.Set(float64(s.Borrowed))
	m.metrics.UnitsIdle.Set(float64(s.Idle))
}
