package safeentry

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures_bot/internal/models"
)

// State is the lifecycle phase of a safe-entry session.
type State string

const (
	StateIdle      State = "IDLE"
	StateArmed     State = "ARMED"
	StateConfirmed State = "CONFIRMED"
	StateTimedOut  State = "TIMED_OUT"
)

// Terminal reports whether the session has finished, successfully or
// not.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateTimedOut
}

// Session is the safe-entry state for one attempted trade. Values
// handed out by the monitor are snapshots; only the tick consumer
// mutates the live copy.
type Session struct {
	ID           string
	Side         models.Side
	StartPrice   float64
	ExtremePrice float64
	ConfirmCount int
	StartTime    time.Time
	State        State
}

// Config carries the confirmation knobs.
type Config struct {
	// SafeDistancePct is the fractional recovery from the local extreme
	// that counts as a confirming tick.
	SafeDistancePct float64
	// ConfirmTicks is how many consecutive confirming ticks are needed.
	ConfirmTicks int
	// MaxWait bounds how long a session may stay armed.
	MaxWait time.Duration
	// MinTickSize filters out sub-tick noise: a tick whose distance
	// from the last processed one is smaller is ignored entirely.
	MinTickSize float64
}

// Monitor runs the safe-entry confirmation for a single symbol. A
// signaled trade is not executed until price first establishes a local
// extreme against the intended direction and then recovers by
// SafeDistancePct, filtering the single-tick breakouts that dominate
// short timeframes.
//
// At most one session exists at a time. All mutation happens on the
// goroutine running Run; other goroutines read snapshots under the
// lock.
type Monitor struct {
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu        sync.Mutex
	session   *Session
	done      chan struct{}
	lastPrice float64
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func NewMonitor(cfg Config, log zerolog.Logger) *Monitor {
	return &Monitor{
		cfg: cfg,
		log: log.With().Str("comp", "safeentry").Logger(),
		now: time.Now,
	}
}

// Run consumes the live tick stream until ctx is cancelled or the
// channel closes. It is the single writer for session state; the
// housekeeping tick guarantees timeouts fire even when the feed goes
// quiet.
func (m *Monitor) Run(ctx context.Context, ticks <-chan models.Tick) {
	housekeeping := time.NewTicker(time.Second)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			m.processTick(tick)
		case <-housekeeping.C:
			m.checkTimeout()
		}
	}
}

// Arm starts a session for the given side. Calling Arm while a session
// is armed is a no-op that returns the existing session.
func (m *Monitor) Arm(side models.Side) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.State == StateArmed {
		m.log.Warn().Str("id", m.session.ID).Str("side", string(m.session.Side)).
			Msg("Arm called while session already armed, returning existing session")
		return *m.session
	}

	m.session = &Session{
		ID:        uuid.NewString(),
		Side:      side,
		StartTime: m.now(),
		State:     StateArmed,
	}
	m.done = make(chan struct{})
	m.lastPrice = 0

	m.log.Info().Str("id", m.session.ID).Str("side", string(side)).
		Float64("safe_distance_pct", m.cfg.SafeDistancePct).
		Int("confirm_ticks", m.cfg.ConfirmTicks).
		Msg("safe-entry session armed")
	return *m.session
}

// Snapshot returns a copy of the current session, if any.
func (m *Monitor) Snapshot() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// Done returns a channel closed when the current session reaches a
// terminal state. With no session it returns an already-closed channel
// so callers never block on nothing.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return closedChan
	}
	return m.done
}

// Await blocks until the session terminates or ctx expires, and reports
// whether entry was confirmed.
func (m *Monitor) Await(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-m.Done():
	}
	snap, ok := m.Snapshot()
	return ok && snap.State == StateConfirmed, nil
}

// Clear discards the session. A still-armed session is forced to
// TimedOut first so waiters unblock; normally the engine clears only
// terminal sessions.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil && m.session.State == StateArmed {
		m.log.Warn().Str("id", m.session.ID).Msg("clearing armed session")
		m.terminateLocked(StateTimedOut)
	}
	m.session = nil
}

func (m *Monitor) processTick(tick models.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session
	if s == nil || s.State != StateArmed {
		return
	}
	if m.expireLocked() {
		return
	}

	price := tick.Price
	if price <= 0 {
		return
	}
	if m.lastPrice != 0 && math.Abs(price-m.lastPrice) < m.cfg.MinTickSize {
		return
	}
	m.lastPrice = price

	if s.StartPrice == 0 {
		s.StartPrice = price
		s.ExtremePrice = price
	}

	if s.Side == models.SideLong {
		if price < s.ExtremePrice {
			s.ExtremePrice = price
			s.ConfirmCount = 0
		}
		trigger := s.ExtremePrice * (1 + m.cfg.SafeDistancePct)
		// Recovery must clear the trigger without overshooting a second
		// safe distance: a violent snap-back is still a spike, not the
		// controlled reversal this filter waits for.
		upper := trigger * (1 + m.cfg.SafeDistancePct)
		if price >= trigger && price <= upper {
			s.ConfirmCount++
		} else {
			s.ConfirmCount = 0
		}
	} else {
		if price > s.ExtremePrice {
			s.ExtremePrice = price
			s.ConfirmCount = 0
		}
		trigger := s.ExtremePrice * (1 - m.cfg.SafeDistancePct)
		lower := trigger * (1 - m.cfg.SafeDistancePct)
		if price <= trigger && price >= lower {
			s.ConfirmCount++
		} else {
			s.ConfirmCount = 0
		}
	}

	if s.ConfirmCount >= m.cfg.ConfirmTicks {
		m.log.Info().Str("id", s.ID).Str("side", string(s.Side)).
			Float64("extreme", s.ExtremePrice).Float64("price", price).
			Msg("safe entry confirmed")
		m.terminateLocked(StateConfirmed)
	}
}

func (m *Monitor) checkTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || m.session.State != StateArmed {
		return
	}
	m.expireLocked()
}

// expireLocked times the session out when its deadline has passed.
// Caller holds the lock.
func (m *Monitor) expireLocked() bool {
	s := m.session
	if m.now().Sub(s.StartTime) < m.cfg.MaxWait {
		return false
	}
	m.log.Warn().Str("id", s.ID).Str("side", string(s.Side)).
		Dur("waited", m.now().Sub(s.StartTime)).
		Msg("safe-entry session timed out without confirmation")
	m.terminateLocked(StateTimedOut)
	return true
}

func (m *Monitor) terminateLocked(state State) {
	m.session.State = state
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}
