package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures_bot/config"
	"futures_bot/internal/aggregator"
	"futures_bot/internal/exchange"
	"futures_bot/internal/metrics"
	"futures_bot/internal/models"
	"futures_bot/internal/risk"
	"futures_bot/internal/safeentry"
)

// State is the engine's own lifecycle phase. Exactly one is active at a
// time; together with the position/session checks in cycle() it
// enforces the mutual exclusion between an armed safe-entry session and
// an open position.
type State string

const (
	StateIdle                 State = "IDLE"
	StateSignalled            State = "SIGNALLED"
	StateAwaitingConfirmation State = "AWAITING_CONFIRMATION"
	StatePositionOpen         State = "POSITION_OPEN"
)

// streamStaleAfter is how long the live feed may go quiet before the
// per-cycle health check complains.
const streamStaleAfter = 2 * time.Minute

// cycleTimeout bounds one full evaluation pass. The REST client has no
// transport-level timeout, so without a deadline a single stalled TCP
// connection would freeze the cadence for good. It must leave room for
// the confirmation wait plus a full retry sequence on one call.
const cycleTimeout = 45 * time.Second

// Engine drives the fixed-cadence evaluation cycle: query position,
// aggregate signal, arm safe entry on a threshold crossing, enter on
// confirmation, and trail the stop while a position is open. It is the
// single writer over trading state and the only place that decides
// whether an error is cycle-fatal or process-fatal.
type Engine struct {
	cfg     *config.Config
	ex      exchange.Client
	agg     *aggregator.Aggregator
	monitor *safeentry.Monitor
	sizer   *risk.Sizer
	riskMgr *risk.Manager
	log     zerolog.Logger

	// confirmPoll bounds how long one cycle waits on an armed session
	// before moving on to the rest of its bookkeeping.
	confirmPoll time.Duration

	// lastTickAt reports the live feed's most recent activity, for the
	// staleness watchdog. Optional.
	lastTickAt func() time.Time

	mu          sync.RWMutex
	state       State
	lastTotal   int
	currentStop float64
	halted      bool
	isRunning   bool
	stopped     bool
	stopChan    chan struct{}

	onTradeOpen  func(models.Position)
	onTradeClose func(symbol string)
	onSignal     func(models.CompositeSignal)
	onAlert      func(string)
}

func New(cfg *config.Config, ex exchange.Client, agg *aggregator.Aggregator, monitor *safeentry.Monitor, sizer *risk.Sizer, riskMgr *risk.Manager, log zerolog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		ex:          ex,
		agg:         agg,
		monitor:     monitor,
		sizer:       sizer,
		riskMgr:     riskMgr,
		log:         log.With().Str("comp", "engine").Logger(),
		confirmPoll: 2 * time.Second,
		state:       StateIdle,
		stopChan:    make(chan struct{}),
	}
}

// SetCallbacks wires the notification hooks. Any of them may be nil.
func (e *Engine) SetCallbacks(onTradeOpen func(models.Position), onTradeClose func(string), onSignal func(models.CompositeSignal), onAlert func(string)) {
	e.onTradeOpen = onTradeOpen
	e.onTradeClose = onTradeClose
	e.onSignal = onSignal
	e.onAlert = onAlert
}

// SetStreamHealth gives the engine a way to observe live-feed
// staleness during its per-cycle bookkeeping.
func (e *Engine) SetStreamHealth(lastTickAt func() time.Time) {
	e.lastTickAt = lastTickAt
}

// Run executes evaluation cycles at the configured cadence until the
// context is cancelled, Stop is called, or a process-fatal error (an
// authorization failure) occurs. The sleep is compensated for cycle
// duration so cadence stays anchored to the wall clock.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return nil
	}
	e.isRunning = true
	e.stopped = false
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	e.log.Info().Str("symbol", e.cfg.Symbol).Dur("interval", e.cfg.CycleInterval).
		Int("long_threshold", e.cfg.LongThreshold).Int("short_threshold", e.cfg.ShortThreshold).
		Msg("engine started")

	defer func() {
		e.mu.Lock()
		e.isRunning = false
		e.mu.Unlock()
	}()

	for {
		start := time.Now()
		if !e.Halted() {
			cctx, cancel := context.WithTimeout(ctx, cycleTimeout)
			err := e.cycle(cctx)
			cancel()
			if err != nil {
				e.alert(fmt.Sprintf("🛑 trading halted: %v", err))
				e.mu.Lock()
				e.halted = true
				e.mu.Unlock()
				return err
			}
		}
		metrics.CyclesTotal.Inc()

		wait := e.cfg.CycleInterval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-e.stopChan:
			return nil
		case <-time.After(wait):
		}
	}
}

func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isRunning || e.stopped {
		return
	}
	e.stopped = true
	close(e.stopChan)
	e.log.Info().Msg("engine stopped")
}

// Halt suspends trading actions without tearing the process down.
func (e *Engine) Halt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = true
}

// Resume lifts a halt.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = false
}

func (e *Engine) Halted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.halted
}

// Status is a point-in-time view for the notifier.
type Status struct {
	State       State
	LastTotal   int
	CurrentStop float64
	Halted      bool
	Running     bool
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		State:       e.state,
		LastTotal:   e.lastTotal,
		CurrentStop: e.currentStop,
		Halted:      e.halted,
		Running:     e.isRunning,
	}
}

// cycle runs one evaluation pass. The returned error is process-fatal;
// everything recoverable is logged and absorbed here.
func (e *Engine) cycle(ctx context.Context) error {
	pos, err := e.ex.GetOpenPosition(ctx, e.cfg.Symbol)
	if err != nil {
		if exchange.IsAuthError(err) {
			return err
		}
		e.log.Error().Err(err).Msg("position query failed, skipping cycle")
		return nil
	}

	e.checkStreamHealth()

	if pos != nil {
		return e.managePosition(ctx, pos)
	}

	// No position on the exchange. If we thought one was open, it was
	// stopped out or closed manually: clean up and notify.
	if e.getState() == StatePositionOpen {
		e.log.Info().Str("symbol", e.cfg.Symbol).Msg("position closed on exchange")
		if err := e.riskMgr.CancelAll(ctx, e.cfg.Symbol); err != nil {
			e.log.Warn().Err(err).Msg("cleanup cancel after close failed")
		}
		e.setStop(0)
		e.setState(StateIdle)
		if e.onTradeClose != nil {
			e.onTradeClose(e.cfg.Symbol)
		}
	}

	if _, active := e.monitor.Snapshot(); active {
		return e.handleSession(ctx)
	}

	if err := e.reconcileStrayStops(ctx); err != nil {
		return err
	}
	return e.evaluateSignal(ctx)
}

// managePosition trails the stop while the position is open.
func (e *Engine) managePosition(ctx context.Context, pos *models.Position) error {
	if snap, ok := e.monitor.Snapshot(); ok {
		// A position appeared (manual entry?) while a session was live.
		// The position wins; the session is dropped whatever its state,
		// or a confirmation could fire a second entry once this
		// position closes.
		e.log.Warn().Str("session", snap.ID).Str("session_state", string(snap.State)).
			Msg("position open while safe-entry session active, discarding session")
		e.monitor.Clear()
	}
	e.setState(StatePositionOpen)

	price := pos.MarkPrice
	if price <= 0 {
		var err error
		price, err = e.ex.GetMarkPrice(ctx, e.cfg.Symbol)
		if err != nil {
			if exchange.IsAuthError(err) {
				return err
			}
			e.log.Error().Err(err).Msg("mark price unavailable, skipping trailing update")
			return nil
		}
	}

	newStop, moved, err := e.riskMgr.AdvanceTrailingStop(ctx, e.cfg.Symbol, pos.Side, price, e.getStop())
	if err != nil {
		if exchange.IsAuthError(err) {
			return err
		}
		if errors.Is(err, exchange.ErrRetriesExhausted) {
			e.alert(fmt.Sprintf("⚠️ stop management failing for %s, position may be unprotected: %v", e.cfg.Symbol, err))
		} else {
			e.log.Error().Err(err).Msg("trailing stop update failed")
		}
		return nil
	}
	if moved {
		e.setStop(newStop)
	}
	return nil
}

// handleSession polls the armed session with a bounded wait and acts on
// a terminal state.
func (e *Engine) handleSession(ctx context.Context) error {
	snap, ok := e.monitor.Snapshot()
	if !ok {
		return nil
	}

	if snap.State == safeentry.StateArmed {
		e.setState(StateAwaitingConfirmation)
		select {
		case <-e.monitor.Done():
		case <-time.After(e.confirmPoll):
			// Still armed; the rest of the cycle's bookkeeping must not
			// starve behind the confirmation wait.
			return nil
		case <-ctx.Done():
			return nil
		}
		snap, ok = e.monitor.Snapshot()
		if !ok {
			return nil
		}
	}

	switch snap.State {
	case safeentry.StateConfirmed:
		return e.enterPosition(ctx, snap)
	case safeentry.StateTimedOut:
		e.log.Info().Str("session", snap.ID).Msg("safe entry timed out, back to idle")
		e.monitor.Clear()
		e.setState(StateIdle)
	}
	return nil
}

// enterPosition sizes and submits the market entry for a confirmed
// session, then hands protection to the risk manager.
func (e *Engine) enterPosition(ctx context.Context, snap safeentry.Session) error {
	// The session is consumed whatever happens next; a failed entry
	// returns to idle rather than re-entering on a stale confirmation.
	defer func() {
		e.monitor.Clear()
	}()

	qty, err := e.sizer.CalculateQuantity(ctx, e.cfg.Symbol)
	if err != nil {
		if exchange.IsAuthError(err) {
			return err
		}
		e.setState(StateIdle)
		e.log.Error().Err(err).Msg("sizing failed, entry abandoned")
		return nil
	}

	if _, err := e.ex.CreateMarketOrder(ctx, e.cfg.Symbol, snap.Side, qty); err != nil {
		if exchange.IsAuthError(err) {
			return err
		}
		e.setState(StateIdle)
		e.log.Error().Err(err).Msg("market entry failed")
		return nil
	}
	metrics.OrdersTotal.WithLabelValues(e.cfg.Symbol, snap.Side.EntryOrderSide(), "MARKET").Inc()

	pos, err := e.ex.GetOpenPosition(ctx, e.cfg.Symbol)
	if err != nil || pos == nil {
		// Order went out but the position is not visible yet; fall back
		// to mark price for the stop and let the next cycle reconcile.
		mark, markErr := e.ex.GetMarkPrice(ctx, e.cfg.Symbol)
		if markErr != nil {
			e.alert(fmt.Sprintf("⚠️ entered %s %s but cannot read back position or price, stop not placed", snap.Side, e.cfg.Symbol))
			e.setState(StatePositionOpen)
			return nil
		}
		pos = &models.Position{Symbol: e.cfg.Symbol, Side: snap.Side, Quantity: qty, EntryPrice: mark}
	}

	stop, err := e.riskMgr.PlaceInitialStop(ctx, e.cfg.Symbol, snap.Side, pos.EntryPrice)
	if err != nil {
		if exchange.IsAuthError(err) {
			return err
		}
		// Open position without a stop: loud, and the trailing path
		// re-arms protection next cycle via its zero-stop branch.
		e.alert(fmt.Sprintf("⚠️ %s position open without protective stop: %v", e.cfg.Symbol, err))
	} else {
		e.setStop(stop)
	}

	e.setState(StatePositionOpen)
	e.log.Info().Str("side", string(snap.Side)).Float64("qty", qty).
		Float64("entry", pos.EntryPrice).Float64("stop", stop).
		Msg("✅ position opened after safe entry")
	if e.onTradeOpen != nil {
		e.onTradeOpen(*pos)
	}
	return nil
}

// reconcileStrayStops clears conditional orders that survived a closed
// position, then re-queries position state before signal evaluation.
func (e *Engine) reconcileStrayStops(ctx context.Context) error {
	stops, err := e.ex.ListStopOrders(ctx, e.cfg.Symbol)
	if err != nil {
		if exchange.IsAuthError(err) {
			return err
		}
		e.log.Warn().Err(err).Msg("stop order query failed")
		return nil
	}
	if len(stops) == 0 {
		return nil
	}

	e.log.Warn().Int("count", len(stops)).
		Msg("stop orders present with no position, cancelling all")
	if err := e.riskMgr.CancelAll(ctx, e.cfg.Symbol); err != nil {
		e.log.Error().Err(err).Msg("cancel all failed during reconciliation")
	}
	e.setStop(0)

	// Fresh position query before resuming: the stop may have guarded a
	// position that appeared between queries.
	if pos, err := e.ex.GetOpenPosition(ctx, e.cfg.Symbol); err == nil && pos != nil {
		e.setState(StatePositionOpen)
	}
	return nil
}

// evaluateSignal runs the aggregator and arms the safe-entry monitor on
// a threshold crossing.
func (e *Engine) evaluateSignal(ctx context.Context) error {
	e.setState(StateIdle)

	sig := e.agg.Evaluate(ctx, e.cfg.Symbol)

	e.mu.Lock()
	changed := sig.Total != e.lastTotal
	e.lastTotal = sig.Total
	e.mu.Unlock()
	if changed && e.onSignal != nil {
		e.onSignal(sig)
	}

	var side models.Side
	switch {
	case sig.Total >= e.cfg.LongThreshold:
		side = models.SideLong
	case sig.Total <= e.cfg.ShortThreshold:
		side = models.SideShort
	default:
		return nil
	}

	intent := models.TradeIntent{
		Symbol:       e.cfg.Symbol,
		Side:         side,
		TriggeredAt:  time.Now(),
		TriggerScore: sig.Total,
	}
	e.setState(StateSignalled)
	e.log.Info().Str("side", string(side)).Int("score", intent.TriggerScore).
		Msg("🎯 threshold crossed, arming safe entry")

	e.monitor.Arm(side)
	e.setState(StateAwaitingConfirmation)
	return nil
}

func (e *Engine) checkStreamHealth() {
	if e.lastTickAt == nil {
		return
	}
	last := e.lastTickAt()
	if last.IsZero() {
		return
	}
	if age := time.Since(last); age > streamStaleAfter {
		e.log.Warn().Dur("age", age).Msg("live price stream is stale")
	}
}

func (e *Engine) alert(msg string) {
	e.log.Error().Msg(msg)
	if e.onAlert != nil {
		e.onAlert(msg)
	}
}

func (e *Engine) getState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != s {
		e.log.Debug().Str("from", string(e.state)).Str("to", string(s)).Msg("state transition")
	}
	e.state = s
}

func (e *Engine) getStop() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentStop
}

func (e *Engine) setStop(stop float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentStop = stop
}
