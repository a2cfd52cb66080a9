package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"

	"futures_bot/internal/metrics"
	"futures_bot/internal/models"
)

// OrderClient is the slice of the exchange surface the risk manager
// needs.
type OrderClient interface {
	GetSymbolFilters(ctx context.Context, symbol string) (models.SymbolFilters, error)
	CreateStopMarketOrder(ctx context.Context, symbol, orderSide string, stopPrice float64) (int64, error)
	ListStopOrders(ctx context.Context, symbol string) ([]models.StopOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
}

// Manager owns the protective stop for the open position: the initial
// stop-loss after entry, and the progressive trailing stop that only
// ever moves in the trade's favor.
type Manager struct {
	ex              OrderClient
	initialStopPct  float64
	trailingStepPct float64
	log             zerolog.Logger
}

func NewManager(ex OrderClient, initialStopPct, trailingStepPct float64, log zerolog.Logger) *Manager {
	return &Manager{
		ex:              ex,
		initialStopPct:  initialStopPct,
		trailingStepPct: trailingStepPct,
		log:             log.With().Str("comp", "risk").Logger(),
	}
}

// PlaceInitialStop submits the reduce-only stop that protects a fresh
// entry: entry*(1−pct) under a LONG, entry*(1+pct) over a SHORT. The
// order closes the whole position and triggers off mark price.
func (m *Manager) PlaceInitialStop(ctx context.Context, symbol string, side models.Side, entryPrice float64) (float64, error) {
	stopPrice := m.stopFor(side, entryPrice)

	filters, err := m.ex.GetSymbolFilters(ctx, symbol)
	if err == nil {
		stopPrice = RoundToTick(stopPrice, filters.TickSize)
	}

	orderSide := side.ExitOrderSide()
	orderID, err := m.ex.CreateStopMarketOrder(ctx, symbol, orderSide, stopPrice)
	if err != nil {
		return 0, fmt.Errorf("initial stop: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues(symbol, orderSide, "STOP_MARKET").Inc()
	m.log.Info().Str("symbol", symbol).Str("side", string(side)).
		Float64("entry", entryPrice).Float64("stop", stopPrice).Int64("order_id", orderID).
		Msg("initial stop placed")
	return stopPrice, nil
}

// AdvanceTrailingStop ratchets the stop when price has moved at least
// trailingStepPct in the position's favor since the last placement.
// With no favorable movement it is a no-op, so repeated calls leave
// exactly one stop order resting. The stale stop is cancelled and the
// cancellation verified before the replacement goes out, so there is
// never a window with two live stops.
func (m *Manager) AdvanceTrailingStop(ctx context.Context, symbol string, side models.Side, currentPrice, currentStop float64) (float64, bool, error) {
	if currentStop <= 0 {
		// Position without a known stop: protect it now rather than
		// trail from nothing.
		stop, err := m.PlaceInitialStop(ctx, symbol, side, currentPrice)
		return stop, err == nil, err
	}

	// The price the current stop was derived from.
	var anchor float64
	advance := false
	if side == models.SideLong {
		anchor = currentStop / (1 - m.initialStopPct)
		advance = currentPrice >= anchor*(1+m.trailingStepPct)
	} else {
		anchor = currentStop / (1 + m.initialStopPct)
		advance = currentPrice <= anchor*(1-m.trailingStepPct)
	}
	if !advance {
		return currentStop, false, nil
	}

	newStop := m.stopFor(side, currentPrice)
	if filters, err := m.ex.GetSymbolFilters(ctx, symbol); err == nil {
		newStop = RoundToTick(newStop, filters.TickSize)
	}

	// Never move the stop against the trade.
	if (side == models.SideLong && newStop <= currentStop) ||
		(side == models.SideShort && newStop >= currentStop) {
		return currentStop, false, nil
	}

	if err := m.cancelExistingStops(ctx, symbol); err != nil {
		return currentStop, false, fmt.Errorf("trailing stop: %w", err)
	}

	orderSide := side.ExitOrderSide()
	orderID, err := m.ex.CreateStopMarketOrder(ctx, symbol, orderSide, newStop)
	if err != nil {
		// The old stop is gone and the new one failed: the position is
		// unprotected, which the caller must treat loudly.
		return currentStop, false, fmt.Errorf("trailing stop replacement failed, position unprotected: %w", err)
	}

	metrics.OrdersTotal.WithLabelValues(symbol, orderSide, "STOP_MARKET").Inc()
	m.log.Info().Str("symbol", symbol).Str("side", string(side)).
		Float64("price", currentPrice).Float64("old_stop", currentStop).
		Float64("new_stop", newStop).Int64("order_id", orderID).
		Msg("trailing stop advanced")
	return newStop, true, nil
}

// CancelAll clears every conditional order for the symbol. Used on
// manual flatten and on detecting inconsistent state. Partial failures
// (order already filled, unknown order) do not abort the remaining
// cancellations.
func (m *Manager) CancelAll(ctx context.Context, symbol string) error {
	if err := m.ex.CancelAllOpenOrders(ctx, symbol); err == nil {
		m.log.Info().Str("symbol", symbol).Msg("all open orders cancelled")
		return nil
	} else if !isUnknownOrder(err) {
		m.log.Warn().Err(err).Str("symbol", symbol).
			Msg("bulk cancel failed, falling back to per-order cancellation")
	}

	stops, err := m.ex.ListStopOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("cancel all: list: %w", err)
	}

	var errs []error
	for _, stop := range stops {
		if err := m.ex.CancelOrder(ctx, symbol, stop.OrderID); err != nil && !isUnknownOrder(err) {
			errs = append(errs, fmt.Errorf("cancel order %d: %w", stop.OrderID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) cancelExistingStops(ctx context.Context, symbol string) error {
	stops, err := m.ex.ListStopOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("list stops: %w", err)
	}

	for _, stop := range stops {
		if err := m.ex.CancelOrder(ctx, symbol, stop.OrderID); err != nil {
			if isUnknownOrder(err) {
				// Already gone: filled or cancelled elsewhere.
				continue
			}
			return fmt.Errorf("cancel stop %d: %w", stop.OrderID, err)
		}
	}
	return nil
}

func (m *Manager) stopFor(side models.Side, price float64) float64 {
	if side == models.SideLong {
		return price * (1 - m.initialStopPct)
	}
	return price * (1 + m.initialStopPct)
}

// isUnknownOrder matches the exchange's "unknown order sent" rejection,
// which during cancellation means the order no longer exists.
func isUnknownOrder(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr) && apiErr.Code == -2011
}
