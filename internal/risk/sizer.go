package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures_bot/internal/models"
)

// ErrBelowMinQty means the account cannot fund even the exchange
// minimum quantity. Fatal for the cycle; retrying with the same inputs
// would just be rejected again.
var ErrBelowMinQty = errors.New("computed quantity below exchange minimum")

// ErrInsufficientBalance means the margin required for the order
// exceeds the account balance.
var ErrInsufficientBalance = errors.New("insufficient balance for computed quantity")

// AccountSource is the slice of the exchange surface sizing needs.
type AccountSource interface {
	GetBalance(ctx context.Context, asset string) (float64, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetSymbolFilters(ctx context.Context, symbol string) (models.SymbolFilters, error)
}

// Sizer computes order quantity from balance, risk fraction, leverage,
// and the exchange's lot constraints.
type Sizer struct {
	ex           AccountSource
	riskFraction float64
	leverage     int
	log          zerolog.Logger
}

func NewSizer(ex AccountSource, riskFraction float64, leverage int, log zerolog.Logger) *Sizer {
	return &Sizer{
		ex:           ex,
		riskFraction: riskFraction,
		leverage:     leverage,
		log:          log.With().Str("comp", "sizer").Logger(),
	}
}

// CalculateQuantity returns a quantity aligned to the lot step and
// never below the exchange minimum. A quantity the account cannot fund
// is a precondition failure, not something to retry.
func (s *Sizer) CalculateQuantity(ctx context.Context, symbol string) (float64, error) {
	balance, err := s.ex.GetBalance(ctx, "USDT")
	if err != nil {
		return 0, fmt.Errorf("balance: %w", err)
	}
	filters, err := s.ex.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("filters: %w", err)
	}
	mark, err := s.ex.GetMarkPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("mark price: %w", err)
	}
	if mark <= 0 {
		return 0, fmt.Errorf("invalid mark price %.8f for %s", mark, symbol)
	}

	margin := balance * s.riskFraction
	if margin <= 0 {
		return 0, fmt.Errorf("%w: balance %.2f, risk fraction %.4f", ErrInsufficientBalance, balance, s.riskFraction)
	}

	notional := margin * float64(s.leverage)
	if notional < filters.MinNotional {
		notional = filters.MinNotional
	}

	qty := FloorToStep(notional/mark, filters.StepSize)
	if qty < filters.MinQty {
		qty = filters.MinQty
	}
	if qty <= 0 {
		return 0, fmt.Errorf("%w: raw %.8f, step %.8f", ErrBelowMinQty, notional/mark, filters.StepSize)
	}

	// The min-notional and min-qty floors can push the order past what
	// the risk fraction allows; never exceed what the account can fund.
	requiredMargin := qty * mark / float64(s.leverage)
	if requiredMargin > balance {
		return 0, fmt.Errorf("%w: need %.2f USDT margin, balance %.2f", ErrInsufficientBalance, requiredMargin, balance)
	}

	s.log.Debug().Float64("balance", balance).Float64("margin", margin).
		Float64("notional", notional).Float64("mark", mark).Float64("qty", qty).
		Msg("position sized")
	return qty, nil
}

// FloorToStep rounds qty down to the exchange lot step using decimal
// arithmetic so float error can never produce a misaligned order.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	st := decimal.NewFromFloat(step)
	floored, _ := q.Div(st).Floor().Mul(st).Float64()
	return floored
}

// RoundToTick snaps a price to the exchange tick size.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	rounded, _ := p.Div(t).Round(0).Mul(t).Float64()
	return rounded
}
