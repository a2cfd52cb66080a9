package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures_bot/internal/models"
)

// PaperClient simulates the account side of trading (balance, position,
// resting stop orders) while delegating all market data to a real
// client. Fills happen at the live mark price; resting stops are
// evaluated against it on every position query, which is how the engine
// observes a simulated stop-out.
type PaperClient struct {
	base Client
	log  zerolog.Logger

	mu        sync.Mutex
	balance   float64
	leverage  int
	position  *models.Position
	stops     map[int64]models.StopOrder
	nextOrder int64
}

func NewPaperClient(initialBalance float64, base Client, log zerolog.Logger) *PaperClient {
	return &PaperClient{
		base:      base,
		log:       log.With().Str("comp", "paper").Logger(),
		balance:   initialBalance,
		leverage:  1,
		stops:     make(map[int64]models.StopOrder),
		nextOrder: 1,
	}
}

func (p *PaperClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	return p.base.GetKlines(ctx, symbol, interval, limit)
}

func (p *PaperClient) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	return p.base.GetMarkPrice(ctx, symbol)
}

func (p *PaperClient) GetSymbolFilters(ctx context.Context, symbol string) (models.SymbolFilters, error) {
	return p.base.GetSymbolFilters(ctx, symbol)
}

func (p *PaperClient) GetBalance(ctx context.Context, asset string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *PaperClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if leverage < 1 {
		return fmt.Errorf("invalid leverage %d", leverage)
	}
	p.leverage = leverage
	return nil
}

func (p *PaperClient) GetOpenPosition(ctx context.Context, symbol string) (*models.Position, error) {
	mark, err := p.base.GetMarkPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.position == nil || p.position.Symbol != symbol {
		return nil, nil
	}

	// Evaluate resting stops against the live mark price.
	for id, stop := range p.stops {
		if stop.Symbol != symbol {
			continue
		}
		triggered := (stop.Side == "SELL" && mark <= stop.StopPrice) ||
			(stop.Side == "BUY" && mark >= stop.StopPrice)
		if triggered {
			p.settleLocked(stop.StopPrice)
			delete(p.stops, id)
			p.log.Info().Float64("stop", stop.StopPrice).Float64("mark", mark).
				Msg("paper stop triggered, position closed")
			return nil, nil
		}
	}

	pos := *p.position
	pos.MarkPrice = mark
	if pos.Side == models.SideLong {
		pos.UnrealizedPL = (mark - pos.EntryPrice) * pos.Quantity
	} else {
		pos.UnrealizedPL = (pos.EntryPrice - mark) * pos.Quantity
	}
	return &pos, nil
}

func (p *PaperClient) CreateMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64) (int64, error) {
	mark, err := p.base.GetMarkPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	margin := mark * qty / float64(p.leverage)
	if margin > p.balance {
		return 0, fmt.Errorf("insufficient paper balance: need %.2f, have %.2f", margin, p.balance)
	}

	if p.position != nil {
		return 0, fmt.Errorf("paper position already open for %s", p.position.Symbol)
	}

	p.position = &models.Position{
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		EntryPrice: mark,
		MarkPrice:  mark,
		Leverage:   p.leverage,
		OpenedAt:   time.Now(),
	}
	id := p.nextID()
	p.log.Info().Str("side", string(side)).Float64("qty", qty).Float64("entry", mark).
		Msg("paper position opened")
	return id, nil
}

func (p *PaperClient) CreateStopMarketOrder(ctx context.Context, symbol, orderSide string, stopPrice float64) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID()
	p.stops[id] = models.StopOrder{
		OrderID:       id,
		Symbol:        symbol,
		Side:          orderSide,
		StopPrice:     stopPrice,
		ClosePosition: true,
	}
	return id, nil
}

func (p *PaperClient) ListStopOrders(ctx context.Context, symbol string) ([]models.StopOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []models.StopOrder
	for _, stop := range p.stops {
		if stop.Symbol == symbol {
			out = append(out, stop)
		}
	}
	return out, nil
}

func (p *PaperClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.stops[orderID]; !ok {
		return fmt.Errorf("paper order %d not found", orderID)
	}
	delete(p.stops, orderID)
	return nil
}

func (p *PaperClient) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, stop := range p.stops {
		if stop.Symbol == symbol {
			delete(p.stops, id)
		}
	}
	return nil
}

// settleLocked realizes PnL at the given exit price and clears the
// position. Caller holds the mutex.
func (p *PaperClient) settleLocked(exit float64) {
	pos := p.position
	var pnl float64
	if pos.Side == models.SideLong {
		pnl = (exit - pos.EntryPrice) * pos.Quantity
	} else {
		pnl = (pos.EntryPrice - exit) * pos.Quantity
	}
	p.balance += pnl
	p.position = nil
}

func (p *PaperClient) nextID() int64 {
	id := p.nextOrder
	p.nextOrder++
	return id
}
