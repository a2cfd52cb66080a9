package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures_bot/internal/models"
)

// Client is the narrow exchange surface the engine consumes. Both the
// real futures client and the paper-trading wrapper implement it.
type Client interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetBalance(ctx context.Context, asset string) (float64, error)
	GetOpenPosition(ctx context.Context, symbol string) (*models.Position, error)
	GetSymbolFilters(ctx context.Context, symbol string) (models.SymbolFilters, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CreateMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64) (int64, error)
	CreateStopMarketOrder(ctx context.Context, symbol, orderSide string, stopPrice float64) (int64, error)
	ListStopOrders(ctx context.Context, symbol string) ([]models.StopOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
}

// FuturesClient talks to Binance USDT-margined futures. Every call is
// wrapped with the shared retry policy from errors.go.
type FuturesClient struct {
	client *futures.Client
	log    zerolog.Logger

	mu      sync.Mutex
	filters map[string]models.SymbolFilters
}

func NewFuturesClient(apiKey, secretKey string, testnet bool, log zerolog.Logger) *FuturesClient {
	if testnet {
		futures.UseTestnet = true
	}
	return &FuturesClient{
		client:  futures.NewClient(apiKey, secretKey),
		log:     log.With().Str("comp", "exchange").Logger(),
		filters: make(map[string]models.SymbolFilters),
	}
}

func (c *FuturesClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	var raw []*futures.Kline
	err := withRetry(ctx, c.log, "klines", func() error {
		var err error
		raw, err = c.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	candles := make([]models.Candle, len(raw))
	for i, k := range raw {
		candles[i] = models.Candle{
			Interval:  interval,
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: time.UnixMilli(k.CloseTime),
		}
	}
	return candles, nil
}

func (c *FuturesClient) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	var premium []*futures.PremiumIndex
	err := withRetry(ctx, c.log, "mark_price", func() error {
		var err error
		premium, err = c.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(premium) == 0 {
		return 0, fmt.Errorf("no mark price data for %s", symbol)
	}
	return parseFloat(premium[0].MarkPrice), nil
}

func (c *FuturesClient) GetBalance(ctx context.Context, asset string) (float64, error) {
	var balances []*futures.Balance
	err := withRetry(ctx, c.log, "balance", func() error {
		var err error
		balances, err = c.client.NewGetBalanceService().Do(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.Asset == asset {
			return parseFloat(b.Balance), nil
		}
	}
	return 0, nil
}

// GetOpenPosition queries the exchange's position risk endpoint and
// returns nil when the position amount is zero. The exchange is the
// source of truth; callers never track position state locally.
func (c *FuturesClient) GetOpenPosition(ctx context.Context, symbol string) (*models.Position, error) {
	var risks []*futures.PositionRisk
	err := withRetry(ctx, c.log, "position", func() error {
		var err error
		risks, err = c.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, p := range risks {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := models.SideLong
		qty := amt
		if amt < 0 {
			side = models.SideShort
			qty = -amt
		}
		leverage, _ := strconv.Atoi(p.Leverage)
		return &models.Position{
			Symbol:       p.Symbol,
			Side:         side,
			Quantity:     qty,
			EntryPrice:   parseFloat(p.EntryPrice),
			MarkPrice:    parseFloat(p.MarkPrice),
			UnrealizedPL: parseFloat(p.UnRealizedProfit),
			Leverage:     leverage,
		}, nil
	}
	return nil, nil
}

func (c *FuturesClient) GetSymbolFilters(ctx context.Context, symbol string) (models.SymbolFilters, error) {
	c.mu.Lock()
	if f, ok := c.filters[symbol]; ok {
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	var info *futures.ExchangeInfo
	err := withRetry(ctx, c.log, "exchange_info", func() error {
		var err error
		info, err = c.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return models.SymbolFilters{}, err
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		f := models.SymbolFilters{}
		if lot := s.LotSizeFilter(); lot != nil {
			f.StepSize = parseFloat(lot.StepSize)
			f.MinQty = parseFloat(lot.MinQuantity)
		}
		if mn := s.MinNotionalFilter(); mn != nil {
			f.MinNotional = parseFloat(mn.Notional)
		}
		if pf := s.PriceFilter(); pf != nil {
			f.TickSize = parseFloat(pf.TickSize)
		}
		c.mu.Lock()
		c.filters[symbol] = f
		c.mu.Unlock()
		return f, nil
	}
	return models.SymbolFilters{}, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

func (c *FuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return withRetry(ctx, c.log, "leverage", func() error {
		_, err := c.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
		return err
	})
}

// CreateMarketOrder submits a market entry. Market orders are NOT
// retried after the first send: a timeout may mean the order went
// through, and a blind resend could double the position.
func (c *FuturesClient) CreateMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64) (int64, error) {
	resp, err := c.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side.EntryOrderSide())).
		Type(futures.OrderTypeMarket).
		Quantity(formatFloat(qty)).
		NewClientOrderID("mtf-" + uuid.NewString()[:18]).
		Do(ctx)
	if err != nil {
		if IsAuthError(err) {
			return 0, fmt.Errorf("market order: %w: %v", ErrUnauthorized, err)
		}
		return 0, fmt.Errorf("market order: %w", err)
	}
	c.log.Info().Str("symbol", symbol).Str("side", string(side)).Float64("qty", qty).
		Int64("order_id", resp.OrderID).Msg("market order filled")
	return resp.OrderID, nil
}

// CreateStopMarketOrder places a reduce-only protective stop that
// closes the whole position, triggered off mark price so a single-tick
// wick on last price cannot fire it.
func (c *FuturesClient) CreateStopMarketOrder(ctx context.Context, symbol, orderSide string, stopPrice float64) (int64, error) {
	var resp *futures.CreateAlgoOrderResp
	err := withRetry(ctx, c.log, "stop_order", func() error {
		var err error
		resp, err = c.client.NewCreateAlgoOrderService().
			Symbol(symbol).
			Side(futures.SideType(orderSide)).
			Type(futures.AlgoOrderTypeStopMarket).
			TriggerPrice(formatFloat(stopPrice)).
			ClosePosition(true).
			WorkingType(futures.WorkingTypeMarkPrice).
			ClientAlgoId("mtf-" + uuid.NewString()[:18]).
			Do(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return resp.AlgoId, nil
}

func (c *FuturesClient) ListStopOrders(ctx context.Context, symbol string) ([]models.StopOrder, error) {
	var orders []futures.GetAlgoOrderResp
	err := withRetry(ctx, c.log, "open_orders", func() error {
		var err error
		orders, err = c.client.NewListOpenAlgoOrdersService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	var stops []models.StopOrder
	for _, o := range orders {
		if o.OrderType != futures.AlgoOrderTypeStopMarket && o.OrderType != futures.AlgoOrderTypeStop {
			continue
		}
		stops = append(stops, models.StopOrder{
			OrderID:       o.AlgoId,
			Symbol:        o.Symbol,
			Side:          string(o.Side),
			StopPrice:     parseFloat(o.TriggerPrice),
			ClosePosition: o.ClosePosition,
		})
	}
	return stops, nil
}

func (c *FuturesClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return withRetry(ctx, c.log, "cancel_order", func() error {
		_, err := c.client.NewCancelAlgoOrderService().AlgoID(orderID).Do(ctx)
		return err
	})
}

// CancelAllOpenOrders sweeps both the plain and the conditional order
// books so a stray limit order cannot survive a flatten.
func (c *FuturesClient) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	err := withRetry(ctx, c.log, "cancel_all", func() error {
		return c.client.NewCancelAllOpenOrdersService().Symbol(symbol).Do(ctx)
	})
	if err != nil {
		return err
	}
	return withRetry(ctx, c.log, "cancel_all_algo", func() error {
		return c.client.NewCancelAllAlgoOpenOrdersService().Symbol(symbol).Do(ctx)
	})
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
