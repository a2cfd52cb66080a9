package risk

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"

	"futures_bot/internal/models"
)

type createdOrder struct {
	side string
	stop float64
}

// fakeOrders implements OrderClient with an in-memory order book.
type fakeOrders struct {
	filters models.SymbolFilters
	stops   []models.StopOrder
	created []createdOrder
	nextID  int64

	createErr    error
	cancelErrBy  map[int64]error
	bulkErr      error
	bulkCalled   bool
	cancelCalled []int64
}

func (f *fakeOrders) GetSymbolFilters(ctx context.Context, symbol string) (models.SymbolFilters, error) {
	return f.filters, nil
}

func (f *fakeOrders) CreateStopMarketOrder(ctx context.Context, symbol, orderSide string, stopPrice float64) (int64, error) {
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.nextID++
	f.created = append(f.created, createdOrder{side: orderSide, stop: stopPrice})
	f.stops = append(f.stops, models.StopOrder{
		OrderID: f.nextID, Symbol: symbol, Side: orderSide,
		StopPrice: stopPrice, ClosePosition: true,
	})
	return f.nextID, nil
}

func (f *fakeOrders) ListStopOrders(ctx context.Context, symbol string) ([]models.StopOrder, error) {
	out := make([]models.StopOrder, len(f.stops))
	copy(out, f.stops)
	return out, nil
}

func (f *fakeOrders) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	f.cancelCalled = append(f.cancelCalled, orderID)
	if err := f.cancelErrBy[orderID]; err != nil {
		return err
	}
	for i, s := range f.stops {
		if s.OrderID == orderID {
			f.stops = append(f.stops[:i], f.stops[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeOrders) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	f.bulkCalled = true
	if f.bulkErr != nil {
		return f.bulkErr
	}
	f.stops = nil
	return nil
}

func unknownOrderErr() error {
	return &common.APIError{Code: -2011, Message: "Unknown order sent."}
}

func TestPlaceInitialStopLong(t *testing.T) {
	fake := &fakeOrders{filters: models.SymbolFilters{TickSize: 0.1}}
	m := NewManager(fake, 0.02, 0.01, zerolog.Nop())

	stop, err := m.PlaceInitialStop(context.Background(), "BTCUSDT", models.SideLong, 30000)
	if err != nil {
		t.Fatalf("PlaceInitialStop: %v", err)
	}
	if stop != 29400 {
		t.Errorf("stop = %v, want 29400", stop)
	}
	if len(fake.created) != 1 {
		t.Fatalf("created %d orders, want 1", len(fake.created))
	}
	if fake.created[0].side != "SELL" {
		t.Errorf("order side = %s, want SELL for a long exit", fake.created[0].side)
	}
}

func TestPlaceInitialStopShort(t *testing.T) {
	fake := &fakeOrders{filters: models.SymbolFilters{TickSize: 0.1}}
	m := NewManager(fake, 0.02, 0.01, zerolog.Nop())

	stop, err := m.PlaceInitialStop(context.Background(), "BTCUSDT", models.SideShort, 30000)
	if err != nil {
		t.Fatalf("PlaceInitialStop: %v", err)
	}
	if stop != 30600 {
		t.Errorf("stop = %v, want 30600", stop)
	}
	if fake.created[0].side != "BUY" {
		t.Errorf("order side = %s, want BUY for a short exit", fake.created[0].side)
	}
}

func TestTrailingStopNoAdvanceBelowStep(t *testing.T) {
	fake := &fakeOrders{filters: models.SymbolFilters{TickSize: 0.1}}
	m := NewManager(fake, 0.02, 0.01, zerolog.Nop())

	// Stop 29400 anchors at 30000; the step requires price 30300.
	stop, moved, err := m.AdvanceTrailingStop(context.Background(), "BTCUSDT", models.SideLong, 30200, 29400)
	if err != nil {
		t.Fatalf("AdvanceTrailingStop: %v", err)
	}
	if moved {
		t.Error("stop moved on a sub-step price change")
	}
	if stop != 29400 {
		t.Errorf("stop = %v, want unchanged 29400", stop)
	}
	if len(fake.created) != 0 {
		t.Errorf("created %d orders, want 0", len(fake.created))
	}
}

func TestTrailingStopAdvancesAndReplaces(t *testing.T) {
	fake := &fakeOrders{filters: models.SymbolFilters{TickSize: 0.1}}
	m := NewManager(fake, 0.02, 0.01, zerolog.Nop())

	// Seed the resting initial stop.
	first, err := m.PlaceInitialStop(context.Background(), "BTCUSDT", models.SideLong, 30000)
	if err != nil {
		t.Fatalf("PlaceInitialStop: %v", err)
	}

	stop, moved, err := m.AdvanceTrailingStop(context.Background(), "BTCUSDT", models.SideLong, 30400, first)
	if err != nil {
		t.Fatalf("AdvanceTrailingStop: %v", err)
	}
	if !moved {
		t.Fatal("expected the stop to advance")
	}
	if stop != 29792 {
		t.Errorf("stop = %v, want 29792", stop)
	}
	if len(fake.stops) != 1 {
		t.Fatalf("%d resting stops, want exactly 1 after replacement", len(fake.stops))
	}
	if fake.stops[0].StopPrice != 29792 {
		t.Errorf("resting stop = %v, want 29792", fake.stops[0].StopPrice)
	}
}

func TestTrailingStopIdempotentAtSamePrice(t *testing.T) {
	fake := &fakeOrders{filters: models.SymbolFilters{TickSize: 0.1}}
	m := NewManager(fake, 0.02, 0.01, zerolog.Nop())

	first, _ := m.PlaceInitialStop(context.Background(), "BTCUSDT", models.SideLong, 30000)
	stop, moved, err := m.AdvanceTrailingStop(context.Background(), "BTCUSDT", models.SideLong, 30400, first)
	if err != nil || !moved {
		t.Fatalf("first advance: moved=%v err=%v", moved, err)
	}

	again, moved, err := m.AdvanceTrailingStop(context.Background(), "BTCUSDT", models.SideLong, 30400, stop)
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if moved {
		t.Error("second call at the same price must be a no-op")
	}
	if again != stop {
		t.Errorf("stop = %v, want unchanged %v", again, stop)
	}
	if len(fake.stops) != 1 {
		t.Errorf("%d resting stops, want 1", len(fake.stops))
	}
}

func TestTrailingStopShort(t *testing.T) {
	fake := &fakeOrders{filters: models.SymbolFilters{TickSize: 0.1}}
	m := NewManager(fake, 0.02, 0.01, zerolog.Nop())

	// Stop 30600 anchors at 30000; price 29600 clears the step down.
	stop, moved, err := m.AdvanceTrailingStop(context.Background(), "BTCUSDT", models.SideShort, 29600, 30600)
	if err != nil {
		t.Fatalf("AdvanceTrailingStop: %v", err)
	}
	if !moved {
		t.Fatal("expected the short stop to advance down")
	}
	if stop != 30192 {
		t.Errorf("stop = %v, want 30192", stop)
	}
	if fake.created[0].side != "BUY" {
		t.Errorf("order side = %s, want BUY", fake.created[0].side)
	}
}

func TestTrailingStopReplacesFromZero(t *testing.T) {
	fake := &fakeOrders{filters: models.SymbolFilters{TickSize: 0.1}}
	m := NewManager(fake, 0.02, 0.01, zerolog.Nop())

	stop, moved, err := m.AdvanceTrailingStop(context.Background(), "BTCUSDT", models.SideLong, 30000, 0)
	if err != nil {
		t.Fatalf("AdvanceTrailingStop: %v", err)
	}
	if !moved || stop != 29400 {
		t.Errorf("moved=%v stop=%v, want protective stop at 29400", moved, stop)
	}
}

func TestTrailingStopReplacementFailureIsLoud(t *testing.T) {
	fake := &fakeOrders{filters: models.SymbolFilters{TickSize: 0.1}}
	m := NewManager(fake, 0.02, 0.01, zerolog.Nop())

	first, _ := m.PlaceInitialStop(context.Background(), "BTCUSDT", models.SideLong, 30000)
	fake.createErr = errors.New("rejected")

	_, _, err := m.AdvanceTrailingStop(context.Background(), "BTCUSDT", models.SideLong, 30400, first)
	if err == nil {
		t.Fatal("expected an error when the replacement stop fails")
	}
	if !strings.Contains(err.Error(), "unprotected") {
		t.Errorf("err = %v, want it to flag the unprotected position", err)
	}
}

func TestCancelAllToleratesUnknownOrders(t *testing.T) {
	fake := &fakeOrders{
		filters: models.SymbolFilters{TickSize: 0.1},
		bulkErr: errors.New("temporarily unavailable"),
		stops: []models.StopOrder{
			{OrderID: 1, Symbol: "BTCUSDT"},
			{OrderID: 2, Symbol: "BTCUSDT"},
		},
		cancelErrBy: map[int64]error{1: unknownOrderErr()},
	}
	m := NewManager(fake, 0.02, 0.01, zerolog.Nop())

	if err := m.CancelAll(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if !fake.bulkCalled {
		t.Error("bulk cancellation was not attempted first")
	}
	if len(fake.cancelCalled) != 2 {
		t.Errorf("per-order cancels = %d, want 2", len(fake.cancelCalled))
	}
}

func TestCancelAllReportsRealFailures(t *testing.T) {
	fake := &fakeOrders{
		filters: models.SymbolFilters{TickSize: 0.1},
		bulkErr: errors.New("temporarily unavailable"),
		stops: []models.StopOrder{
			{OrderID: 1, Symbol: "BTCUSDT"},
			{OrderID: 2, Symbol: "BTCUSDT"},
		},
		cancelErrBy: map[int64]error{2: errors.New("permission denied")},
	}
	m := NewManager(fake, 0.02, 0.01, zerolog.Nop())

	err := m.CancelAll(context.Background(), "BTCUSDT")
	if err == nil {
		t.Fatal("expected the real cancel failure to surface")
	}
	if !strings.Contains(err.Error(), "order 2") {
		t.Errorf("err = %v, want it to name order 2", err)
	}
	if len(fake.cancelCalled) != 2 {
		t.Errorf("per-order cancels = %d, want both attempted", len(fake.cancelCalled))
	}
}
