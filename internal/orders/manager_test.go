package orders

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/P0W/option-strategies/internal/broker"
	"github.com/P0W/option-strategies/internal/models"
	"github.com/P0W/option-strategies/internal/retry"
)

func fastManager(client broker.Client) *Manager {
	cfg := DefaultConfig
	cfg.PlaceDelay = 0
	cfg.PollDelay = time.Millisecond
	cfg.Retry = retry.Config{MaxRetries: 2, Backoff: time.Millisecond, Timeout: time.Second}
	return NewManager(client, nil, cfg)
}

func twoLegs() []models.Leg {
	return []models.Leg{
		{Instrument: models.Instrument{Exchange: "N", Segment: "D", ScripCode: 101, Name: "NIFTY CE"}, LastPrice: 8.5},
		{Instrument: models.Instrument{Exchange: "N", Segment: "D", ScripCode: 201, Name: "NIFTY PE"}, LastPrice: 8.1},
	}
}

func TestPlaceEntrySellsEachLeg(t *testing.T) {
	client := &broker.MockClient{}
	m := fastManager(client)

	if err := m.PlaceEntry(twoLegs(), 100, "T1"); err != nil {
		t.Fatalf("PlaceEntry failed: %v", err)
	}

	placed := client.PlacedOrders()
	if len(placed) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(placed))
	}
	for _, req := range placed {
		if req.Side != models.SideSell {
			t.Errorf("entry side = %q, expected sell", req.Side)
		}
		if req.Qty != 100 {
			t.Errorf("qty = %d, expected 100", req.Qty)
		}
		if req.Tag != "T1" {
			t.Errorf("tag = %q, expected T1", req.Tag)
		}
		if req.Price != 0 {
			t.Errorf("entry should be market, got price %v", req.Price)
		}
	}
}

func TestPlaceEntryBrokerRejection(t *testing.T) {
	client := &broker.MockClient{
		PlaceOrderFunc: func(req broker.OrderRequest) (broker.OrderReply, error) {
			return broker.OrderReply{Message: "Insufficient margin"}, nil
		},
	}
	m := fastManager(client)

	err := m.PlaceEntry(twoLegs(), 100, "T1")
	if !errors.Is(err, ErrBrokerRejected) {
		t.Fatalf("expected ErrBrokerRejected, got %v", err)
	}
}

func TestAggregateStopLossWeightedAverage(t *testing.T) {
	client := &broker.MockClient{
		FetchOrderStatusFunc: func(tag string) ([]broker.OrderStatusRecord, error) {
			// Two fragments of one position plus an unrelated pending row.
			return []broker.OrderStatusRecord{
				{ScripCode: 101, Status: models.StatusFullyExecuted, Qty: 50, Rate: 8.0},
				{ScripCode: 101, Status: models.StatusFullyExecuted, Qty: 50, Rate: 9.0},
				{ScripCode: 201, Status: models.StatusFullyExecuted, Qty: 100, Rate: 8.1},
				{ScripCode: 301, Status: models.StatusPending, Qty: 100, Rate: 1.0},
			}, nil
		},
	}
	m := fastManager(client)

	aggs, err := m.AggregateStopLoss("T1", 1.55)
	if err != nil {
		t.Fatalf("AggregateStopLoss failed: %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("expected 2 aggregates, got %d", len(aggs))
	}

	ce := aggs[101]
	if ce.Qty != 100 {
		t.Errorf("qty = %d, expected 100", ce.Qty)
	}
	if math.Abs(ce.AvgPrice-8.5) > 1e-9 {
		t.Errorf("avg = %v, expected 8.5", ce.AvgPrice)
	}
	// floor(8.5 * 1.55) = floor(13.175) = 13
	if ce.TriggerPrice != 13.0 {
		t.Errorf("trigger = %v, expected 13.0", ce.TriggerPrice)
	}
	if ce.LimitPrice != 13.5 {
		t.Errorf("limit = %v, expected 13.5", ce.LimitPrice)
	}

	if _, ok := aggs[301]; ok {
		t.Error("pending order must not be aggregated")
	}
}

func TestAggregateStopLossNoFills(t *testing.T) {
	client := &broker.MockClient{}
	m := fastManager(client)
	if _, err := m.AggregateStopLoss("T1", 1.55); !errors.Is(err, ErrNoFillsYet) {
		t.Fatalf("expected ErrNoFillsYet, got %v", err)
	}
}

func TestPlaceStopLossRetriesUntilFillsVisible(t *testing.T) {
	calls := 0
	client := &broker.MockClient{
		FetchOrderStatusFunc: func(tag string) ([]broker.OrderStatusRecord, error) {
			calls++
			if calls < 2 {
				return nil, nil
			}
			return []broker.OrderStatusRecord{
				{ScripCode: 101, Status: models.StatusFullyExecuted, Qty: 100, Rate: 8.0},
			}, nil
		},
	}
	m := fastManager(client)

	aggs, err := m.PlaceStopLoss(context.Background(), "T1", 1.55)
	if err != nil {
		t.Fatalf("PlaceStopLoss failed: %v", err)
	}
	if len(aggs) != 1 {
		t.Fatalf("expected 1 aggregate, got %d", len(aggs))
	}

	placed := client.PlacedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected 1 stop-loss order, got %d", len(placed))
	}
	req := placed[0]
	if req.Side != models.SideBuy {
		t.Errorf("stop-loss side = %q, expected buy", req.Side)
	}
	if req.Tag != "slT1" {
		t.Errorf("tag = %q, expected slT1", req.Tag)
	}
	// floor(8.0 * 1.55) = 12
	if req.StopLossPrice != 12.0 {
		t.Errorf("trigger = %v, expected 12.0", req.StopLossPrice)
	}
	if req.Price != 12.5 {
		t.Errorf("limit = %v, expected 12.5", req.Price)
	}
}

func TestSquareOffPlacesReverseOrdersAndWaits(t *testing.T) {
	client := &broker.MockClient{
		FetchOrderStatusFunc: func(tag string) ([]broker.OrderStatusRecord, error) {
			return []broker.OrderStatusRecord{
				{ScripCode: 101, Status: models.StatusFullyExecuted, Qty: 100, Rate: 8.5},
			}, nil
		},
		GetTradebookFunc: func() ([]models.Fill, error) {
			return []models.Fill{
				{ScripCode: 101, Qty: 100, Rate: 8.5, Side: models.SideSell},
			}, nil
		},
		OrderBookFunc: func() ([]broker.OrderRecord, error) {
			return []broker.OrderRecord{
				{ScripCode: 101, ExchOrderID: "9", RemoteOrderID: "sqT1", OrderStatus: models.StatusFullyExecuted},
			}, nil
		},
	}
	m := fastManager(client)

	if err := m.SquareOff("T1", map[int]float64{101: 6.43}); err != nil {
		t.Fatalf("SquareOff failed: %v", err)
	}

	placed := client.PlacedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected 1 square-off order, got %d", len(placed))
	}
	req := placed[0]
	if req.Side != models.SideBuy {
		t.Errorf("square-off side = %q, expected buy", req.Side)
	}
	if req.Tag != "sqT1" {
		t.Errorf("tag = %q, expected sqT1", req.Tag)
	}
	// 6.43 + 0.2 slippage rounded to 0.05 = 6.65
	if math.Abs(req.Price-6.65) > 1e-9 {
		t.Errorf("price = %v, expected 6.65", req.Price)
	}
}

func TestSquareOffEmptyOrderBook(t *testing.T) {
	client := &broker.MockClient{
		FetchOrderStatusFunc: func(tag string) ([]broker.OrderStatusRecord, error) {
			return []broker.OrderStatusRecord{
				{ScripCode: 101, Status: models.StatusFullyExecuted, Qty: 100, Rate: 8.5},
			}, nil
		},
		GetTradebookFunc: func() ([]models.Fill, error) {
			return []models.Fill{{ScripCode: 101, Qty: 100, Rate: 8.5, Side: models.SideSell}}, nil
		},
		OrderBookFunc: func() ([]broker.OrderRecord, error) {
			return nil, nil
		},
	}
	m := fastManager(client)

	if err := m.SquareOff("T1", map[int]float64{101: 6.0}); !errors.Is(err, ErrEmptyOrderBook) {
		t.Fatalf("expected ErrEmptyOrderBook, got %v", err)
	}
}

func TestCancelPendingStopLoss(t *testing.T) {
	var cancelled []string
	client := &broker.MockClient{
		OrderBookFunc: func() ([]broker.OrderRecord, error) {
			return []broker.OrderRecord{
				{ScripCode: 101, ExchOrderID: "11", RemoteOrderID: "slT1", OrderStatus: models.StatusPending},
				{ScripCode: 201, ExchOrderID: "12", RemoteOrderID: "slT1", OrderStatus: models.StatusFullyExecuted},
				{ScripCode: 301, ExchOrderID: "13", RemoteOrderID: "slT2", OrderStatus: models.StatusPending},
			}, nil
		},
		CancelBulkFunc: func(ids []string) error {
			cancelled = ids
			return nil
		},
	}
	m := fastManager(client)

	if err := m.CancelPendingStopLoss("T1"); err != nil {
		t.Fatalf("CancelPendingStopLoss failed: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0] != "11" {
		t.Errorf("expected only order 11 cancelled, got %v", cancelled)
	}
}

func TestModifyStopLoss(t *testing.T) {
	var gotID string
	var gotPrice, gotTrigger float64
	client := &broker.MockClient{
		OrderBookFunc: func() ([]broker.OrderRecord, error) {
			return []broker.OrderRecord{
				{ScripCode: 101, ExchOrderID: "21", RemoteOrderID: "slT1", OrderStatus: models.StatusPending},
			}, nil
		},
		ModifyOrderFunc: func(id string, price, trigger float64) error {
			gotID, gotPrice, gotTrigger = id, price, trigger
			return nil
		},
	}
	m := fastManager(client)

	if err := m.ModifyStopLoss("T1", 101, 8.0); err != nil {
		t.Fatalf("ModifyStopLoss failed: %v", err)
	}
	if gotID != "21" || gotTrigger != 8.0 || gotPrice != 8.5 {
		t.Errorf("modify got id=%s price=%v trigger=%v", gotID, gotPrice, gotTrigger)
	}

	if err := m.ModifyStopLoss("T1", 999, 8.0); err == nil {
		t.Error("expected error for unknown scrip")
	}
}

func TestIsSessionOver(t *testing.T) {
	// Thursday is the expiry weekday in these fixtures.
	thursday := time.Date(2023, 8, 10, 0, 0, 0, 0, time.UTC)
	wednesday := thursday.AddDate(0, 0, -1)

	tests := []struct {
		name string
		day  time.Time
		hh   int
		mm   int
		over bool
	}{
		{"non-expiry before cutoff", wednesday, 15, 25, false},
		{"non-expiry at cutoff", wednesday, 15, 26, true},
		{"non-expiry after hour", wednesday, 16, 0, true},
		{"expiry between cutoffs", thursday, 15, 27, false},
		{"expiry at cutoff", thursday, 15, 29, true},
		{"morning", thursday, 9, 30, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(tt.day.Year(), tt.day.Month(), tt.day.Day(), tt.hh, tt.mm, 0, 0, time.UTC)
			if got := IsSessionOver(now, time.Thursday); got != tt.over {
				t.Errorf("IsSessionOver(%s) = %v, expected %v", now.Format("Mon 15:04"), got, tt.over)
			}
		})
	}
}
