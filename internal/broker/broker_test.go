package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/P0W/option-strategies/internal/models"
)

func TestCircuitBreakerPassesThroughSuccess(t *testing.T) {
	mock := &MockClient{
		FetchMarketDepthFunc: func(_ []models.Instrument) (map[int]float64, error) {
			return map[int]float64{models.IndiaVixIndex: 11.5}, nil
		},
	}
	cb := NewCircuitBreakerClient(mock)

	spots, err := cb.FetchMarketDepth(nil)
	if err != nil {
		t.Fatalf("FetchMarketDepth failed: %v", err)
	}
	if spots[models.IndiaVixIndex] != 11.5 {
		t.Errorf("unexpected depth reply: %v", spots)
	}
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	boom := errors.New("broker down")
	calls := 0
	mock := &MockClient{
		GetTradebookFunc: func() ([]models.Fill, error) {
			calls++
			return nil, boom
		},
	}
	cb := NewCircuitBreakerClientWithSettings(mock, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.6,
	})

	for i := 0; i < 3; i++ {
		if _, err := cb.GetTradebook(); !errors.Is(err, boom) {
			t.Fatalf("call %d: expected underlying error, got %v", i, err)
		}
	}
	// Breaker is open now; the client must not be reached again.
	callsBefore := calls
	if _, err := cb.GetTradebook(); err == nil {
		t.Fatal("expected open-circuit error")
	} else if errors.Is(err, boom) {
		t.Fatalf("expected breaker error, got underlying: %v", err)
	}
	if calls != callsBefore {
		t.Error("open breaker must short-circuit the client call")
	}
}

func TestCircuitBreakerFeedPrimitivesPassThrough(t *testing.T) {
	received := false
	mock := &MockClient{
		ReceiveFunc: func(onMessage func([]byte)) error {
			received = true
			return nil
		},
	}
	cb := NewCircuitBreakerClient(mock)

	if err := cb.Receive(nil); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !received {
		t.Error("Receive should reach the underlying client directly")
	}

	req := cb.RequestFeed(FeedSubscribe, []models.Instrument{
		{Exchange: "N", Segment: "D", ScripCode: 101},
	})
	if req.Operation != "s" || len(req.MarketFeedData) != 1 {
		t.Errorf("unexpected feed request: %+v", req)
	}
}

func TestDummyClientOrderBookLifecycle(t *testing.T) {
	d := NewDummyClient("ws://unused", nil)

	// Fresh market order executes instantly. The fill notice cannot be
	// delivered without a feed connection, which is fine here.
	reply, err := d.PlaceOrder(OrderRequest{
		Side: models.SideSell, Exchange: "N", Segment: "D",
		ScripCode: 101, Qty: 100, Tag: "T1",
	})
	if err != nil || !reply.Success() {
		t.Fatalf("PlaceOrder failed: %v %+v", err, reply)
	}

	// Stop-loss order stays pending.
	if _, err := d.PlaceOrder(OrderRequest{
		Side: models.SideBuy, Exchange: "N", Segment: "D",
		ScripCode: 101, Qty: 100, Price: 13.5, StopLossPrice: 13.0, Tag: "slT1",
	}); err != nil {
		t.Fatalf("stop-loss PlaceOrder failed: %v", err)
	}

	status, err := d.FetchOrderStatus("T1")
	if err != nil {
		t.Fatalf("FetchOrderStatus failed: %v", err)
	}
	if len(status) != 1 || status[0].Status != models.StatusFullyExecuted {
		t.Errorf("entry status = %+v", status)
	}

	slStatus, err := d.FetchOrderStatus("slT1")
	if err != nil {
		t.Fatalf("FetchOrderStatus failed: %v", err)
	}
	if len(slStatus) != 1 || slStatus[0].Status != models.StatusPending {
		t.Errorf("stop-loss status = %+v", slStatus)
	}

	fills, err := d.GetTradebook()
	if err != nil {
		t.Fatalf("GetTradebook failed: %v", err)
	}
	if len(fills) != 1 || fills[0].ScripCode != 101 {
		t.Errorf("tradebook = %+v", fills)
	}

	book, err := d.OrderBook()
	if err != nil {
		t.Fatalf("OrderBook failed: %v", err)
	}
	if len(book) != 2 {
		t.Fatalf("expected 2 book rows, got %d", len(book))
	}

	if err := d.CancelBulkOrders([]string{slStatus[0].ExchOrderID}); err != nil {
		t.Fatalf("CancelBulkOrders failed: %v", err)
	}
	after, _ := d.FetchOrderStatus("slT1")
	if after[0].Status != models.StatusCancelled {
		t.Errorf("status after cancel = %q, expected cancelled", after[0].Status)
	}
}

func TestDummyClientExpiriesAreThursdays(t *testing.T) {
	d := NewDummyClient("ws://unused", nil)
	expiries, err := d.GetExpiry("N", "NIFTY")
	if err != nil {
		t.Fatalf("GetExpiry failed: %v", err)
	}
	if len(expiries) == 0 {
		t.Fatal("expected at least one expiry")
	}
	for _, e := range expiries {
		if e.Weekday() != time.Thursday {
			t.Errorf("expiry %v is not a Thursday", e)
		}
	}
}
