package broker

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/P0W/option-strategies/internal/models"
)

// DummyClient is a simulated brokerage backed by the feed simulator. Orders
// are kept in an in-memory book and fill instantly; market data flows over a
// real websocket so the dispatcher path is exercised end to end.
type DummyClient struct {
	url    string
	logger *log.Logger

	connMu  sync.Mutex
	conn    *websocket.Conn
	closed  atomic.Bool
	onError func(error)

	mu     sync.Mutex
	orders []dummyOrder
	nextID int64
}

type dummyOrder struct {
	ExchOrderID   string
	RemoteOrderID string
	ScripCode     int
	Qty           int
	Rate          float64
	Status        string
	Side          string
	Segment       string
	Intraday      bool
}

// placedNotice asks the simulator to echo an order-status update over the
// feed, mirroring how the live broker pushes fills.
type placedNotice struct {
	Placed        int     `json:"placed"`
	Price         float64 `json:"Price"`
	Qty           int     `json:"Qty"`
	RemoteOrderID string  `json:"RemoteOrderID"`
}

// NewDummyClient creates a simulated client pointed at the feed simulator.
func NewDummyClient(feedURL string, logger *log.Logger) *DummyClient {
	if logger == nil {
		logger = log.Default()
	}
	return &DummyClient{
		url:    feedURL,
		logger: logger,
		nextID: time.Now().Unix(),
	}
}

var _ Client = (*DummyClient)(nil)

// Login is a no-op for the simulated client.
func (d *DummyClient) Login() error { return nil }

// GetOptionChain returns a small synthetic chain. Premiums straddle the
// usual closest-premium thresholds so both straddle and strangle selection
// have something to pick.
func (d *DummyClient) GetOptionChain(_, symbol string, _ time.Time) ([]models.Contract, error) {
	return []models.Contract{
		{ScripCode: 201945003, Name: symbol + " 24 Aug 19600 CE", Strike: 19600, CPType: "CE", LastRate: 8.5},
		{ScripCode: 201945007, Name: symbol + " 24 Aug 19650 CE", Strike: 19650, CPType: "CE", LastRate: 5.2},
		{ScripCode: 201945011, Name: symbol + " 24 Aug 19550 CE", Strike: 19550, CPType: "CE", LastRate: 14.7},
		{ScripCode: 301945003, Name: symbol + " 24 Aug 19600 PE", Strike: 19600, CPType: "PE", LastRate: 8.1},
		{ScripCode: 301945007, Name: symbol + " 24 Aug 19550 PE", Strike: 19550, CPType: "PE", LastRate: 5.6},
		{ScripCode: 301945011, Name: symbol + " 24 Aug 19650 PE", Strike: 19650, CPType: "PE", LastRate: 13.9},
	}, nil
}

// GetExpiry returns the coming weekly expiries.
func (d *DummyClient) GetExpiry(_, _ string) ([]time.Time, error) {
	now := time.Now()
	next := now
	for next.Weekday() != time.Thursday {
		next = next.AddDate(0, 0, 1)
	}
	return []time.Time{next, next.AddDate(0, 0, 7), next.AddDate(0, 0, 14)}, nil
}

// FetchMarketDepth returns fixed spot values for the reserved indices.
func (d *DummyClient) FetchMarketDepth(instruments []models.Instrument) (map[int]float64, error) {
	spots := map[int]float64{
		models.NiftyIndex:     19650.0,
		models.BankNiftyIndex: 44380.0,
		models.IndiaVixIndex:  11.5,
	}
	out := make(map[int]float64, len(instruments))
	for _, inst := range instruments {
		if v, ok := spots[inst.ScripCode]; ok {
			out[inst.ScripCode] = v
		}
	}
	return out, nil
}

// PlaceOrder records the order as fully executed and, for fresh orders,
// nudges the simulator to push the fill back over the feed. Stop-loss
// orders stay pending until cancelled or triggered.
func (d *DummyClient) PlaceOrder(req OrderRequest) (OrderReply, error) {
	d.mu.Lock()
	d.nextID++
	order := dummyOrder{
		ExchOrderID:   fmt.Sprintf("%d", d.nextID),
		RemoteOrderID: req.Tag,
		ScripCode:     req.ScripCode,
		Qty:           req.Qty,
		Rate:          req.Price,
		Status:        models.StatusFullyExecuted,
		Side:          req.Side,
		Segment:       req.Segment,
		Intraday:      req.Intraday,
	}
	if req.StopLossPrice > 0 {
		order.Status = models.StatusPending
	}
	d.orders = append(d.orders, order)
	d.mu.Unlock()

	if order.Status == models.StatusFullyExecuted {
		notice := placedNotice{
			Placed:        req.ScripCode,
			Price:         req.Price,
			Qty:           req.Qty,
			RemoteOrderID: req.Tag,
		}
		if err := d.sendJSON(notice); err != nil {
			d.logger.Printf("dummy: fill notice for %d not delivered: %v", req.ScripCode, err)
		}
	}
	return OrderReply{Message: "Success"}, nil
}

// ModifyOrder updates the price of a pending order in the book. The trigger
// has no effect here because the dummy book never triggers stop-losses.
func (d *DummyClient) ModifyOrder(exchOrderID string, price, _ float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.orders {
		if d.orders[i].ExchOrderID == exchOrderID {
			d.orders[i].Rate = price
			return nil
		}
	}
	return fmt.Errorf("dummy: no order %s", exchOrderID)
}

// FetchOrderStatus returns the status rows matching the tag.
func (d *DummyClient) FetchOrderStatus(tag string) ([]OrderStatusRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []OrderStatusRecord
	for _, o := range d.orders {
		if o.RemoteOrderID != tag {
			continue
		}
		rec := OrderStatusRecord{
			ScripCode:     o.ScripCode,
			ExchOrderID:   o.ExchOrderID,
			RemoteOrderID: o.RemoteOrderID,
			Status:        o.Status,
			Qty:           o.Qty,
			Rate:          o.Rate,
		}
		if o.Status == models.StatusPending {
			rec.PendingQty = o.Qty
		}
		out = append(out, rec)
	}
	return out, nil
}

// GetTradebook returns every fully-executed order as a fill.
func (d *DummyClient) GetTradebook() ([]models.Fill, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.Fill
	for _, o := range d.orders {
		if o.Status != models.StatusFullyExecuted {
			continue
		}
		out = append(out, models.Fill{
			ScripCode: o.ScripCode,
			Qty:       o.Qty,
			Rate:      o.Rate,
			Side:      o.Side,
			Segment:   o.Segment,
			Intraday:  o.Intraday,
			Name:      "Dummy",
		})
	}
	return out, nil
}

// OrderBook returns every order with its current status.
func (d *DummyClient) OrderBook() ([]OrderRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]OrderRecord, 0, len(d.orders))
	for _, o := range d.orders {
		out = append(out, OrderRecord{
			ScripCode:     o.ScripCode,
			ExchOrderID:   o.ExchOrderID,
			RemoteOrderID: o.RemoteOrderID,
			OrderStatus:   o.Status,
		})
	}
	return out, nil
}

// CancelBulkOrders marks the listed orders cancelled.
func (d *DummyClient) CancelBulkOrders(exchOrderIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range exchOrderIDs {
		for i := range d.orders {
			if d.orders[i].ExchOrderID == id {
				d.orders[i].Status = models.StatusCancelled
			}
		}
	}
	return nil
}

// RequestFeed builds a subscription payload for the given instruments.
func (d *DummyClient) RequestFeed(op FeedOp, instruments []models.Instrument) FeedRequest {
	scrips := make([]FeedScrip, 0, len(instruments))
	for _, inst := range instruments {
		scrips = append(scrips, FeedScrip{
			Exch:      inst.Exchange,
			ExchType:  inst.Segment,
			ScripCode: inst.ScripCode,
		})
	}
	return FeedRequest{Method: "mf", Operation: string(op), MarketFeedData: scrips}
}

// Connect dials the simulator and sends the initial subscription.
func (d *DummyClient) Connect(req FeedRequest) error {
	conn, _, err := websocket.DefaultDialer.Dial(d.url, nil)
	if err != nil {
		return fmt.Errorf("dummy: dialing %s: %w", d.url, err)
	}
	d.connMu.Lock()
	d.conn = conn
	d.closed.Store(false)
	d.connMu.Unlock()
	return d.Send(req)
}

// Send writes a feed request over the live connection.
func (d *DummyClient) Send(req FeedRequest) error {
	return d.sendJSON(req)
}

func (d *DummyClient) sendJSON(v any) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		return fmt.Errorf("dummy: feed not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("dummy: marshal payload: %w", err)
	}
	return d.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks reading feed messages until the connection closes. A close
// initiated by CloseFeed returns nil; anything else is reported through the
// error handler and returned.
func (d *DummyClient) Receive(onMessage func([]byte)) error {
	d.connMu.Lock()
	conn := d.conn
	d.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("dummy: feed not connected")
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if d.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if d.onError != nil {
				d.onError(err)
			}
			return fmt.Errorf("dummy: feed read: %w", err)
		}
		onMessage(data)
	}
}

// CloseFeed closes the websocket connection.
func (d *DummyClient) CloseFeed() error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		return nil
	}
	d.closed.Store(true)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = d.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	err := d.conn.Close()
	d.conn = nil
	return err
}

// OnError registers the feed error handler.
func (d *DummyClient) OnError(handler func(error)) {
	d.onError = handler
}
