package broker

import (
	"sync"
	"time"

	"github.com/P0W/option-strategies/internal/models"
)

// MockClient is a configurable Client double for tests. Each method
// delegates to the matching func field when set and returns a zero value
// otherwise. Order placements are always recorded.
type MockClient struct {
	mu     sync.Mutex
	Placed []OrderRequest
	Sent   []FeedRequest

	LoginFunc            func() error
	GetOptionChainFunc   func(exchange, symbol string, expiry time.Time) ([]models.Contract, error)
	GetExpiryFunc        func(exchange, symbol string) ([]time.Time, error)
	FetchMarketDepthFunc func(instruments []models.Instrument) (map[int]float64, error)
	PlaceOrderFunc       func(req OrderRequest) (OrderReply, error)
	ModifyOrderFunc      func(exchOrderID string, price, triggerPrice float64) error
	FetchOrderStatusFunc func(tag string) ([]OrderStatusRecord, error)
	GetTradebookFunc     func() ([]models.Fill, error)
	OrderBookFunc        func() ([]OrderRecord, error)
	CancelBulkFunc       func(exchOrderIDs []string) error
	ConnectFunc          func(req FeedRequest) error
	SendFunc             func(req FeedRequest) error
	ReceiveFunc          func(onMessage func([]byte)) error
	CloseFeedFunc        func() error

	errorHandler func(error)
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) Login() error {
	if m.LoginFunc != nil {
		return m.LoginFunc()
	}
	return nil
}

func (m *MockClient) GetOptionChain(exchange, symbol string, expiry time.Time) ([]models.Contract, error) {
	if m.GetOptionChainFunc != nil {
		return m.GetOptionChainFunc(exchange, symbol, expiry)
	}
	return nil, nil
}

func (m *MockClient) GetExpiry(exchange, symbol string) ([]time.Time, error) {
	if m.GetExpiryFunc != nil {
		return m.GetExpiryFunc(exchange, symbol)
	}
	return nil, nil
}

func (m *MockClient) FetchMarketDepth(instruments []models.Instrument) (map[int]float64, error) {
	if m.FetchMarketDepthFunc != nil {
		return m.FetchMarketDepthFunc(instruments)
	}
	return nil, nil
}

func (m *MockClient) PlaceOrder(req OrderRequest) (OrderReply, error) {
	m.mu.Lock()
	m.Placed = append(m.Placed, req)
	m.mu.Unlock()
	if m.PlaceOrderFunc != nil {
		return m.PlaceOrderFunc(req)
	}
	return OrderReply{Message: "Success"}, nil
}

// PlacedOrders returns a snapshot of every recorded placement.
func (m *MockClient) PlacedOrders() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderRequest(nil), m.Placed...)
}

func (m *MockClient) ModifyOrder(exchOrderID string, price, triggerPrice float64) error {
	if m.ModifyOrderFunc != nil {
		return m.ModifyOrderFunc(exchOrderID, price, triggerPrice)
	}
	return nil
}

func (m *MockClient) FetchOrderStatus(tag string) ([]OrderStatusRecord, error) {
	if m.FetchOrderStatusFunc != nil {
		return m.FetchOrderStatusFunc(tag)
	}
	return nil, nil
}

func (m *MockClient) GetTradebook() ([]models.Fill, error) {
	if m.GetTradebookFunc != nil {
		return m.GetTradebookFunc()
	}
	return nil, nil
}

func (m *MockClient) OrderBook() ([]OrderRecord, error) {
	if m.OrderBookFunc != nil {
		return m.OrderBookFunc()
	}
	return nil, nil
}

func (m *MockClient) CancelBulkOrders(exchOrderIDs []string) error {
	if m.CancelBulkFunc != nil {
		return m.CancelBulkFunc(exchOrderIDs)
	}
	return nil
}

func (m *MockClient) RequestFeed(op FeedOp, instruments []models.Instrument) FeedRequest {
	scrips := make([]FeedScrip, 0, len(instruments))
	for _, inst := range instruments {
		scrips = append(scrips, FeedScrip{Exch: inst.Exchange, ExchType: inst.Segment, ScripCode: inst.ScripCode})
	}
	return FeedRequest{Method: "mf", Operation: string(op), MarketFeedData: scrips}
}

func (m *MockClient) Connect(req FeedRequest) error {
	if m.ConnectFunc != nil {
		return m.ConnectFunc(req)
	}
	return nil
}

func (m *MockClient) Send(req FeedRequest) error {
	m.mu.Lock()
	m.Sent = append(m.Sent, req)
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(req)
	}
	return nil
}

// SentRequests returns a snapshot of every feed request sent.
func (m *MockClient) SentRequests() []FeedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FeedRequest(nil), m.Sent...)
}

func (m *MockClient) Receive(onMessage func([]byte)) error {
	if m.ReceiveFunc != nil {
		return m.ReceiveFunc(onMessage)
	}
	return nil
}

func (m *MockClient) CloseFeed() error {
	if m.CloseFeedFunc != nil {
		return m.CloseFeedFunc()
	}
	return nil
}

func (m *MockClient) OnError(handler func(error)) {
	m.errorHandler = handler
}
