// Package broker defines the capability interface the engine uses to talk
// to a brokerage, plus the resilience wrappers around it.
package broker

import (
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/P0W/option-strategies/internal/models"
)

// FeedOp selects the feed request operation.
type FeedOp string

const (
	// FeedSubscribe subscribes the listed instruments.
	FeedSubscribe FeedOp = "s"
	// FeedUnsubscribe unsubscribes the listed instruments.
	FeedUnsubscribe FeedOp = "u"
)

// FeedScrip is one instrument entry of a feed request payload.
type FeedScrip struct {
	Exch      string `json:"Exch"`
	ExchType  string `json:"ExchType"`
	ScripCode int    `json:"ScripCode"`
}

// FeedRequest is the payload sent over the feed connection to change the
// subscription set.
type FeedRequest struct {
	Method         string      `json:"Method"`
	Operation      string      `json:"Operation"`
	MarketFeedData []FeedScrip `json:"MarketFeedData"`
}

// OrderRequest describes one order placement.
type OrderRequest struct {
	Side          string // B | S
	Exchange      string
	Segment       string
	ScripCode     int
	Qty           int
	Price         float64 // 0 => market
	StopLossPrice float64 // 0 => none
	Intraday      bool
	Tag           string // correlation tag (RemoteOrderID)
}

// OrderReply is the broker's synchronous answer to an order call.
type OrderReply struct {
	Status  int
	Message string
}

// Success reports whether the broker accepted the order.
func (r OrderReply) Success() bool { return r.Message == "Success" }

// OrderStatusRecord is one row of an order-status query for a tag.
type OrderStatusRecord struct {
	ScripCode     int
	ExchOrderID   string
	RemoteOrderID string
	Status        string
	PendingQty    int
	Qty           int
	Rate          float64
}

// OrderRecord is one row of the order book.
type OrderRecord struct {
	ScripCode     int
	ExchOrderID   string
	RemoteOrderID string
	OrderStatus   string
}

// Client is the capability interface consumed by the engine. One production
// implementation talks to the real brokerage; DummyClient talks to the
// simulator; tests provide their own doubles.
type Client interface {
	Login() error

	// Market data
	GetOptionChain(exchange, symbol string, expiry time.Time) ([]models.Contract, error)
	GetExpiry(exchange, symbol string) ([]time.Time, error)
	FetchMarketDepth(instruments []models.Instrument) (map[int]float64, error)

	// Orders
	PlaceOrder(req OrderRequest) (OrderReply, error)
	ModifyOrder(exchOrderID string, price, triggerPrice float64) error
	FetchOrderStatus(tag string) ([]OrderStatusRecord, error)
	GetTradebook() ([]models.Fill, error)
	OrderBook() ([]OrderRecord, error)
	CancelBulkOrders(exchOrderIDs []string) error

	// Duplex feed primitive
	RequestFeed(op FeedOp, instruments []models.Instrument) FeedRequest
	Connect(req FeedRequest) error
	Send(req FeedRequest) error
	Receive(onMessage func([]byte)) error // blocking
	CloseFeed() error
	OnError(handler func(error))
}

// CircuitBreakerClient wraps a Client with circuit breaker protection on the
// request/response calls. The duplex feed primitives pass through untouched:
// a breaker across a blocking Receive would trip on every long read.
type CircuitBreakerClient struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerClient creates a CircuitBreakerClient with sensible defaults
func NewCircuitBreakerClient(client Client) *CircuitBreakerClient {
	return NewCircuitBreakerClientWithSettings(client, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerClientWithSettings creates a CircuitBreakerClient with custom settings
func NewCircuitBreakerClientWithSettings(client Client, settings CircuitBreakerSettings) *CircuitBreakerClient {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerClient{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// Ensure CircuitBreakerClient implements Client at compile time.
var _ Client = (*CircuitBreakerClient)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	client Client,
	fn func(Client) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(client) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// Login wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) Login() error {
	_, err := execCircuitBreaker(c.breaker, c.client, func(b Client) (struct{}, error) {
		return struct{}{}, b.Login()
	})
	return err
}

// GetOptionChain wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) GetOptionChain(exchange, symbol string, expiry time.Time) ([]models.Contract, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) ([]models.Contract, error) {
		return b.GetOptionChain(exchange, symbol, expiry)
	})
}

// GetExpiry wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) GetExpiry(exchange, symbol string) ([]time.Time, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) ([]time.Time, error) {
		return b.GetExpiry(exchange, symbol)
	})
}

// FetchMarketDepth wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) FetchMarketDepth(instruments []models.Instrument) (map[int]float64, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) (map[int]float64, error) {
		return b.FetchMarketDepth(instruments)
	})
}

// PlaceOrder wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) PlaceOrder(req OrderRequest) (OrderReply, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) (OrderReply, error) {
		return b.PlaceOrder(req)
	})
}

// ModifyOrder wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) ModifyOrder(exchOrderID string, price, triggerPrice float64) error {
	_, err := execCircuitBreaker(c.breaker, c.client, func(b Client) (struct{}, error) {
		return struct{}{}, b.ModifyOrder(exchOrderID, price, triggerPrice)
	})
	return err
}

// FetchOrderStatus wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) FetchOrderStatus(tag string) ([]OrderStatusRecord, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) ([]OrderStatusRecord, error) {
		return b.FetchOrderStatus(tag)
	})
}

// GetTradebook wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) GetTradebook() ([]models.Fill, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) ([]models.Fill, error) {
		return b.GetTradebook()
	})
}

// OrderBook wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) OrderBook() ([]OrderRecord, error) {
	return execCircuitBreaker(c.breaker, c.client, func(b Client) ([]OrderRecord, error) {
		return b.OrderBook()
	})
}

// CancelBulkOrders wraps the underlying client call with circuit breaker
func (c *CircuitBreakerClient) CancelBulkOrders(exchOrderIDs []string) error {
	_, err := execCircuitBreaker(c.breaker, c.client, func(b Client) (struct{}, error) {
		return struct{}{}, b.CancelBulkOrders(exchOrderIDs)
	})
	return err
}

// RequestFeed passes through to the underlying client
func (c *CircuitBreakerClient) RequestFeed(op FeedOp, instruments []models.Instrument) FeedRequest {
	return c.client.RequestFeed(op, instruments)
}

// Connect passes through to the underlying client
func (c *CircuitBreakerClient) Connect(req FeedRequest) error { return c.client.Connect(req) }

// Send passes through to the underlying client
func (c *CircuitBreakerClient) Send(req FeedRequest) error { return c.client.Send(req) }

// Receive passes through to the underlying client
func (c *CircuitBreakerClient) Receive(onMessage func([]byte)) error {
	return c.client.Receive(onMessage)
}

// CloseFeed passes through to the underlying client
func (c *CircuitBreakerClient) CloseFeed() error { return c.client.CloseFeed() }

// OnError passes through to the underlying client
func (c *CircuitBreakerClient) OnError(handler func(error)) { c.client.OnError(handler) }
