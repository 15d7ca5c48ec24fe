// Package orders coordinates order placement for a multi-leg position: the
// short entry, the aggregated stop-loss family, and the final square-off.
// Every order placed for one position carries the same correlation tag, with
// the "sl"/"sq" prefixes marking the derived families.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/P0W/option-strategies/internal/broker"
	"github.com/P0W/option-strategies/internal/models"
	"github.com/P0W/option-strategies/internal/retry"
	"github.com/P0W/option-strategies/internal/util"
)

// Config holds the tunables of the order coordinator.
type Config struct {
	Exchange   string
	Segment    string
	Tick       float64       // exchange tick size
	Slippage   float64       // price padding on square-off limits
	PlaceDelay time.Duration // pause between consecutive placements
	PollDelay  time.Duration // pause between order-book polls
	Retry      retry.Config
}

// DefaultConfig matches NSE derivatives trading.
var DefaultConfig = Config{
	Exchange:   "N",
	Segment:    models.SegmentDerivative,
	Tick:       0.05,
	Slippage:   0.2,
	PlaceDelay: 2 * time.Second,
	PollDelay:  2 * time.Second,
	Retry:      retry.DefaultConfig,
}

// Session cutoff times, IST. Positions are flattened a few minutes before
// the 15:30 close, later on expiry day when decay works in our favor.
const (
	cutoffHour         = 15
	cutoffMinute       = 26
	expiryCutoffMinute = 29
)

const (
	maxEmptyBookRetries = 3
	maxSquareOffPolls   = 30
)

// Manager places and tracks the orders of one or more tagged positions.
type Manager struct {
	client broker.Client
	logger *log.Logger
	config Config
}

// NewManager creates an order coordinator. Pass a Config to override the
// defaults.
func NewManager(client broker.Client, logger *log.Logger, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(os.Stdout, "orders: ", log.LstdFlags)
	}
	return &Manager{client: client, logger: logger, config: cfg}
}

// PlaceEntry sells qty of each leg at market under the given tag. Placements
// are spaced out so the broker's rate limiter never sees a burst.
func (m *Manager) PlaceEntry(legs []models.Leg, qty int, tag string) error {
	for i, leg := range legs {
		req := broker.OrderRequest{
			Side:      models.SideSell,
			Exchange:  m.config.Exchange,
			Segment:   leg.Instrument.Segment,
			ScripCode: leg.Instrument.ScripCode,
			Qty:       qty,
			Price:     0, // market
			Intraday:  true,
			Tag:       tag,
		}
		reply, err := m.client.PlaceOrder(req)
		if err != nil {
			return fmt.Errorf("placing entry for %d: %w", leg.Instrument.ScripCode, err)
		}
		if !reply.Success() {
			return fmt.Errorf("%w: %s (scrip %d)", ErrBrokerRejected, reply.Message, leg.Instrument.ScripCode)
		}
		m.logger.Printf("sold %d x %d (%s) tag=%s", qty, leg.Instrument.ScripCode, leg.Instrument.Name, tag)
		if i < len(legs)-1 {
			time.Sleep(m.config.PlaceDelay)
		}
	}
	return nil
}

// ExecutedOrders returns the net fill per instrument for the tag, combining
// the broker's status rows with the tradebook. Partial fills collapse into
// one quantity-weighted entry per scrip code.
func (m *Manager) ExecutedOrders(tag string) (map[int]models.Fill, error) {
	records, err := m.client.FetchOrderStatus(tag)
	if err != nil {
		return nil, fmt.Errorf("fetching order status for %s: %w", tag, err)
	}
	executed := make(map[int]bool)
	for _, rec := range records {
		if rec.Status == models.StatusFullyExecuted {
			executed[rec.ScripCode] = true
		}
	}
	if len(executed) == 0 {
		return nil, ErrNoFillsYet
	}

	fills, err := m.client.GetTradebook()
	if err != nil {
		return nil, fmt.Errorf("fetching tradebook: %w", err)
	}
	out := make(map[int]models.Fill, len(executed))
	for _, f := range fills {
		if !executed[f.ScripCode] {
			continue
		}
		agg, ok := out[f.ScripCode]
		if !ok {
			out[f.ScripCode] = f
			continue
		}
		// weighted average across fragmented fills
		total := agg.Qty + f.Qty
		agg.Rate = (agg.Rate*float64(agg.Qty) + f.Rate*float64(f.Qty)) / float64(total)
		agg.Qty = total
		out[f.ScripCode] = agg
	}
	if len(out) == 0 {
		return nil, ErrNoFillsYet
	}
	return out, nil
}

// AggregateStopLoss folds the fully-executed orders of the tag into one
// stop-loss aggregate per instrument. The trigger is the quantity-weighted
// average premium scaled by slFactor and floored to whole rupees; the limit
// sits half a rupee above it.
func (m *Manager) AggregateStopLoss(tag string, slFactor float64) (map[int]*models.StopLossAggregate, error) {
	records, err := m.client.FetchOrderStatus(tag)
	if err != nil {
		return nil, fmt.Errorf("fetching order status for %s: %w", tag, err)
	}
	aggregates := make(map[int]*models.StopLossAggregate)
	for _, rec := range records {
		if rec.Status != models.StatusFullyExecuted {
			continue
		}
		agg, ok := aggregates[rec.ScripCode]
		if !ok {
			agg = &models.StopLossAggregate{ScripCode: rec.ScripCode}
			aggregates[rec.ScripCode] = agg
		}
		agg.Qty += rec.Qty
		agg.Premium += rec.Rate * float64(rec.Qty)
	}
	if len(aggregates) == 0 {
		return nil, ErrNoFillsYet
	}
	for _, agg := range aggregates {
		agg.AvgPrice = agg.Premium / float64(agg.Qty)
		agg.TriggerPrice = util.StopLossTrigger(agg.AvgPrice, slFactor)
		agg.LimitPrice = util.StopLossLimit(agg.TriggerPrice)
		agg.MaxLoss = (agg.TriggerPrice - agg.AvgPrice) * float64(agg.Qty)
	}
	return aggregates, nil
}

// PlaceStopLoss aggregates the tag's fills and places one buy stop-loss per
// instrument under the "sl"-prefixed tag. Fills can lag placement at the
// broker, so the aggregation is retried before giving up.
func (m *Manager) PlaceStopLoss(ctx context.Context, tag string, slFactor float64) (map[int]*models.StopLossAggregate, error) {
	var aggregates map[int]*models.StopLossAggregate
	err := retry.Do(ctx, m.logger, m.config.Retry, "stop-loss aggregation", func() error {
		var err error
		aggregates, err = m.AggregateStopLoss(tag, slFactor)
		if errors.Is(err, ErrNoFillsYet) {
			return retry.Retryable(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	slTag := models.StopLossPrefix + tag
	for _, agg := range aggregates {
		req := broker.OrderRequest{
			Side:          models.SideBuy,
			Exchange:      m.config.Exchange,
			Segment:       m.config.Segment,
			ScripCode:     agg.ScripCode,
			Qty:           agg.Qty,
			Price:         agg.LimitPrice,
			StopLossPrice: agg.TriggerPrice,
			Intraday:      true,
			Tag:           slTag,
		}
		reply, err := m.client.PlaceOrder(req)
		if err != nil {
			return nil, fmt.Errorf("placing stop-loss for %d: %w", agg.ScripCode, err)
		}
		if !reply.Success() {
			return nil, fmt.Errorf("%w: %s (scrip %d)", ErrBrokerRejected, reply.Message, agg.ScripCode)
		}
		m.logger.Printf("stop-loss %d: avg=%.2f trigger=%.2f limit=%.2f max_loss=%.2f",
			agg.ScripCode, agg.AvgPrice, agg.TriggerPrice, agg.LimitPrice, agg.MaxLoss)
	}
	return aggregates, nil
}

// PendingStopLossOrders returns the still-open stop-loss orders of the tag.
func (m *Manager) PendingStopLossOrders(tag string) ([]broker.OrderRecord, error) {
	book, err := m.client.OrderBook()
	if err != nil {
		return nil, fmt.Errorf("fetching order book: %w", err)
	}
	slTag := models.StopLossPrefix + tag
	var out []broker.OrderRecord
	for _, rec := range book {
		if rec.RemoteOrderID != slTag {
			continue
		}
		switch rec.OrderStatus {
		case models.StatusPlaced, models.StatusPending, models.StatusPartiallyExecuted:
			out = append(out, rec)
		}
	}
	return out, nil
}

// CancelPendingStopLoss cancels whatever stop-loss orders of the tag are
// still open. Called after a square-off so no orphan buy order can fire.
func (m *Manager) CancelPendingStopLoss(tag string) error {
	pending, err := m.PendingStopLossOrders(tag)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	ids := make([]string, 0, len(pending))
	for _, rec := range pending {
		ids = append(ids, rec.ExchOrderID)
	}
	if err := m.client.CancelBulkOrders(ids); err != nil {
		return fmt.Errorf("cancelling %d stop-loss orders: %w", len(ids), err)
	}
	m.logger.Printf("cancelled %d pending stop-loss orders tag=%s", len(ids), tag)
	return nil
}

// ModifyStopLoss moves the pending stop-loss of one instrument to a new
// trigger, keeping the half-rupee limit offset.
func (m *Manager) ModifyStopLoss(tag string, scripCode int, trigger float64) error {
	pending, err := m.PendingStopLossOrders(tag)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if rec.ScripCode != scripCode {
			continue
		}
		if err := m.client.ModifyOrder(rec.ExchOrderID, util.StopLossLimit(trigger), trigger); err != nil {
			return fmt.Errorf("modifying stop-loss %s: %w", rec.ExchOrderID, err)
		}
		m.logger.Printf("stop-loss %d moved to trigger=%.2f tag=%s", scripCode, trigger, tag)
		return nil
	}
	return fmt.Errorf("orders: no pending stop-loss for scrip %d under %s", scripCode, tag)
}

// SquareOff buys back every executed short of the tag at a padded limit
// price and blocks until the broker reports the exits done. lastPrices
// supplies the latest traded price per scrip code; a missing entry falls
// back to a market order.
func (m *Manager) SquareOff(tag string, lastPrices map[int]float64) error {
	fills, err := m.ExecutedOrders(tag)
	if err != nil {
		return err
	}
	sqTag := models.SquareOffPrefix + tag
	for code, fill := range fills {
		price := 0.0
		if ltp, ok := lastPrices[code]; ok {
			price = util.SquareOffPrice(ltp, m.config.Slippage, m.config.Tick, true)
		} else {
			m.logger.Printf("square-off %d: no last price, using market", code)
		}
		req := broker.OrderRequest{
			Side:      models.SideBuy,
			Exchange:  m.config.Exchange,
			Segment:   m.config.Segment,
			ScripCode: code,
			Qty:       fill.Qty,
			Price:     price,
			Intraday:  true,
			Tag:       sqTag,
		}
		reply, err := m.client.PlaceOrder(req)
		if err != nil {
			return fmt.Errorf("squaring off %d: %w", code, err)
		}
		if !reply.Success() {
			return fmt.Errorf("%w: %s (scrip %d)", ErrBrokerRejected, reply.Message, code)
		}
		m.logger.Printf("square-off %d x %d @ %.2f tag=%s", fill.Qty, code, price, tag)
	}
	return m.waitSquareOffDone(sqTag)
}

// waitSquareOffDone polls the order book until no square-off order of the
// tag is still open. An empty book is tolerated a few times in case the
// broker briefly returns nothing mid-settlement.
func (m *Manager) waitSquareOffDone(sqTag string) error {
	emptyRetries := 0
	for polls := 0; polls < maxSquareOffPolls; polls++ {
		book, err := m.client.OrderBook()
		if err != nil {
			return fmt.Errorf("polling order book: %w", err)
		}
		if len(book) == 0 {
			emptyRetries++
			if emptyRetries > maxEmptyBookRetries {
				return ErrEmptyOrderBook
			}
			m.logger.Printf("order book empty, retry %d/%d", emptyRetries, maxEmptyBookRetries)
			time.Sleep(m.config.PollDelay)
			continue
		}
		open := 0
		for _, rec := range book {
			if rec.RemoteOrderID != sqTag {
				continue
			}
			switch rec.OrderStatus {
			case models.StatusPlaced, models.StatusPending, models.StatusPartiallyExecuted:
				open++
			}
		}
		if open == 0 {
			m.logger.Printf("square-off complete tag=%s", sqTag)
			return nil
		}
		m.logger.Printf("waiting on %d square-off orders tag=%s", open, sqTag)
		time.Sleep(m.config.PollDelay)
	}
	return ErrSquareOffIncomplete
}

// IsSessionOver reports whether now is past the intraday cutoff: 15:26 IST
// on regular days, 15:29 on the expiry weekday.
func IsSessionOver(now time.Time, expiryWeekday time.Weekday) bool {
	minute := cutoffMinute
	if now.Weekday() == expiryWeekday {
		minute = expiryCutoffMinute
	}
	if now.Hour() != cutoffHour {
		return now.Hour() > cutoffHour
	}
	return now.Minute() >= minute
}
