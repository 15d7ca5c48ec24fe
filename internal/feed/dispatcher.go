// Package feed owns the single duplex connection to the market-data/order
// feed and fans inbound messages out to independent consumers without
// blocking the receive path.
package feed

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/P0W/option-strategies/internal/broker"
	"github.com/P0W/option-strategies/internal/models"
)

// TickHandler consumes one tick within the session context.
type TickHandler func(models.Tick, *Session)

// OrderEventHandler consumes one order-status update within the session
// context, after the dispatcher's default handling has been applied.
type OrderEventHandler func(models.OrderEvent, *Session)

// Config contains tuning knobs for the dispatcher.
type Config struct {
	QueueSize    int
	TickTimeout  time.Duration // no tick for this long => feed is stale
	OrderTimeout time.Duration // order-queue poll interval, no liveness meaning
	JoinTimeout  time.Duration // bound on waiting for the receiver at Stop
}

// DefaultConfig is the default configuration for the dispatcher.
var DefaultConfig = Config{
	QueueSize:    512,
	TickTimeout:  15 * time.Second,
	OrderTimeout: 1 * time.Second,
	JoinTimeout:  5 * time.Second,
}

// Dispatcher demultiplexes one feed connection into a tick queue and an
// order-event queue, each drained by its own goroutine. At most one
// monitoring session is active per instance.
type Dispatcher struct {
	client broker.Client
	logger *log.Logger
	config Config

	// Overridable hooks for order lifecycle statuses. Defaults log only.
	OnCancelOrder func(models.OrderEvent)
	OnSLTriggered func(models.OrderEvent)

	mu       sync.Mutex // guards active, subs and the session plumbing below
	active   bool
	subs     map[int]models.Instrument
	ticks    chan models.Tick
	orders   chan models.OrderEvent
	shutdown chan struct{}
	recvDone chan struct{}
	group    *errgroup.Group
}

// NewDispatcher creates a dispatcher over the given client.
func NewDispatcher(client broker.Client, logger *log.Logger, config ...Config) *Dispatcher {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultConfig.TickTimeout
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = DefaultConfig.OrderTimeout
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultConfig.JoinTimeout
	}
	if logger == nil {
		logger = log.New(os.Stderr, "feed: ", log.LstdFlags)
	}
	d := &Dispatcher{
		client: client,
		logger: logger,
		config: cfg,
		subs:   make(map[int]models.Instrument),
	}
	d.OnCancelOrder = func(ev models.OrderEvent) {
		d.logger.Printf("Order cancelled: scrip=%d tag=%s", ev.ScripCode, ev.RemoteOrderID)
	}
	d.OnSLTriggered = func(ev models.OrderEvent) {
		d.logger.Printf("Stop loss triggered: scrip=%d tag=%s", ev.ScripCode, ev.RemoteOrderID)
	}
	return d
}

// IsActive reports whether a monitoring session is running.
func (d *Dispatcher) IsActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Monitor opens the feed connection for the given instruments and starts the
// receiver plus the two consumer stages. Index instruments are subscribed on
// the cash segment. Returns ErrAlreadyActive when a session is running.
func (d *Dispatcher) Monitor(
	instruments []models.Instrument,
	onTick TickHandler,
	onOrderEvent OrderEventHandler,
	session *Session,
) error {
	if session == nil {
		session = NewSession()
	}

	// Reserved index instruments ride the cash segment, options the
	// derivative segment.
	reqInstruments := make([]models.Instrument, 0, len(instruments))
	for _, inst := range instruments {
		if inst.IsIndex() {
			inst.Segment = models.SegmentCash
		}
		reqInstruments = append(reqInstruments, inst)
	}

	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		d.logger.Printf("warning: monitoring already active, not starting a new session")
		return ErrAlreadyActive
	}
	d.active = true
	d.subs = make(map[int]models.Instrument, len(reqInstruments))
	for _, inst := range reqInstruments {
		d.subs[inst.ScripCode] = inst
	}
	d.ticks = make(chan models.Tick, d.config.QueueSize)
	d.orders = make(chan models.OrderEvent, d.config.QueueSize)
	shutdown := make(chan struct{})
	recvDone := make(chan struct{})
	d.shutdown = shutdown
	d.recvDone = recvDone
	d.mu.Unlock()

	d.logger.Printf("Starting monitoring session for %d instruments", len(reqInstruments))

	// Dial outside the lock so a slow connect never blocks Stop or the
	// subscription accessors.
	req := d.client.RequestFeed(broker.FeedSubscribe, reqInstruments)
	if err := d.client.Connect(req); err != nil {
		d.mu.Lock()
		d.active = false
		d.mu.Unlock()
		return err
	}
	d.client.OnError(func(err error) {
		d.logger.Printf("feed connection error: %v", err)
	})

	d.mu.Lock()
	if !d.active {
		// Stop raced the dial; do not start the stages on a dead session.
		d.mu.Unlock()
		_ = d.client.CloseFeed()
		close(recvDone)
		return ErrNotActive
	}
	g := new(errgroup.Group)
	g.Go(func() error { return d.receiver(recvDone) })
	g.Go(func() error { return d.tickConsumer(onTick, session, shutdown) })
	g.Go(func() error { return d.orderConsumer(onOrderEvent, session, shutdown) })
	d.group = g
	d.mu.Unlock()
	return nil
}

// Wait blocks until all stages of the most recent session have exited.
func (d *Dispatcher) Wait() error {
	d.mu.Lock()
	g := d.group
	d.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// receiver runs the blocking read loop. A read error is not handled here:
// the tick consumer's staleness timeout will tear the session down.
func (d *Dispatcher) receiver(done chan struct{}) error {
	defer close(done)
	if err := d.client.Receive(d.handleMessage); err != nil {
		d.logger.Printf("receiver exited: %v", err)
		return err
	}
	return nil
}

// wireMessage carries the superset of tick and order-status fields; the
// discriminators are Status (order event) and LastRate (tick).
type wireMessage struct {
	Status        string          `json:"Status"`
	RemoteOrderID string          `json:"RemoteOrderID"`
	ExchOrderID   json.RawMessage `json:"ExchOrderID"`
	ScripCode     int             `json:"ScripCode"`
	Price         float64         `json:"Price"`
	Qty           int             `json:"Qty"`

	Token    int      `json:"Token"`
	OpenRate float64  `json:"OpenRate"`
	High     float64  `json:"High"`
	Low      float64  `json:"Low"`
	LastRate *float64 `json:"LastRate"`
	LastQty  int      `json:"LastQty"`
	TickDt   string   `json:"TickDt"`
	ChgPcnt  float64  `json:"ChgPcnt"`
}

// handleMessage classifies one inbound payload (a single message or a list)
// and enqueues each element. Malformed payloads are logged and dropped.
func (d *Dispatcher) handleMessage(data []byte) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var msgs []wireMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			d.logger.Printf("dropping malformed feed payload: %v", err)
			return
		}
		for _, msg := range msgs {
			d.processMessage(msg)
		}
		return
	}
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		d.logger.Printf("dropping malformed feed payload: %v", err)
		return
	}
	d.processMessage(msg)
}

func (d *Dispatcher) processMessage(msg wireMessage) {
	switch {
	case msg.Status != "":
		ev := models.OrderEvent{
			ScripCode:     msg.ScripCode,
			RemoteOrderID: msg.RemoteOrderID,
			ExchOrderID:   rawString(msg.ExchOrderID),
			Status:        msg.Status,
			Price:         msg.Price,
			Qty:           msg.Qty,
		}
		select {
		case d.orders <- ev:
		case <-d.shutdown:
		}
	case msg.LastRate != nil:
		tick := models.Tick{
			ScripCode: msg.Token,
			Open:      msg.OpenRate,
			High:      msg.High,
			Low:       msg.Low,
			Close:     *msg.LastRate,
			LastQty:   msg.LastQty,
			ChangePct: msg.ChgPcnt,
			Timestamp: parseTickTime(msg.TickDt),
		}
		select {
		case d.ticks <- tick:
		case <-d.shutdown:
		}
	default:
		d.logger.Printf("dropping unclassifiable feed message")
	}
}

// rawString tolerates the broker sending ExchOrderID as either a JSON
// string or a bare number.
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.Trim(string(raw), `"`)
}

// parseTickTime parses the broker's "/Date(1691557402000)/" stamps.
func parseTickTime(s string) time.Time {
	start := strings.Index(s, "(")
	end := strings.Index(s, ")")
	if start < 0 || end < start {
		return time.Time{}
	}
	digits := s[start+1 : end]
	if plus := strings.IndexAny(digits, "+-"); plus > 0 {
		digits = digits[:plus]
	}
	ms, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// tickConsumer drains the tick queue. No tick for TickTimeout means the feed
// went silent; the session is stopped rather than retried indefinitely.
func (d *Dispatcher) tickConsumer(onTick TickHandler, session *Session, shutdown chan struct{}) error {
	timer := time.NewTimer(d.config.TickTimeout)
	defer timer.Stop()
	for {
		select {
		case <-shutdown:
			return nil
		case tick := <-d.ticks:
			if !d.invokeTick(onTick, tick, session) {
				d.stopFromConsumer("tick callback failure")
				return nil
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.config.TickTimeout)
		case <-timer.C:
			d.logger.Printf("warning: no live feed data received in the last %v, stopping the monitoring session", d.config.TickTimeout)
			d.stopFromConsumer("feed stale")
			return nil
		}
	}
}

// orderConsumer drains the order-event queue. An empty queue is normal and
// carries no staleness meaning.
func (d *Dispatcher) orderConsumer(onOrderEvent OrderEventHandler, session *Session, shutdown chan struct{}) error {
	for {
		select {
		case <-shutdown:
			return nil
		case ev := <-d.orders:
			if !d.invokeOrderEvent(onOrderEvent, ev, session) {
				d.stopFromConsumer("order callback failure")
				return nil
			}
		case <-time.After(d.config.OrderTimeout):
		}
	}
}

// invokeTick runs the user tick callback, converting a panic into a session
// stop instead of letting it propagate.
func (d *Dispatcher) invokeTick(onTick TickHandler, tick models.Tick, session *Session) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("error processing tick for scrip %d: %v", tick.ScripCode, r)
			ok = false
		}
	}()
	if onTick != nil {
		onTick(tick, session)
	}
	return true
}

// invokeOrderEvent applies the default order-lifecycle handling, then the
// user callback. Panics in either become a session stop.
func (d *Dispatcher) invokeOrderEvent(onOrderEvent OrderEventHandler, ev models.OrderEvent, session *Session) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Printf("error processing order event for scrip %d: %v", ev.ScripCode, r)
			ok = false
		}
	}()
	d.applyDefaultOrderHandling(ev, session)
	if onOrderEvent != nil {
		onOrderEvent(ev, session)
	}
	return true
}

// applyDefaultOrderHandling implements the dispatcher-owned part of the
// order lifecycle: an executed stop-loss order unsubscribes its instrument
// and records it on the session, so the strategy can react (trail the
// surviving leg).
func (d *Dispatcher) applyDefaultOrderHandling(ev models.OrderEvent, session *Session) {
	switch ev.Status {
	case models.StatusFullyExecuted:
		if !ev.IsStopLoss() {
			d.logger.Printf("Order update: scrip=%d tag=%s status=%s", ev.ScripCode, ev.RemoteOrderID, ev.Status)
			return
		}
		d.mu.Lock()
		inst, subscribed := d.subs[ev.ScripCode]
		d.mu.Unlock()
		if !subscribed {
			return
		}
		if d.Unsubscribe([]models.Instrument{inst}) {
			session.appendStopLossFired(ev.ScripCode)
		}
	case models.StatusCancelled:
		if d.OnCancelOrder != nil {
			d.OnCancelOrder(ev)
		}
	case models.StatusSLTriggered:
		if d.OnSLTriggered != nil {
			d.OnSLTriggered(ev)
		}
	default:
		d.logger.Printf("Order update: scrip=%d tag=%s status=%s", ev.ScripCode, ev.RemoteOrderID, ev.Status)
	}
}

// Subscribe sends an incremental subscription for the instruments and adds
// them to the subscription set. Returns false (after stopping the session)
// if the send fails. The socket write happens outside the mutex; the set is
// reconciled only after the send succeeds.
func (d *Dispatcher) Subscribe(instruments []models.Instrument) bool {
	d.mu.Lock()
	active := d.active
	d.mu.Unlock()
	if !active {
		d.logger.Printf("warning: subscribe requested with no active session")
		return false
	}

	req := d.client.RequestFeed(broker.FeedSubscribe, instruments)
	if err := d.client.Send(req); err != nil {
		d.logger.Printf("subscribe send failed, stopping session: %v", err)
		if stopErr := d.Stop(); stopErr != nil {
			d.logger.Printf("warning: %v", stopErr)
		}
		return false
	}

	d.mu.Lock()
	if d.active {
		for _, inst := range instruments {
			d.subs[inst.ScripCode] = inst
		}
	}
	d.mu.Unlock()
	return true
}

// Unsubscribe sends an incremental unsubscription for the instruments and
// removes them from the subscription set. Instruments that were never
// subscribed are ignored; unsubscribing nothing is a success no-op.
func (d *Dispatcher) Unsubscribe(instruments []models.Instrument) bool {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		d.logger.Printf("warning: unsubscribe requested with no active session")
		return false
	}
	known := make([]models.Instrument, 0, len(instruments))
	for _, inst := range instruments {
		if _, ok := d.subs[inst.ScripCode]; ok {
			known = append(known, inst)
		}
	}
	d.mu.Unlock()
	if len(known) == 0 {
		return true
	}

	req := d.client.RequestFeed(broker.FeedUnsubscribe, known)
	if err := d.client.Send(req); err != nil {
		d.logger.Printf("unsubscribe send failed, stopping session: %v", err)
		if stopErr := d.Stop(); stopErr != nil {
			d.logger.Printf("warning: %v", stopErr)
		}
		return false
	}

	d.mu.Lock()
	if d.active {
		for _, inst := range known {
			delete(d.subs, inst.ScripCode)
		}
	}
	d.mu.Unlock()
	d.logger.Printf("Unsubscribed %d instruments", len(known))
	return true
}

// Subscribed returns the current subscription set.
func (d *Dispatcher) Subscribed() []models.Instrument {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Instrument, 0, len(d.subs))
	for _, inst := range d.subs {
		out = append(out, inst)
	}
	return out
}

// Stop tears the session down: signal the consumers, send an
// unsubscribe-all, close the connection, then wait (bounded) for the
// receiver to exit. The session is marked inactive and the shutdown channel
// closed under the mutex; the socket I/O runs after it is released so a
// wedged send can never block the accessors or the staleness teardown.
// Returns ErrNotActive when nothing is running.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		d.logger.Printf("warning: monitoring is not active, cannot stop")
		return ErrNotActive
	}
	d.logger.Printf("Stopping monitoring session")
	d.active = false
	close(d.shutdown)
	remaining := make([]models.Instrument, 0, len(d.subs))
	for _, inst := range d.subs {
		remaining = append(remaining, inst)
	}
	d.subs = make(map[int]models.Instrument)
	recvDone := d.recvDone
	d.mu.Unlock()

	if len(remaining) > 0 {
		req := d.client.RequestFeed(broker.FeedUnsubscribe, remaining)
		if err := d.client.Send(req); err != nil {
			d.logger.Printf("unsubscribe-all during stop failed: %v", err)
		}
	}
	if err := d.client.CloseFeed(); err != nil {
		d.logger.Printf("closing feed connection: %v", err)
	}

	select {
	case <-recvDone:
	case <-time.After(d.config.JoinTimeout):
		d.logger.Printf("warning: receiver did not exit within %v", d.config.JoinTimeout)
	}
	return nil
}

// stopFromConsumer stops the session from inside a consumer goroutine; a
// NotActive result here just means another path already stopped it.
func (d *Dispatcher) stopFromConsumer(reason string) {
	d.logger.Printf("stopping session: %s", reason)
	if err := d.Stop(); err != nil {
		d.logger.Printf("warning: %v", err)
	}
}
