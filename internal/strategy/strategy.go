// Package strategy drives a short multi-leg options position through its
// lifecycle: waiting for an entry signal, placing legs, tracking fills and
// PnL off the live feed, and squaring off on target, stop or session close.
//
// All mutable run state is guarded by one strategy-level mutex. The feed
// dispatcher delivers ticks and order events from two goroutines; taking a
// single lock at the top of both handlers makes the strategy the only
// mutation point for its own state.
package strategy

import (
	"context"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/P0W/option-strategies/internal/feed"
	"github.com/P0W/option-strategies/internal/models"
	"github.com/P0W/option-strategies/internal/orders"
	"github.com/P0W/option-strategies/internal/storage"
)

// Config holds the run parameters of one strategy instance.
type Config struct {
	Name           string // straddle | strangle
	Quantity       int
	ProfitTarget   float64 // rupees, positive
	LossTarget     float64 // rupees, negative
	StopLossFactor float64
	EntryWait      time.Duration // index observation window; 0 enters on the first index tick
	ExpiryWeekday  time.Weekday
	Location       *time.Location
}

// Strategy is a state-machine-driven short premium run over a set of legs.
type Strategy struct {
	logger *log.Logger
	orders *orders.Manager
	feed   *feed.Dispatcher
	store  storage.Store
	cfg    Config
	now    func() time.Time

	mu           sync.Mutex
	sm           *models.StateMachine
	tag          string
	index        models.Instrument
	legs         []models.Leg
	executed     map[int]*models.ExecutedLeg
	slFired      map[int]bool
	ticked       map[int]bool
	windowStart  time.Time
	indexHigh    float64
	indexLow     float64
	profitTarget float64
	targetHalved bool
	done         bool
}

// New creates a strategy instance. The store may be nil when no journal is
// wanted (tests).
func New(om *orders.Manager, fd *feed.Dispatcher, store storage.Store, logger *log.Logger, cfg Config) *Strategy {
	if logger == nil {
		logger = log.New(os.Stdout, "strategy: ", log.LstdFlags)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Strategy{
		logger:       logger,
		orders:       om,
		feed:         fd,
		store:        store,
		cfg:          cfg,
		now:          time.Now,
		sm:           models.NewStateMachine(),
		executed:     make(map[int]*models.ExecutedLeg),
		slFired:      make(map[int]bool),
		ticked:       make(map[int]bool),
		profitTarget: cfg.ProfitTarget,
		indexLow:     math.Inf(1),
		indexHigh:    math.Inf(-1),
	}
}

// Start begins monitoring a fresh run: the reference index plus the selected
// legs go on the feed, and entry is decided from index ticks.
func (s *Strategy) Start(tag string, index models.Instrument, legs []models.Leg) error {
	s.mu.Lock()
	if s.tag != "" {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.tag = tag
	s.index = index
	s.legs = append([]models.Leg(nil), legs...)
	s.mu.Unlock()

	if s.store != nil {
		if _, err := s.store.StartRun(tag, index.Name, s.cfg.Name); err != nil {
			s.logger.Printf("journal: start run: %v", err)
		}
	}

	instruments := append([]models.Instrument{index}, legInstruments(legs)...)
	return s.feed.Monitor(instruments, s.OnTick, s.OnOrderEvent, feed.NewSession())
}

// Resume re-attaches to an existing tag: fills are reconstructed from the
// broker and the run continues in the executed state. Returns an error when
// the tag has no visible fills.
func (s *Strategy) Resume(tag string, legs []models.Leg) error {
	fills, err := s.orders.ExecutedOrders(tag)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.tag = tag
	s.legs = append([]models.Leg(nil), legs...)
	for _, leg := range legs {
		fill, ok := fills[leg.Instrument.ScripCode]
		if !ok {
			continue
		}
		s.executed[fill.ScripCode] = &models.ExecutedLeg{
			Instrument: leg.Instrument,
			AvgPrice:   fill.Rate,
			Qty:        fill.Qty,
		}
	}
	// Walk the machine to where the broker says we are.
	_ = s.sm.Transition(models.StatePlaced, models.ConditionEntrySignal)
	_ = s.sm.Transition(models.StateExecuted, models.ConditionLegsFilled)
	s.mu.Unlock()

	s.logger.Printf("resumed tag=%s with %d executed legs", tag, len(fills))
	return s.feed.Monitor(legInstruments(legs), s.OnTick, s.OnOrderEvent, feed.NewSession())
}

// State returns the current lifecycle state.
func (s *Strategy) State() models.StrategyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.GetCurrentState()
}

// Tag returns the run's correlation tag.
func (s *Strategy) Tag() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag
}

// Legs returns a snapshot of the executed legs.
func (s *Strategy) Legs() []models.ExecutedLeg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legSnapshot()
}

// PnL returns the aggregate PnL and whether it is defined yet. Undefined
// until every live leg has seen at least one tick.
func (s *Strategy) PnL() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalPnL()
}

// OnTick is the feed tick handler.
func (s *Strategy) OnTick(tick models.Tick, session *feed.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}

	now := s.now().In(s.cfg.Location)
	if orders.IsSessionOver(now, s.cfg.ExpiryWeekday) {
		s.logger.Printf("session over at %s, winding down", now.Format("15:04:05"))
		s.windDown(models.ConditionShutdown)
		return
	}

	if tick.ScripCode == s.index.ScripCode {
		s.onIndexTick(tick)
		return
	}
	s.onLegTick(tick)
}

// OnOrderEvent is the feed order-event handler. The dispatcher has already
// applied its default handling (stop-loss unsubscribe, cancellations).
func (s *Strategy) OnOrderEvent(ev models.OrderEvent, session *feed.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}

	switch {
	case ev.IsFresh() && ev.Status == models.StatusFullyExecuted:
		s.onEntryFill(ev)
	case ev.IsStopLoss() && ev.Status == models.StatusFullyExecuted:
		s.onStopLossFill(ev)
	case ev.IsSquareOff():
		s.logger.Printf("square-off update %d status=%s", ev.ScripCode, ev.Status)
	default:
		s.logger.Printf("order update %d tag=%s status=%s", ev.ScripCode, ev.RemoteOrderID, ev.Status)
	}
}

// onIndexTick tracks the reference index through the observation window and
// approves entry once the close comes back inside the recorded range.
func (s *Strategy) onIndexTick(tick models.Tick) {
	if s.sm.GetCurrentState() != models.StateWaiting {
		return
	}
	if s.windowStart.IsZero() {
		s.windowStart = s.now()
		s.logger.Printf("observing %s for %v before entry", s.index.Name, s.cfg.EntryWait)
	}
	inWindow := s.now().Sub(s.windowStart) < s.cfg.EntryWait
	if inWindow {
		s.indexHigh = math.Max(s.indexHigh, tick.Close)
		s.indexLow = math.Min(s.indexLow, tick.Close)
		return
	}
	// A zero window records no range at all; the range check only applies
	// once at least one in-window tick seeded it.
	if s.indexLow <= s.indexHigh && (tick.Close < s.indexLow || tick.Close > s.indexHigh) {
		s.logger.Printf("%s %.2f outside observed range [%.2f, %.2f], holding",
			s.index.Name, tick.Close, s.indexLow, s.indexHigh)
		return
	}
	s.enter()
}

// enter places the legs and their stop-loss family. Caller holds the lock.
func (s *Strategy) enter() {
	if err := s.sm.Transition(models.StatePlaced, models.ConditionEntrySignal); err != nil {
		s.logger.Printf("entry transition refused: %v", err)
		return
	}
	if err := s.orders.PlaceEntry(s.legs, s.cfg.Quantity, s.tag); err != nil {
		s.logger.Printf("entry failed, back to waiting: %v", err)
		_ = s.sm.Transition(models.StateWaiting, models.ConditionEntryRetry)
		return
	}
	if _, err := s.orders.PlaceStopLoss(context.Background(), s.tag, s.cfg.StopLossFactor); err != nil {
		s.logger.Printf("stop-loss placement failed: %v", err)
	}
	s.feed.Unsubscribe([]models.Instrument{s.index})
	s.journal()
}

// onEntryFill records the first fully-executed fresh fill per instrument.
func (s *Strategy) onEntryFill(ev models.OrderEvent) {
	if _, dup := s.executed[ev.ScripCode]; dup {
		s.logger.Printf("duplicate fill for %d ignored", ev.ScripCode)
		return
	}
	leg, ok := s.findLeg(ev.ScripCode)
	if !ok {
		s.logger.Printf("fill for unknown scrip %d ignored", ev.ScripCode)
		return
	}
	s.executed[ev.ScripCode] = &models.ExecutedLeg{
		Instrument: leg.Instrument,
		AvgPrice:   ev.Price,
		Qty:        ev.Qty,
	}
	s.logger.Printf("leg filled: %s qty=%d avg=%.2f (%d/%d)",
		leg.Instrument.Name, ev.Qty, ev.Price, len(s.executed), len(s.legs))

	if len(s.executed) == len(s.legs) && s.sm.GetCurrentState() == models.StatePlaced {
		if err := s.sm.Transition(models.StateExecuted, models.ConditionLegsFilled); err != nil {
			s.logger.Printf("executed transition refused: %v", err)
			return
		}
		s.logger.Printf("all legs filled, position live tag=%s", s.tag)
	}
	s.journal()
}

// onStopLossFill realizes the stopped leg's loss and moves the surviving
// legs' stop-losses to breakeven, halving the remaining profit target.
func (s *Strategy) onStopLossFill(ev models.OrderEvent) {
	if s.slFired[ev.ScripCode] {
		return
	}
	s.slFired[ev.ScripCode] = true

	if leg, ok := s.executed[ev.ScripCode]; ok {
		leg.LTP = ev.Price
		leg.PnL = (leg.AvgPrice - ev.Price) * float64(leg.Qty)
		s.ticked[ev.ScripCode] = true
		s.logger.Printf("stop-loss hit on %s, realized %.2f", leg.Instrument.Name, leg.PnL)
	}

	for code, leg := range s.executed {
		if code == ev.ScripCode || s.slFired[code] {
			continue
		}
		if err := s.orders.ModifyStopLoss(s.tag, code, math.Floor(leg.AvgPrice)); err != nil {
			s.logger.Printf("breakeven move for %d failed: %v", code, err)
			continue
		}
		s.logger.Printf("moved %s stop-loss to breakeven %.2f", leg.Instrument.Name, math.Floor(leg.AvgPrice))
	}
	if !s.targetHalved {
		s.targetHalved = true
		s.profitTarget /= 2
		s.logger.Printf("profit target halved to %.2f", s.profitTarget)
	}
	s.journal()
}

// onLegTick updates the leg's LTP and PnL, then checks the exit rule.
func (s *Strategy) onLegTick(tick models.Tick) {
	leg, ok := s.executed[tick.ScripCode]
	if !ok || s.slFired[tick.ScripCode] {
		return
	}
	leg.LTP = tick.Close
	leg.PnL = (leg.AvgPrice - tick.Close) * float64(leg.Qty)
	s.ticked[tick.ScripCode] = true

	if s.sm.GetCurrentState() != models.StateExecuted {
		return
	}
	pnl, defined := s.totalPnL()
	if !defined {
		return
	}
	if pnl >= s.profitTarget || pnl <= s.cfg.LossTarget {
		s.logger.Printf("exit signal: pnl=%.2f target=%.2f loss=%.2f", pnl, s.profitTarget, s.cfg.LossTarget)
		s.exit(pnl)
	}
}

// exit squares off, cancels the stop-loss family and ends the run. Caller
// holds the lock.
//
// A square-off error is terminal: the buy orders may already sit with the
// broker, so placing a second family would leave the book net long. The run
// stops and the position is left for manual intervention.
func (s *Strategy) exit(pnl float64) {
	lastPrices := make(map[int]float64, len(s.executed))
	for code, leg := range s.executed {
		if s.slFired[code] {
			continue
		}
		lastPrices[code] = leg.LTP
	}
	if err := s.orders.SquareOff(s.tag, lastPrices); err != nil {
		s.logger.Printf("square-off failed, stopping run for manual intervention tag=%s: %v", s.tag, err)
		if terr := s.sm.Transition(models.StateStopped, models.ConditionShutdown); terr != nil {
			s.logger.Printf("stop transition refused: %v", terr)
		}
		s.closeRun(pnl)
		s.teardownFeed()
		return
	}
	if err := s.orders.CancelPendingStopLoss(s.tag); err != nil {
		s.logger.Printf("cancelling stop-losses: %v", err)
	}
	if err := s.sm.Transition(models.StateSquaredOff, models.ConditionExitSignal); err != nil {
		s.logger.Printf("square-off transition refused: %v", err)
	}
	s.closeRun(pnl)
	s.teardownFeed()
}

// windDown ends the run for external reasons (session over, shutdown),
// flattening the position first when one is open. Caller holds the lock.
func (s *Strategy) windDown(condition string) {
	if s.sm.GetCurrentState() == models.StateExecuted {
		lastPrices := make(map[int]float64, len(s.executed))
		for code, leg := range s.executed {
			if !s.slFired[code] {
				lastPrices[code] = leg.LTP
			}
		}
		if err := s.orders.SquareOff(s.tag, lastPrices); err != nil {
			s.logger.Printf("wind-down square-off failed: %v", err)
		}
		if err := s.orders.CancelPendingStopLoss(s.tag); err != nil {
			s.logger.Printf("wind-down cancelling stop-losses: %v", err)
		}
	}
	if err := s.sm.Transition(models.StateStopped, condition); err != nil {
		s.logger.Printf("stop transition refused: %v", err)
	}
	pnl, _ := s.totalPnL()
	s.closeRun(pnl)
	s.teardownFeed()
}

// Shutdown ends the run from outside (signal handler).
func (s *Strategy) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.windDown(models.ConditionShutdown)
}

func (s *Strategy) teardownFeed() {
	s.done = true
	if err := s.feed.Stop(); err != nil {
		s.logger.Printf("feed stop: %v", err)
	}
}

func (s *Strategy) closeRun(pnl float64) {
	if s.store == nil {
		return
	}
	if err := s.store.CloseRun(string(s.sm.GetCurrentState()), pnl); err != nil {
		s.logger.Printf("journal: close run: %v", err)
	}
}

func (s *Strategy) journal() {
	if s.store == nil {
		return
	}
	if err := s.store.UpdateRun(string(s.sm.GetCurrentState()), s.legSnapshot()); err != nil {
		s.logger.Printf("journal: update run: %v", err)
	}
}

// totalPnL sums leg PnL. Undefined until every live leg has a tick; stopped
// legs carry their realized PnL. Caller holds the lock.
func (s *Strategy) totalPnL() (float64, bool) {
	if len(s.executed) == 0 {
		return 0, false
	}
	var total float64
	for code, leg := range s.executed {
		if !s.ticked[code] {
			return 0, false
		}
		total += leg.PnL
	}
	return total, true
}

func (s *Strategy) legSnapshot() []models.ExecutedLeg {
	out := make([]models.ExecutedLeg, 0, len(s.executed))
	for _, leg := range s.executed {
		out = append(out, *leg)
	}
	return out
}

func (s *Strategy) findLeg(scripCode int) (models.Leg, bool) {
	for _, leg := range s.legs {
		if leg.Instrument.ScripCode == scripCode {
			return leg, true
		}
	}
	return models.Leg{}, false
}

func legInstruments(legs []models.Leg) []models.Instrument {
	out := make([]models.Instrument, 0, len(legs))
	for _, leg := range legs {
		out = append(out, leg.Instrument)
	}
	return out
}
