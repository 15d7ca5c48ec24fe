// Package models provides the data structures shared by the feed, order
// and strategy layers.
package models

import "time"

// Reserved index scrip codes on the NSE feed. Index instruments subscribe on
// the cash segment rather than the derivative segment.
const (
	NiftyIndex     = 999920000
	BankNiftyIndex = 999920005
	IndiaVixIndex  = 999920019
)

// Exchange segments.
const (
	SegmentCash       = "C"
	SegmentDerivative = "D"
)

// Order sides as the broker encodes them.
const (
	SideBuy  = "B"
	SideSell = "S"
)

// Correlation-tag prefixes for derived order families.
const (
	StopLossPrefix  = "sl"
	SquareOffPrefix = "sq"
)

// Broker order statuses.
const (
	StatusFullyExecuted     = "Fully Executed"
	StatusPartiallyExecuted = "Partially Executed"
	StatusPlaced            = "Placed"
	StatusPending           = "Pending"
	StatusCancelled         = "Cancelled"
	StatusRejected          = "Rejected"
	StatusSLTriggered       = "SL Triggered"
)

// Instrument identifies one tradable contract. Looked up once per strategy
// run and never mutated.
type Instrument struct {
	Exchange  string `json:"exchange"`
	Segment   string `json:"segment"`
	ScripCode int    `json:"scrip_code"`
	Name      string `json:"name"`
}

// IsIndex reports whether the instrument is one of the reserved index codes.
func (i Instrument) IsIndex() bool {
	switch i.ScripCode {
	case NiftyIndex, BankNiftyIndex, IndiaVixIndex:
		return true
	}
	return false
}

// Tick is one real-time price/volume update for an instrument.
type Tick struct {
	ScripCode int
	Open      float64
	High      float64
	Low       float64
	Close     float64
	LastQty   int
	ChangePct float64
	Timestamp time.Time
}

// OrderEvent is one order-status update from the feed.
type OrderEvent struct {
	ScripCode     int
	RemoteOrderID string // correlation tag
	ExchOrderID   string
	Status        string
	Price         float64
	Qty           int
}

// IsStopLoss reports whether the event belongs to the stop-loss order family.
func (e OrderEvent) IsStopLoss() bool {
	return hasPrefix(e.RemoteOrderID, StopLossPrefix)
}

// IsSquareOff reports whether the event belongs to the square-off order family.
func (e OrderEvent) IsSquareOff() bool {
	return hasPrefix(e.RemoteOrderID, SquareOffPrefix)
}

// IsFresh reports whether the event belongs to an entry order, i.e. neither a
// stop-loss nor a square-off order.
func (e OrderEvent) IsFresh() bool {
	return !e.IsStopLoss() && !e.IsSquareOff()
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Leg is one instrument within a multi-leg strategy, carrying the last price
// observed when the legs were selected.
type Leg struct {
	Instrument Instrument
	LastPrice  float64
}

// ExecutedLeg tracks the fill and running PnL of one leg. Created on the
// first fully-executed fresh order for the instrument; updated on every
// subsequent tick.
type ExecutedLeg struct {
	Instrument Instrument `json:"instrument"`
	AvgPrice   float64    `json:"avg_price"`
	Qty        int        `json:"qty"`
	LTP        float64    `json:"ltp"`
	PnL        float64    `json:"pnl"`
}

// StopLossAggregate accumulates the fragmented fills of one instrument under
// a single tag so that a single stop-loss order covers the whole position.
type StopLossAggregate struct {
	ScripCode    int
	Qty          int
	Premium      float64 // sum of rate*qty over all fills
	AvgPrice     float64 // Premium / Qty
	TriggerPrice float64
	LimitPrice   float64
	MaxLoss      float64
}

// Fill is one fully-executed order reported by the broker for a tag.
type Fill struct {
	ScripCode int
	Qty       int
	Rate      float64
	Side      string
	Segment   string
	Intraday  bool
	Name      string
}

// Contract is one entry of an option-chain snapshot.
type Contract struct {
	ScripCode int
	Name      string
	Strike    float64
	CPType    string // "CE" or "PE"
	LastRate  float64
}

// StrikePair is the call/put pair produced by the strike selector.
type StrikePair struct {
	Call Contract
	Put  Contract
}

// Instruments returns the pair as feed instruments on the given exchange.
func (p StrikePair) Instruments(exchange, segment string) []Instrument {
	return []Instrument{
		{Exchange: exchange, Segment: segment, ScripCode: p.Call.ScripCode, Name: p.Call.Name},
		{Exchange: exchange, Segment: segment, ScripCode: p.Put.ScripCode, Name: p.Put.Name},
	}
}

// Premium returns the combined last-traded premium of both legs.
func (p StrikePair) Premium() float64 {
	return p.Call.LastRate + p.Put.LastRate
}
