// Package strikes selects option strikes off a live option-chain snapshot.
package strikes

import (
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"time"

	"github.com/P0W/option-strategies/internal/broker"
	"github.com/P0W/option-strategies/internal/models"
)

// ErrNoStrikes is returned when the option chain has no usable pair for the
// requested selection.
var ErrNoStrikes = errors.New("strikes: no matching strikes in chain")

// Selector picks strikes from the broker's option chain.
type Selector struct {
	client broker.Client
	logger *log.Logger
}

// NewSelector creates a strike selector.
func NewSelector(client broker.Client, logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.New(os.Stdout, "strikes: ", log.LstdFlags)
	}
	return &Selector{client: client, logger: logger}
}

// CurrentExpiry returns the nearest expiry not already in the past.
func (s *Selector) CurrentExpiry(exchange, symbol string) (time.Time, error) {
	expiries, err := s.client.GetExpiry(exchange, symbol)
	if err != nil {
		return time.Time{}, fmt.Errorf("fetching expiries for %s: %w", symbol, err)
	}
	today := time.Now().Truncate(24 * time.Hour)
	var nearest time.Time
	for _, e := range expiries {
		if e.Before(today) {
			continue
		}
		if nearest.IsZero() || e.Before(nearest) {
			nearest = e
		}
	}
	if nearest.IsZero() {
		return time.Time{}, fmt.Errorf("strikes: no upcoming expiry for %s", symbol)
	}
	return nearest, nil
}

// StraddleStrikes picks the strike whose call and put premiums are closest
// to each other, i.e. the synthetic at-the-money strike.
func (s *Selector) StraddleStrikes(exchange, symbol string, expiry time.Time) (models.StrikePair, error) {
	chain, err := s.client.GetOptionChain(exchange, symbol, expiry)
	if err != nil {
		return models.StrikePair{}, fmt.Errorf("fetching option chain for %s: %w", symbol, err)
	}
	calls := make(map[float64]models.Contract)
	puts := make(map[float64]models.Contract)
	for _, c := range chain {
		if c.LastRate <= 0 {
			continue
		}
		switch c.CPType {
		case "CE":
			calls[c.Strike] = c
		case "PE":
			puts[c.Strike] = c
		}
	}

	minDiff := math.Inf(1)
	var pair models.StrikePair
	for strike, ce := range calls {
		pe, ok := puts[strike]
		if !ok {
			continue
		}
		diff := math.Abs(ce.LastRate - pe.LastRate)
		if diff < minDiff {
			minDiff = diff
			pair = models.StrikePair{Call: ce, Put: pe}
		}
	}
	if math.IsInf(minDiff, 1) {
		return models.StrikePair{}, ErrNoStrikes
	}
	s.logger.Printf("straddle %s: strike=%.0f ce=%.2f pe=%.2f spread=%.2f",
		symbol, pair.Call.Strike, pair.Call.LastRate, pair.Put.LastRate, minDiff)
	return pair, nil
}

// StrangleStrikes picks, per side, the contract whose premium sits closest
// above closestPremium. Contracts below the threshold are skipped so the
// short never collects less than the target premium per leg.
func (s *Selector) StrangleStrikes(exchange, symbol string, expiry time.Time, closestPremium float64) (models.StrikePair, error) {
	chain, err := s.client.GetOptionChain(exchange, symbol, expiry)
	if err != nil {
		return models.StrikePair{}, fmt.Errorf("fetching option chain for %s: %w", symbol, err)
	}
	minCEDiff := math.Inf(1)
	minPEDiff := math.Inf(1)
	var pair models.StrikePair
	for _, c := range chain {
		if c.LastRate < closestPremium {
			continue
		}
		diff := c.LastRate - closestPremium
		switch c.CPType {
		case "CE":
			if diff < minCEDiff {
				minCEDiff = diff
				pair.Call = c
			}
		case "PE":
			if diff < minPEDiff {
				minPEDiff = diff
				pair.Put = c
			}
		}
	}
	if math.IsInf(minCEDiff, 1) || math.IsInf(minPEDiff, 1) {
		return models.StrikePair{}, ErrNoStrikes
	}
	s.logger.Printf("strangle %s: ce %s @ %.2f, pe %s @ %.2f (target %.2f)",
		symbol, pair.Call.Name, pair.Call.LastRate, pair.Put.Name, pair.Put.LastRate, closestPremium)
	return pair, nil
}

// IndexSpots returns the last traded price of the reserved indices, keyed by
// scrip code. Index depth is served off the derivative segment.
func (s *Selector) IndexSpots(exchange string) (map[int]float64, error) {
	instruments := []models.Instrument{
		{Exchange: exchange, Segment: models.SegmentDerivative, ScripCode: models.NiftyIndex, Name: "NIFTY"},
		{Exchange: exchange, Segment: models.SegmentDerivative, ScripCode: models.BankNiftyIndex, Name: "BANKNIFTY"},
		{Exchange: exchange, Segment: models.SegmentDerivative, ScripCode: models.IndiaVixIndex, Name: "INDIAVIX"},
	}
	spots, err := s.client.FetchMarketDepth(instruments)
	if err != nil {
		return nil, fmt.Errorf("fetching index depth: %w", err)
	}
	return spots, nil
}

// Vix returns the current India VIX level.
func (s *Selector) Vix(exchange string) (float64, error) {
	spots, err := s.IndexSpots(exchange)
	if err != nil {
		return 0, err
	}
	vix, ok := spots[models.IndiaVixIndex]
	if !ok {
		return 0, errors.New("strikes: vix not present in depth reply")
	}
	return vix, nil
}
