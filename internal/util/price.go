// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// StopLossTrigger floors avgPrice scaled by factor to whole rupees. The
// floor keeps the trigger conservative for short premium.
func StopLossTrigger(avgPrice, factor float64) float64 {
	return math.Floor(avgPrice * factor)
}

// StopLossLimit is the limit price paired with a trigger: half a rupee of
// slippage room above it.
func StopLossLimit(trigger float64) float64 {
	return trigger + 0.5
}

// SquareOffPrice pads ltp with slippage in the direction of the given side
// and rounds to the exchange tick, so exit limits cross the spread.
func SquareOffPrice(ltp, slippage, tick float64, buying bool) float64 {
	if buying {
		return RoundToTick(ltp+slippage, tick)
	}
	return RoundToTick(ltp-slippage, tick)
}
