package orders

import "errors"

var (
	// ErrNoFillsYet is returned when the tradebook has no fully-executed
	// orders for the tag. Usually a visibility lag, worth retrying.
	ErrNoFillsYet = errors.New("orders: no executed orders for tag yet")
	// ErrEmptyOrderBook is returned when the order book comes back empty
	// while square-off orders should still be visible.
	ErrEmptyOrderBook = errors.New("orders: order book empty")
	// ErrSquareOffIncomplete is returned when square-off orders are still
	// open after the polling budget is exhausted.
	ErrSquareOffIncomplete = errors.New("orders: square-off orders still open")
	// ErrBrokerRejected is returned when the broker refuses an order.
	ErrBrokerRejected = errors.New("orders: broker rejected order")
)
