// Package indicator provides streaming technical indicators over a price
// series. Each update is O(1).
package indicator

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the indicator name (e.g. "SMA_20").
	Name() string

	// Update feeds the next price and recalculates.
	Update(price float64)

	// Value returns the current value, 0 until Ready.
	Value() float64

	// Ready reports whether enough prices have been seen.
	Ready() bool

	// Peek returns what Value would be after Update(price) without
	// changing any state.
	Peek(price float64) float64
}
