package executor

import "math"

// Signal is one cycle's view of a symbol: a conviction score in [-1, 1]
// (sign is direction, magnitude is strength) plus the inputs sizing needs.
type Signal struct {
	Symbol     string
	Score      float64
	Price      float64
	Volatility float64 // annualized, used by volatility-scaled sizing
}

// Sizer converts a signal into a target position quantity
type Sizer interface {
	// TargetQuantity returns the desired signed position size for the
	// signal given current equity. Positive is long, negative is short.
	TargetQuantity(signal Signal, equity float64) float64
}

// FixedFraction sizes every full-conviction position to a fixed fraction of
// equity, scaled linearly by signal strength.
type FixedFraction struct {
	// Fraction of equity allocated at |score| == 1.
	Fraction float64
}

// TargetQuantity implements Sizer
func (f FixedFraction) TargetQuantity(signal Signal, equity float64) float64 {
	if signal.Price <= 0 || equity <= 0 {
		return 0
	}
	notional := equity * f.Fraction * signal.Score
	return notional / signal.Price
}

// VolatilityScaled sizes positions inversely to realized volatility so each
// position contributes roughly the target volatility. Symbols reporting no
// volatility fall back to the base fraction.
type VolatilityScaled struct {
	// BaseFraction of equity allocated at |score| == 1 before scaling.
	BaseFraction float64
	// TargetVol is the annualized volatility each position is scaled to.
	TargetVol float64
	// MaxFraction caps the scaled allocation for quiet symbols.
	MaxFraction float64
}

// TargetQuantity implements Sizer
func (v VolatilityScaled) TargetQuantity(signal Signal, equity float64) float64 {
	if signal.Price <= 0 || equity <= 0 {
		return 0
	}
	fraction := v.BaseFraction
	if signal.Volatility > 0 {
		fraction = v.BaseFraction * (v.TargetVol / signal.Volatility)
	}
	if v.MaxFraction > 0 {
		fraction = math.Min(fraction, v.MaxFraction)
	}
	notional := equity * fraction * signal.Score
	return notional / signal.Price
}
