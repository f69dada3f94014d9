package risk

import (
	"math"

	"ensemble-trader/pkg/types"
)

// kellyMinTrades is the closed-trade count below which Kelly statistics are
// considered unreliable and sizing falls back to fixed-fraction.
const kellyMinTrades = 10

// SizingInputs carries everything the sizer needs for one computation.
type SizingInputs struct {
	Equity float64
	Price  float64

	Method        types.SizingMethod
	Fraction      float64 // fixed-fraction of equity
	FixedUSD      float64 // fixed-amount size
	KellyFraction float64 // fraction of full Kelly to deploy

	// Trade statistics for Kelly.
	WinRate     float64
	AvgWin      float64 // average winning return, positive
	AvgLoss     float64 // average losing return, positive
	ClosedCount int

	MinUSD      float64
	MaxUSD      float64
	Leverage    int
	MaxLeverage int
}

// ComputeSize derives a position size in USD and the exchange quantity.
// Sizes above MaxUSD are capped; sizes below MinUSD return a zero size,
// meaning no trade. Leverage is capped at MaxLeverage.
func ComputeSize(in SizingInputs) types.PositionSize {
	lev := in.Leverage
	if in.MaxLeverage > 0 && lev > in.MaxLeverage {
		lev = in.MaxLeverage
	}
	if lev < 1 {
		lev = 1
	}

	method := in.Method
	var size, kellyF float64
	switch method {
	case types.SizeFixedAmount:
		size = in.FixedUSD
	case types.SizeKelly:
		size, kellyF = kellySize(in)
		if size == 0 {
			// Insufficient history; fall back.
			method = types.SizeFixedFraction
			size = in.Equity * in.Fraction
		}
	default:
		method = types.SizeFixedFraction
		size = in.Equity * in.Fraction
	}

	if in.MaxUSD > 0 && size > in.MaxUSD {
		size = in.MaxUSD
	}
	if size < in.MinUSD || in.Price <= 0 {
		return types.PositionSize{Method: method, Leverage: lev}
	}

	return types.PositionSize{
		Quantity:      size * float64(lev) / in.Price,
		SizeUSD:       size,
		Leverage:      lev,
		Method:        method,
		RiskPercent:   size / in.Equity,
		KellyFraction: kellyF,
	}
}

// kellySize returns equity·f*·kellyFraction, where f* is the Kelly optimum
// clamped to [0, 1]. Returns zero when statistics are insufficient.
func kellySize(in SizingInputs) (size, fStar float64) {
	if in.ClosedCount < kellyMinTrades || in.AvgLoss <= 0 || in.AvgWin <= 0 {
		return 0, 0
	}
	b := math.Abs(in.AvgWin / in.AvgLoss)
	fStar = (in.WinRate*b - (1 - in.WinRate)) / b
	fStar = math.Max(0, math.Min(1, fStar))
	return in.Equity * fStar * in.KellyFraction, fStar
}
