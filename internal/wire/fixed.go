package wire

import (
	"math"

	"github.com/shopspring/decimal"
)

// FractionScale is the number of fractional units per whole price unit.
const FractionScale = 1_000_000_000

// Fixed is a price split into an integer part and a fraction in billionths.
// Both parts carry the sign of the price.
type Fixed struct {
	Int  int64
	Frac int32
}

// FromFloat truncates p to its integer part and rounds the remainder to
// the nearest billionth.
func FromFloat(p float64) Fixed {
	ip := math.Trunc(p)
	return normalize(int64(ip), int64(math.Round((p-ip)*FractionScale)))
}

// FromDecimal is FromFloat without the binary floating-point detour.
func FromDecimal(d decimal.Decimal) Fixed {
	ip := d.Truncate(0)
	frac := d.Sub(ip).Shift(9).Round(0)
	return normalize(ip.IntPart(), frac.IntPart())
}

// a remainder such as 0.9999999999 rounds up to a whole unit.
func normalize(i, frac int64) Fixed {
	switch {
	case frac >= FractionScale:
		i++
		frac -= FractionScale
	case frac <= -FractionScale:
		i--
		frac += FractionScale
	}
	return Fixed{Int: i, Frac: int32(frac)}
}

// Float64 reconstructs the price.
func (f Fixed) Float64() float64 {
	return float64(f.Int) + float64(f.Frac)/FractionScale
}

// Decimal reconstructs the price exactly.
func (f Fixed) Decimal() decimal.Decimal {
	return decimal.New(f.Int, 0).Add(decimal.New(int64(f.Frac), -9))
}
