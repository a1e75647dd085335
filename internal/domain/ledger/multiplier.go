package ledger

import (
	"fmt"
	"math"
	"strconv"
)

// Multiplier is a non-negative factor in thousandths: 1000 is 1.0, 1100 is 1.1.
// Fixed-point keeps round(base × multiplier) exact.
type Multiplier int64

// One is the neutral multiplier.
const One Multiplier = 1000

// MultiplierFromFloat converts a decimal factor, rounding to the nearest thousandth.
func MultiplierFromFloat(f float64) Multiplier {
	return Multiplier(math.Round(f * 1000))
}

// Float returns the factor as a float64.
func (m Multiplier) Float() float64 {
	return float64(m) / 1000
}

// Apply returns round(base × m), rounding halves away from zero.
func (m Multiplier) Apply(base int64) int64 {
	return roundDiv(base*int64(m), 1000)
}

// Mul composes two multipliers.
func (m Multiplier) Mul(other Multiplier) Multiplier {
	return Multiplier(roundDiv(int64(m)*int64(other), 1000))
}

// Min returns the smaller of m and other.
func (m Multiplier) Min(other Multiplier) Multiplier {
	if other < m {
		return other
	}
	return m
}

func (m Multiplier) String() string {
	return fmt.Sprintf("%d.%03d", int64(m)/1000, int64(m)%1000)
}

// MarshalJSON encodes the factor as a decimal number (1.1, not 1100).
func (m Multiplier) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(m.Float(), 'f', -1, 64)), nil
}

// UnmarshalJSON decodes a decimal factor.
func (m *Multiplier) UnmarshalJSON(data []byte) error {
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("multiplier: %w", err)
	}
	if f < 0 {
		return fmt.Errorf("multiplier: negative factor %v", f)
	}
	*m = MultiplierFromFloat(f)
	return nil
}

func roundDiv(num, den int64) int64 {
	if num >= 0 {
		return (num + den/2) / den
	}
	return -((-num + den/2) / den)
}
