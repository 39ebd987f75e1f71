package domain

import (
	"fmt"
	"math"
	"strconv"
)

// Money is an amount in integer cents. Costs are never stored as binary
// floats; conversion to currency units happens only at the JSON boundary.
type Money int64

// MoneyFromFloat rounds a currency-unit amount half away from zero to cents.
func MoneyFromFloat(amount float64) Money {
	return Money(math.Round(amount * 100))
}

// Float64 returns the amount in currency units.
func (m Money) Float64() float64 {
	return float64(m) / 100
}

func (m Money) String() string {
	return strconv.FormatFloat(m.Float64(), 'f', 2, 64)
}

// MarshalJSON renders the amount in currency units with two decimals,
// e.g. 5400 cents -> 54.00.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Money) UnmarshalJSON(data []byte) error {
	amount, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid money amount %q: %w", string(data), err)
	}
	*m = MoneyFromFloat(amount)
	return nil
}
