package entity

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of decimal places between major and minor
// units (cents).
const MinorUnitExponent = 2

// MinorUnitsPerMajor is the number of minor units in one major unit.
const MinorUnitsPerMajor = 100

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// ToMinorUnits converts a major-unit amount to integer minor units, rounding
// half away from zero. The store's sum query rounds identically, per order.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	minor := amount.Shift(MinorUnitExponent).Round(0)
	if minor.GreaterThan(maxMinor) || minor.LessThan(minMinor) {
		return 0, fmt.Errorf("%w: %s", ErrAmountOverflow, amount.String())
	}
	return minor.IntPart(), nil
}

// FromMinorUnits converts integer minor units back to major units.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -MinorUnitExponent)
}

// FormatMinorUnits renders minor units as a fixed two-decimal major-unit string.
func FormatMinorUnits(minor int64) string {
	return FromMinorUnits(minor).StringFixed(MinorUnitExponent)
}
