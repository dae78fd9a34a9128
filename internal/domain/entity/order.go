// Package entity contains the domain entities of the notional aggregator.
package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the maximum number of fractional digits accepted for money
// fields. It matches the NUMERIC(20,4) columns of the orders table.
const PriceScale = 4

// PricePrecision is the total number of digits of the money columns.
const PricePrecision = 20

// maxMoney is the smallest magnitude a NUMERIC(20,4) column rejects.
var maxMoney = decimal.New(1, PricePrecision-PriceScale)

var (
	// ErrInvalidOrder is the parent of every order validation error.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrPricePrecision is returned when a money field carries more digits
	// than the store can represent.
	ErrPricePrecision = fmt.Errorf("%w: precision exceeds NUMERIC(%d,%d)", ErrInvalidOrder, PricePrecision, PriceScale)

	// ErrAmountOverflow is returned when an amount does not fit in int64 minor units.
	ErrAmountOverflow = fmt.Errorf("%w: amount overflows minor units", ErrInvalidOrder)
)

// Side is the direction of an order: Buy = +1, Sell = -1.
type Side int8

const (
	SideBuy  Side = 1
	SideSell Side = -1
)

// String returns the lower-case side name.
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return fmt.Sprintf("side(%d)", int8(s))
	}
}

// IsValid reports whether s is Buy or Sell.
func (s Side) IsValid() bool {
	return s == SideBuy || s == SideSell
}

// MarshalText encodes the side as "buy" or "sell".
func (s Side) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("%w: unknown side %d", ErrInvalidOrder, int8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText accepts "buy"/"sell" (any case) as well as "1"/"-1".
func (s *Side) UnmarshalText(text []byte) error {
	side, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// ParseSide parses a side name or its signed numeric value.
func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy", "1", "+1":
		return SideBuy, nil
	case "sell", "-1":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, raw)
	}
}

// Order is one trade order as held by the record store.
type Order struct {
	ID     int64           `json:"id"`
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"` // major units
	Qty    int64           `json:"qty"`
	Side   Side            `json:"side"`

	// Optional money fields, zero when not applicable.
	Commission decimal.Decimal `json:"commission"`
	Fees       decimal.Decimal `json:"fees"`
	Tax        decimal.Decimal `json:"tax"`

	Venue        string    `json:"venue"`
	Account      string    `json:"account"`
	TimestampUTC time.Time `json:"timestampUtc"`
}

// Amount returns Price × Qty in major units. It is derived and never persisted.
func (o *Order) Amount() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Qty))
}

// AmountMinor returns Amount converted to integer minor units.
func (o *Order) AmountMinor() (int64, error) {
	return ToMinorUnits(o.Amount())
}

// Validate checks the order invariants.
func (o *Order) Validate() error {
	if o.ID <= 0 {
		return fmt.Errorf("%w: id must be positive, got %d", ErrInvalidOrder, o.ID)
	}
	if o.Qty < 0 {
		return fmt.Errorf("%w: qty must be non-negative, got %d", ErrInvalidOrder, o.Qty)
	}
	if o.Price.IsNegative() {
		return fmt.Errorf("%w: price must be non-negative, got %s", ErrInvalidOrder, o.Price)
	}
	if !o.Side.IsValid() {
		return fmt.Errorf("%w: unknown side %d", ErrInvalidOrder, int8(o.Side))
	}
	for name, v := range map[string]decimal.Decimal{
		"price":      o.Price,
		"commission": o.Commission,
		"fees":       o.Fees,
		"tax":        o.Tax,
	} {
		if !fitsScale(v) {
			return fmt.Errorf("%w: %s=%s", ErrPricePrecision, name, v)
		}
	}
	if _, err := o.AmountMinor(); err != nil {
		return err
	}
	return nil
}

// Normalize fills defaults: a zero timestamp becomes now, and timestamps are
// converted to UTC.
func (o *Order) Normalize(now time.Time) {
	if o.TimestampUTC.IsZero() {
		o.TimestampUTC = now
	}
	o.TimestampUTC = o.TimestampUTC.UTC()
}

// Clone returns a copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

func fitsScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(PriceScale)) && d.Abs().LessThan(maxMoney)
}
