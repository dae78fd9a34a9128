package entity

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToMinorUnits(t *testing.T) {
	tests := []struct {
		amount string
		want   int64
	}{
		{amount: "225", want: 22500},
		{amount: "25.00", want: 2500},
		{amount: "0.005", want: 1},
		{amount: "-0.005", want: -1},
		{amount: "0.0049", want: 0},
		{amount: "-40", want: -4000},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ToMinorUnits(decimal.RequireFromString(tt.amount))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestToMinorUnits_Overflow(t *testing.T) {
	_, err := ToMinorUnits(decimal.RequireFromString("92233720368547758.08"))
	if !errors.Is(err, ErrAmountOverflow) {
		t.Fatalf("expected ErrAmountOverflow, got %v", err)
	}
}

func TestFromMinorUnits(t *testing.T) {
	if got := FromMinorUnits(22500); !got.Equal(decimal.NewFromInt(225)) {
		t.Errorf("expected 225, got %s", got)
	}
	if got := FormatMinorUnits(2500); got != "25.00" {
		t.Errorf("expected 25.00, got %s", got)
	}
	if got := FormatMinorUnits(-7); got != "-0.07" {
		t.Errorf("expected -0.07, got %s", got)
	}
}
