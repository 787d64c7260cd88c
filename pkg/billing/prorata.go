package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// AdjustmentKind says whether a pro-rata adjustment is owed by or to the customer
type AdjustmentKind string

const (
	AdjustmentCharge AdjustmentKind = "charge"
	AdjustmentCredit AdjustmentKind = "credit"
	AdjustmentNone   AdjustmentKind = "none"
)

// Adjustment is a pro-rata amount for a mid-period change
type Adjustment struct {
	Kind           AdjustmentKind `json:"kind"`
	AmountCents    int64          `json:"amount_cents"`
	UnitPriceCents int64          `json:"unit_price_cents"`
	Units          int            `json:"units"`
	Days           int            `json:"days"`
	DaysInMonth    int            `json:"days_in_month"`
}

// ProRataCalculator computes partial month amounts. Results are rounded half
// up to whole cents.
type ProRataCalculator struct{}

// NewProRataCalculator creates a ProRataCalculator
func NewProRataCalculator() *ProRataCalculator {
	return &ProRataCalculator{}
}

// Charge is the amount for the days from at until periodEnd
func (c *ProRataCalculator) Charge(unitPriceCents int64, at, periodEnd time.Time) Adjustment {
	dim := DaysInMonth(at)
	days := clampDays(DaysBetween(at, periodEnd), dim)
	return Adjustment{
		Kind:           AdjustmentCharge,
		AmountCents:    prorate(unitPriceCents, days, dim),
		UnitPriceCents: unitPriceCents,
		Units:          1,
		Days:           days,
		DaysInMonth:    dim,
	}
}

// Credit is the amount for the days of the period already used by at,
// counted from periodStart
func (c *ProRataCalculator) Credit(unitPriceCents int64, at, periodStart time.Time) Adjustment {
	dim := DaysInMonth(at)
	used := clampDays(DaysBetween(periodStart, at), dim)
	return Adjustment{
		Kind:           AdjustmentCredit,
		AmountCents:    prorate(unitPriceCents, used, dim),
		UnitPriceCents: unitPriceCents,
		Units:          1,
		Days:           used,
		DaysInMonth:    dim,
	}
}

// Scale multiplies a single unit adjustment by units
func (a Adjustment) Scale(units int) Adjustment {
	if units < 0 {
		units = -units
	}
	a.AmountCents *= int64(units)
	a.Units = units
	if units == 0 {
		a.Kind = AdjustmentNone
	}
	return a
}

func prorate(unit int64, days, daysInMonth int) int64 {
	if daysInMonth <= 0 {
		return 0
	}
	return decimal.NewFromInt(unit).
		Mul(decimal.NewFromInt(int64(days))).
		Div(decimal.NewFromInt(int64(daysInMonth))).
		Round(0).
		IntPart()
}

func clampDays(days, max int) int {
	if days < 0 {
		return 0
	}
	if days > max {
		return max
	}
	return days
}
