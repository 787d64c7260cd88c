package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProRataCalculator_Charge(t *testing.T) {
	c := NewProRataCalculator()

	tests := []struct {
		name string
		unit int64
		at   string
		end  string
		want int64
		days int
	}{
		{"half of april", 1000, "2024-04-16", "2024-05-01", 500, 15},
		{"first day of month", 1500, "2024-03-01", "2024-04-01", 1500, 31},
		{"last day of february leap", 2000, "2024-02-29", "2024-03-01", 69, 1}, // 68.97
		{"rounds to nearest cent", 1000, "2024-03-15", "2024-03-16", 32, 1},    // 32.26
		{"period already ended", 1000, "2024-03-20", "2024-03-01", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adj := c.Charge(tt.unit, mustDate(tt.at), mustDate(tt.end))
			assert.Equal(t, AdjustmentCharge, adj.Kind)
			assert.Equal(t, tt.want, adj.AmountCents)
			assert.Equal(t, tt.days, adj.Days)
		})
	}
}

func TestProRataCalculator_Credit(t *testing.T) {
	c := NewProRataCalculator()

	adj := c.Credit(1000, mustDate("2024-04-11"), mustDate("2024-04-01"))
	assert.Equal(t, AdjustmentCredit, adj.Kind)
	assert.Equal(t, 10, adj.Days)
	assert.Equal(t, 30, adj.DaysInMonth)
	assert.Equal(t, int64(333), adj.AmountCents) // 333.33

	adj = c.Credit(900, mustDate("2023-02-15"), mustDate("2023-02-01"))
	assert.Equal(t, int64(450), adj.AmountCents) // 14/28
}

func TestProRata_HalfUp(t *testing.T) {
	// 1 cent over two days of a 4 day month would be 0.5
	assert.Equal(t, int64(1), prorate(1, 2, 4))
	assert.Equal(t, int64(3), prorate(5, 1, 2))
	assert.Equal(t, int64(0), prorate(5, 1, 0))
}

func TestAdjustment_Scale(t *testing.T) {
	adj := Adjustment{Kind: AdjustmentCredit, AmountCents: 250, Units: 1}

	scaled := adj.Scale(-3)
	assert.Equal(t, int64(750), scaled.AmountCents)
	assert.Equal(t, 3, scaled.Units)
	assert.Equal(t, AdjustmentCredit, scaled.Kind)

	assert.Equal(t, AdjustmentNone, adj.Scale(0).Kind)
}
