package billing

import (
	"errors"
	"fmt"
	"time"
)

// Policy holds the dunning thresholds. Day values count calendar days from
// the relevant anchor date.
type Policy struct {
	// InvoiceDueDays is the gap between invoice date and due date
	InvoiceDueDays int `yaml:"invoice_due_days"`

	// RetryDays are the days after the schedule anchor on which a retry runs
	RetryDays []int `yaml:"retry_days"`

	// MaxRetryAttempt is the highest pending attempt number that is still retried
	MaxRetryAttempt int `yaml:"max_retry_attempt"`

	// GraceAfterAttempts starts the grace period once a failure reaches this attempt
	GraceAfterAttempts int `yaml:"grace_after_attempts"`

	GraceNoticeDays []int `yaml:"grace_notice_days"`
	GraceDays       int   `yaml:"grace_days"`

	FinalWarningFromDay int `yaml:"final_warning_from_day"`
	DeletionDay         int `yaml:"deletion_day"`

	GatewayTimeout time.Duration `yaml:"gateway_timeout"`
	LockTTL        time.Duration `yaml:"lock_ttl"`
	RunLockTTL     time.Duration `yaml:"run_lock_ttl"`
}

// DefaultPolicy returns the standard dunning schedule
func DefaultPolicy() Policy {
	return Policy{
		InvoiceDueDays:      7,
		RetryDays:           []int{1, 2, 4, 6},
		MaxRetryAttempt:     4,
		GraceAfterAttempts:  3,
		GraceNoticeDays:     []int{1, 3, 5},
		GraceDays:           7,
		FinalWarningFromDay: 30,
		DeletionDay:         37,
		GatewayTimeout:      30 * time.Second,
		LockTTL:             time.Minute,
		RunLockTTL:          30 * time.Minute,
	}
}

// Validate checks the policy is internally consistent
func (p Policy) Validate() error {
	if p.InvoiceDueDays < 0 {
		return errors.New("invoice due days must not be negative")
	}
	if len(p.RetryDays) == 0 {
		return errors.New("at least one retry day is required")
	}
	for i, d := range p.RetryDays {
		if d <= 0 || (i > 0 && d <= p.RetryDays[i-1]) {
			return fmt.Errorf("retry days must be positive and increasing: %v", p.RetryDays)
		}
	}
	if p.MaxRetryAttempt < 1 {
		return errors.New("max retry attempt must be at least 1")
	}
	if p.GraceAfterAttempts < 1 {
		return errors.New("grace after attempts must be at least 1")
	}
	if p.GraceDays < 1 {
		return errors.New("grace days must be at least 1")
	}
	if p.FinalWarningFromDay >= p.DeletionDay {
		return fmt.Errorf("final warnings (day %d) must start before deletion (day %d)", p.FinalWarningFromDay, p.DeletionDay)
	}
	if p.GatewayTimeout <= 0 {
		return errors.New("gateway timeout must be positive")
	}
	return nil
}

// IsRetryDay reports whether days since the anchor is a scheduled retry day
func (p Policy) IsRetryDay(days int) bool {
	return containsDay(p.RetryDays, days)
}

// IsGraceNoticeDay reports whether a grace notice is due on this day of grace
func (p Policy) IsGraceNoticeDay(days int) bool {
	return containsDay(p.GraceNoticeDays, days)
}

// GraceTemplate returns the notification template for a grace day
func (p Policy) GraceTemplate(days int) string {
	switch days {
	case 1:
		return TemplateGraceDay1
	case 3:
		return TemplateGraceDay3
	case 5:
		return TemplateGraceDay5
	}
	return fmt.Sprintf("grace_period_day_%d", days)
}

func containsDay(days []int, d int) bool {
	for _, v := range days {
		if v == d {
			return true
		}
	}
	return false
}

// Pricing holds monthly prices in cents
type Pricing struct {
	Currency string `yaml:"currency"`

	// UnitPriceCents is the per user price for seat based tiers and the
	// flat price for basecamp
	UnitPriceCents map[Tier]int64 `yaml:"unit_price_cents"`
}

// DefaultPricing returns the standard price list
func DefaultPricing() Pricing {
	return Pricing{
		Currency: "usd",
		UnitPriceCents: map[Tier]int64{
			TierBasecamp: 1000,
			TierSpark:    1000,
			TierMomentum: 1500,
			TierVision:   2000,
		},
	}
}

// Current lets a static Pricing serve as a PriceSource
func (p Pricing) Current() Pricing {
	return p
}

// UnitPrice returns the price of one seat (or the flat price) for tier
func (p Pricing) UnitPrice(tier Tier) (int64, error) {
	price, ok := p.UnitPriceCents[tier]
	if !ok {
		return 0, fmt.Errorf("no price configured for tier %q", tier)
	}
	return price, nil
}

// InvoiceAmount returns the monthly amount for a subscription
func (p Pricing) InvoiceAmount(sub *Subscription) (int64, error) {
	unit, err := p.UnitPrice(sub.Tier)
	if err != nil {
		return 0, err
	}
	return unit * int64(sub.EffectiveUserCount()), nil
}

// Validate checks every tier has a non-negative price
func (p Pricing) Validate() error {
	if p.Currency == "" {
		return errors.New("currency is required")
	}
	for _, tier := range []Tier{TierBasecamp, TierSpark, TierMomentum, TierVision} {
		price, ok := p.UnitPriceCents[tier]
		if !ok {
			return fmt.Errorf("missing price for tier %q", tier)
		}
		if price < 0 {
			return fmt.Errorf("negative price for tier %q", tier)
		}
	}
	return nil
}
