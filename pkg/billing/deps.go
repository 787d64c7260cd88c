package billing

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Deps are the collaborators shared by the billing components
type Deps struct {
	Store    Store
	Gateway  PaymentGateway
	Notifier Notifier
	Clock    clockwork.Clock
	Logger   logrus.FieldLogger
	Locker   Locker
	Metrics  MetricsRecorder
	Prices   PriceSource
	Policy   *Policy
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Locker == nil {
		d.Locker = nopLocker{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Prices == nil {
		d.Prices = DefaultPricing()
	}
	if d.Policy == nil {
		p := DefaultPolicy()
		d.Policy = &p
	}
	if d.Notifier == nil {
		d.Notifier = discardNotifier{}
	}
	return d
}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, int64, string, map[string]any) error { return nil }
