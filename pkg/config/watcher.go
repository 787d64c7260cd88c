package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/recur/pkg/billing"
)

// LivePrices is a billing.PriceSource that can be swapped while running
type LivePrices struct {
	current atomic.Pointer[billing.Pricing]
}

// NewLivePrices creates a LivePrices starting at initial
func NewLivePrices(initial billing.Pricing) *LivePrices {
	lp := &LivePrices{}
	lp.Set(initial)
	return lp
}

// Current implements billing.PriceSource
func (lp *LivePrices) Current() billing.Pricing {
	return *lp.current.Load()
}

// Set replaces the price list
func (lp *LivePrices) Set(p billing.Pricing) {
	lp.current.Store(&p)
}

// WatchBillingFile reloads prices from path whenever it changes until ctx
// is done. Invalid edits are logged and the previous prices stay in effect.
// The parent directory is watched so editors that replace the file are
// picked up.
func WatchBillingFile(ctx context.Context, path string, prices *LivePrices, logger logrus.FieldLogger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	log := logger.WithField("file", path)
	log.Info("Watching billing file for price changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if info, err := os.Stat(path); err != nil || info.Size() == 0 {
				// truncated mid-write; the following write event reloads it
				continue
			}
			file, err := LoadBillingFile(path)
			if err != nil {
				log.WithError(err).Warn("Ignoring invalid billing file")
				continue
			}
			prices.Set(file.Pricing)
			log.WithField("currency", file.Pricing.Currency).Info("Reloaded prices")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("Billing file watcher error")
		}
	}
}
