// Package reaper implements the stuck-saga sweeper from §4.4: a periodic
// scan over active sagas whose updated_at has gone stale, surfaced for
// an operator to look at. It never mutates saga state — this is
// observability only, never an auto-cancel.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/shipsaga/fulfillment/infrastructure/sagastore"
)

// Reaper periodically lists active sagas and logs the ones stuck past
// threshold.
type Reaper struct {
	store     sagastore.Store
	threshold time.Duration
	interval  time.Duration
	batch     int
}

// New builds a Reaper. threshold is T_stuck; interval is how often the
// sweep runs; batch bounds how many active sagas are inspected per sweep.
func New(store sagastore.Store, threshold, interval time.Duration, batch int) *Reaper {
	return &Reaper{store: store, threshold: threshold, interval: interval, batch: batch}
}

// Start runs the sweep on a ticker until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("reaper: started, sweeping every %s for sagas stuck past %s", r.interval, r.threshold)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				log.Printf("reaper: sweep failed: %v", err)
			}
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) error {
	active, err := r.store.ListActive(ctx, r.batch)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-r.threshold)
	var stuck int
	for _, instance := range active {
		if instance.UpdatedAt.Before(cutoff) {
			stuck++
			log.Printf("reaper: saga %s (shipment %s, status %s) has not progressed since %s",
				instance.SagaID, instance.ShipmentID, instance.Status, instance.UpdatedAt.Format(time.RFC3339))
		}
	}
	if stuck > 0 {
		log.Printf("reaper: %d/%d active sagas stuck past %s", stuck, len(active), r.threshold)
	}
	return nil
}
