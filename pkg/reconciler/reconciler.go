// Package reconciler runs the periodic maintenance loop: stale
// partition operations, stalled clone sessions, certificate sweeps,
// and retention purges.
package reconciler

import (
	"context"
	"time"

	"github.com/pureboot/pureboot/pkg/clone"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/metrics"
	"github.com/pureboot/pureboot/pkg/partition"
)

// Reconciler drives the background maintenance cycle.
type Reconciler struct {
	clones   *clone.Manager
	queue    *partition.Queue
	interval time.Duration
	stopCh   chan struct{}
}

// New creates a Reconciler ticking at the given interval.
func New(clones *clone.Manager, queue *partition.Queue, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		clones:   clones,
		queue:    queue,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one maintenance cycle. Each task is independent;
// one failing never blocks the others.
func (r *Reconciler) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	if recovered := r.queue.RecoverStale(ctx); recovered > 0 {
		metrics.OperationsRecovered.Add(float64(recovered))
	}
	r.queue.Purge(ctx)

	if expired := r.clones.ExpireStalled(ctx); expired > 0 {
		log.WithComponent("reconciler").Warn().Int("count", expired).Msg("stalled clone sessions failed")
	}
	r.clones.SweepCerts()
}
