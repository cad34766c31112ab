package metrics

import (
	"context"
	"time"

	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

// Collector periodically refreshes fleet gauges from the store.
type Collector struct {
	store    storage.Store
	liveCert func() int
	stopCh   chan struct{}
}

// NewCollector creates a Collector. liveCert reports the number of
// sessions with certificate material in memory; nil disables the gauge.
func NewCollector(store storage.Store, liveCert func() int) *Collector {
	return &Collector{
		store:    store,
		liveCert: liveCert,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting every 15 seconds.
func (c *Collector) Start() {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if stats, err := c.store.NodeStats(ctx); err == nil {
		NodesTotal.Reset()
		for state, count := range stats.ByState {
			NodesTotal.WithLabelValues(state).Set(float64(count))
		}
	} else {
		log.WithComponent("metrics").Warn().Err(err).Msg("failed to collect node stats")
	}

	if sessions, err := c.store.ListSessions(ctx); err == nil {
		counts := make(map[types.SessionStatus]int)
		SessionBytesTransferred.Reset()
		for _, s := range sessions {
			counts[s.Status]++
			if !s.Status.Terminal() {
				SessionBytesTransferred.WithLabelValues(s.ID, "source").Set(float64(s.SourceBytes))
				SessionBytesTransferred.WithLabelValues(s.ID, "target").Set(float64(s.TargetBytes))
			}
		}
		SessionsTotal.Reset()
		for status, count := range counts {
			SessionsTotal.WithLabelValues(string(status)).Set(float64(count))
		}
	}

	if c.liveCert != nil {
		CertificatesLive.Set(float64(c.liveCert()))
	}
}
