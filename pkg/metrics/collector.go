package metrics

import (
	"context"
	"time"

	"github.com/cuemby/workcoord/pkg/storage"
)

// Collector polls storage.Store on a ticker and feeds the backlog
// gauges, so /metrics reflects queue depth even between flushes.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector builds a Collector over store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins polling on a 15s interval, collecting once immediately.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts polling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectBacklog(ctx)
	c.collectInstances(ctx)
	c.collectStreams(ctx)
}

func (c *Collector) collectBacklog(ctx context.Context) {
	for _, queue := range []string{"outbox", "inbox"} {
		counts, err := c.store.CountByStatus(ctx, queue)
		if err != nil {
			continue
		}
		gauge := OutboxBacklog
		if queue == "inbox" {
			gauge = InboxBacklog
		}
		for status, n := range counts {
			gauge.WithLabelValues(statusLabel(status)).Set(float64(n))
		}
	}
}

func (c *Collector) collectInstances(ctx context.Context) {
	live, err := c.store.ListLiveInstances(ctx, 60*time.Second)
	if err != nil {
		return
	}
	ActiveInstances.Set(float64(len(live)))
}

func (c *Collector) collectStreams(ctx context.Context) {
	n, err := c.store.ActiveStreamCount(ctx)
	if err != nil {
		return
	}
	ActiveStreams.Set(float64(n))
}

func statusLabel(s storage.Status) string {
	switch {
	case s.Has(storage.StatusFailed):
		return "failed"
	case s.Has(storage.StatusPublished):
		return "published"
	case s.Has(storage.StatusEventStored):
		return "event_stored"
	case s.Has(storage.StatusStored):
		return "stored"
	default:
		return "unknown"
	}
}
