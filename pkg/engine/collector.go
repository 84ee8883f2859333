package engine

import (
	"context"
	"time"

	"github.com/twinsync/twinsync/pkg/fragment"
	"github.com/twinsync/twinsync/pkg/telemetry"
)

// CollectionReport summarizes one collection pass over all plugins.
type CollectionReport struct {
	// Collected lists domains whose collection succeeded.
	Collected []string

	// Stale lists domains whose collection failed. Their previous
	// observations were carried forward marked stale.
	Stale []string

	// Errors maps failed domains to their collection errors.
	Errors map[string]error
}

// Failed reports whether any domain failed to collect.
func (r *CollectionReport) Failed() bool {
	return len(r.Stale) > 0
}

// Collector runs every registered plugin's Collect and persists the
// resulting observed fragments. A plugin that fails or times out does
// not poison the pass: its last observation is preserved, marked stale,
// and collection moves on.
type Collector struct {
	registry *Registry
	store    *fragment.Store
	timeout  time.Duration
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
}

// NewCollector creates a collector over the given registry and fragment
// store. Each plugin's Collect runs under its own timeout.
func NewCollector(registry *Registry, store *fragment.Store, timeout time.Duration, logger *telemetry.Logger, metrics *telemetry.Metrics) *Collector {
	return &Collector{
		registry: registry,
		store:    store,
		timeout:  timeout,
		logger:   logger.NewComponentLogger("collector"),
		metrics:  metrics,
	}
}

// CollectAll runs every plugin in registration order and saves each
// observed fragment, overwriting the previous observation wholesale.
func (c *Collector) CollectAll(ctx context.Context) (*CollectionReport, error) {
	report := &CollectionReport{Errors: make(map[string]error)}

	for _, p := range c.registry.All() {
		domain := p.Domain()
		start := time.Now()

		frag, err := c.collectOne(ctx, p)

		if err != nil {
			c.logger.WithDomain(domain).WithError(err).Warn("collection failed, marking observation stale")
			c.metrics.RecordCollect(domain, 0, time.Since(start), true)
			report.Stale = append(report.Stale, domain)
			report.Errors[domain] = NewCollectionError("plugin collect failed", err).WithDomain(domain)

			if serr := c.markStale(domain); serr != nil {
				return report, NewVersionStoreError("persisting stale observation", serr).WithDomain(domain)
			}
			continue
		}

		frag.CollectedAt = time.Now().UTC()
		frag.Stale = false
		if err := c.store.SaveObserved(frag); err != nil {
			return report, NewVersionStoreError("persisting observation", err).WithDomain(domain)
		}

		c.metrics.RecordCollect(domain, frag.Len(), time.Since(start), false)
		c.logger.WithDomain(domain).WithField("items", frag.Len()).Debug("collected")
		report.Collected = append(report.Collected, domain)
	}

	return report, nil
}

func (c *Collector) collectOne(ctx context.Context, p Plugin) (*fragment.Fragment, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	frag, err := p.Collect(cctx)
	if err != nil {
		return nil, err
	}
	if frag == nil {
		frag = fragment.New(p.Domain())
	}
	return frag, nil
}

// markStale reloads the domain's last observation and rewrites it with
// the stale flag set. The item data itself is untouched.
func (c *Collector) markStale(domain string) error {
	frag, err := c.store.LoadObserved(domain)
	if err != nil {
		return err
	}
	frag.Stale = true
	return c.store.SaveObserved(frag)
}
