package directory

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "maildir"

// StatsFunc returns the statistics of every directory to export.
type StatsFunc func() []Stats

// Collector exports cache and pool statistics as Prometheus metrics,
// labeled by directory name and backend kind.
type Collector struct {
	stats StatsFunc

	cacheEntries      *prometheus.Desc
	cacheHits         *prometheus.Desc
	cacheMisses       *prometheus.Desc
	cacheEvictions    *prometheus.Desc
	cacheExpirations  *prometheus.Desc
	cacheStaleRejects *prometheus.Desc

	poolLive      *prometheus.Desc
	poolInUse     *prometheus.Desc
	poolIdle      *prometheus.Desc
	poolCreated   *prometheus.Desc
	poolDiscarded *prometheus.Desc
	poolErrors    *prometheus.Desc
	poolTimeouts  *prometheus.Desc
	poolWaits     *prometheus.Desc
}

// NewCollector creates a collector over stats.
func NewCollector(stats StatsFunc) *Collector {
	labels := []string{"directory", "kind"}
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, subsystem, name), help, labels, nil)
	}

	return &Collector{
		stats: stats,

		cacheEntries:      desc("cache", "entries", "Resident lookup cache entries."),
		cacheHits:         desc("cache", "hits_total", "Lookup cache hits."),
		cacheMisses:       desc("cache", "misses_total", "Lookup cache misses."),
		cacheEvictions:    desc("cache", "evictions_total", "Entries evicted to make room."),
		cacheExpirations:  desc("cache", "expirations_total", "Entries dropped after their TTL."),
		cacheStaleRejects: desc("cache", "stale_rejects_total", "Writes rejected because a newer entry was resident."),

		poolLive:      desc("pool", "connections", "Live backend connections."),
		poolInUse:     desc("pool", "connections_in_use", "Backend connections handed out."),
		poolIdle:      desc("pool", "connections_idle", "Idle backend connections."),
		poolCreated:   desc("pool", "connections_created_total", "Backend connections created."),
		poolDiscarded: desc("pool", "connections_discarded_total", "Backend connections retired."),
		poolErrors:    desc("pool", "errors_total", "Backend connection errors."),
		poolTimeouts:  desc("pool", "acquire_timeouts_total", "Acquisitions that timed out."),
		poolWaits:     desc("pool", "acquire_waits_total", "Acquisitions that had to wait."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.cacheEntries, c.cacheHits, c.cacheMisses, c.cacheEvictions, c.cacheExpirations, c.cacheStaleRejects,
		c.poolLive, c.poolInUse, c.poolIdle, c.poolCreated, c.poolDiscarded, c.poolErrors, c.poolTimeouts, c.poolWaits,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.stats() {
		lv := []string{st.Name, st.Kind}

		ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(st.Cache.Entries), lv...)
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(st.Cache.Hits), lv...)
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(st.Cache.Misses), lv...)
		ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(st.Cache.Evictions), lv...)
		ch <- prometheus.MustNewConstMetric(c.cacheExpirations, prometheus.CounterValue, float64(st.Cache.Expirations), lv...)
		ch <- prometheus.MustNewConstMetric(c.cacheStaleRejects, prometheus.CounterValue, float64(st.Cache.StaleRejects), lv...)

		if st.Pool == nil {
			continue
		}
		p := st.Pool
		ch <- prometheus.MustNewConstMetric(c.poolLive, prometheus.GaugeValue, float64(p.Live), lv...)
		ch <- prometheus.MustNewConstMetric(c.poolInUse, prometheus.GaugeValue, float64(p.InUse), lv...)
		ch <- prometheus.MustNewConstMetric(c.poolIdle, prometheus.GaugeValue, float64(p.Idle), lv...)
		ch <- prometheus.MustNewConstMetric(c.poolCreated, prometheus.CounterValue, float64(p.Created), lv...)
		ch <- prometheus.MustNewConstMetric(c.poolDiscarded, prometheus.CounterValue, float64(p.Discarded), lv...)
		ch <- prometheus.MustNewConstMetric(c.poolErrors, prometheus.CounterValue, float64(p.Errors), lv...)
		ch <- prometheus.MustNewConstMetric(c.poolTimeouts, prometheus.CounterValue, float64(p.Timeouts), lv...)
		ch <- prometheus.MustNewConstMetric(c.poolWaits, prometheus.CounterValue, float64(p.Waits), lv...)
	}
}
