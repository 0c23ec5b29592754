package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/treealloc"
)

// Collector exports the block usage of a Pool as prometheus gauges. Values are gathered from
// Pool.AddStatistics on every scrape.
type Collector struct {
	pool *Pool

	blocks          *prometheus.Desc
	allocations     *prometheus.Desc
	totalGranules   *prometheus.Desc
	usedGranules    *prometheus.Desc
	blockBytes      *prometheus.Desc
	allocationBytes *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

func NewCollector(pool *Pool, namespace string, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, nil, constLabels)
	}

	return &Collector{
		pool:            pool,
		blocks:          desc("blocks", "Number of blocks currently held by the pool"),
		allocations:     desc("allocations", "Number of live allocations"),
		totalGranules:   desc("granules", "Number of granules across all blocks"),
		usedGranules:    desc("used_granules", "Number of granules reserved by live allocations"),
		blockBytes:      desc("block_bytes", "Total size in bytes of all blocks"),
		allocationBytes: desc("allocation_bytes", "Bytes reserved by live allocations"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.blocks
	ch <- c.allocations
	ch <- c.totalGranules
	ch <- c.usedGranules
	ch <- c.blockBytes
	ch <- c.allocationBytes
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var stats treealloc.Statistics
	c.pool.AddStatistics(&stats)

	ch <- prometheus.MustNewConstMetric(c.blocks, prometheus.GaugeValue, float64(stats.MemberCount))
	ch <- prometheus.MustNewConstMetric(c.allocations, prometheus.GaugeValue, float64(stats.AllocationCount))
	ch <- prometheus.MustNewConstMetric(c.totalGranules, prometheus.GaugeValue, float64(stats.TotalBlocks))
	ch <- prometheus.MustNewConstMetric(c.usedGranules, prometheus.GaugeValue, float64(stats.UsedBlocks))
	ch <- prometheus.MustNewConstMetric(c.blockBytes, prometheus.GaugeValue, float64(stats.BlockBytes))
	ch <- prometheus.MustNewConstMetric(c.allocationBytes, prometheus.GaugeValue, float64(stats.AllocationBytes))
}
