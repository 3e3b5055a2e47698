// Package metrics exposes cramdisk device counters as Prometheus
// metrics. The collector reads the device's atomic counters at scrape
// time; it takes no locks on the data path.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/cramdisk/pkg/cramdisk"
)

const namespace = "cramdisk"

// Collector implements prometheus.Collector over one device.
type Collector struct {
	dev *cramdisk.Device

	origDataSize  *prometheus.Desc
	comprDataSize *prometheus.Desc
	memUsed       *prometheus.Desc
	memUsedMax    *prometheus.Desc
	samePages     *prometheus.Desc
	hugePages     *prometheus.Desc
	dupDataSize   *prometheus.Desc

	failedReads  *prometheus.Desc
	failedWrites *prometheus.Desc
	invalidIO    *prometheus.Desc
	notifyFree   *prometheus.Desc
	writestall   *prometheus.Desc

	bdCount  *prometheus.Desc
	bdReads  *prometheus.Desc
	bdWrites *prometheus.Desc
}

// NewCollector creates a collector for dev.
func NewCollector(dev *cramdisk.Device) *Collector {
	labels := prometheus.Labels{"device": strconv.Itoa(dev.ID())}

	gauge := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", name), help, nil, labels)
	}

	return &Collector{
		dev: dev,

		origDataSize:  gauge("orig_data_bytes", "Bytes stored, in uncompressed terms."),
		comprDataSize: gauge("compr_data_bytes", "Bytes of live compressed payloads."),
		memUsed:       gauge("mem_used_bytes", "Pool memory footprint."),
		memUsedMax:    gauge("mem_used_max_bytes", "Pool footprint high-water mark."),
		samePages:     gauge("same_pages", "Pages stored as a same-fill scalar."),
		hugePages:     gauge("huge_pages", "Pages stored raw (incompressible)."),
		dupDataSize:   gauge("dup_data_bytes", "Bytes saved by deduplication."),

		failedReads:  gauge("failed_reads_total", "Failed page reads."),
		failedWrites: gauge("failed_writes_total", "Failed page writes."),
		invalidIO:    gauge("invalid_io_total", "Rejected misaligned or out-of-range requests."),
		notifyFree:   gauge("notify_free_total", "Pages freed by discard or free-notify."),
		writestall:   gauge("writestall_total", "Writes that needed the blocking allocation path."),

		bdCount:  gauge("backing_pages", "Pages currently evicted to the backing device."),
		bdReads:  gauge("backing_reads_total", "Backing device page reads."),
		bdWrites: gauge("backing_writes_total", "Backing device page writes."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.dev.Snapshot()

	gauge := func(desc *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(v))
	}
	counter := func(desc *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}

	gauge(c.origDataSize, st.OrigDataSize)
	gauge(c.comprDataSize, st.ComprDataSize)
	gauge(c.memUsed, st.MemUsedTotal)
	gauge(c.memUsedMax, st.MemUsedMax)
	gauge(c.samePages, st.SamePages)
	gauge(c.hugePages, st.HugePages)
	gauge(c.dupDataSize, st.DupDataSize)

	counter(c.failedReads, st.FailedReads)
	counter(c.failedWrites, st.FailedWrites)
	counter(c.invalidIO, st.InvalidIO)
	counter(c.notifyFree, st.NotifyFree)
	counter(c.writestall, st.Writestall)

	gauge(c.bdCount, st.BDCount)
	counter(c.bdReads, st.BDReads)
	counter(c.bdWrites, st.BDWrites)
}
