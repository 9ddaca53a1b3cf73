package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zebbra/counter-service/internal/lib/counter"
)

var (
	countDesc = prometheus.NewDesc(
		"counter_service_count",
		"Current value of the counter",
		[]string{},
		nil,
	)
	eventsPublishedDesc = prometheus.NewDesc(
		"counter_service_events_published",
		"Number of increment events published to the broker",
		[]string{},
		nil,
	)
	errorsDesc = prometheus.NewDesc(
		"counter_service_errors",
		"Number of errors",
		[]string{},
		nil,
	)
)

// StatisticsCollector reads the live counters on every scrape.
type StatisticsCollector struct {
	Count                  *counter.Counter
	EventsPublishedCounter *counter.Counter
	ErrorCounter           *counter.Counter
}

func (c *StatisticsCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *StatisticsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		countDesc,
		prometheus.GaugeValue,
		float64(c.Count.Get()),
	)

	ch <- prometheus.MustNewConstMetric(
		eventsPublishedDesc,
		prometheus.GaugeValue,
		float64(c.EventsPublishedCounter.Get()),
	)

	ch <- prometheus.MustNewConstMetric(
		errorsDesc,
		prometheus.GaugeValue,
		float64(c.ErrorCounter.Get()),
	)
}
