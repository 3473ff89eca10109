package sampler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "funsearch_sampler"

// Collector is a prometheus.Collector for the sampling loop. A nil
// *Collector records nothing.
type Collector struct {
	prompts            *prometheus.CounterVec
	generationFailures *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	submissions        *prometheus.CounterVec
	submissionFailures *prometheus.CounterVec
	inflightGauge      *prometheus.GaugeVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		prompts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "prompts_total",
				Help:      "The number of prompts acquired from the program store.",
			}, []string{"sampler"},
		),
		generationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "generation_failures_total",
				Help:      "The number of failed generation requests.",
			}, []string{"sampler"},
		),
		generationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "generation_duration_seconds",
				Help:      "The time taken by one generation round-trip.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			}, []string{"sampler"},
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "submissions_total",
				Help:      "The number of candidates accepted by an analysis worker.",
			}, []string{"sampler", "worker"},
		),
		submissionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "submission_failures_total",
				Help:      "The number of candidates no analysis worker accepted.",
			}, []string{"sampler", "worker"},
		),
		inflightGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "inflight_submissions",
				Help:      "The number of submissions currently being handed to workers.",
			}, []string{"sampler"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.prompts.Describe(ch)
	c.generationFailures.Describe(ch)
	c.generationDuration.Describe(ch)
	c.submissions.Describe(ch)
	c.submissionFailures.Describe(ch)
	c.inflightGauge.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.prompts.Collect(ch)
	c.generationFailures.Collect(ch)
	c.generationDuration.Collect(ch)
	c.submissions.Collect(ch)
	c.submissionFailures.Collect(ch)
	c.inflightGauge.Collect(ch)
}

func (c *Collector) promptAcquired(sampler string) {
	if c == nil {
		return
	}
	c.prompts.WithLabelValues(sampler).Inc()
}

func (c *Collector) generationDone(sampler string, took time.Duration, err error) {
	if c == nil {
		return
	}
	c.generationDuration.WithLabelValues(sampler).Observe(took.Seconds())
	if err != nil {
		c.generationFailures.WithLabelValues(sampler).Inc()
	}
}

func (c *Collector) submitted(sampler, worker string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(sampler, worker).Inc()
}

func (c *Collector) submissionFailed(sampler, worker string) {
	if c == nil {
		return
	}
	if worker == "" {
		worker = "none"
	}
	c.submissionFailures.WithLabelValues(sampler, worker).Inc()
}

func (c *Collector) inflight(sampler string, delta float64) {
	if c == nil {
		return
	}
	c.inflightGauge.WithLabelValues(sampler).Add(delta)
}
