// Package metrics holds the Prometheus collectors for inference and weight
// translation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fms"

func newCounterVec(subsystem, name, help string, labelNames ...string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labelNames)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labelNames ...string) *prometheus.HistogramVec {
	return promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labelNames)
}

var (
	TokensGenerated = newCounterVec("generate", "tokens_total", "The total number of tokens generated", "model")

	ForwardDuration = newHistogramVec("generate", "forward_duration_seconds", "Duration of model forward passes", prometheus.DefBuckets, "model", "phase")

	SequenceLength = newHistogramVec("generate", "sequence_length_tokens", "Distribution of prompt and output lengths", []float64{16, 64, 128, 256, 512, 1024, 2048, 4096}, "kind")

	TensorsTranslated = newCounterVec("convert", "tensors_translated_total", "The total number of tensors permuted between rotary layouts", "direction")
)

// RecordForward records one forward pass. phase is "prefill" or "decode".
func RecordForward(model, phase string, d time.Duration) {
	ForwardDuration.WithLabelValues(model, phase).Observe(d.Seconds())
}

func RecordToken(model string) {
	TokensGenerated.WithLabelValues(model).Inc()
}

func RecordSequence(prompt, output int) {
	SequenceLength.WithLabelValues("prompt").Observe(float64(prompt))
	SequenceLength.WithLabelValues("output").Observe(float64(output))
}

func RecordTranslation(direction string, tensors int) {
	TensorsTranslated.WithLabelValues(direction).Add(float64(tensors))
}
