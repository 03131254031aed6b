// Package metrics exposes Prometheus instruments for the quantization
// pipeline.
package metrics

import (
	"math"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vitptq_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"stage"})

	CalibrationBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vitptq_calibration_batches_total",
		Help: "Total number of calibration batches run",
	})

	QuantizedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vitptq_quantized_nodes",
		Help: "Number of operators rewritten by the last quantization run",
	})

	ActivationArrays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitptq_activation_arrays_total",
		Help: "Total number of activation arrays written",
	}, []string{"archive"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitptq_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected in collected activations",
	}, []string{"tensor", "type"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vitptq_http_requests_total",
		Help: "Total number of API requests",
	}, []string{"route", "method"})
)

// ObserveStage starts timing stage; call the returned function when it ends.
func ObserveStage(stage string) func() {
	start := time.Now()
	return func() {
		StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// RecordNonFinite counts NaN and Inf values of data under name.
func RecordNonFinite(name string, data []float32) (nans, infs int) {
	for _, v := range data {
		f := float64(v)
		switch {
		case math.IsNaN(f):
			nans++
		case math.IsInf(f, 0):
			infs++
		}
	}
	if nans > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nans))
	}
	if infs > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infs))
	}
	return nans, infs
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
