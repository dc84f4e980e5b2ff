// Package metrics holds the Prometheus collectors of kernelrt.
//
// Collectors are registered with a dedicated Registry rather than the global default one, so that
// embedding programs can choose whether to expose them. Batch processes, which don't serve HTTP, can
// dump them with WriteTextfile.
package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all kernelrt collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	BuffersAlive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "kernelrt_buffers_alive",
		Help: "Number of device and shared buffers not yet released",
	})

	BufferBytes = factory.NewGauge(prometheus.GaugeOpts{
		Name: "kernelrt_buffer_bytes",
		Help: "Bytes held by device and shared buffers not yet released",
	})

	Dispatches = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "kernelrt_dispatches_total",
		Help: "Total number of kernel dispatches, by mode",
	}, []string{"mode"})

	CompileFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "kernelrt_compile_failures_total",
		Help: "Total number of kernel sources that failed to compile",
	})

	DispatchDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernelrt_dispatch_seconds",
		Help:    "Time from command buffer commit to completion",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	HarnessOperands = factory.NewCounter(prometheus.CounterOpts{
		Name: "kernelrt_harness_operands_total",
		Help: "Total number of operands processed by the batch harness",
	})
)

// Dispatch modes.
const (
	ModeThreads      = "threads"
	ModeThreadgroups = "threadgroups"
	ModeNative       = "native"
)

// RecordBufferAllocated accounts for a new live buffer of the given size.
func RecordBufferAllocated(bytes int) {
	BuffersAlive.Inc()
	BufferBytes.Add(float64(bytes))
}

// RecordBufferReleased undoes RecordBufferAllocated.
func RecordBufferReleased(bytes int) {
	BuffersAlive.Dec()
	BufferBytes.Sub(float64(bytes))
}

// RecordDispatch counts one dispatch in the given mode.
func RecordDispatch(mode string) {
	Dispatches.WithLabelValues(mode).Inc()
}

// RecordDispatchDuration observes the time a kernel took from commit to completion.
func RecordDispatchDuration(kernel string, duration time.Duration) {
	DispatchDuration.WithLabelValues(kernel).Observe(duration.Seconds())
}

// RecordCompileFailure counts one failed kernel compilation.
func RecordCompileFailure() {
	CompileFailures.Inc()
}

// RecordHarnessOperands counts n operands processed by the harness.
func RecordHarnessOperands(n int) {
	HarnessOperands.Add(float64(n))
}

// WriteTextfile writes the current value of all collectors to path, in the Prometheus text format
// (as consumed by the node exporter's textfile collector).
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return errors.Wrapf(err, "failed to write metrics to %q", path)
	}
	return nil
}
