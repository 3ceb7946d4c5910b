/*
   Copyright The Soci Snapshotter Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package commonmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OperationLatencyKeyMilliseconds is the key for decompression latency metrics in milliseconds.
	OperationLatencyKeyMilliseconds = "operation_duration_milliseconds"

	// OperationCountKey is the key for operation count metrics.
	OperationCountKey = "operation_count"

	// OperationFailureCountKey is the key for failed operations, broken down by error kind.
	OperationFailureCountKey = "operation_failure_count"

	// BytesProcessedKey is the key for counting bytes read or written by an operation.
	BytesProcessedKey = "bytes_processed"

	// StepCountKey is the key for the number of decoder steps an operation needed.
	StepCountKey = "decoder_steps"

	// Keep namespace as xz and subsystem as decom.
	namespace = "xz"
	subsystem = "decom"
)

// Lists all metric labels.
const (
	Decompress = "decompress"

	// byte directions
	BytesIn  = "in"
	BytesOut = "out"
)

var (
	// Buckets for OperationLatency metrics.
	latencyBucketsMilliseconds = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384} // in milliseconds
	stepBuckets                = prometheus.ExponentialBuckets(1, 4, 12)

	// operationLatencyMilliseconds collects operation latency numbers in milliseconds grouped by
	// operation type.
	operationLatencyMilliseconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      OperationLatencyKeyMilliseconds,
			Help:      "Latency in milliseconds of xz decompression operations. Broken down by operation type.",
			Buckets:   latencyBucketsMilliseconds,
		},
		[]string{"operation_type"},
	)

	// operationCount collects operation count numbers by operation type.
	operationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      OperationCountKey,
			Help:      "The count of xz decompression operations. Broken down by operation type.",
		},
		[]string{"operation_type"},
	)

	operationFailureCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      OperationFailureCountKey,
			Help:      "The count of failed xz decompression operations. Broken down by operation type and error kind.",
		},
		[]string{"operation_type", "kind"},
	)

	// bytesCount reflects the number of compressed bytes read and decompressed bytes produced.
	bytesCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      BytesProcessedKey,
			Help:      "The number of bytes processed by xz decompression operations. Broken down by operation type and direction.",
		},
		[]string{"operation_type", "direction"},
	)

	stepCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      StepCountKey,
			Help:      "The number of decoder steps per operation. Broken down by operation type.",
			Buckets:   stepBuckets,
		},
		[]string{"operation_type"},
	)
)

var register sync.Once

// sinceInMilliseconds gets the time since the specified start in milliseconds.
// The division is made to have the milliseconds value as floating point number, since the native method
// .Milliseconds() returns an integer value and you can lose precision for sub-millisecond values.
func sinceInMilliseconds(start time.Time) float64 {
	return float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond/time.Nanosecond)
}

// Register registers metrics. This is always called only once.
func Register() {
	register.Do(func() {
		prometheus.MustRegister(operationLatencyMilliseconds)
		prometheus.MustRegister(operationCount)
		prometheus.MustRegister(operationFailureCount)
		prometheus.MustRegister(bytesCount)
		prometheus.MustRegister(stepCount)
	})
}

// MeasureLatencyInMilliseconds wraps the labels attachment as well as calling Observe into a single method.
func MeasureLatencyInMilliseconds(operation string, start time.Time) {
	operationLatencyMilliseconds.WithLabelValues(operation).Observe(sinceInMilliseconds(start))
}

// IncOperationCount wraps the labels attachment as well as calling Inc into a single method.
func IncOperationCount(operation string) {
	operationCount.WithLabelValues(operation).Inc()
}

// IncOperationFailureCount counts a failed operation under the name of its error kind.
func IncOperationFailureCount(operation, kind string) {
	operationFailureCount.WithLabelValues(operation, kind).Inc()
}

// AddBytesCount wraps the labels attachment as well as calling Add into a single method.
func AddBytesCount(operation, direction string, bytes int64) {
	bytesCount.WithLabelValues(operation, direction).Add(float64(bytes))
}

// ObserveSteps records how many decoder steps an operation took.
func ObserveSteps(operation string, steps int) {
	stepCount.WithLabelValues(operation).Observe(float64(steps))
}
