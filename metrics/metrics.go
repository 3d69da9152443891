// Package metrics defines the prometheus metrics the flow-measurement
// engine exposes for its Process Statistics Record (packets admitted,
// dropped, ignored, out of sequence; flows exported; flush events; flow
// table size and peak), plus a small panic-accounting helper for
// engine collaborators that might panic on malformed input.
//
// When defining new operations or metrics, these are helpful values to
// track:
//  - things coming into or go out of the system: packets, flows, flushes.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"fmt"
	"log"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts every packet successfully decoded and
	// admitted to the flow table.
	// Provides metric: qof_packets_total
	PacketsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qof_packets_total",
		Help: "Total packets admitted to the flow table.",
	})

	// PacketsDropped counts packets the source failed to deliver (read
	// errors short of end-of-stream).
	// Provides metric: qof_packets_dropped_total
	PacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qof_packets_dropped_total",
		Help: "Packets dropped on read error before decoding.",
	})

	// PacketsIgnored counts packets that failed to decode: no
	// classifiable IP layer (ARP and so on), or a recovered decode panic.
	// Provides metric: qof_packets_ignored_total
	PacketsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qof_packets_ignored_total",
		Help: "Packets ignored because they failed to decode.",
	})

	// PacketsOutOfSequence counts packets whose capture timestamp
	// preceded the flow table's current time.
	// Provides metric: qof_packets_out_of_sequence_total
	PacketsOutOfSequence = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qof_packets_out_of_sequence_total",
		Help: "Packets observed with a timestamp older than the flow table clock.",
	})

	// FlowsExported counts flow records handed to the exporter.
	// Provides metric: qof_flows_exported_total
	FlowsExported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qof_flows_exported_total",
		Help: "Flow records exported.",
	})

	// FlushEvents counts FlowTable flush passes.
	// Provides metric: qof_flush_events_total
	FlushEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qof_flush_events_total",
		Help: "FlowTable flush passes run so far.",
	})

	// FlowTableSize reports the current active flow count.
	// Provides metric: qof_flow_table_size
	FlowTableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qof_flow_table_size",
		Help: "Current number of active (unclosed) flows.",
	})

	// FlowTablePeak reports the largest active flow count observed.
	// Provides metric: qof_flow_table_peak
	FlowTablePeak = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qof_flow_table_peak",
		Help: "Largest active flow count observed this run.",
	})

	// PanicCount tracks recovered panics by the tag the caller supplied,
	// for any collaborator (packet source, exporter sink) that might
	// panic on malformed input.
	// Provides metric: qof_panic_count
	PanicCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qof_panic_count",
			Help: "Count of panics recovered, by originating tag.",
		},
		[]string{"tag"},
	)
)

// CountPanics updates the PanicCount metric, then repanics. It must be
// wrapped in a defer.
//
//	func foobar() {
//	    defer func() {
//	        metrics.CountPanics(recover(), "foobar")
//	    }()
//	    ...
//	}
func CountPanics(r interface{}, tag string) {
	if r != nil {
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("pkg: %v", r)
		}
		log.Println("Adding metrics for panic:", err)
		PanicCount.WithLabelValues(tag).Inc()
		debug.PrintStack()
		panic(r)
	}
}

// PanicToErr captures panics and converts them to errors. Use with
// extreme care: a panic may mean state is corrupted, and continuing to
// execute may produce undefined behavior. It must be wrapped in a defer.
//
//	func foobar() (err error) {
//	    defer func() {
//	        err = metrics.PanicToErr(err, recover(), "foobar")
//	    }()
//	    ...
//	}
func PanicToErr(err error, r interface{}, tag string) error {
	if r != nil {
		var ok bool
		err, ok = r.(error)
		if !ok {
			err = fmt.Errorf("pkg: %v", r)
		}
		log.Println("Recovered from panic:", err)
		PanicCount.WithLabelValues(tag).Inc()
		debug.PrintStack()
	}
	return err
}
