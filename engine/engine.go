// Package engine orchestrates the flow-measurement pipeline: it pulls
// packets from a packet source, drives FlowTable admission and flush,
// triggers output rotation on a schedule, and reports process
// statistics. Ported from yaf.c's capture loop and qofctx.c's context
// plumbing.
package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/m-lab/go/logx"

	"github.com/m-lab/qof/flowtable"
	"github.com/m-lab/qof/metrics"
	"github.com/m-lab/qof/pktsrc"
)

var (
	infoLog      = log.New(os.Stdout, "qof: ", log.LstdFlags|log.Lshortfile)
	sparseLogger = log.New(os.Stdout, "qof-sparse: ", log.LstdFlags|log.Lshortfile)
	sparseDecode = logx.NewLogEvery(sparseLogger, 200*time.Millisecond)
)

// Rotator closes the exporter's current output and opens a new one; it
// is an out-of-scope export-transport collaborator supplied by the
// caller. A nil Rotator disables rotation.
type Rotator interface {
	Rotate() error
}

// Config bounds the engine's operational cadence. Flush and rotation
// cadence are explicit fields rather than process globals, so multiple
// engines can coexist in tests with independent schedules.
type Config struct {
	// FlushEveryPackets triggers a rate-limited FlowTable flush pass
	// after this many packets have been admitted. Zero disables
	// periodic flush (flows are still flushed by FlowTable's own
	// internal watermark/delay rules when MaybeFlush is otherwise
	// invoked, but Run only calls it on this cadence).
	FlushEveryPackets int
	// Rotator and RotationInterval together drive output rotation;
	// both must be set for rotation to occur.
	Rotator          Rotator
	RotationInterval time.Duration
}

// ProcessStats is the periodic/shutdown Process Statistics Record:
// packet and flow counters, flush events, and peak table size.
type ProcessStats struct {
	InitMs                         int64
	FlowsExported                uint64
	PacketsTotal                 uint64
	Dropped, Ignored, NotSent    uint64
	FragsExpired, FragsAssembled uint64
	FlushEvents                  uint64
	PeakFlows                    int
	MeanFlowRate, MeanPacketRate float64
}

// Engine drives admission of a packet stream into a FlowTable until the
// source is exhausted, the context is canceled, or the table's exporter
// fails.
type Engine struct {
	cfg Config
	ft  *flowtable.FlowTable
	src pktsrc.Source
	ifc uint16

	stats      ProcessStats
	since      time.Time
	lastRotate time.Time
	lastSeqRej uint64
}

// New constructs an Engine reading from src, admitting into ft, tagging
// every packet with interface number ifc (0 if interface annotation is
// not in use).
func New(cfg Config, ft *flowtable.FlowTable, src pktsrc.Source, ifc uint16) *Engine {
	now := time.Now()
	return &Engine{
		cfg:        cfg,
		ft:         ft,
		src:        src,
		ifc:        ifc,
		since:      now,
		lastRotate: now,
		stats:      ProcessStats{InitMs: now.UnixNano() / int64(time.Millisecond)},
	}
}

// Run drives the packet admission loop. It returns nil when the packet
// source is exhausted or ctx is canceled (both perform a final forced
// flush first); it returns a non-nil error only when the exporter
// fails (in a periodic or the final flush) or the Rotator fails,
// terminating the run with no partial records committed.
func (e *Engine) Run(ctx context.Context) error {
	sinceFlush := 0
	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		default:
		}

		data, ci, err := e.src.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return e.shutdown()
			}
			e.stats.Dropped++
			metrics.PacketsDropped.Inc()
			continue
		}

		pi, derr := e.decode(data, ci)
		if derr != nil {
			e.stats.Ignored++
			metrics.PacketsIgnored.Inc()
			sparseDecode.Println("qof: decode error:", derr)
			continue
		}

		e.ft.Admit(pi)
		e.stats.PacketsTotal++
		metrics.PacketsTotal.Inc()
		sinceFlush++

		if e.cfg.FlushEveryPackets > 0 && sinceFlush >= e.cfg.FlushEveryPackets {
			sinceFlush = 0
			if err := e.ft.MaybeFlush(pi.TimeMs, false); err != nil {
				return err
			}
			e.publishGauges()
		}

		if e.cfg.Rotator != nil && e.cfg.RotationInterval > 0 &&
			time.Since(e.lastRotate) >= e.cfg.RotationInterval {
			if err := e.cfg.Rotator.Rotate(); err != nil {
				return err
			}
			e.lastRotate = time.Now()
		}
	}
}

// decode turns one captured frame into a flowtable.PacketInfo. A
// decode-layer panic on malformed capture data is recovered and
// reported as a decode error (counted and dropped by Run) rather than
// taking down the whole process.
func (e *Engine) decode(data []byte, ci gopacket.CaptureInfo) (pi flowtable.PacketInfo, err error) {
	defer func() {
		err = metrics.PanicToErr(err, recover(), "decode")
	}()
	return pktsrc.Decode(data, ci, e.ifc)
}

// shutdown runs a final forced flush (draining every remaining active
// flow with reason "forced") and finalizes process statistics.
func (e *Engine) shutdown() error {
	err := e.ft.Flush(e.ft.CurrentTime(), true)
	e.finalizeStats()
	e.publishGauges()
	if err != nil {
		infoLog.Println("qof: final flush export error:", err)
	}
	return err
}

func (e *Engine) finalizeStats() {
	e.stats.FlowsExported = e.ft.Stats.Flows
	e.stats.FlushEvents = e.ft.Stats.Flush
	e.stats.PeakFlows = e.ft.Stats.Peak
	if elapsed := time.Since(e.since).Seconds(); elapsed > 0 {
		e.stats.MeanFlowRate = float64(e.stats.FlowsExported) / elapsed
		e.stats.MeanPacketRate = float64(e.stats.PacketsTotal) / elapsed
	}
}

func (e *Engine) publishGauges() {
	metrics.FlowTableSize.Set(float64(e.ft.Count()))
	metrics.FlowTablePeak.Set(float64(e.ft.Stats.Peak))
	metrics.FlushEvents.Set(float64(e.ft.Stats.Flush))
	if d := e.ft.Stats.SeqRej - e.lastSeqRej; d > 0 {
		metrics.PacketsOutOfSequence.Add(float64(d))
		e.lastSeqRej = e.ft.Stats.SeqRej
	}
}

// Stats returns a snapshot of the Process Statistics Record, suitable
// for periodic emission or a final shutdown report.
func (e *Engine) Stats() ProcessStats {
	e.finalizeStats()
	return e.stats
}
