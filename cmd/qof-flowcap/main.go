// Command qof-flowcap drives the QoF flow-measurement engine over a
// pcap file, writing CSV flow records to an
// output file that is rotated on a configurable interval.
//
// The packet-source driver and export codec are external collaborators
// with only their interface contracts specified by the core engine:
// pcapgo.Reader as the packet source, a CSV Sink as the concrete export
// codec. Neither is part of the flow-measurement engine itself.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/qof/engine"
	"github.com/m-lab/qof/export"
	"github.com/m-lab/qof/flowtable"
	"github.com/m-lab/qof/tcpdyn"
)

var (
	inFile   = flag.String("in", "", "pcap file to read (required)")
	outFile  = flag.String("out", "qof.csv", "CSV output file path")
	idleMs   = flag.Int64("idle-ms", 30000, "flow idle timeout in milliseconds")
	activeMs = flag.Int64("active-ms", 1800000, "flow active timeout in milliseconds")
	maxFlows = flag.Int("max-flows", 0, "maximum concurrently active flows (0 = unbounded)")
	silk     = flag.Bool("silk", false, "enable SiLK-mode 32-bit counter overflow handling")
	uniflow  = flag.Bool("uniflow", false, "split biflows into uniflow records on export")
	macMode  = flag.Bool("mac", false, "capture MAC addresses on the first packet of each flow")
	rotate   = flag.Duration("rotate", 0, "output file rotation interval (0 disables rotation)")
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	if *inFile == "" {
		log.Fatal("qof-flowcap: -in is required")
	}

	f, err := os.Open(*inFile)
	rtx.Must(err, "could not open %s", *inFile)
	defer f.Close()

	pcapReader, err := pcapgo.NewReader(f)
	rtx.Must(err, "could not read pcap header from %s", *inFile)

	sink, err := newCSVSink(*outFile)
	rtx.Must(err, "could not open output %s", *outFile)
	defer sink.close()

	exp := export.NewExporter(sink)
	ftCfg := flowtable.Config{
		IdleMs:              *idleMs,
		ActiveMs:            *activeMs,
		MaxFlows:            *maxFlows,
		SilkMode:            *silk,
		Uniflow:             *uniflow,
		MacMode:             *macMode,
		FlushDelayMs:        5000,
		CloseQueueWatermark: 2500,
		DynConfig: tcpdyn.Config{
			BitmapCapacityBytes: 1 << 20,
			BitmapScaleBytes:    4,
			RingCapacity:        8,
		},
		RTTAlpha: 8,
	}
	ft := flowtable.New(ftCfg, exp)

	eng := engine.New(engine.Config{
		FlushEveryPackets: 256,
		Rotator:           sink,
		RotationInterval:  *rotate,
	}, ft, pcapReader, 0)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := eng.Run(ctx); err != nil {
		log.Fatalf("qof-flowcap: export failed, terminating: %v", err)
	}

	stats := eng.Stats()
	log.Printf("qof-flowcap: packets=%d flows=%d dropped=%d ignored=%d peak=%d flushes=%d",
		stats.PacketsTotal, stats.FlowsExported, stats.Dropped, stats.Ignored,
		stats.PeakFlows, stats.FlushEvents)
}

// csvSink is the reference export.Sink: one CSV row per flow record,
// with simple close-reopen rotation. A production deployment would
// swap this for a concrete export codec/transport out of the core
// engine's scope (a binary IPFIX-like codec, a network transport,
// lock-file-guarded rotation); this keeps the collaborator real rather
// than a no-op stub.
type csvSink struct {
	path string
	f    *os.File
	w    *csv.Writer
	n    int
}

func newCSVSink(path string) (*csvSink, error) {
	s := &csvSink{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *csvSink) open() error {
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	s.f = f
	s.w = csv.NewWriter(f)
	return s.w.Write(csvHeader)
}

var csvHeader = []string{
	"flow_id", "start_ms", "end_ms", "rdtime_ms", "version", "vlan",
	"sp", "dp", "proto", "reason", "continued",
	"fwd_oct", "fwd_appoct", "fwd_pkt", "fwd_apppkt",
	"fwd_seqcount", "fwd_rtx", "fwd_reorder", "fwd_loss",
	"fwd_min_rtt_ms", "fwd_mean_rtt_ms",
	"rev_oct", "rev_appoct", "rev_pkt", "rev_apppkt",
	"rev_seqcount", "rev_rtx", "rev_reorder", "rev_loss",
	"rev_min_rtt_ms", "rev_mean_rtt_ms",
	"biflow_rtt_ms",
}

// WriteRecord implements export.Sink.
func (s *csvSink) WriteRecord(r *export.Record) error {
	row := []string{
		strconv.FormatUint(r.FlowID, 10),
		strconv.FormatInt(r.StartMs, 10),
		strconv.FormatInt(r.EndMs, 10),
		strconv.FormatInt(int64(r.RDTimeMs), 10),
		strconv.Itoa(int(r.Version)),
		strconv.Itoa(int(r.VlanID)),
		strconv.Itoa(int(r.Sp)),
		strconv.Itoa(int(r.Dp)),
		strconv.Itoa(int(r.Proto)),
		strconv.Itoa(int(r.Reason)),
		strconv.FormatBool(r.Continued),
		strconv.FormatUint(r.Fwd.Octets, 10),
		strconv.FormatUint(r.Fwd.AppOctets, 10),
		strconv.FormatUint(r.Fwd.Packets, 10),
		strconv.FormatUint(r.Fwd.AppPackets, 10),
		strconv.FormatUint(r.Fwd.SequenceCount, 10),
		strconv.FormatUint(r.Fwd.RetransmitCt, 10),
		strconv.Itoa(int(r.Fwd.ReorderCt)),
		strconv.FormatUint(r.Fwd.LossBytes, 10),
		strconv.Itoa(int(r.Fwd.MinRTT)),
		fmt.Sprintf("%.2f", r.Fwd.MeanRTT),
		strconv.FormatUint(r.Rev.Octets, 10),
		strconv.FormatUint(r.Rev.AppOctets, 10),
		strconv.FormatUint(r.Rev.Packets, 10),
		strconv.FormatUint(r.Rev.AppPackets, 10),
		strconv.FormatUint(r.Rev.SequenceCount, 10),
		strconv.FormatUint(r.Rev.RetransmitCt, 10),
		strconv.Itoa(int(r.Rev.ReorderCt)),
		strconv.FormatUint(r.Rev.LossBytes, 10),
		strconv.Itoa(int(r.Rev.MinRTT)),
		fmt.Sprintf("%.2f", r.Rev.MeanRTT),
		fmt.Sprintf("%.2f", r.BiflowRTTMs),
	}
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.n++
	if s.n%64 == 0 {
		s.w.Flush()
		return s.w.Error()
	}
	return nil
}

// Rotate implements engine.Rotator: close the current file, rename it
// with the current Unix time as a suffix, and open a fresh file at the
// original path.
func (s *csvSink) Rotate() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, rotated); err != nil {
		return err
	}
	return s.open()
}

func (s *csvSink) close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
