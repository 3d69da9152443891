package engine_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/m-lab/qof/engine"
	"github.com/m-lab/qof/flow"
	"github.com/m-lab/qof/flowtable"
	"github.com/m-lab/qof/tcpdyn"
)

func synPacket(t *testing.T, dstPort uint16, flags func(*layers.TCP)) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{1, 2, 3, 4, 5, 6},
		DstMAC:       net.HardwareAddr{6, 5, 4, 3, 2, 1},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 1).To4(),
		DstIP: net.IPv4(10, 0, 0, 2).To4(),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(dstPort), Seq: 1, SYN: true, Window: 1024}
	if flags != nil {
		flags(tcp)
	}
	tcp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

type pkt struct {
	data []byte
	ci   gopacket.CaptureInfo
}

type fakeSource struct {
	pkts  []pkt
	i     int
	sleep time.Duration
}

func (s *fakeSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if s.i >= len(s.pkts) {
		return nil, gopacket.CaptureInfo{}, io.EOF
	}
	if s.sleep > 0 {
		time.Sleep(s.sleep)
	}
	p := s.pkts[s.i]
	s.i++
	return p.data, p.ci, nil
}

type recordingExporter struct{ flows []flow.Flow }

func (e *recordingExporter) Export(f *flow.Flow) error {
	e.flows = append(e.flows, *f)
	return nil
}

type failingExporter struct{}

func (failingExporter) Export(f *flow.Flow) error { return errors.New("export broken") }

type countingRotator struct{ n int }

func (r *countingRotator) Rotate() error { r.n++; return nil }

func newFlowTable(exp flowtable.Exporter) *flowtable.FlowTable {
	return flowtable.New(flowtable.Config{
		IdleMs:   1000,
		ActiveMs: 1_000_000,
		DynConfig: tcpdyn.Config{
			BitmapCapacityBytes: 1 << 16,
			BitmapScaleBytes:    1,
			RingCapacity:        4,
		},
		RTTAlpha: 8,
	}, exp)
}

func TestRunProcessesAllPacketsAndFlushesOnExit(t *testing.T) {
	exp := &recordingExporter{}
	ft := newFlowTable(exp)
	src := &fakeSource{pkts: []pkt{
		{data: synPacket(t, 80, nil), ci: gopacket.CaptureInfo{Timestamp: time.Unix(0, 0), Length: 0}},
		{data: synPacket(t, 81, nil), ci: gopacket.CaptureInfo{Timestamp: time.Unix(0, int64(10 * time.Millisecond)), Length: 0}},
		{data: synPacket(t, 82, nil), ci: gopacket.CaptureInfo{Timestamp: time.Unix(0, int64(20 * time.Millisecond)), Length: 0}},
	}}

	eng := engine.New(engine.Config{}, ft, src, 3)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := eng.Stats()
	if stats.PacketsTotal != 3 {
		t.Errorf("PacketsTotal = %d, want 3", stats.PacketsTotal)
	}
	if stats.FlowsExported != 3 {
		t.Errorf("FlowsExported = %d, want 3", stats.FlowsExported)
	}
	if len(exp.flows) != 3 {
		t.Fatalf("exported flow count = %d, want 3", len(exp.flows))
	}
	for _, f := range exp.flows {
		if f.Val.Ifc != 3 {
			t.Errorf("flow ifc = %d, want 3", f.Val.Ifc)
		}
	}
}

func TestRunStopsOnExporterError(t *testing.T) {
	ft := newFlowTable(failingExporter{})
	src := &fakeSource{pkts: []pkt{
		{data: synPacket(t, 80, nil), ci: gopacket.CaptureInfo{Timestamp: time.Unix(0, 0), Length: 0}},
		{data: synPacket(t, 80, func(tc *layers.TCP) { tc.SYN = false; tc.RST = true; tc.Seq = 2 }),
			ci: gopacket.CaptureInfo{Timestamp: time.Unix(0, int64(10 * time.Millisecond)), Length: 0}},
	}}

	eng := engine.New(engine.Config{FlushEveryPackets: 2}, ft, src, 0)
	err := eng.Run(context.Background())
	if err == nil {
		t.Fatalf("expected Run to return an error when the exporter fails")
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	exp := &recordingExporter{}
	ft := newFlowTable(exp)
	src := &fakeSource{pkts: []pkt{
		{data: synPacket(t, 80, nil), ci: gopacket.CaptureInfo{Timestamp: time.Unix(0, 0), Length: 0}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	eng := engine.New(engine.Config{}, ft, src, 0)
	if err := eng.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := eng.Stats().PacketsTotal; got != 0 {
		t.Errorf("PacketsTotal = %d, want 0 after immediate cancellation", got)
	}
}

func TestRunTriggersRotation(t *testing.T) {
	exp := &recordingExporter{}
	ft := newFlowTable(exp)
	src := &fakeSource{
		sleep: 5 * time.Millisecond,
		pkts: []pkt{
			{data: synPacket(t, 80, nil), ci: gopacket.CaptureInfo{Timestamp: time.Unix(0, 0), Length: 0}},
			{data: synPacket(t, 81, nil), ci: gopacket.CaptureInfo{Timestamp: time.Unix(0, int64(10 * time.Millisecond)), Length: 0}},
			{data: synPacket(t, 82, nil), ci: gopacket.CaptureInfo{Timestamp: time.Unix(0, int64(20 * time.Millisecond)), Length: 0}},
		},
	}
	rot := &countingRotator{}

	eng := engine.New(engine.Config{Rotator: rot, RotationInterval: time.Millisecond}, ft, src, 0)
	if err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rot.n == 0 {
		t.Errorf("expected at least one rotation, got 0")
	}
}
