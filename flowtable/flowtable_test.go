package flowtable_test

import (
	"testing"

	"github.com/m-lab/qof/flow"
	"github.com/m-lab/qof/flowtable"
	"github.com/m-lab/qof/tcpdyn"
)

type recordingExporter struct {
	flows []flow.Flow
}

func (e *recordingExporter) Export(f *flow.Flow) error {
	e.flows = append(e.flows, *f)
	return nil
}

func testConfig() flowtable.Config {
	return flowtable.Config{
		IdleMs:              1000,
		ActiveMs:            1_000_000,
		FlushDelayMs:        0,
		CloseQueueWatermark: 0,
		DynConfig: tcpdyn.Config{
			BitmapCapacityBytes: 1 << 16,
			BitmapScaleBytes:    1,
			RingCapacity:        4,
		},
		RTTAlpha: 8,
	}
}

func key(sp, dp uint16) flow.FlowKey {
	return flow.FlowKey{
		Sp: sp, Dp: dp, Proto: flow.ProtoTCP, Version: 4,
		Addr: flow.V4Pair{SIP: [4]byte{10, 0, 0, 1}, DIP: [4]byte{10, 0, 0, 2}},
	}
}

// A single complete TCP connection: SYN, data, FIN/ACK both ways.
func TestSingleConnectionClosesWithOneBiflow(t *testing.T) {
	exp := &recordingExporter{}
	ft := flowtable.New(testConfig(), exp)
	k := key(12345, 80)

	pkts := []flowtable.PacketInfo{
		{Key: k, TimeMs: 0, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 1000, Flags: flow.TCPFlagSYN}},
		{Key: k.Reverse(), TimeMs: 50, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 5000, Ack: 1001, Flags: flow.TCPFlagSYN | flow.TCPFlagACK}},
		{Key: k, TimeMs: 100, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 1001, Ack: 5001, Flags: flow.TCPFlagACK}},
		{Key: k, TimeMs: 120, IPLen: 1040, AppLen: 1000, TCP: &flowtable.TCPInfo{Seq: 1001, Ack: 5001, Flags: flow.TCPFlagACK}},
		{Key: k.Reverse(), TimeMs: 170, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 5001, Ack: 2001, Flags: flow.TCPFlagACK}},
		{Key: k, TimeMs: 200, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 2001, Ack: 5001, Flags: flow.TCPFlagFIN | flow.TCPFlagACK}},
		{Key: k.Reverse(), TimeMs: 220, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 5001, Ack: 2002, Flags: flow.TCPFlagFIN | flow.TCPFlagACK}},
		{Key: k, TimeMs: 230, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 2002, Ack: 5002, Flags: flow.TCPFlagACK}},
	}
	for _, p := range pkts {
		ft.Admit(p)
	}
	if err := ft.Flush(230, true); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(exp.flows) != 1 {
		t.Fatalf("expected 1 exported biflow, got %d", len(exp.flows))
	}
	f := exp.flows[0]
	if f.Reason&flow.EndMask != flow.EndClosed {
		t.Errorf("reason = %d, want EndClosed", f.Reason&flow.EndMask)
	}
	if f.Val.Oct == 0 {
		t.Errorf("forward octets should be nonzero")
	}
	if f.Val.Pkt != 5 {
		t.Errorf("forward packets = %d, want 5", f.Val.Pkt)
	}
	if f.RVal.Pkt != 3 {
		t.Errorf("reverse packets = %d, want 3", f.RVal.Pkt)
	}
	if f.RDTime != 50 {
		t.Errorf("rdtime = %d, want 50", f.RDTime)
	}
}

// scenario 2: duplicate ACK-only segments.
func TestDuplicateAcksCounted(t *testing.T) {
	exp := &recordingExporter{}
	ft := flowtable.New(testConfig(), exp)
	k := key(1, 2)

	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 0, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 1, Flags: flow.TCPFlagSYN}})
	for i := 0; i < 100; i++ {
		ft.Admit(flowtable.PacketInfo{
			Key: k, TimeMs: int64(i * 10), IPLen: 40,
			TCP: &flowtable.TCPInfo{Seq: 1, Ack: 1, Flags: flow.TCPFlagACK},
		})
	}
	ft.Flush(1000, true)

	if len(exp.flows) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(exp.flows))
	}
	if got := exp.flows[0].Val.Ack.DupCt; got != 99 {
		t.Errorf("dup_ack_count = %d, want 99", got)
	}
}

// scenario 3: a full retransmit is detected via the sequence bitmap.
func TestFullRetransmitDetected(t *testing.T) {
	exp := &recordingExporter{}
	ft := flowtable.New(testConfig(), exp)
	k := key(1, 2)

	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 0, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 0, Flags: flow.TCPFlagSYN}})
	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 1, IPLen: 1040, AppLen: 1000, TCP: &flowtable.TCPInfo{Seq: 1, Flags: flow.TCPFlagACK}})
	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 10, IPLen: 1040, AppLen: 1000, TCP: &flowtable.TCPInfo{Seq: 1, Flags: flow.TCPFlagACK}})
	ft.Flush(1000, true)

	if got := exp.flows[0].Val.Dyn.Retransmits(); got != 1 {
		t.Errorf("retransmit_count = %d, want 1", got)
	}
}

// scenario 4: reordered data, no retransmit.
func TestReorderDetected(t *testing.T) {
	exp := &recordingExporter{}
	ft := flowtable.New(testConfig(), exp)
	k := key(1, 2)

	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 0, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 0, Flags: flow.TCPFlagSYN}})
	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 1, IPLen: 540, AppLen: 500, TCP: &flowtable.TCPInfo{Seq: 1, Flags: flow.TCPFlagACK}})
	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 10, IPLen: 540, AppLen: 500, TCP: &flowtable.TCPInfo{Seq: 1001, Flags: flow.TCPFlagACK}})
	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 20, IPLen: 540, AppLen: 500, TCP: &flowtable.TCPInfo{Seq: 501, Flags: flow.TCPFlagACK}})
	ft.Flush(1000, true)

	dyn := exp.flows[0].Val.Dyn
	if dyn.Retransmits() != 0 {
		t.Errorf("expected no retransmit, got %d", dyn.Retransmits())
	}
	if dyn.ReorderMax() != 500 {
		t.Errorf("max_reorder = %d, want 500", dyn.ReorderMax())
	}
}

// scenario 5: an idle gap closes the first flow as idle, starting a
// fresh flow id for the next packet.
func TestIdleTimeoutStartsNewFlow(t *testing.T) {
	exp := &recordingExporter{}
	cfg := testConfig()
	cfg.IdleMs = 500
	ft := flowtable.New(cfg, exp)
	k := key(1, 2)

	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 0, IPLen: 540, AppLen: 500, TCP: &flowtable.TCPInfo{Seq: 0, Flags: flow.TCPFlagSYN}})
	if err := ft.Flush(0, false); err != nil {
		t.Fatal(err)
	}
	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 700, IPLen: 540, AppLen: 500, TCP: &flowtable.TCPInfo{Seq: 501, Flags: flow.TCPFlagACK}})
	if err := ft.Flush(700, false); err != nil {
		t.Fatal(err)
	}
	ft.Flush(700, true)

	if len(exp.flows) != 2 {
		t.Fatalf("expected 2 biflows, got %d", len(exp.flows))
	}
	if exp.flows[0].Reason&flow.EndMask != flow.EndIdle {
		t.Errorf("first flow reason = %d, want EndIdle", exp.flows[0].Reason&flow.EndMask)
	}
	if exp.flows[0].ID == exp.flows[1].ID {
		t.Errorf("expected distinct flow ids, got %d twice", exp.flows[0].ID)
	}
}

// scenario 6: sequence wrap across 2^32.
func TestSequenceWrapCounted(t *testing.T) {
	exp := &recordingExporter{}
	ft := flowtable.New(testConfig(), exp)
	k := key(1, 2)

	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 0, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 4294967096, Flags: flow.TCPFlagSYN}})
	// 200 bytes starting at 4294967097 (2^32-199), ending at 2^32+1=1 (wraps).
	ft.Admit(flowtable.PacketInfo{
		Key: k, TimeMs: 1, IPLen: 240, AppLen: 200,
		TCP: &flowtable.TCPInfo{Seq: 4294967097, Flags: flow.TCPFlagACK},
	})
	// Next 300 bytes starting at seq 1 (post-wrap).
	ft.Admit(flowtable.PacketInfo{
		Key: k, TimeMs: 2, IPLen: 340, AppLen: 300,
		TCP: &flowtable.TCPInfo{Seq: 1, Flags: flow.TCPFlagACK},
	})
	ft.Flush(1000, true)

	dyn := exp.flows[0].Val.Dyn
	if dyn.WrapCount() != 1 {
		t.Errorf("wrap_count = %d, want 1", dyn.WrapCount())
	}
}

func TestResourceEvictionBoundsTableSize(t *testing.T) {
	exp := &recordingExporter{}
	cfg := testConfig()
	cfg.MaxFlows = 2
	ft := flowtable.New(cfg, exp)

	for i := 0; i < 5; i++ {
		k := key(uint16(i+1), 80)
		ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: int64(i), IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 1, Flags: flow.TCPFlagSYN}})
		if err := ft.MaybeFlush(int64(i), false); err != nil {
			t.Fatal(err)
		}
		if ft.Count() > cfg.MaxFlows {
			t.Fatalf("flow table size %d exceeds max %d after packet %d", ft.Count(), cfg.MaxFlows, i)
		}
	}
}

func TestRSTClosesFlow(t *testing.T) {
	exp := &recordingExporter{}
	ft := flowtable.New(testConfig(), exp)
	k := key(1, 2)

	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 0, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 1, Flags: flow.TCPFlagSYN}})
	ft.Admit(flowtable.PacketInfo{Key: k, TimeMs: 1, IPLen: 40, TCP: &flowtable.TCPInfo{Seq: 2, Flags: flow.TCPFlagRST}})
	ft.Flush(100, true)

	if len(exp.flows) != 1 {
		t.Fatalf("expected 1 flow, got %d", len(exp.flows))
	}
	if exp.flows[0].Reason&flow.EndMask != flow.EndClosed {
		t.Errorf("reason = %d, want EndClosed after RST", exp.flows[0].Reason&flow.EndMask)
	}
}
