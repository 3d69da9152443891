// Package export assembles the structured bidirectional-flow record
// from a closed flow.Flow, and defines the Exporter/record-sink
// interfaces the flow table and engine write to. The concrete export
// codec and its transport (file, network, secured transport) are out
// of scope for the core engine; this package only builds the record
// and hands it to a Sink.
package export

import (
	"errors"
	"fmt"

	"github.com/m-lab/qof/flow"
	"github.com/m-lab/qof/ifmap"
)

// ErrExportFailed wraps a Sink write failure. An export failure
// propagates to the engine, which stops its loop; this sentinel lets
// callers errors.Is-match it regardless of the underlying Sink's own
// error.
var ErrExportFailed = errors.New("qof/export: record write failed")

// MinRTTSamples gates whether a direction's RTT fields are considered
// valid enough to report. The relationship between dynamic RTT
// tracking and this minimum-sample-count gate is treated as
// authoritative here, with the threshold left configurable rather than
// hardcoded.
const DefaultMinRTTSamples = 1

// DirRecord is one direction's exported counters.
type DirRecord struct {
	InitialFlags, UnionFlags uint8
	Octets, AppOctets        uint64
	Packets, AppPackets      uint64

	InitialSeq    uint32
	SequenceCount uint64
	WrapCount     uint32
	RetransmitCt  uint64
	ReorderCt     uint32
	LossBytes     uint64
	MaxInflight   uint32

	MSSObserved, MSSDeclared uint16

	HaveRTT          bool
	MinRTT, MaxRTT   uint32
	MeanRTT          float64
	MinRwin, MaxRwin uint32
	MeanRwin         float64
	StallCt          uint32

	DupAckCt uint32
	SackCt   uint32

	TSHz float64

	OptionFlags uint8
	Ifc         uint16
}

// Record is the structured bidirectional-flow record handed to a Sink
// for one closed flow (or one uniflow half, in uniflow-split mode).
type Record struct {
	FlowID         uint64
	StartMs, EndMs int64
	RDTimeMs       int32

	Version    uint8
	VlanID     uint16
	SIP4, DIP4 [4]byte
	SIP6, DIP6 [16]byte
	Sp, Dp     uint16
	Proto      uint8

	Reason    uint8
	Continued bool

	SrcMAC, DstMAC [6]byte

	Fwd, Rev Record1

	BiflowRTTMs float64

	// Direction classifies the flow against the exporter's configured
	// internal-network list (ifmap.DirUnknown if none is configured;
	// ifmap.DirExternal if neither address matched).
	Direction ifmap.Direction

	// SrcMACKnown reports whether SrcMAC matched the exporter's
	// configured source-side MAC hint list (always false if none is
	// configured).
	SrcMACKnown bool
}

// Record1 is a type alias of DirRecord (the same type under a second
// name), used for Record's Fwd and Rev fields.
type Record1 = DirRecord

// Sink receives one assembled Record. A concrete codec (CSV, IPFIX,
// JSON) and its transport implement this; none is provided here, as
// the codec and transport are outside the core engine's scope.
type Sink interface {
	WriteRecord(r *Record) error
}

// Exporter adapts a Sink to the flowtable.Exporter interface (taking a
// *flow.Flow per closed biflow/uniflow) by assembling a Record and
// forwarding it.
type Exporter struct {
	Sink          Sink
	MinRTTSamples uint32

	// IfMap, if set, overrides each direction's packet-observed Ifc
	// with an interface number looked up from that direction's source
	// address, per the configured address-range-to-interface mapping.
	IfMap *ifmap.IfMap
	// Nets, if set, classifies the flow's direction (internal/external/
	// in/out) from the configured internal-network list.
	Nets *ifmap.NetList
	// Macs, if set, flags flows whose source MAC matches the
	// configured source-side hint list.
	Macs *ifmap.MacList
}

// NewExporter returns an Exporter writing assembled records to sink,
// gating RTT field emission at the default minimum sample count.
func NewExporter(sink Sink) *Exporter {
	return &Exporter{Sink: sink, MinRTTSamples: DefaultMinRTTSamples}
}

// Export assembles f into a Record, annotates it with the configured
// IfMap/NetList (if any), and writes it to the Sink. It implements
// flowtable.Exporter.
func (e *Exporter) Export(f *flow.Flow) error {
	r := Assemble(f, e.MinRTTSamples)
	e.annotate(&r)
	if err := e.Sink.WriteRecord(&r); err != nil {
		return fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	return nil
}

// annotate fills in Ifc (forward direction keyed by source address,
// reverse direction by destination address) from IfMap, and Direction
// from Nets, when those collaborators are configured. Grounded on
// qofifmap.c/qofctx.c consulting the interface map and internal-network
// list at record-emission time rather than per packet.
func (e *Exporter) annotate(r *Record) {
	if e.IfMap != nil {
		if r.Version == 6 {
			if val, ok := e.IfMap.Lookup6(r.SIP6); ok {
				r.Fwd.Ifc = uint16(val)
			}
			if val, ok := e.IfMap.Lookup6(r.DIP6); ok {
				r.Rev.Ifc = uint16(val)
			}
		} else {
			if val, ok := e.IfMap.Lookup4(r.SIP4); ok {
				r.Fwd.Ifc = uint16(val)
			}
			if val, ok := e.IfMap.Lookup4(r.DIP4); ok {
				r.Rev.Ifc = uint16(val)
			}
		}
	}
	if e.Nets != nil {
		if r.Version == 6 {
			r.Direction = e.Nets.Classify6(r.SIP6, r.DIP6)
		} else {
			r.Direction = e.Nets.Classify4(r.SIP4, r.DIP4)
		}
	}
	if e.Macs != nil {
		r.SrcMACKnown = e.Macs.Contains(r.SrcMAC)
	}
}

// Assemble builds the exported Record for a closed flow. minRTTSamples
// gates whether a direction's RTT fields are populated: min/max/mean
// RTT are only reported once the sample count reaches this minimum.
func Assemble(f *flow.Flow, minRTTSamples uint32) Record {
	r := Record{
		FlowID:    f.ID,
		StartMs:   f.STime,
		EndMs:     f.ETime,
		RDTimeMs:  f.RDTime,
		Version:   f.Key.Version,
		VlanID:    f.Key.VlanID,
		Sp:        f.Key.Sp,
		Dp:        f.Key.Dp,
		Proto:     f.Key.Proto,
		Reason:    f.Reason & flow.EndMask,
		Continued: f.Reason&flow.EndFContinued != 0 || f.Continued,
		SrcMAC:    f.SrcMAC,
		DstMAC:    f.DstMAC,
	}
	switch a := f.Key.Addr.(type) {
	case flow.V4Pair:
		r.SIP4, r.DIP4 = a.SIP, a.DIP
	case flow.V6Pair:
		r.SIP6, r.DIP6 = a.SIP, a.DIP
	}

	r.Fwd = assembleDir(&f.Val, minRTTSamples)
	r.Rev = assembleDir(&f.RVal, minRTTSamples)
	if f.RTT != nil {
		r.BiflowRTTMs = float64(f.RTT.Val.Value)
	}
	return r
}

func assembleDir(v *flow.Val, minRTTSamples uint32) DirRecord {
	d := DirRecord{
		InitialFlags: v.IFlags,
		UnionFlags:   v.UFlags,
		Octets:       v.Oct,
		AppOctets:    v.AppOct,
		Packets:      v.Pkt,
		AppPackets:   v.AppPkt,
		MSSDeclared:  v.DeclMSS,
		OptionFlags:  v.OptFlags,
		Ifc:          v.Ifc,
		MinRwin:      v.Rwin.Val.Min,
		MaxRwin:      v.Rwin.Val.Max,
		MeanRwin:     v.Rwin.Val.Mean(),
		StallCt:      v.Rwin.Stall,
		DupAckCt:     v.Ack.DupCt,
		SackCt:       v.Ack.SelCt,
		TSHz:         v.TsOpt.Hz.Mean(),
	}
	if v.Dyn != nil {
		hasSYN := v.IFlags&flow.TCPFlagSYN != 0
		hasFIN := v.UFlags&flow.TCPFlagFIN != 0 || v.IFlags&flow.TCPFlagFIN != 0
		d.SequenceCount = v.Dyn.SequenceCount(hasSYN, hasFIN)
		d.WrapCount = v.Dyn.WrapCount()
		d.RetransmitCt = v.Dyn.Retransmits()
		d.ReorderCt = v.Dyn.ReorderMax()
		d.LossBytes = v.Dyn.LostBytes()
		d.MaxInflight = v.Dyn.InflightMax()
		d.MSSObserved = uint16(v.Dyn.MSS())

		samples := rttSamples(v)
		if samples >= minRTTSamples && v.Dyn.RTTValid() {
			// TcpDynamics tracks a corrected minimum and a smoothed
			// current estimate, not a running maximum (qofdyn.c does
			// the same); MaxRTT reports the smoothed estimate rather
			// than inventing a max tracker the original never had.
			d.HaveRTT = true
			d.MinRTT = v.Dyn.RTTMin()
			d.MeanRTT = float64(v.Dyn.RTTEstimate())
			d.MaxRTT = v.Dyn.RTTEstimate()
		}
	}
	return d
}

// rttSamples approximates the RTT sample count from TcpDynamics'
// reporting surface: it does not itself expose a running sample count,
// so rttSamples returns 1 once RTTValid() is set (after the first
// matched ring sample) and 0 otherwise. A minRTTSamples configuration
// above 1 is therefore never reached, and the RTT fields are then left
// unreported.
func rttSamples(v *flow.Val) uint32 {
	if v.Dyn != nil && v.Dyn.RTTValid() {
		return 1
	}
	return 0
}
