// Package flowtable maintains the set of active flows, ages and closes
// them on idle/active timeout or protocol state, and flushes closed
// flows to an Exporter at a rate-limited cadence.
//
// Grounded on yaftab.c's yfFlowTab_t/yfFlowNode_t and yfFlowGetNode/
// yfFlowPBuf/yfFlowTabFlush. The original keeps active flows on an
// intrusive doubly-linked list of heap-allocated nodes (piqEnQ/piqPick
// over yfFlowNode_t's p/n pointers) and its tunables (YF_FLUSH_DELAY,
// YF_MAX_CQ, and qfDynSetParams's bin/ring sizes) as process globals.
// Here the active and close queues are index-linked over a slice arena
// with a free list, and every tunable is a field on Config passed to
// New, so a table owns its configuration and there is nothing to leak
// across flows or across table instances in tests.
package flowtable

import (
	"github.com/m-lab/qof/flow"
	"github.com/m-lab/qof/metrics"
	"github.com/m-lab/qof/rtt"
	"github.com/m-lab/qof/seq"
	"github.com/m-lab/qof/tcpdyn"
)

const none int32 = -1

// Config bounds a FlowTable's lifetime and capacity behavior. Fields
// mirror yfFlowTabAlloc's parameters and yfFlowTabFlush's constants.
type Config struct {
	IdleMs   int64
	ActiveMs int64
	MaxFlows int

	// SilkMode forces an active-timeout continuation flow whenever a
	// direction's octet counter would overflow 32 bits, matching
	// yfFlowPBuf's SiLK-mode counter-overflow check.
	SilkMode bool
	// Uniflow splits every flushed biflow into one or two
	// unidirectional records on export (see flow.Uniflow).
	Uniflow bool
	// MacMode records source/destination MAC addresses from the first
	// packet of the forward direction.
	MacMode bool

	// FlushDelayMs is the minimum interval between flush passes unless
	// forced or the close queue watermark is exceeded. Ported from
	// YF_FLUSH_DELAY (5000ms in the original).
	FlushDelayMs int64
	// CloseQueueWatermark forces a flush once this many flows are
	// waiting in the close queue, regardless of FlushDelayMs. Ported
	// from YF_MAX_CQ (2500 in the original).
	CloseQueueWatermark int

	// AllowOutOfSequence admits a packet whose timestamp precedes the
	// table's current time by updating only that packet's flow,
	// without advancing the table clock, rather than dropping it
	// outright. Ported from the force_read_all recovery path.
	AllowOutOfSequence bool

	// DynConfig configures the per-direction TcpDynamics (bitmap/ring
	// sizing) allocated for every new flow.
	DynConfig tcpdyn.Config
	// RTTAlpha is the EWMA weight for each flow's BiflowRtt estimator.
	RTTAlpha uint32
}

// TCPInfo carries the per-segment TCP fields the admission path folds
// into a flow's per-direction trackers: sequence, ack, TSval/TSecr,
// unscaled rwin, MSS/window-scale options, flag byte, SACK right edge.
// Populated by a packet-source adapter (see the pktsrc package), not
// decoded here.
type TCPInfo struct {
	Seq, Ack uint32
	Flags    uint8
	Window   uint16

	HasMSS bool
	MSS    uint16

	HasWS  bool
	WScale uint8

	HasTS        bool
	TSVal, TSEcr uint32

	HasSack  bool
	SackEdge uint32
}

// PacketInfo is the fully decoded, reassembled packet the FlowTable
// admits. Grounded on yaftab.c's yfFlowPBuf's packet-buffer argument
// (yfPBuf_t): one flat struct carrying every field admission needs,
// rather than a decoder callback.
type PacketInfo struct {
	Key    flow.FlowKey
	TimeMs int64

	IPLen  uint32
	AppLen uint32
	TTL    uint8
	ECN    uint8
	Ifc    uint16

	SrcMAC, DstMAC [6]byte

	// TCP is nil for non-TCP packets; only counters and MAC/TTL
	// tracking apply to those.
	TCP *TCPInfo
}

// Stats accumulates flow table activity counters for the Process
// Statistics Record. Ported from yfFlowTab_t's embedded stats struct.
type Stats struct {
	Packets  uint64
	Octets   uint64
	SeqRej   uint64
	Flush    uint64
	Flows    uint64
	Uniflows uint64
	Peak     int
}

// Exporter receives completed flow records as the table flushes its
// close queue.
type Exporter interface {
	Export(f *flow.Flow) error
}

type nodeState uint8

const (
	stateRST nodeState = 1 << iota
	stateFFIN
	stateRFIN
	stateFFINACK
	stateRFINACK
)

const stateFinComplete = stateFFIN | stateRFIN | stateFFINACK | stateRFINACK

type node struct {
	flow  flow.Flow
	state nodeState

	// ffinSeq/rfinSeq are the sequence number one past the byte (or
	// control bit) FIN consumed in each direction, used to recognize
	// when the opposite direction's ACK covers that FIN.
	ffinSeq, rfinSeq seq.Num

	prev, next int32 // active-queue links; none if not linked
	inActive   bool
}

// FlowTable holds the active flow set and the queue of closed-but-
// unflushed flows awaiting export.
type FlowTable struct {
	cfg Config
	exp Exporter

	table map[flow.FlowKey]int32

	arena []node
	free  []int32

	activeHead, activeTail int32
	count                  int

	closeQueue []int32

	ctime, flushtime int64
	nextFID          uint64

	Stats Stats
}

// New constructs an empty flow table exporting completed flows to exp.
func New(cfg Config, exp Exporter) *FlowTable {
	return &FlowTable{
		cfg:        cfg,
		exp:        exp,
		table:      make(map[flow.FlowKey]int32),
		activeHead: none,
		activeTail: none,
	}
}

// CurrentTime returns the table's notion of "now": the capture time of
// the most recently admitted packet.
func (ft *FlowTable) CurrentTime() int64 { return ft.ctime }

// Count returns the number of currently active (unclosed) flows.
func (ft *FlowTable) Count() int { return ft.count }

func (ft *FlowTable) allocNode() int32 {
	if n := len(ft.free); n > 0 {
		idx := ft.free[n-1]
		ft.free = ft.free[:n-1]
		ft.arena[idx] = node{}
		return idx
	}
	ft.arena = append(ft.arena, node{})
	return int32(len(ft.arena) - 1)
}

func (ft *FlowTable) releaseNode(idx int32) {
	ft.free = append(ft.free, idx)
}

// activeUnlink removes idx from the active queue if it is linked,
// matching piqPick's tolerance of an already-unlinked node.
func (ft *FlowTable) activeUnlink(idx int32) {
	n := &ft.arena[idx]
	if !n.inActive {
		return
	}
	if n.prev != none {
		ft.arena[n.prev].next = n.next
	} else {
		ft.activeHead = n.next
	}
	if n.next != none {
		ft.arena[n.next].prev = n.prev
	} else {
		ft.activeTail = n.prev
	}
	n.prev, n.next = none, none
	n.inActive = false
}

// activePushFront moves idx to the head of the active queue, linking it
// if it wasn't already present.
func (ft *FlowTable) activePushFront(idx int32) {
	if ft.activeHead == idx {
		return
	}
	ft.activeUnlink(idx)

	n := &ft.arena[idx]
	n.prev = none
	n.next = ft.activeHead
	if ft.activeHead != none {
		ft.arena[ft.activeHead].prev = idx
	}
	ft.activeHead = idx
	if ft.activeTail == none {
		ft.activeTail = idx
	}
	n.inActive = true
}

// getNode finds the existing node for key or its reverse, returning the
// node index, whether val/rval should be read forward, and whether it
// is a brand-new flow. Grounded on yfFlowGetNode.
func (ft *FlowTable) getNode(key flow.FlowKey, contFid uint64) (idx int32, forward bool, isNew bool) {
	if i, ok := ft.table[key]; ok {
		return i, true, false
	}
	rkey := key.Reverse()
	if i, ok := ft.table[rkey]; ok {
		return i, false, false
	}

	idx = ft.allocNode()
	n := &ft.arena[idx]
	*n = node{}
	n.flow.Key = key
	if contFid != 0 {
		n.flow.ID = contFid
	} else {
		ft.nextFID++
		n.flow.ID = ft.nextFID
	}
	n.flow.STime = ft.ctime
	n.flow.ETime = ft.ctime
	n.flow.Val.Dyn = tcpdyn.New(ft.cfg.DynConfig)
	n.flow.RVal.Dyn = tcpdyn.New(ft.cfg.DynConfig)
	n.flow.RTT = rtt.NewBiflowRtt(ft.cfg.RTTAlpha)
	n.prev, n.next = none, none

	ft.table[key] = idx
	ft.count++
	if ft.count > ft.Stats.Peak {
		ft.Stats.Peak = ft.count
	}
	return idx, true, true
}

// closeFlow removes a flow from the table and active queue, stamps its
// termination reason, and moves it to the close queue for export.
// Ported from yfFlowClose.
func (ft *FlowTable) closeFlow(idx int32, reason uint8) {
	n := &ft.arena[idx]
	delete(ft.table, n.flow.Key)
	n.flow.Reason = (n.flow.Reason &^ flow.EndMask) | reason
	ft.activeUnlink(idx)
	ft.closeQueue = append(ft.closeQueue, idx)
	ft.count--
}

// silkOverflow reports whether this packet's octets would push either
// direction's 32-bit octet counter past its limit, forcing an early
// active-timeout closure in SiLK mode. Ported from yfFlowPBuf's SiLK
// counter-overflow check.
func silkOverflow(n *node, ipLen uint32) bool {
	const max32 = 1<<32 - 1
	return n.flow.Val.Oct+uint64(ipLen) > max32 || n.flow.RVal.Oct+uint64(ipLen) > max32
}

// Admit folds one fully-decoded packet into the flow table: out-of-
// sequence handling, flow lookup/creation, active/idle timeout closure
// with continuation, per-direction dispatch, and FIN/RST-driven
// closure. Ported from yfFlowPBuf.
func (ft *FlowTable) Admit(pi PacketInfo) {
	if pi.TimeMs < ft.ctime {
		ft.Stats.SeqRej++
		if !ft.cfg.AllowOutOfSequence {
			return
		}
		ft.admitOutOfSequence(pi)
		return
	}
	ft.ctime = pi.TimeMs
	ft.admit(pi)
}

// admitOutOfSequence folds a late packet into its flow's state without
// advancing the table clock. It never creates a new flow or evaluates
// timeouts: a flow old enough to have fallen behind the table clock is
// not a candidate for a fresh start.
func (ft *FlowTable) admitOutOfSequence(pi PacketInfo) {
	idx, ok := ft.table[pi.Key]
	forward := true
	if !ok {
		idx, ok = ft.table[pi.Key.Reverse()]
		forward = false
	}
	if !ok {
		return
	}
	n := &ft.arena[idx]
	ft.dispatch(n, forward, pi)
	ft.Stats.Packets++
	ft.Stats.Octets += uint64(pi.IPLen)
}

func (ft *FlowTable) admit(pi PacketInfo) {
	idx, forward, isNew := ft.getNode(pi.Key, 0)
	n := &ft.arena[idx]

	if !isNew {
		switch {
		case ft.ctime-n.flow.STime > ft.cfg.ActiveMs || (ft.cfg.SilkMode && silkOverflow(n, pi.IPLen)):
			contFid := n.flow.ID
			ft.closeFlow(idx, flow.EndActive)
			ft.arena[idx].flow.Continued = true
			idx, forward, _ = ft.getNode(pi.Key, contFid)
			n = &ft.arena[idx]
		case ft.ctime-n.flow.ETime > ft.cfg.IdleMs:
			ft.closeFlow(idx, flow.EndIdle)
			idx, forward, _ = ft.getNode(pi.Key, 0)
			n = &ft.arena[idx]
		}
	}

	ft.dispatch(n, forward, pi)
	ft.Stats.Packets++
	ft.Stats.Octets += uint64(pi.IPLen)

	if pi.TimeMs > n.flow.ETime {
		n.flow.ETime = pi.TimeMs
	}

	if n.state&stateRST != 0 || n.state&stateFinComplete == stateFinComplete {
		ft.closeFlow(idx, flow.EndClosed)
		return
	}
	ft.activePushFront(idx)
}

// dispatch folds one packet into the direction's Val and, for TCP,
// every per-direction tracker plus the biflow RTT estimator and FIN/RST
// close-state tracking. Ported from yfFlowValUpdate / the TCP-specific
// portions of yfFlowPBuf.
func (ft *FlowTable) dispatch(n *node, forward bool, pi PacketInfo) {
	val := &n.flow.Val
	if !forward {
		val = &n.flow.RVal
	}

	if !forward && val.Pkt == 0 {
		n.flow.RDTime = int32(pi.TimeMs - n.flow.STime)
	}

	if pi.TTL != 0 {
		if val.Pkt == 0 {
			val.MinTTL, val.MaxTTL = pi.TTL, pi.TTL
		} else {
			if pi.TTL < val.MinTTL {
				val.MinTTL = pi.TTL
			}
			if pi.TTL > val.MaxTTL {
				val.MaxTTL = pi.TTL
			}
		}
	}
	if ft.cfg.MacMode && forward && val.Pkt == 0 {
		n.flow.SrcMAC, n.flow.DstMAC = pi.SrcMAC, pi.DstMAC
	}
	if pi.Ifc != 0 {
		val.Ifc = pi.Ifc
	}

	if pi.TCP != nil {
		if val.Pkt == 0 {
			val.IFlags = pi.TCP.Flags
		} else {
			val.UFlags |= pi.TCP.Flags
		}
	}

	val.Oct += uint64(pi.IPLen)
	val.AppOct += uint64(pi.AppLen)
	val.Pkt++
	if pi.AppLen > 0 {
		val.AppPkt++
	}

	switch pi.ECN {
	case 1:
		val.OptFlags |= flow.OptECT1
	case 2:
		val.OptFlags |= flow.OptECT0
	case 3:
		val.OptFlags |= flow.OptCE
	}

	if pi.TCP == nil {
		return
	}
	tc := pi.TCP
	ms := uint32(pi.TimeMs)

	if tc.Flags&flow.TCPFlagSYN != 0 {
		val.Dyn.Syn(seq.Num(tc.Seq), ms)
		if tc.HasMSS {
			val.DeclMSS = tc.MSS
		}
		if tc.HasWS {
			val.Rwin.SetScale(tc.WScale)
		}
	}

	consumed := pi.AppLen
	if tc.Flags&flow.TCPFlagFIN != 0 {
		consumed++
	}
	if consumed > 0 {
		val.Dyn.Seq(seq.Num(tc.Seq)+seq.Num(consumed), consumed, ms)
	}
	if tc.Flags&flow.TCPFlagACK != 0 {
		val.Dyn.Ack(seq.Num(tc.Ack), ms)
	}

	var sack seq.Num
	if tc.HasSack {
		sack = seq.Num(tc.SackEdge)
		if sack == 0 {
			sack = tcpdyn.SackOK
		}
		val.OptFlags |= flow.OptSACK
	}
	val.Ack.Segment(seq.Num(tc.Ack), sack, pi.AppLen, ms)
	val.Rwin.Segment(uint32(tc.Window))
	if tc.HasTS {
		val.TsOpt.Segment(tc.TSVal, tc.TSEcr, ms)
		val.OptFlags |= flow.OptTS
	}
	if tc.HasWS {
		val.OptFlags |= flow.OptWS
	}

	n.flow.RTT.Observe(seq.Num(tc.Seq), seq.Num(tc.Ack), tc.TSVal, tc.TSEcr, ms, tc.Flags&flow.TCPFlagACK != 0, !forward)

	if tc.Flags&flow.TCPFlagRST != 0 {
		n.state |= stateRST
	}
	finSeq := seq.Num(tc.Seq) + seq.Num(pi.AppLen) + 1
	if forward {
		if tc.Flags&flow.TCPFlagFIN != 0 {
			n.state |= stateFFIN
			n.ffinSeq = finSeq
		}
		if tc.Flags&flow.TCPFlagACK != 0 && n.state&stateRFIN != 0 && n.state&stateRFINACK == 0 &&
			seq.Compare(seq.Num(tc.Ack), n.rfinSeq) >= 0 {
			n.state |= stateRFINACK
		}
	} else {
		if tc.Flags&flow.TCPFlagFIN != 0 {
			n.state |= stateRFIN
			n.rfinSeq = finSeq
		}
		if tc.Flags&flow.TCPFlagACK != 0 && n.state&stateFFIN != 0 && n.state&stateFFINACK == 0 &&
			seq.Compare(seq.Num(tc.Ack), n.ffinSeq) >= 0 {
			n.state |= stateFFINACK
		}
	}
}

// Flush runs one eviction/drain pass, bypassing the rate limiter.
// Intended for an explicit operator-requested flush or shutdown.
func (ft *FlowTable) Flush(now int64, forced bool) error {
	return ft.flush(now, forced, true)
}

// MaybeFlush runs a flush pass only if forced, the close queue has
// crossed its watermark, or FlushDelayMs has elapsed since the last
// flush. Ported from yfFlowTabFlush's rate limiting.
func (ft *FlowTable) MaybeFlush(now int64, forced bool) error {
	return ft.flush(now, forced, false)
}

func (ft *FlowTable) flush(now int64, forced, ignoreRateLimit bool) error {
	if !forced && !ignoreRateLimit {
		if len(ft.closeQueue) < ft.cfg.CloseQueueWatermark && now-ft.flushtime < ft.cfg.FlushDelayMs {
			return nil
		}
	}
	ft.flushtime = now
	ft.Stats.Flush++

	for ft.activeTail != none {
		tail := &ft.arena[ft.activeTail]
		if now-tail.flow.ETime <= ft.cfg.IdleMs {
			break
		}
		ft.closeFlow(ft.activeTail, flow.EndIdle)
	}

	if ft.cfg.MaxFlows > 0 {
		for ft.count >= ft.cfg.MaxFlows && ft.activeTail != none {
			ft.closeFlow(ft.activeTail, flow.EndResource)
		}
	}

	if forced {
		for ft.activeTail != none {
			ft.closeFlow(ft.activeTail, flow.EndForced)
		}
	}

	return ft.drainCloseQueue()
}

// export hands one flow to the configured Exporter, recovering and
// re-raising any panic from the collaborator with its originating tag
// counted first, so a crash in third-party export code still shows up
// in the panic metric before it takes the process down.
func (ft *FlowTable) export(f *flow.Flow) (err error) {
	defer func() { metrics.CountPanics(recover(), "export") }()
	if err = ft.exp.Export(f); err != nil {
		return err
	}
	metrics.FlowsExported.Inc()
	return nil
}

// drainCloseQueue finalizes and exports every flow waiting in the close
// queue, releasing its arena slot afterward. An exporter error stops the
// drain immediately; flows not yet drained remain in the close queue to
// be retried (or abandoned) by the caller, so no partial record is ever
// committed beyond the one that failed.
func (ft *FlowTable) drainCloseQueue() error {
	drained := 0
	defer func() { ft.closeQueue = ft.closeQueue[:copy(ft.closeQueue, ft.closeQueue[drained:])] }()

	for _, idx := range ft.closeQueue {
		n := &ft.arena[idx]
		n.flow.Val.Dyn.Close()
		n.flow.RVal.Dyn.Close()

		if ft.cfg.Uniflow {
			fwd, rev := flow.Uniflow(&n.flow)
			if err := ft.export(&fwd); err != nil {
				return err
			}
			ft.Stats.Flows++
			ft.Stats.Uniflows++
			if rev != nil {
				if err := ft.export(rev); err != nil {
					return err
				}
				ft.Stats.Uniflows++
			}
		} else {
			if err := ft.export(&n.flow); err != nil {
				return err
			}
			ft.Stats.Flows++
		}

		ft.releaseNode(idx)
		drained++
	}
	return nil
}
