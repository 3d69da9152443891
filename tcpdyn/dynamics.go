// Package tcpdyn tracks per-direction TCP sender dynamics: sequence
// advancement, retransmission and loss via a sliding bitmap, round-trip
// time via a paced sequence/ack ring, receiver-advertised window,
// acknowledgment duplication/SACK counts, and TCP timestamp clock rate.
//
// Algorithms are ported from qofdyn.c (TcpDynamics), qofack.c
// (AckTracker), qofrwin.c (WindowTracker) and qofts.c (TimestampTracker).
// Each original file's process-global tunables (qfDynSetParams's bin
// capacity/scale and ring capacity) become constructor parameters here,
// so a TcpDynamics value owns its own configuration rather than reading
// package state shared across every flow.
package tcpdyn

import (
	"github.com/m-lab/qof/seq"
	"github.com/m-lab/qof/stats"
)

const (
	rttAlpha          = 8
	seqSamplePeriodMs = 1
)

// Config bounds the sequence bitmap and RTT sample ring a TcpDynamics
// allocates. Zero either field to disable that tracker for flows where
// retransmission/loss accounting or RTT sampling isn't wanted.
type Config struct {
	BitmapCapacityBytes uint32
	BitmapScaleBytes    uint32
	RingCapacity        int
}

// TcpDynamics tracks one direction's TCP sender state across the life
// of a flow.
type TcpDynamics struct {
	cfg Config

	synInit bool
	ackInit bool

	isn seq.Num // initial sequence number
	fsn seq.Num // farthest sequence number seen

	fan    seq.Num // farthest ack number seen
	fanLMs uint32  // capture time of last ack advance

	mss         uint32
	inflightMax uint32
	reorderMax  uint32
	wrapCt      uint32
	rtxCt       uint64

	rttCorrPending bool
	rttCorr        uint32
	rttEst         stats.LinearSmoothed
	rttMin         uint32
	rttValid       bool

	sb *seq.Bitmap
	sr *seq.SeqRing

	srSkip   uint32
	srPeriod uint32
}

// New constructs a tracker with the given bitmap/ring configuration.
func New(cfg Config) *TcpDynamics {
	return &TcpDynamics{cfg: cfg, rttEst: stats.NewLinearSmoothed(rttAlpha)}
}

// Syn records the initial sequence number of a SYN segment, allocating
// the bitmap and sample ring on first call. A duplicate SYN is ignored.
func (qd *TcpDynamics) Syn(initialSeq seq.Num, ms uint32) {
	if qd.synInit {
		return
	}
	if qd.cfg.RingCapacity > 0 {
		qd.sr = seq.NewSeqRing(qd.cfg.RingCapacity)
	}
	if qd.cfg.BitmapCapacityBytes > 0 {
		qd.sb = seq.NewBitmap(qd.cfg.BitmapCapacityBytes, qd.cfg.BitmapScaleBytes)
	}
	qd.isn = initialSeq
	qd.fsn = initialSeq
	qd.synInit = true
}

// Seq folds a data segment ending at seqEnd, covering octets bytes, into
// the tracker: retransmission/loss detection, MSS, RTT correction term
// update, sequence advancement, inflight/reorder maxima, and RTT ring
// sampling at the adaptive pacing rate.
func (qd *TcpDynamics) Seq(seqEnd seq.Num, octets uint32, ms uint32) {
	if octets == 0 || !qd.synInit {
		return
	}

	if octets > qd.mss {
		qd.mss = octets
	}

	if qd.rttCorrPending && seq.Compare(seqEnd-seq.Num(qd.inflightMax), qd.fan) > -1 {
		qd.rttCorrPending = false
		qd.correctRTT(ms - qd.fanLMs)
	}

	if qd.sb != nil {
		res := qd.sb.TestAndSet(seqEnd-seq.Num(octets), seqEnd)
		if res == seq.PartialIntersection || res == seq.FullIntersection {
			qd.rtxCt++
		}
	}

	if seq.Compare(seqEnd, qd.fsn) > 0 {
		if seqEnd < qd.fsn {
			qd.wrapCt++
		}
		qd.fsn = seqEnd

		if qd.ackInit && seq.Compare(qd.fsn, qd.fan) > 0 {
			inflight := uint32(qd.fsn - qd.fan)
			if qd.inflightMax < inflight {
				qd.inflightMax = inflight
			}
		}

		if qd.seqSampleDue(ms) {
			qd.sr.Add(seqEnd, ms)
		}
	} else {
		reorder := uint32(qd.fsn - seqEnd)
		if reorder > qd.reorderMax {
			qd.reorderMax = reorder
		}
	}
}

// Ack folds an acknowledgment segment into the tracker: first-ack
// initialization, ack advancement, and (when a sample ring exists) RTT
// sampling via the ring's oldest matching outstanding sequence sample.
func (qd *TcpDynamics) Ack(ack seq.Num, ms uint32) {
	if !qd.ackInit {
		qd.ackInit = true
		qd.fan = ack
		qd.fanLMs = ms
		qd.rttCorr = ^uint32(0)
		return
	}
	if seq.Compare(ack, qd.fan) <= 0 {
		return
	}
	qd.fan = ack
	qd.fanLMs = ms

	if qd.sr != nil {
		if irtt, ok := qd.sr.MatchAck(ack, ms); ok && irtt != 0 {
			qd.trackRTT(irtt)
		}
		qd.rttCorrPending = true
	}
}

// Close finalizes the retransmission/loss bitmap, accounting for any
// sequence space that was shifted out of the window but never observed.
func (qd *TcpDynamics) Close() {
	if qd.sb != nil {
		qd.sb.Finalize()
	}
}

// SequenceCount returns the total octet count implied by sequence space
// advancement (accounting for 32-bit wraps), excluding the SYN/FIN
// control-sequence bytes when hasSYN/hasFIN report them present.
func (qd *TcpDynamics) SequenceCount(hasSYN, hasFIN bool) uint64 {
	wraps := uint64(qd.wrapCt)
	if qd.fsn < qd.isn {
		// The uint32 subtraction below already folds in one wrap's
		// worth of the 2^32 modulus (it went negative and came back
		// around), so that wrap must not be added a second time.
		wraps--
	}
	sc := uint64(qd.fsn-qd.isn) + (uint64(1)<<32)*wraps
	if hasSYN && sc > 0 {
		sc--
	}
	if hasFIN && sc > 0 {
		sc--
	}
	return sc
}

// LostBytes reports the cumulative byte count the bitmap shifted out of
// its window while never observed.
func (qd *TcpDynamics) LostBytes() uint64 {
	if qd.sb == nil {
		return 0
	}
	return qd.sb.LostBytes()
}

// Retransmits returns the count of segments detected as full or partial
// retransmissions.
func (qd *TcpDynamics) Retransmits() uint64 { return qd.rtxCt }

// RingOverruns returns the count of outstanding RTT samples dropped for
// lack of room in the sample ring.
func (qd *TcpDynamics) RingOverruns() uint64 {
	if qd.sr == nil {
		return 0
	}
	return qd.sr.Overrun()
}

// RTTEstimate returns the smoothed round-trip-time estimate in ms.
func (qd *TcpDynamics) RTTEstimate() uint32 { return qd.rttEst.Value }

// RTTMin returns the minimum smoothed RTT observed; zero until the first
// matched ring sample. It is updated only while the correction term is
// nonzero, and the all-ones value the term takes on the first ACK counts
// as nonzero.
func (qd *TcpDynamics) RTTMin() uint32 { return qd.rttMin }

// RTTValid reports whether RTTMin has been set from at least one matched
// ring sample.
func (qd *TcpDynamics) RTTValid() bool { return qd.rttValid }

// InflightMax returns the largest observed gap between fsn and fan.
func (qd *TcpDynamics) InflightMax() uint32 { return qd.inflightMax }

// ReorderMax returns the largest observed backward jump in fsn.
func (qd *TcpDynamics) ReorderMax() uint32 { return qd.reorderMax }

// WrapCount returns the number of times the sequence number space has
// wrapped modulo 2^32 in this direction.
func (qd *TcpDynamics) WrapCount() uint32 { return qd.wrapCt }

// MSS returns the largest single-segment octet count observed.
func (qd *TcpDynamics) MSS() uint32 { return qd.mss }

func (qd *TcpDynamics) correctRTT(crtt uint32) {
	if crtt < qd.rttCorr {
		qd.rttCorr = crtt
	}
}

func (qd *TcpDynamics) trackRTT(irtt uint32) {
	irtt += qd.rttCorr
	qd.rttEst.Add(irtt)

	if qd.rttCorr != 0 && (qd.rttMin == 0 || qd.rttEst.Value < qd.rttMin) {
		qd.rttMin = qd.rttEst.Value
		qd.rttValid = true
	}
}

// seqSampleDue applies qofdyn.c's adaptive pacing: no more than one
// sample per seqSamplePeriodMs, then a skip count recomputed from
// outstanding-bytes / mss / ring headroom once both SYN and the first
// ACK have been seen.
func (qd *TcpDynamics) seqSampleDue(ms uint32) bool {
	if qd.sr == nil {
		return false
	}
	if qd.sr.LastMs()+seqSamplePeriodMs > ms {
		return false
	}
	if qd.srSkip < qd.srPeriod {
		qd.srSkip++
		return false
	}

	if qd.synInit && qd.ackInit && qd.mss > 0 {
		avail := uint32(qd.sr.Available())
		if avail == 0 {
			avail = 1
		}
		period := (uint32(qd.fsn-qd.fan) / qd.mss) / avail
		if period > 0 {
			period--
		}
		qd.srPeriod = period
	} else {
		qd.srPeriod = 0
	}
	qd.srSkip = 0
	return true
}
