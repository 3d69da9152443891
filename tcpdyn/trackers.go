package tcpdyn

import (
	"github.com/m-lab/qof/seq"
	"github.com/m-lab/qof/stats"
)

// SackOK is the sentinel SACK-block value meaning "the SACK option was
// present but carried zero blocks," distinct from "no SACK option seen
// at all" (sack == 0 in AckTracker.Segment's sack parameter). Named
// explicitly here rather than left as an overloaded magic number, per
// qofack.h's QOF_SACK_OK.
const SackOK seq.Num = 1

// AckTracker tracks the farthest acknowledgment seen in one direction,
// duplicate-ack count, and selective-ack count. Ported from qofack.c.
type AckTracker struct {
	Fan    seq.Num
	FanLMs uint32
	DupCt  uint32
	SelCt  uint32
}

// Segment folds one segment's ack/sack fields into the tracker. sack is
// the highest SACK block right edge seen on this segment, SackOK if the
// option was present with no blocks, or zero if absent. octets is the
// segment's payload length (a zero-octet duplicate ack increments DupCt).
func (qa *AckTracker) Segment(ack, sack seq.Num, octets uint32, ms uint32) {
	if qa.Fan == 0 || seq.Compare(ack, qa.Fan) > 0 {
		qa.Fan = ack
		qa.FanLMs = ms
	} else if octets == 0 {
		qa.DupCt++
	}

	if sack != 0 && sack != SackOK && seq.Compare(sack, ack) > 0 {
		qa.SelCt++
	}
}

// WindowTracker tracks receiver-advertised window statistics and stall
// events (an advertised window of zero after a nonzero one). Ported from
// qofrwin.c.
type WindowTracker struct {
	Val   stats.StreamStats
	Stall uint32
	Scale uint8
}

// SetScale records the negotiated window scale option.
func (qr *WindowTracker) SetScale(wscale uint8) { qr.Scale = wscale }

// Segment folds one segment's unscaled advertised window into the
// tracker, scaling it before accumulating.
func (qr *WindowTracker) Segment(unscaled uint32) {
	if qr.Val.Last > 0 && unscaled == 0 {
		qr.Stall++
	}
	qr.Val.Add(unscaled << qr.Scale)
}

// TimestampTracker estimates a peer's TCP timestamp clock rate in Hz
// from the rate of change of TSVAL over capture time. Ported from
// qofts.c.
type TimestampTracker struct {
	Hz    stats.StreamStats
	tsVal uint32
	tsLMs uint32
}

// Segment folds one segment's TSVAL into the rate estimate. ecr is
// unused by the original estimator but accepted to mirror
// qfTimestampSegment's signature, which receives it for symmetry with
// the rest of the timestamp-option decode path.
func (ts *TimestampTracker) Segment(val, ecr uint32, lms uint32) {
	if ts.tsLMs == 0 && ts.tsVal == 0 {
		ts.tsLMs = lms
		ts.tsVal = val
		return
	}
	hz := float64(val-ts.tsVal) / (float64(lms-ts.tsLMs) / 1000.0)
	ts.Hz.Add(uint32(hz))
	ts.tsLMs = lms
	ts.tsVal = val
}
