// Package rtt estimates round-trip time for a biflow from the sequence
// and acknowledgment numbers (and, when present, TCP timestamp option
// values) observed on each half of the connection.
//
// The estimator is a four-state machine per direction — ack-wait and
// ecr-wait — ported from qofrtt.c's qfRttSegment: a forward-direction
// data segment arms a wait for the ACK that covers it; when that ACK
// arrives (or, lacking one, the corresponding TSECR echoes the segment's
// TSVAL), the elapsed time becomes a raw RTT sample and, symmetrically,
// arms the other direction's wait so RTT keeps getting sampled off
// whichever side is currently sending data.
package rtt

import (
	"github.com/m-lab/qof/seq"
	"github.com/m-lab/qof/stats"
)

// dir tracks one direction's outstanding wait.
type dir struct {
	tsack   seq.Num // next ack/tsecr expected in this direction
	lms     uint32  // capture time (ms) the waited-for seq/tsval was sent
	ackWait bool
	ecrWait bool
	obsMs   uint32 // last observation taken in this direction
}

func (d *dir) setAckWait(seqNum seq.Num, ms uint32) {
	d.ackWait = true
	d.ecrWait = false
	d.lms = ms
	d.tsack = seqNum
}

func (d *dir) setEcrWait(tsval uint32, ms uint32) {
	d.ackWait = false
	d.ecrWait = true
	d.lms = ms
	d.tsack = seq.Num(tsval)
}

// AckWait reports whether this direction is waiting for an ACK.
func (d *dir) AckWait() bool { return d.ackWait }

// EcrWait reports whether this direction is waiting for a TSECR echo.
func (d *dir) EcrWait() bool { return d.ecrWait }

// BiflowRtt accumulates a smoothed RTT estimate for one biflow by
// observing every segment sent in either direction.
type BiflowRtt struct {
	Val stats.LinearSmoothed
	Fwd dir
	Rev dir
}

// NewBiflowRtt returns an estimator with the given EWMA weight, matching
// qofdyn.c's rtt smoothing alpha.
func NewBiflowRtt(alpha uint32) *BiflowRtt {
	return &BiflowRtt{Val: stats.NewLinearSmoothed(alpha)}
}

// sample folds a completed round-trip observation (the sum of both
// directions' last observed half-trip times) into the smoothed estimate,
// matching qfRttSample: a sample is only taken once both halves have a
// nonzero observation.
func (r *BiflowRtt) sample() {
	if r.Fwd.obsMs != 0 && r.Rev.obsMs != 0 {
		r.Val.Add(r.Fwd.obsMs + r.Rev.obsMs)
	}
}

// Observe folds one TCP segment into the estimator. seq and ack are the
// segment's sequence and acknowledgment numbers; tsval/tsecr are its TCP
// timestamp option values (tsval == 0 means the option was absent,
// matching qfRttSegment's own truthiness check rather than a separate
// presence flag); ms is the segment's capture time; hasAck reports
// whether the ACK flag was set; reverse selects which side of the
// biflow sent this segment.
func (r *BiflowRtt) Observe(seqNum, ack seq.Num, tsval, tsecr uint32, ms uint32, hasAck, reverse bool) {
	var fwd, rev *dir
	if reverse {
		fwd, rev = &r.Rev, &r.Fwd
	} else {
		fwd, rev = &r.Fwd, &r.Rev
	}

	switch {
	case fwd.ackWait && hasAck && seq.Compare(ack, fwd.tsack) >= 0:
		fwd.obsMs = ms - fwd.lms
		r.sample()
		fwd.ackWait = false
		if tsval != 0 {
			rev.setEcrWait(tsval, ms)
		}
	case fwd.ecrWait && seq.Compare(seq.Num(tsecr), fwd.tsack) >= 0:
		fwd.obsMs = ms - fwd.lms
		r.sample()
		// qfRttSegment takes this second, unconditional sample in
		// addition to the one taken by sample() above.
		r.Val.Add(fwd.obsMs + rev.obsMs)
		fwd.ecrWait = false
		rev.setAckWait(seqNum, ms)
	case !rev.ackWait && !rev.ecrWait:
		rev.setAckWait(seqNum, ms)
	}
}
