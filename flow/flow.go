// Package flow defines the flow key, directional value, and biflow
// record types the flow table and exporter operate on.
//
// Grounded on yafcore.h's yfFlowKey_t/yfFlowVal_t/yfFlow_t. The
// original's address field is a C union discriminated by a sibling
// Version byte; here it is an AddrPair interface implemented by V4Pair
// and V6Pair, a sum type rather than a union-plus-tag, per this
// module's explicit redesign of that detail. Both implementations are
// plain byte-array structs, so FlowKey remains comparable and usable
// directly as a Go map key (ports yfFlowKeyHash/yfFlowKeyEqual's
// semantics onto Go's built-in struct/interface equality rather than a
// hand-rolled hash table).
package flow

import (
	"github.com/m-lab/qof/rtt"
	"github.com/m-lab/qof/tcpdyn"
)

// Protocol numbers this engine treats specially.
const (
	ProtoICMP  = 1
	ProtoTCP   = 6
	ProtoUDP   = 17
	ProtoICMP6 = 58
)

// AddrPair is the pair of source/destination addresses for one IP
// version. FlowKey embeds one via this interface rather than a C-style
// tagged union.
type AddrPair interface {
	addrPair()
	reversed() AddrPair
}

// V4Pair holds an IPv4 source/destination pair.
type V4Pair struct {
	SIP, DIP [4]byte
}

func (V4Pair) addrPair() {}
func (p V4Pair) reversed() AddrPair {
	return V4Pair{SIP: p.DIP, DIP: p.SIP}
}

// V6Pair holds an IPv6 source/destination pair.
type V6Pair struct {
	SIP, DIP [16]byte
}

func (V6Pair) addrPair() {}
func (p V6Pair) reversed() AddrPair {
	return V6Pair{SIP: p.DIP, DIP: p.SIP}
}

// FlowKey is the tuple that identifies a flow: ports, protocol, IP
// version, VLAN, and address pair. It is comparable and intended for
// direct use as a map key.
type FlowKey struct {
	Sp, Dp  uint16
	Proto   uint8
	Version uint8
	VlanID  uint16
	Addr    AddrPair
}

// Reverse returns the key for the opposite direction of the same flow.
// ICMP/ICMPv6 keep port fields as-is (they carry type/code, not a
// transport port pair), matching yfFlowKeyReverse's special case.
func (k FlowKey) Reverse() FlowKey {
	r := k
	if k.Proto != ProtoICMP && k.Proto != ProtoICMP6 {
		r.Sp, r.Dp = k.Dp, k.Sp
	}
	r.Addr = k.Addr.reversed()
	return r
}

// Termination reasons, ported from yafcore.h's YAF_END_* macros. Reason
// is the low 7 bits of the original's reason byte; Continued is its
// high bit (YAF_ENDF_ISCONT).
const (
	EndIdle     uint8 = 1
	EndActive   uint8 = 2
	EndClosed   uint8 = 3
	EndForced   uint8 = 4
	EndResource uint8 = 5
	EndUDPForce uint8 = 0x1F

	EndMask       uint8 = 0x7F
	EndFContinued uint8 = 0x80
)

// TCP control flags this engine inspects. Values match the standard TCP
// header flag bit positions so they can be built directly from a
// decoded TCP header's flag byte.
const (
	TCPFlagFIN uint8 = 0x01
	TCPFlagSYN uint8 = 0x02
	TCPFlagRST uint8 = 0x04
	TCPFlagACK uint8 = 0x10
)

// Option/ECN presence bits observed on a direction, ported from
// qofdyn.c's per-direction flag word (ECT0/ECT1/CE/TS/SACK/WS bits).
const (
	OptECT0 uint8 = 1 << iota
	OptECT1
	OptCE
	OptTS
	OptSACK
	OptWS
)

// Val is one direction's accumulated packet/octet counters and TCP
// tracking state. Two of these, forward and reverse, make up a Flow.
// Ported from yfFlowVal_t.
type Val struct {
	Oct, AppOct uint64
	Pkt, AppPkt uint64

	Dyn   *tcpdyn.TcpDynamics
	Ack   tcpdyn.AckTracker
	Rwin  tcpdyn.WindowTracker
	TsOpt tcpdyn.TimestampTracker

	// DeclMSS is the MSS option value advertised on this direction's
	// SYN, as opposed to Dyn.MSS()'s observed largest-segment size.
	DeclMSS  uint16
	OptFlags uint8

	MinTTL, MaxTTL uint8
	IFlags, UFlags uint8

	// Ifc is the ingress/egress interface number for this direction:
	// the capturing source's per-packet interface number by default,
	// overridden by an ifmap.IfMap address lookup at export time when
	// one is configured.
	Ifc uint16
}

// Flow joins a flow key with forward and reverse values and biflow RTT
// state. Ported from yfFlow_t.
type Flow struct {
	ID    uint64
	STime int64 // flow start, epoch ms
	ETime int64 // flow end (last packet seen), epoch ms

	// RDTime is the reverse direction's delta start time in ms: the
	// elapsed time between the flow's first forward and first reverse
	// packet, i.e. roughly the initial round-trip time.
	RDTime int32

	Reason    uint8
	Continued bool

	SrcMAC, DstMAC [6]byte

	Val, RVal Val
	RTT       *rtt.BiflowRtt

	Key FlowKey
}

// Uniflow splits a biflow record into two unidirectional records: the
// forward record unchanged (reverse value zeroed), and — if the reverse
// direction ever saw traffic — a reversed record carrying the reverse
// value as its forward value. Ported from yfUniflow/yfUniflowReverse.
func Uniflow(f *Flow) (fwd Flow, rev *Flow) {
	fwd = *f
	fwd.RVal = Val{}
	fwd.RDTime = 0

	if f.RVal.Pkt == 0 && f.RVal.Oct == 0 {
		return fwd, nil
	}

	r := *f
	r.Key = f.Key.Reverse()
	r.Val = f.RVal
	r.RVal = Val{}
	r.RDTime = 0
	r.SrcMAC, r.DstMAC = f.DstMAC, f.SrcMAC
	return fwd, &r
}
