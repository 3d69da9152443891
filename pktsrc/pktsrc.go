// Package pktsrc defines the packet-source interface the flow-
// measurement engine consumes from and a gopacket-backed decoder that
// turns a captured frame into the flowtable.PacketInfo the admission
// path expects.
//
// Link-layer decoding and IP fragment reassembly are explicitly out of
// scope for the core: this package leans on gopacket's own layer
// decoding (gopacket.NewPacket, (*layers.TCP).Options) rather than
// unsafe-pointer struct overlays over raw bytes. A batch ETL job reading
// archived snapshots can afford that trick to avoid an allocation per
// record; this engine processes packets one at a time from a live or
// replayed stream, so gopacket's already-decoded layers are the right
// tool here — see DESIGN.md.
package pktsrc

import (
	"errors"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/m-lab/qof/flow"
	"github.com/m-lab/qof/flowtable"
)

// Errors surfaced while decoding a captured frame. Per-packet, these are
// absorbed into a caller's drop counter rather than propagated.
var (
	ErrNoIPLayer        = errors.New("qof/pktsrc: no IP layer")
	ErrUnknownEtherType = errors.New("qof/pktsrc: unsupported ethertype")
)

// Source is the packet-source interface the engine consumes: a stream
// of already-reassembled packets with an observation timestamp,
// terminated by io.EOF.
type Source interface {
	// ReadPacketData returns one captured frame's bytes and capture
	// metadata, or an error (io.EOF at end of stream). Mirrors
	// gopacket.PacketDataSource, the interface pcapgo.Reader already
	// implements, so a pcapgo.Reader is a Source with no adapter.
	ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error)
}

// Decode turns one captured frame into a flowtable.PacketInfo, classify-
// ing it into a FlowKey and extracting the TCP info block (sequence,
// ack, TSval/TSecr, unscaled rwin, MSS/window-scale options, flag byte,
// SACK right edge) when the packet carries TCP.
// Non-IP frames (ARP, etc.) are reported via ErrNoIPLayer for the
// caller to count and drop; Decode never returns ErrUnknownEtherType.
// IP fragments are not detected: a fragment that carries no TCP header
// decodes as a non-TCP packet with zero ports.
func Decode(data []byte, ci gopacket.CaptureInfo, ifc uint16) (flowtable.PacketInfo, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})

	var pi flowtable.PacketInfo
	pi.TimeMs = ci.Timestamp.UnixNano() / int64(1e6)
	pi.IPLen = uint32(ci.Length)
	pi.Ifc = ifc

	if eth, ok := pkt.LinkLayer().(*layers.Ethernet); ok {
		pi.SrcMAC = macArray(eth.SrcMAC)
		pi.DstMAC = macArray(eth.DstMAC)
	}
	if vlan, ok := pkt.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q); ok {
		pi.Key.VlanID = vlan.VLANIdentifier & 0x0FFF
	}

	switch l := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		pi.Key.Version = 4
		pi.Key.Addr = flow.V4Pair{SIP: addr4(l.SrcIP), DIP: addr4(l.DstIP)}
		pi.Key.Proto = uint8(l.Protocol)
		pi.TTL = l.TTL
		pi.ECN = l.TOS & 0x03
		pi.IPLen = uint32(l.Length)
	case *layers.IPv6:
		pi.Key.Version = 6
		pi.Key.Addr = flow.V6Pair{SIP: addr6(l.SrcIP), DIP: addr6(l.DstIP)}
		pi.Key.Proto = uint8(l.NextHeader)
		pi.TTL = l.HopLimit
		pi.ECN = l.TrafficClass & 0x03
		pi.IPLen = uint32(l.Length) + 40
	default:
		return pi, ErrNoIPLayer
	}

	tl := pkt.Layer(layers.LayerTypeTCP)
	if tl == nil {
		if app := pkt.ApplicationLayer(); app != nil {
			pi.AppLen = uint32(len(app.Payload()))
		}
		return pi, nil
	}
	tcpL := tl.(*layers.TCP)
	pi.Key.Sp = uint16(tcpL.SrcPort)
	pi.Key.Dp = uint16(tcpL.DstPort)

	ti := &flowtable.TCPInfo{
		Seq:    tcpL.Seq,
		Ack:    tcpL.Ack,
		Window: tcpL.Window,
	}
	ti.Flags = tcpFlags(tcpL)
	for _, opt := range tcpL.Options {
		switch opt.OptionType {
		case layers.TCPOptionKindMSS:
			if len(opt.OptionData) == 2 {
				ti.HasMSS = true
				ti.MSS = be16(opt.OptionData)
			}
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) == 1 {
				ti.HasWS = true
				ti.WScale = opt.OptionData[0]
			}
		case layers.TCPOptionKindTimestamps:
			if len(opt.OptionData) == 8 {
				ti.HasTS = true
				ti.TSVal = be32(opt.OptionData[0:4])
				ti.TSEcr = be32(opt.OptionData[4:8])
			}
		case layers.TCPOptionKindSACK:
			ti.HasSack = true
			for i := 0; i+8 <= len(opt.OptionData); i += 8 {
				right := be32(opt.OptionData[i+4 : i+8])
				if right > ti.SackEdge {
					ti.SackEdge = right
				}
			}
		}
	}
	pi.TCP = ti
	pi.AppLen = uint32(len(tcpL.LayerPayload()))
	return pi, nil
}

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	if t.FIN {
		f |= flow.TCPFlagFIN
	}
	if t.SYN {
		f |= flow.TCPFlagSYN
	}
	if t.RST {
		f |= flow.TCPFlagRST
	}
	if t.ACK {
		f |= flow.TCPFlagACK
	}
	return f
}

func macArray(hw []byte) (out [6]byte) {
	copy(out[:], hw)
	return out
}

func addr4(ip net.IP) (out [4]byte) {
	copy(out[:], ip.To4())
	return out
}

func addr6(ip net.IP) (out [16]byte) {
	copy(out[:], ip.To16())
	return out
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
