package flow_test

import (
	"testing"

	"github.com/m-lab/qof/flow"
)

func TestReverseIsInvolution(t *testing.T) {
	k := flow.FlowKey{
		Sp: 443, Dp: 51000, Proto: flow.ProtoTCP, Version: 4, VlanID: 7,
		Addr: flow.V4Pair{SIP: [4]byte{10, 0, 0, 1}, DIP: [4]byte{10, 0, 0, 2}},
	}
	if k.Reverse().Reverse() != k {
		t.Errorf("reverse(reverse(key)) != key")
	}
}

func TestReverseSwapsPorts(t *testing.T) {
	k := flow.FlowKey{Sp: 1, Dp: 2, Proto: flow.ProtoTCP, Version: 4,
		Addr: flow.V4Pair{}}
	r := k.Reverse()
	if r.Sp != 2 || r.Dp != 1 {
		t.Errorf("reverse ports = %d/%d, want 2/1", r.Sp, r.Dp)
	}
}

func TestReverseKeepsICMPPorts(t *testing.T) {
	k := flow.FlowKey{Sp: 8, Dp: 0, Proto: flow.ProtoICMP, Version: 4,
		Addr: flow.V4Pair{}}
	r := k.Reverse()
	if r.Sp != 8 || r.Dp != 0 {
		t.Errorf("icmp reverse changed type/code fields: %+v", r)
	}
}

func TestFlowKeyUsableAsMapKey(t *testing.T) {
	m := make(map[flow.FlowKey]int)
	k1 := flow.FlowKey{Sp: 1, Dp: 2, Proto: flow.ProtoTCP, Version: 4, Addr: flow.V4Pair{}}
	k2 := flow.FlowKey{Sp: 1, Dp: 2, Proto: flow.ProtoTCP, Version: 4, Addr: flow.V4Pair{}}
	m[k1] = 1
	if _, ok := m[k2]; !ok {
		t.Errorf("equal flow keys did not collide in the map")
	}
}

func TestUniflowNoReverseTraffic(t *testing.T) {
	f := &flow.Flow{Key: flow.FlowKey{Addr: flow.V4Pair{}}}
	f.Val.Pkt = 10
	fwd, rev := flow.Uniflow(f)
	if rev != nil {
		t.Errorf("expected no reverse uniflow when reverse direction saw no traffic")
	}
	if fwd.Val.Pkt != 10 {
		t.Errorf("forward uniflow lost its value")
	}
}

func TestUniflowSplitsBidirectionalTraffic(t *testing.T) {
	f := &flow.Flow{Key: flow.FlowKey{
		Sp: 1, Dp: 2, Proto: flow.ProtoTCP, Version: 4,
		Addr: flow.V4Pair{SIP: [4]byte{1, 1, 1, 1}, DIP: [4]byte{2, 2, 2, 2}},
	}}
	f.Val.Pkt, f.Val.Oct = 5, 500
	f.RVal.Pkt, f.RVal.Oct = 3, 300

	fwd, rev := flow.Uniflow(f)
	if rev == nil {
		t.Fatalf("expected a reverse uniflow record")
	}
	if fwd.Val.Pkt != 5 || rev.Val.Pkt != 3 {
		t.Errorf("uniflow split packet counts wrong: fwd=%d rev=%d", fwd.Val.Pkt, rev.Val.Pkt)
	}
	if fwd.Val.Oct+rev.Val.Oct != f.Val.Oct+f.RVal.Oct {
		t.Errorf("uniflow split does not conserve total octets")
	}
	if rev.Key.Sp != 2 || rev.Key.Dp != 1 {
		t.Errorf("reverse uniflow key not reversed: %+v", rev.Key)
	}
}
