package chainsync

import (
	"reflect"
	"testing"
)

func TestFromSampledChainSliceMatchesCoverageVector(t *testing.T) {
	got := FromSampledChainSlice(99, 2, 2, 10)
	want := []uint64{0, 1, 9, 18, 27, 36, 45, 54, 63, 72, 81, 90, 98, 99}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestCompareDetectsPeerAhead(t *testing.T) {
	local := []PartialHeader{{Height: 0, Hash: []byte("h0")}, {Height: 1, Hash: []byte("h1")}}
	peer := []PartialHeader{{Height: 0, Hash: []byte("h0")}, {Height: 1, Hash: []byte("h1")}, {Height: 5, Hash: []byte("h5")}}

	result := Compare(local, peer, 5, []byte("h5"), 1, []byte("h1"))
	if result.Kind != PeerAhead {
		t.Fatalf("kind = %v, want PeerAhead", result.Kind)
	}
}

func TestCompareDetectsFork(t *testing.T) {
	local := []PartialHeader{{Height: 0, Hash: []byte("h0")}, {Height: 1, Hash: []byte("h1-local")}}
	peer := []PartialHeader{{Height: 0, Hash: []byte("h0")}, {Height: 1, Hash: []byte("h1-peer")}}

	result := Compare(local, peer, 1, []byte("h1-peer"), 1, []byte("h1-local"))
	if result.Kind != Forked {
		t.Fatalf("kind = %v, want Forked", result.Kind)
	}
	if result.ForkHeight != 0 {
		t.Fatalf("fork height = %d, want 0", result.ForkHeight)
	}
}

func TestCompareInSync(t *testing.T) {
	local := []PartialHeader{{Height: 0, Hash: []byte("h0")}}
	peer := []PartialHeader{{Height: 0, Hash: []byte("h0")}}

	result := Compare(local, peer, 0, []byte("tip"), 0, []byte("tip"))
	if result.Kind != InSync {
		t.Fatalf("kind = %v, want InSync", result.Kind)
	}
}

func TestElectLeadPicksHighestHeightHashPair(t *testing.T) {
	self := PeerInfo{NodeID: "self", Height: 10, Hash: []byte("aaa")}
	peers := []PeerInfo{
		{NodeID: "p1", Height: 10, Hash: []byte("aaa")},
		{NodeID: "p2", Height: 12, Hash: []byte("zzz")},
		{NodeID: "p3", Height: 9, Hash: []byte("zzz")},
	}

	lead, found := ElectLead(self, peers)
	if !found || lead.NodeID != "p2" {
		t.Fatalf("lead = %+v found=%v, want p2", lead, found)
	}
}

func TestElectLeadSelfRemainsAuthoritative(t *testing.T) {
	self := PeerInfo{NodeID: "self", Height: 10, Hash: []byte("zzz")}
	peers := []PeerInfo{{NodeID: "p1", Height: 10, Hash: []byte("aaa")}}

	_, found := ElectLead(self, peers)
	if found {
		t.Fatalf("expected self to remain lead")
	}
}

func TestSessionStateTransitions(t *testing.T) {
	var s Session
	s.BeginTruncate(100)
	if s.State != Truncating {
		t.Fatalf("state = %v, want Truncating", s.State)
	}
	s.BeginDownload("peer-a", 5, 100)
	if s.State != Downloading || s.PeerNodeID != "peer-a" {
		t.Fatalf("session = %+v", s)
	}
	s.Abandon()
	if s.State != Idle || s.PeerNodeID != "" {
		t.Fatalf("session after abandon = %+v", s)
	}
}
