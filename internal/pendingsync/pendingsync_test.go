package pendingsync

import (
	"testing"

	"github.com/exocore/cell/internal/pending"
	"github.com/exocore/cell/internal/types"
)

func fixtureStore(ids ...types.OperationID) *pending.Store {
	s := pending.New()
	for _, id := range ids {
		s.Put(types.Operation{ID: id, GroupID: id, Kind: types.OpEntry, Frame: []byte("frame")}, types.CommitStatus{})
	}
	return s
}

func TestIdenticalStoresConverge(t *testing.T) {
	a := fixtureStore(1, 2, 3)
	b := fixtureStore(1, 2, 3)

	ranges := Partition(a, 500)
	for _, r := range ranges {
		msg := BuildHashCount(a, r)
		if Compare(b, msg) != Converged {
			t.Fatalf("expected convergence for range %+v", r)
		}
	}
}

func TestDivergingStoreRequestsHeadersOrDiverges(t *testing.T) {
	a := fixtureStore(1, 2, 3)
	b := fixtureStore(1, 2)

	r := Range{FromOpID: 0, ToOpID: 0}
	msg := BuildHashCount(a, r)
	result := Compare(b, msg)
	if result == Converged {
		t.Fatalf("expected divergence to be detected")
	}
}

func TestMissingFrameIDsDetectsGap(t *testing.T) {
	a := fixtureStore(1, 2, 3)
	b := fixtureStore(1, 2)

	r := Range{FromOpID: 0, ToOpID: 0}
	headers := BuildHeaders(a, r).Headers
	missing := MissingFrameIDs(b, r, headers)
	if len(missing) != 1 || missing[0] != 3 {
		t.Fatalf("missing = %+v, want [3]", missing)
	}
}

func TestApplyFramesInsertsMissingOperations(t *testing.T) {
	a := fixtureStore(1, 2, 3)
	b := fixtureStore(1, 2)

	r := Range{FromOpID: 0, ToOpID: 0}
	frames := BuildFrames(a, r).Frames
	var toApply []Frame
	for _, f := range frames {
		if f.OperationID == 3 {
			toApply = append(toApply, f)
		}
	}
	changed, err := ApplyFrames(b, toApply)
	if err != nil {
		t.Fatalf("apply frames: %v", err)
	}
	if !changed {
		t.Fatalf("expected changed=true")
	}
	if b.Count() != 3 {
		t.Fatalf("count = %d, want 3", b.Count())
	}

	msgA := BuildHashCount(a, r)
	if Compare(b, msgA) != Converged {
		t.Fatalf("expected convergence after applying frames")
	}
}

func TestPartitionBoundsRangeSize(t *testing.T) {
	var ids []types.OperationID
	for i := types.OperationID(1); i <= 1200; i++ {
		ids = append(ids, i)
	}
	s := fixtureStore(ids...)

	ranges := Partition(s, 500)
	if len(ranges) != 3 {
		t.Fatalf("ranges = %d, want 3", len(ranges))
	}
	if ranges[len(ranges)-1].ToOpID != 0 {
		t.Fatalf("last range should be unbounded, got %+v", ranges[len(ranges)-1])
	}
}
