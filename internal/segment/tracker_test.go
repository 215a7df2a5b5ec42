package segment

import (
	"os"
	"path/filepath"
	"testing"
)

func createSegmentFile(t *testing.T, dir, name string) *os.File {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte{0}, 0o644); err != nil {
		t.Fatalf("write segment file: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open segment file: %v", err)
	}
	return f
}

func TestTrackerSimpleCase(t *testing.T) {
	dir := t.TempDir()
	tracker := NewTracker(2)

	seg1 := tracker.Register("seg1")
	seg2 := tracker.Register("seg2")
	seg3 := tracker.Register("seg3")

	f2 := createSegmentFile(t, dir, "seg2")
	defer f2.Close()
	f3 := createSegmentFile(t, dir, "seg3")
	defer f3.Close()

	tracker.OpenWrite(seg1)
	if _, err := tracker.OpenRead(seg2, int(f2.Fd()), 1); err != nil {
		t.Fatalf("open read seg2: %v", err)
	}
	if _, err := tracker.OpenRead(seg3, int(f3.Fd()), 1); err != nil {
		t.Fatalf("open read seg3: %v", err)
	}

	// segment 1 is write (never evicted) and segment 3 was just opened,
	// so segment 2 should have been dropped.
	if got := tracker.OpenCount(); got != 2 {
		t.Fatalf("open count = %d, want 2", got)
	}
	if _, ok := tracker.opened[seg1.id]; !ok {
		t.Fatalf("seg1 should remain open (write)")
	}
	if _, ok := tracker.opened[seg3.id]; !ok {
		t.Fatalf("seg3 should remain open (just opened)")
	}
	if _, ok := tracker.opened[seg2.id]; ok {
		t.Fatalf("seg2 should have been evicted")
	}
}

func TestTrackerSortAccessCount(t *testing.T) {
	dir := t.TempDir()
	tracker := NewTracker(2)

	seg1 := tracker.Register("seg1")
	seg2 := tracker.Register("seg2")
	seg3 := tracker.Register("seg3")

	f1 := createSegmentFile(t, dir, "seg1")
	defer f1.Close()
	f2 := createSegmentFile(t, dir, "seg2")
	defer f2.Close()
	f3 := createSegmentFile(t, dir, "seg3")
	defer f3.Close()

	if _, err := tracker.OpenRead(seg1, int(f1.Fd()), 1); err != nil {
		t.Fatalf("open read seg1: %v", err)
	}
	if _, err := tracker.OpenRead(seg2, int(f2.Fd()), 1); err != nil {
		t.Fatalf("open read seg2: %v", err)
	}

	seg1.Access()

	if _, err := tracker.OpenRead(seg3, int(f3.Fd()), 1); err != nil {
		t.Fatalf("open read seg3: %v", err)
	}

	// seg1 accessed more since last pass, seg3 just opened: seg2 evicted.
	if got := tracker.OpenCount(); got != 2 {
		t.Fatalf("open count = %d, want 2", got)
	}
	if _, ok := tracker.opened[seg1.id]; !ok {
		t.Fatalf("seg1 should remain open (higher access count)")
	}
	if _, ok := tracker.opened[seg3.id]; !ok {
		t.Fatalf("seg3 should remain open (just opened)")
	}
}

func TestTrackerForceClose(t *testing.T) {
	tracker := NewTracker(2)
	seg1 := tracker.Register("seg1")
	tracker.OpenWrite(seg1)
	if err := tracker.Close(seg1); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := tracker.OpenCount(); got != 0 {
		t.Fatalf("open count = %d, want 0", got)
	}
}
