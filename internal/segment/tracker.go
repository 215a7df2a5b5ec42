// Package segment tracks which chain segment files are currently mmapped
// so the chain store can bound its open-file and virtual-memory working
// set. Ported from the upstream segment tracker: an access-counted
// registry that evicts the least-recently-accessed segments on open when
// over budget, skipping the segment just opened and any segment held
// open for write.
package segment

import (
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ID identifies a registered segment within one Tracker.
type ID uint64

// openState distinguishes a write-open segment (never mmapped, never
// evicted implicitly) from a read-open one (backed by an mmap the
// tracker strongly owns).
type openState int

const (
	stateWrite openState = iota
	stateRead
)

type trackedSegment struct {
	path             string
	accessCountLive  *uint64 // shared with the RegisteredSegment
	accessCountLast  uint64
	state            openState
	mmap             []byte
}

// RegisteredSegment is the handle a caller holds after Register; Access
// must be called on every read/write touch so the tracker can rank it for
// eviction.
type RegisteredSegment struct {
	id          ID
	path        string
	accessCount uint64
}

// Access bumps this segment's access counter. Cheap, lock-free.
func (s *RegisteredSegment) Access() {
	atomic.AddUint64(&s.accessCount, 1)
}

func (s *RegisteredSegment) ID() ID { return s.id }

// Tracker bounds the number of concurrently open segment files.
type Tracker struct {
	mu      sync.Mutex
	nextID  ID
	maxOpen int
	opened  map[ID]*trackedSegment
}

// NewTracker returns a Tracker that allows at most maxOpen segments open
// at once (soft bound: opening a new one may briefly exceed it until the
// eviction pass runs).
func NewTracker(maxOpen int) *Tracker {
	return &Tracker{maxOpen: maxOpen, opened: make(map[ID]*trackedSegment)}
}

// Register allocates a local id for path without opening anything.
func (t *Tracker) Register(path string) *RegisteredSegment {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.mu.Unlock()
	return &RegisteredSegment{id: id, path: path}
}

// OpenWrite marks a segment as open for write. Write-open segments are
// never evicted; they're closed explicitly when the writer rolls to a new
// segment.
func (t *Tracker) OpenWrite(seg *RegisteredSegment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opened[seg.id] = &trackedSegment{
		path:            seg.path,
		accessCountLive: &seg.accessCount,
		state:           stateWrite,
	}
	t.evictIfOver(seg.id)
}

// OpenRead mmaps the file behind fd and tracks it as read-open. The
// tracker holds the only strong reference to the mapping; callers get
// back a byte slice valid until Close is called for this segment.
func (t *Tracker) OpenRead(seg *RegisteredSegment, fd int, length int) ([]byte, error) {
	mapped, err := unix.Mmap(fd, 0, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.opened[seg.id] = &trackedSegment{
		path:            seg.path,
		accessCountLive: &seg.accessCount,
		state:           stateRead,
		mmap:            mapped,
	}
	t.evictIfOver(seg.id)
	return mapped, nil
}

// Close unconditionally drops a segment from the tracker, unmapping its
// memory if it was read-open.
func (t *Tracker) Close(seg *RegisteredSegment) error {
	t.mu.Lock()
	tracked, ok := t.opened[seg.id]
	delete(t.opened, seg.id)
	t.mu.Unlock()

	if ok && tracked.mmap != nil {
		return unix.Munmap(tracked.mmap)
	}
	return nil
}

// OpenCount returns how many segments are currently tracked as open.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opened)
}

// evictIfOver runs the eviction pass if over budget. Must be called with
// t.mu held.
func (t *Tracker) evictIfOver(justOpened ID) {
	if len(t.opened) <= t.maxOpen {
		t.saveAccessCounts()
		return
	}

	type stat struct {
		id    ID
		delta uint64
		write bool
	}
	stats := make([]stat, 0, len(t.opened))
	for id, seg := range t.opened {
		stats = append(stats, stat{id: id, delta: deltaAccessCount(seg), write: seg.state == stateWrite})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].delta < stats[j].delta })

	toClose := len(stats) - t.maxOpen
	closed := 0
	for _, s := range stats {
		if closed >= toClose {
			break
		}
		if s.id == justOpened || s.write {
			continue
		}
		if seg, ok := t.opened[s.id]; ok {
			if seg.mmap != nil {
				_ = unix.Munmap(seg.mmap)
			}
			delete(t.opened, s.id)
			closed++
		}
	}
}

// deltaAccessCount computes the access-count delta since the last
// eviction pass, handling unsigned wraparound of the live counter the
// same way the upstream tracker does.
func deltaAccessCount(seg *trackedSegment) uint64 {
	live := atomic.LoadUint64(seg.accessCountLive)
	last := seg.accessCountLast
	seg.accessCountLast = live
	if live >= last {
		return live - last
	}
	// counter rolled over: (max - last) + live, the upstream formula,
	// which is one less than the wrapped unsigned difference live - last.
	return (^uint64(0) - last) + live
}

func (t *Tracker) saveAccessCounts() {
	for _, seg := range t.opened {
		seg.accessCountLast = atomic.LoadUint64(seg.accessCountLive)
	}
}
