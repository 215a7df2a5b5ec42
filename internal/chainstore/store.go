// Package chainstore implements §4.B: bit-exact block framing over a
// segmented, append-only directory of files, with a persisted auxiliary
// index from operation id to the block offset that first committed it.
package chainstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/exocore/cell/internal/exoerr"
	"github.com/exocore/cell/internal/segment"
	"github.com/exocore/cell/internal/types"
)

var opsBucket = []byte("ops")

type segmentFile struct {
	firstOffset int64
	path        string
	registered  *segment.RegisteredSegment
	size        int64 // current length on disk
}

// Store is the segmented, mmap-backed append-only chain store.
type Store struct {
	mu       sync.Mutex
	dir      string
	log      zerolog.Logger
	tracker  *segment.Tracker
	segments []*segmentFile // sorted by firstOffset ascending
	writer   *os.File       // append handle for the active (last) segment
	maxSize  int64

	opIndex *bolt.DB

	tip *types.Block // last written block, or nil if store is empty
}

// Open opens (or initializes) a chain store rooted at dir/chain, with an
// op-index database at dir/store/op_index.db. maxOpenMmap bounds
// concurrently open read segments (§4.A); segmentMaxSize bounds a
// segment's size before rolling to a new one.
func Open(dir string, maxOpenMmap int, segmentMaxSize int64, log zerolog.Logger) (*Store, error) {
	chainDir := filepath.Join(dir, "chain")
	if err := os.MkdirAll(chainDir, 0o755); err != nil {
		return nil, exoerr.New(exoerr.Config, "chainstore.Open", err)
	}
	storeDir := filepath.Join(dir, "store")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, exoerr.New(exoerr.Config, "chainstore.Open", err)
	}

	db, err := bolt.Open(filepath.Join(storeDir, "op_index.db"), 0o644, nil)
	if err != nil {
		return nil, exoerr.New(exoerr.Config, "chainstore.Open", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(opsBucket)
		return err
	}); err != nil {
		return nil, exoerr.New(exoerr.Config, "chainstore.Open", err)
	}

	s := &Store{
		dir:     chainDir,
		log:     log,
		tracker: segment.NewTracker(maxOpenMmap),
		maxSize: segmentMaxSize,
		opIndex: db,
	}

	if err := s.loadSegments(); err != nil {
		return nil, err
	}

	if len(s.segments) == 0 {
		if err := s.writeGenesis(); err != nil {
			return nil, err
		}
	} else {
		if err := s.openWriter(); err != nil {
			return nil, err
		}
		if err := s.loadTip(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) loadSegments() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return exoerr.New(exoerr.Config, "chainstore.loadSegments", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var first int64
		if _, err := fmt.Sscanf(e.Name(), "%d.seg", &first); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return exoerr.New(exoerr.Config, "chainstore.loadSegments", err)
		}
		s.segments = append(s.segments, &segmentFile{
			firstOffset: first,
			path:        filepath.Join(s.dir, e.Name()),
			size:        info.Size(),
		})
	}
	sort.Slice(s.segments, func(i, j int) bool { return s.segments[i].firstOffset < s.segments[j].firstOffset })
	for _, sf := range s.segments {
		sf.registered = s.tracker.Register(sf.path)
	}
	return nil
}

func (s *Store) openWriter() error {
	last := s.segments[len(s.segments)-1]
	f, err := os.OpenFile(last.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return exoerr.New(exoerr.Config, "chainstore.openWriter", err)
	}
	s.writer = f
	s.tracker.OpenWrite(last.registered)
	return nil
}

func (s *Store) writeGenesis() error {
	genesisPath := filepath.Join(s.dir, "0.seg")
	f, err := os.OpenFile(genesisPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return exoerr.New(exoerr.Config, "chainstore.writeGenesis", err)
	}
	sf := &segmentFile{firstOffset: 0, path: genesisPath}
	sf.registered = s.tracker.Register(genesisPath)
	s.segments = []*segmentFile{sf}
	s.writer = f
	s.tracker.OpenWrite(sf.registered)

	header := types.BlockHeader{Offset: 0, Height: 0}
	blockBytes, hash := EncodeBlock(header, nil, nil)
	if _, err := s.writer.Write(blockBytes); err != nil {
		return exoerr.New(exoerr.Config, "chainstore.writeGenesis", err)
	}
	sf.size = int64(len(blockBytes))

	s.tip = &types.Block{Header: header, Hash: hash, NextOffset: int64(len(blockBytes))}
	return nil
}

// loadTip re-derives the current tip by decoding backward from the end
// of the last segment.
func (s *Store) loadTip() error {
	last := s.segments[len(s.segments)-1]
	data, err := os.ReadFile(last.path)
	if err != nil {
		return exoerr.New(exoerr.Config, "chainstore.loadTip", err)
	}
	block, start, err := DecodeBlockBackward(data, int64(len(data)))
	if err != nil {
		return exoerr.New(exoerr.Integrity, "chainstore.loadTip", err)
	}
	block.Header.Offset = last.firstOffset + start
	block.NextOffset = last.firstOffset + int64(len(data))
	s.tip = block
	return nil
}

// WriteBlock validates the block's parent link against the current tip,
// appends it to the active segment (rolling to a new one first if the
// active segment has already reached maxSize), indexes its operations,
// and returns the
// offset of the block immediately following it.
func (s *Store) WriteBlock(header types.BlockHeader, operationsData []byte, signatures []types.BlockSignature) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tip != nil {
		if header.PreviousOffset != s.tip.Header.Offset {
			return 0, exoerr.New(exoerr.Conflict, "chainstore.WriteBlock", errParentMismatch)
		}
		if string(header.PreviousHash) != string(s.tip.Hash) {
			return 0, exoerr.New(exoerr.Conflict, "chainstore.WriteBlock", errParentMismatch)
		}
		if header.Height != s.tip.Header.Height+1 {
			return 0, exoerr.New(exoerr.Conflict, "chainstore.WriteBlock", errParentMismatch)
		}
	}

	active := s.segments[len(s.segments)-1]
	if active.size > 0 && active.size >= s.maxSize {
		if err := s.rollSegment(active.firstOffset + active.size); err != nil {
			return 0, err
		}
		active = s.segments[len(s.segments)-1]
	}

	header.Offset = active.firstOffset + active.size
	blockBytes, hash := EncodeBlock(header, operationsData, signatures)

	if _, err := s.writer.Write(blockBytes); err != nil {
		return 0, exoerr.New(exoerr.Integrity, "chainstore.WriteBlock", err)
	}
	active.size += int64(len(blockBytes))

	nextOffset := header.Offset + int64(len(blockBytes))
	s.tip = &types.Block{
		Header:         header,
		Hash:           hash,
		OperationsData: operationsData,
		Signatures:     signatures,
		NextOffset:     nextOffset,
	}

	if err := s.indexOperations(header, header.Offset); err != nil {
		return 0, err
	}

	return nextOffset, nil
}

func (s *Store) rollSegment(offset int64) error {
	if err := s.writer.Close(); err != nil {
		return exoerr.New(exoerr.Config, "chainstore.rollSegment", err)
	}
	s.tracker.Close(s.segments[len(s.segments)-1].registered)

	path := filepath.Join(s.dir, fmt.Sprintf("%d.seg", offset))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return exoerr.New(exoerr.Config, "chainstore.rollSegment", err)
	}
	sf := &segmentFile{firstOffset: offset, path: path}
	sf.registered = s.tracker.Register(path)
	s.segments = append(s.segments, sf)
	s.writer = f
	s.tracker.OpenWrite(sf.registered)
	return nil
}

func (s *Store) indexOperations(header types.BlockHeader, offset int64) error {
	return s.opIndex.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)
		for _, oh := range header.OperationsHeader {
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], oh.OperationID)
			var val [8]byte
			binary.BigEndian.PutUint64(val[:], uint64(offset))
			if err := b.Put(key[:], val[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// findSegment returns the segment file covering offset.
func (s *Store) findSegment(offset int64) (*segmentFile, error) {
	for i := len(s.segments) - 1; i >= 0; i-- {
		if s.segments[i].firstOffset <= offset {
			return s.segments[i], nil
		}
	}
	return nil, exoerr.New(exoerr.OutOfBound, "chainstore.findSegment", errNoSegment)
}

// GetBlock returns the block starting at offset.
func (s *Store) GetBlock(offset int64) (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.findSegment(offset)
	if err != nil {
		return nil, err
	}
	data, err := s.readSegment(sf)
	if err != nil {
		return nil, err
	}
	local := offset - sf.firstOffset
	if local < 0 || local >= int64(len(data)) {
		return nil, exoerr.New(exoerr.OutOfBound, "chainstore.GetBlock", errNoSegment)
	}
	block, _, err := DecodeBlockForward(data[local:])
	if err != nil {
		return nil, err
	}
	block.Header.Offset = offset
	return block, nil
}

func (s *Store) readSegment(sf *segmentFile) ([]byte, error) {
	if sf == s.segments[len(s.segments)-1] && s.writer != nil {
		// active segment: read straight off disk rather than through the
		// read-mmap path, since it's still being appended to.
		return os.ReadFile(sf.path)
	}
	f, err := os.Open(sf.path)
	if err != nil {
		return nil, exoerr.New(exoerr.Config, "chainstore.readSegment", err)
	}
	defer f.Close()
	mapped, err := s.tracker.OpenRead(sf.registered, int(f.Fd()), int(sf.size))
	if err != nil {
		return nil, exoerr.New(exoerr.Config, "chainstore.readSegment", err)
	}
	return mapped, nil
}

// GetLastBlock returns the current chain tip.
func (s *Store) GetLastBlock() (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tip == nil {
		return nil, exoerr.New(exoerr.NotFound, "chainstore.GetLastBlock", errNoSegment)
	}
	return s.tip, nil
}

// GetBlockByOperationID returns the block that first committed opID.
func (s *Store) GetBlockByOperationID(opID types.OperationID) (*types.Block, error) {
	var offset int64
	found := false
	err := s.opIndex.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], opID)
		val := b.Get(key[:])
		if val == nil {
			return nil
		}
		offset = int64(binary.BigEndian.Uint64(val))
		found = true
		return nil
	})
	if err != nil {
		return nil, exoerr.New(exoerr.Config, "chainstore.GetBlockByOperationID", err)
	}
	if !found {
		return nil, exoerr.New(exoerr.NotFound, "chainstore.GetBlockByOperationID", errNoSegment)
	}
	return s.GetBlock(offset)
}

// Segments returns the chain's current segment ranges.
func (s *Store) Segments() []types.SegmentRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.SegmentRange, 0, len(s.segments))
	for _, sf := range s.segments {
		out = append(out, types.SegmentRange{
			FirstOffset: sf.firstOffset,
			LastOffset:  sf.firstOffset + sf.size,
			Path:        sf.path,
		})
	}
	return out
}

// Iterator walks blocks forward from a starting offset.
type Iterator struct {
	store  *Store
	offset int64
}

// BlocksIter returns a lazy forward iterator starting at fromOffset.
func (s *Store) BlocksIter(fromOffset int64) *Iterator {
	return &Iterator{store: s, offset: fromOffset}
}

// Next returns the next block, or (nil, nil) once the tip is passed.
func (it *Iterator) Next() (*types.Block, error) {
	it.store.mu.Lock()
	tip := it.store.tip
	it.store.mu.Unlock()
	if tip == nil || it.offset >= tip.NextOffset {
		return nil, nil
	}
	block, err := it.store.GetBlock(it.offset)
	if err != nil {
		return nil, err
	}
	// recompute this block's next offset from its own encoded length by
	// re-deriving from the segment read, since GetBlock only fixes
	// Header.Offset; callers needing NextOffset should use GetLastBlock or
	// walk segments() directly for exact boundaries.
	encoded, _ := EncodeBlock(block.Header, block.OperationsData, block.Signatures)
	it.offset += int64(len(encoded))
	return block, nil
}

// TruncateFrom deletes all blocks at or after offset: segments entirely
// at or after offset are removed, the segment containing offset is
// truncated to it, and the op index entries for the removed blocks'
// operations are dropped.
func (s *Store) TruncateFrom(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var toRemove []*segmentFile
	var kept []*segmentFile
	var containing *segmentFile
	for _, sf := range s.segments {
		switch {
		case sf.firstOffset >= offset:
			toRemove = append(toRemove, sf)
		case sf.firstOffset+sf.size > offset:
			containing = sf
			kept = append(kept, sf)
		default:
			kept = append(kept, sf)
		}
	}

	// collect operation ids to purge from the index before mutating files
	var purgeIDs []types.OperationID
	collect := func(sf *segmentFile) error {
		data, err := os.ReadFile(sf.path)
		if err != nil {
			return exoerr.New(exoerr.Config, "chainstore.TruncateFrom", err)
		}
		local := int64(0)
		if sf == containing {
			local = offset - sf.firstOffset
		}
		for local < int64(len(data)) {
			block, frameLen, err := DecodeBlockForward(data[local:])
			if err != nil {
				break
			}
			for _, oh := range block.Header.OperationsHeader {
				purgeIDs = append(purgeIDs, oh.OperationID)
			}
			local += int64(frameLen)
		}
		return nil
	}
	if containing != nil {
		if err := collect(containing); err != nil {
			return err
		}
	}
	for _, sf := range toRemove {
		if err := collect(sf); err != nil {
			return err
		}
	}

	if s.writer != nil {
		_ = s.writer.Close()
		s.writer = nil
	}

	for _, sf := range toRemove {
		s.tracker.Close(sf.registered)
		if err := os.Remove(sf.path); err != nil {
			return exoerr.New(exoerr.Config, "chainstore.TruncateFrom", err)
		}
	}
	if containing != nil {
		if err := os.Truncate(containing.path, offset-containing.firstOffset); err != nil {
			return exoerr.New(exoerr.Config, "chainstore.TruncateFrom", err)
		}
		containing.size = offset - containing.firstOffset
	}

	s.segments = kept
	if len(s.segments) == 0 {
		if err := s.writeGenesis(); err != nil {
			return err
		}
	} else {
		if err := s.openWriter(); err != nil {
			return err
		}
		if err := s.loadTip(); err != nil {
			return err
		}
	}

	if err := s.opIndex.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)
		for _, id := range purgeIDs {
			var key [8]byte
			binary.BigEndian.PutUint64(key[:], id)
			if err := b.Delete(key[:]); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return exoerr.New(exoerr.Config, "chainstore.TruncateFrom", err)
	}

	return nil
}

// Close releases the chain store's file handles and index database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		_ = s.writer.Close()
	}
	return s.opIndex.Close()
}

const (
	errParentMismatch = storeErr2("block's parent link does not match current tip")
	errNoSegment       = storeErr2("no segment covers the requested offset")
)

type storeErr2 string

func (e storeErr2) Error() string { return string(e) }
