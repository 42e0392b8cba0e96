package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tholstrom/truckdb/internal/codec"
)

// Config holds the tunable thresholds for one Truck. Defaults mirror the
// values named throughout spec section 4.5.
type Config struct {
	TagLRUCapacity      int
	FlushCountThreshold int
	FlushTimeThreshold  time.Duration
	CompactThreshold    int
	IndexSaveThreshold  int
}

// DefaultConfig returns the thresholds spec.md names as defaults.
func DefaultConfig() Config {
	return Config{
		TagLRUCapacity:      10_000,
		FlushCountThreshold: 100,
		FlushTimeThreshold:  500 * time.Millisecond,
		CompactThreshold:    500,
		IndexSaveThreshold:  100,
	}
}

// bufEntry is one pending mutation staged in the write buffer: either a
// value to write or a tombstone. box/tag are carried alongside the map
// key so callers never need to reverse-parse the key.
type bufEntry struct {
	box, tag string
	tomb     bool
	value    codec.Value
}

func bufKey(box, tag string) string { return box + ":" + tag }

// Truck owns one data file and one index file and orchestrates every
// operation against them: the write buffer, the flush pipeline, batch/TX
// framing, CAS, compaction, and crash recovery. Exactly one logical mutex
// serializes all mutating and reading operations; the dedicated
// TruckWorker goroutine normally guarantees only one caller is ever
// in-flight, but the mutex also protects direct call paths used by tests
// and by compaction re-entering via compactLocked.
type Truck struct {
	id       string
	rootPath string
	dataPath string
	idxPath  string
	cfg      Config
	logger   *slog.Logger

	mu          sync.Mutex
	initialized bool
	closed      bool

	dataFile    *os.File
	writeOffset uint64

	index       *OffsetIndex
	tagLRU      *LRU[codec.Value]
	fieldIndex  *FieldIndex
	writeBuffer map[string]bufEntry

	flushTimer *time.Timer

	dirtySinceSave  int
	opsSinceCompact int

	nextTxID uint64
}

// NewTruck constructs a Truck for id rooted at rootPath. Initialize must
// be called before any other operation.
func NewTruck(id, rootPath string, cfg Config, logger *slog.Logger) *Truck {
	if logger == nil {
		logger = slog.Default()
	}
	return &Truck{
		id:          id,
		rootPath:    rootPath,
		dataPath:    filepath.Join(rootPath, id+".dat"),
		idxPath:     filepath.Join(rootPath, id+".idx"),
		cfg:         cfg,
		logger:      logger,
		writeBuffer: make(map[string]bufEntry),
	}
}

// ID returns the truck's identifier.
func (t *Truck) ID() string { return t.id }

// Initialize opens (creating if absent) the data file, loads the offset
// index, runs the crash-recovery scan if the data file extends past the
// last indexed address, and rebuilds the field index by scanning every
// live record. The writer is left open in append-ready mode.
func (t *Truck) Initialize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return newIOError("initialize", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return newIOError("initialize: data file already locked by another process", err)
	}
	t.dataFile = f

	t.index = LoadOffsetIndex(t.idxPath)
	t.tagLRU = NewLRU[codec.Value](t.cfg.TagLRUCapacity)
	t.fieldIndex = NewFieldIndex()
	t.writeBuffer = make(map[string]bufEntry)

	info, err := f.Stat()
	if err != nil {
		return newIOError("initialize", err)
	}
	fileSize := uint64(info.Size())
	t.writeOffset = fileSize

	if fileSize > uint64(t.index.MaxIndexedEnd()) {
		if err := t.recoverLocked(fileSize); err != nil {
			t.logger.Error("recovery scan failed", "truck", t.id, "err", err)
		}
	}

	t.rebuildFieldIndexLocked()

	t.initialized = true
	t.logger.Info("truck initialized", "truck", t.id, "boxes", len(t.index.Boxes()))
	return nil
}

func (t *Truck) rebuildFieldIndexLocked() {
	for _, entry := range t.index.Snapshot() {
		block := make([]byte, entry.Addr.Length)
		if _, err := t.dataFile.ReadAt(block, int64(entry.Addr.Offset)); err != nil {
			t.logger.Warn("field index rebuild: read failed", "truck", t.id, "box", entry.Box, "tag", entry.Tag, "err", err)
			continue
		}
		rec, _, err := ReadRecordAt(block, 0)
		if err != nil || rec.IsTombstone() {
			continue
		}
		v, err := codec.DecodeValue(rec.Data)
		if err != nil {
			t.logger.Warn("field index rebuild: decode failed", "truck", t.id, "box", entry.Box, "tag", entry.Tag, "err", err)
			continue
		}
		t.fieldIndex.IndexValue(entry.Box, entry.Tag, v)
	}
}

// Write stages (box, tag, value) into the write buffer and the in-memory
// caches, then flushes synchronously (sync=true) or schedules a flush per
// the count/time thresholds.
func (t *Truck) Write(box, tag string, value codec.Value, sync bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return ErrNotInitialized
	}
	t.stageWrite(box, tag, value)
	return t.scheduleOrFlush(sync)
}

// PutCAS performs a linearizable compare-and-swap on one field of the
// current record, per §4.5.6. A false return with nil error is CASMiss,
// not a failure.
func (t *Truck) PutCAS(box, tag string, value codec.Value, field string, expected any, sync bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return false, ErrNotInitialized
	}

	current, ok := t.readLocked(box, tag)
	var currentField any
	if ok {
		currentField = current[field]
	}
	if !codec.Equal(currentField, expected) {
		return false, nil
	}

	t.stageWrite(box, tag, value)
	if err := t.scheduleOrFlush(sync); err != nil {
		return false, err
	}
	return true, nil
}

// Batch stages every entry under box and flushes the entire pending
// buffer as one transaction envelope before returning, per §4.5.1 (always
// durably flushed before return).
func (t *Truck) Batch(box string, entries map[string]codec.Value) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return ErrNotInitialized
	}
	for tag, value := range entries {
		t.stageWrite(box, tag, value)
	}
	t.cancelTimerLocked()
	return t.flushLocked()
}

// Read returns the latest committed or buffered value for (box, tag), or
// (nil, false) if absent.
func (t *Truck) Read(box, tag string) (codec.Value, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return nil, false, ErrNotInitialized
	}
	v, ok := t.readLocked(box, tag)
	return v, ok, nil
}

// Contains reports whether (box, tag) currently resolves to a live value.
func (t *Truck) Contains(box, tag string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return false, ErrNotInitialized
	}
	_, ok := t.readLocked(box, tag)
	return ok, nil
}

// ReadBox returns every live tag under box mapped to its current value,
// applying write-buffer shadowing consistently for both values already in
// the index and values only staged in the buffer.
func (t *Truck) ReadBox(box string) (map[string]codec.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return nil, ErrNotInitialized
	}

	result := make(map[string]codec.Value)
	for _, tag := range t.index.Tags(box) {
		if v, ok := t.readLocked(box, tag); ok {
			result[tag] = v
		}
	}

	prefix := box + ":"
	for key, e := range t.writeBuffer {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		tag := strings.TrimPrefix(key, prefix)
		if e.tomb {
			delete(result, tag)
		} else {
			result[tag] = e.value
		}
	}
	return result, nil
}

// Query returns every live value under box whose stored string at field
// starts with prefix.
func (t *Truck) Query(box, field, prefix string) ([]codec.Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return nil, ErrNotInitialized
	}
	tags := t.fieldIndex.QueryPrefix(box, field, prefix)
	results := make([]codec.Value, 0, len(tags))
	for _, tag := range tags {
		if v, ok := t.readLocked(box, tag); ok {
			results = append(results, v)
		}
	}
	return results, nil
}

// RemoveTag writes a tombstone for (box, tag).
func (t *Truck) RemoveTag(box, tag string, sync bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return ErrNotInitialized
	}
	t.stageTombstone(box, tag)
	return t.scheduleOrFlush(sync)
}

// RemoveBox writes a tombstone for every currently live tag under box
// (whether already indexed or only staged in the buffer) and drops the
// box from the field index.
func (t *Truck) RemoveBox(box string, sync bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return ErrNotInitialized
	}

	tags := make(map[string]struct{})
	for _, tag := range t.index.Tags(box) {
		tags[tag] = struct{}{}
	}
	prefix := box + ":"
	for key, e := range t.writeBuffer {
		if strings.HasPrefix(key, prefix) && !e.tomb {
			tags[strings.TrimPrefix(key, prefix)] = struct{}{}
		}
	}
	for tag := range tags {
		t.stageTombstone(box, tag)
	}
	t.fieldIndex.RemoveBox(box)
	return t.scheduleOrFlush(sync)
}

// GetAllBoxes lists every box id with at least one live tag, excluding
// the reserved transaction-framing box.
func (t *Truck) GetAllBoxes() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return nil, ErrNotInitialized
	}

	boxes := make(map[string]struct{})
	for _, b := range t.index.Boxes() {
		boxes[b] = struct{}{}
	}
	for _, e := range t.writeBuffer {
		if !e.tomb && e.box != SysBox {
			boxes[e.box] = struct{}{}
		}
	}
	out := make([]string, 0, len(boxes))
	for b := range boxes {
		out = append(out, b)
	}
	sort.Strings(out)
	return out, nil
}

// Close flushes any pending buffer, saves the index, and closes the data
// file handle.
func (t *Truck) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return ErrNotInitialized
	}
	t.cancelTimerLocked()
	if err := t.flushLocked(); err != nil {
		return err
	}
	if err := t.index.Save(t.idxPath); err != nil {
		return err
	}
	_ = unlockFile(t.dataFile)
	if err := t.dataFile.Close(); err != nil {
		return newIOError("close", err)
	}
	t.initialized = false
	t.closed = true
	return nil
}

// Closed reports whether Close has completed.
func (t *Truck) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Truck) stageWrite(box, tag string, value codec.Value) {
	key := bufKey(box, tag)
	old, _ := t.readLocked(box, tag)
	t.fieldIndex.RemoveValue(box, tag, old)
	t.fieldIndex.IndexValue(box, tag, value)
	t.tagLRU.Put(key, value)
	t.writeBuffer[key] = bufEntry{box: box, tag: tag, value: value}
}

func (t *Truck) stageTombstone(box, tag string) {
	key := bufKey(box, tag)
	old, _ := t.readLocked(box, tag)
	t.fieldIndex.RemoveValue(box, tag, old)
	t.tagLRU.Remove(key)
	t.writeBuffer[key] = bufEntry{box: box, tag: tag, tomb: true}
}

func (t *Truck) readLocked(box, tag string) (codec.Value, bool) {
	key := bufKey(box, tag)
	if e, ok := t.writeBuffer[key]; ok {
		if e.tomb {
			return nil, false
		}
		return e.value, true
	}
	if v, ok := t.tagLRU.Get(key); ok {
		return v, true
	}

	addr, ok := t.index.Lookup(box, tag)
	if !ok {
		return nil, false
	}

	block := make([]byte, addr.Length)
	if _, err := t.dataFile.ReadAt(block, int64(addr.Offset)); err != nil {
		t.logger.Warn("read failed", "truck", t.id, "box", box, "tag", tag, "err", err)
		return nil, false
	}
	rec, _, err := ReadRecordAt(block, 0)
	if err != nil {
		t.logger.Warn("record rejected on read", "truck", t.id, "box", box, "tag", tag, "err", err)
		return nil, false
	}
	if rec.IsTombstone() {
		return nil, false
	}
	value, err := codec.DecodeValue(rec.Data)
	if err != nil {
		t.logger.Warn("value decode failed on read", "truck", t.id, "box", box, "tag", tag, "err", err)
		return nil, false
	}
	t.tagLRU.Put(key, value)
	return value, true
}

func (t *Truck) cancelTimerLocked() {
	if t.flushTimer != nil {
		t.flushTimer.Stop()
		t.flushTimer = nil
	}
}

func (t *Truck) scheduleOrFlush(sync bool) error {
	if sync {
		t.cancelTimerLocked()
		return t.flushLocked()
	}
	if len(t.writeBuffer) >= t.cfg.FlushCountThreshold {
		t.cancelTimerLocked()
		return t.flushLocked()
	}
	if t.flushTimer == nil {
		t.flushTimer = time.AfterFunc(t.cfg.FlushTimeThreshold, t.onFlushTimer)
	}
	return nil
}

func (t *Truck) onFlushTimer() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushTimer = nil
	if len(t.writeBuffer) == 0 {
		return
	}
	if err := t.flushLocked(); err != nil {
		t.logger.Error("scheduled flush failed", "truck", t.id, "err", err)
	}
}

func (t *Truck) nextTransactionID() uint64 {
	return atomic.AddUint64(&t.nextTxID, 1)
}
