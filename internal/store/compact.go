package store

import (
	"os"

	"github.com/tholstrom/truckdb/internal/codec"
)

// compactLocked rewrites the data file to contain only live latest
// records, per §4.5.5. Must be called with t.mu held; compaction must
// never run concurrently with a mutation on the same truck.
func (t *Truck) compactLocked() error {
	tempDataPath := t.dataPath[:len(t.dataPath)-len(".dat")] + "_temp.dat"
	tempIdxPath := t.idxPath[:len(t.idxPath)-len(".idx")] + "_temp.idx"
	bakDataPath := t.dataPath[:len(t.dataPath)-len(".dat")] + "_bak.dat"
	bakIdxPath := t.idxPath[:len(t.idxPath)-len(".idx")] + "_bak.idx"

	tempFile, err := os.Create(tempDataPath)
	if err != nil {
		return newIOError("compact", err)
	}

	freshIndex := NewOffsetIndex()
	var offset uint64

	for _, entry := range t.index.Snapshot() {
		block := make([]byte, entry.Addr.Length)
		if _, err := t.dataFile.ReadAt(block, int64(entry.Addr.Offset)); err != nil {
			tempFile.Close()
			os.Remove(tempDataPath)
			return newIOError("compact", err)
		}
		rec, _, err := ReadRecordAt(block, 0)
		if err != nil || rec.IsTombstone() {
			// Unreadable or already-tombstoned entries have no business
			// surviving compaction; the index only ever carries live
			// addresses, so this should not happen in practice.
			continue
		}
		v, err := codec.DecodeValue(rec.Data)
		if err != nil {
			t.logger.Warn("compact: dropping undecodable live record", "truck", t.id, "box", entry.Box, "tag", entry.Tag, "err", err)
			continue
		}
		reencoded, err := codec.Encode(v)
		if err != nil {
			tempFile.Close()
			os.Remove(tempDataPath)
			return err
		}
		out := EncodeRecord(entry.Box, entry.Tag, reencoded)
		if _, err := tempFile.Write(out); err != nil {
			tempFile.Close()
			os.Remove(tempDataPath)
			return newIOError("compact", err)
		}
		freshIndex.Set(entry.Box, entry.Tag, Address{Offset: uint32(offset), Length: uint32(len(out))})
		offset += uint64(len(out))
	}

	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		os.Remove(tempDataPath)
		return newIOError("compact", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempDataPath)
		return newIOError("compact", err)
	}
	if err := freshIndex.Save(tempIdxPath); err != nil {
		os.Remove(tempDataPath)
		os.Remove(tempIdxPath)
		return err
	}

	if err := t.swapCompactedFiles(tempDataPath, tempIdxPath, bakDataPath, bakIdxPath, freshIndex, offset); err != nil {
		return err
	}

	t.logger.Info("compaction complete", "truck", t.id, "new_size", offset)
	return nil
}

// swapCompactedFiles performs the atomic rename dance described in
// §4.5.5 step 4, with the crash-safety fallback of step 5: on any swap
// failure it attempts to restore from the backup files, and in every case
// it reopens the writer in append mode before returning.
func (t *Truck) swapCompactedFiles(tempDataPath, tempIdxPath, bakDataPath, bakIdxPath string, freshIndex *OffsetIndex, newSize uint64) (err error) {
	_ = unlockFile(t.dataFile)
	if closeErr := t.dataFile.Close(); closeErr != nil {
		os.Remove(tempDataPath)
		os.Remove(tempIdxPath)
		return newIOError("compact", closeErr)
	}

	reopen := func() {
		f, reopenErr := os.OpenFile(t.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
		if reopenErr != nil {
			t.logger.Error("compact: failed to reopen writer after swap", "truck", t.id, "err", reopenErr)
			t.initialized = false
			return
		}
		if lockErr := lockFile(f); lockErr != nil {
			t.logger.Error("compact: failed to re-lock writer after swap", "truck", t.id, "err", lockErr)
		}
		t.dataFile = f
	}
	defer reopen()

	if err := os.Rename(t.dataPath, bakDataPath); err != nil {
		os.Remove(tempDataPath)
		os.Remove(tempIdxPath)
		return newIOError("compact", err)
	}
	if err := os.Rename(t.idxPath, bakIdxPath); err != nil {
		// Restore the data file backup before giving up.
		os.Rename(bakDataPath, t.dataPath)
		os.Remove(tempDataPath)
		os.Remove(tempIdxPath)
		return newIOError("compact", err)
	}

	if err := os.Rename(tempDataPath, t.dataPath); err != nil {
		os.Rename(bakDataPath, t.dataPath)
		os.Rename(bakIdxPath, t.idxPath)
		os.Remove(tempIdxPath)
		return newIOError("compact", err)
	}
	if err := os.Rename(tempIdxPath, t.idxPath); err != nil {
		os.Rename(bakDataPath, t.dataPath)
		os.Rename(bakIdxPath, t.idxPath)
		return newIOError("compact", err)
	}

	os.Remove(bakDataPath)
	os.Remove(bakIdxPath)

	t.index = freshIndex
	t.writeOffset = newSize
	return nil
}
