package store

import (
	"bytes"
	"fmt"

	"github.com/tholstrom/truckdb/internal/codec"
)

// flushLocked serializes every currently buffered entry as one
// transaction envelope and appends it to the data file with a single
// physical sync, per §4.5.2. Must be called with t.mu held.
func (t *Truck) flushLocked() error {
	if len(t.writeBuffer) == 0 {
		return nil
	}
	entries := t.writeBuffer
	t.writeBuffer = make(map[string]bufEntry)
	return t.commitEntries(entries)
}

type pendingAddress struct {
	box, tag string
	tomb     bool
	addr     Address
}

// commitEntries writes TX_START, one record per entry, and TX_COMMIT as a
// single contiguous append, fsyncs once, then applies the resulting
// addresses to the OffsetIndex. Must be called with t.mu held.
func (t *Truck) commitEntries(entries map[string]bufEntry) error {
	txID := t.nextTransactionID()
	startTag := fmt.Sprintf("TX_START_%d", txID)
	commitTag := fmt.Sprintf("TX_COMMIT_%d", txID)

	countPayload, err := codec.Encode(codec.Value{"count": int64(len(entries))})
	if err != nil {
		return err
	}

	var out bytes.Buffer
	startOffset := t.writeOffset

	startRec := EncodeRecord(SysBox, startTag, countPayload)
	out.Write(startRec)

	plan := make([]pendingAddress, 0, len(entries))
	running := startOffset + uint64(len(startRec))

	for _, e := range entries {
		var data []byte
		if !e.tomb {
			data, err = codec.Encode(e.value)
			if err != nil {
				// Fatal on encode: this is a caller bug (an unsupported
				// value type slipped past staging), not a recoverable
				// I/O condition. The buffer entries not yet written are
				// simply dropped from this flush attempt; they remain
				// absent from both the buffer and the index.
				return err
			}
		}
		rec := EncodeRecord(e.box, e.tag, data)
		plan = append(plan, pendingAddress{
			box: e.box, tag: e.tag, tomb: e.tomb,
			addr: Address{Offset: uint32(running), Length: uint32(len(rec))},
		})
		out.Write(rec)
		running += uint64(len(rec))
	}

	commitRec := EncodeRecord(SysBox, commitTag, nil)
	out.Write(commitRec)
	running += uint64(len(commitRec))

	if _, err := t.dataFile.WriteAt(out.Bytes(), int64(startOffset)); err != nil {
		return newIOError("flush", err)
	}
	if err := t.dataFile.Sync(); err != nil {
		return newIOError("flush", err)
	}
	t.writeOffset = running

	for _, p := range plan {
		if p.tomb {
			t.index.Remove(p.box, p.tag)
		} else {
			t.index.Set(p.box, p.tag, p.addr)
		}
		t.dirtySinceSave++
		t.opsSinceCompact++
	}

	if t.dirtySinceSave >= t.cfg.IndexSaveThreshold {
		t.dirtySinceSave = 0
		go t.backgroundSave()
	}
	if t.opsSinceCompact >= t.cfg.CompactThreshold {
		t.opsSinceCompact = 0
		go t.backgroundCompact()
	}
	return nil
}

// backgroundSave persists the index snapshot without blocking the caller
// that triggered it. It re-acquires the truck mutex like any other
// operation.
func (t *Truck) backgroundSave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return
	}
	if err := t.index.Save(t.idxPath); err != nil {
		t.logger.Error("background index save failed", "truck", t.id, "err", err)
	}
}

// backgroundCompact runs compaction without blocking the caller that
// triggered it.
func (t *Truck) backgroundCompact() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return
	}
	if err := t.compactLocked(); err != nil {
		t.logger.Error("background compaction failed", "truck", t.id, "err", err)
	}
}

// Compact rewrites the data file to contain only live latest records, per
// §4.5.5. Exposed directly so callers (and the TruckWorker's "compact"
// command) can request it on demand.
func (t *Truck) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return ErrNotInitialized
	}
	return t.compactLocked()
}
