package store

import "strings"

const (
	txStartPrefix  = "TX_START_"
	txCommitPrefix = "TX_COMMIT_"
)

// txPendingEntry is one record observed while inside a transaction
// envelope, buffered until a matching TX_COMMIT is seen.
type txPendingEntry struct {
	box, tag string
	tomb     bool
	addr     Address
}

// recoverLocked walks the data file forward from the last indexed tail
// offset (fileSize passed in as the current end of file) to the current
// end, applying §4.5.4's byte-oriented bounded-skip scan. Must be called
// with t.mu held, after t.index and t.dataFile are set.
func (t *Truck) recoverLocked(fileSize uint64) error {
	start := uint64(t.index.MaxIndexedEnd())
	if start >= fileSize {
		return nil
	}

	region := make([]byte, fileSize-start)
	if _, err := t.dataFile.ReadAt(region, int64(start)); err != nil {
		return newIOError("recover", err)
	}

	var (
		inTx     bool
		txID     string
		txBuffer []txPendingEntry
	)

	pos := 0
	for pos < len(region) {
		rec, total, err := ReadRecordAt(region, pos)
		if err != nil {
			t.logger.Warn("recovery: skipping unreadable byte", "truck", t.id, "offset", start+uint64(pos), "err", err)
			pos++
			continue
		}

		absOffset := start + uint64(pos)

		switch {
		case rec.BoxID == SysBox && strings.HasPrefix(rec.Tag, txStartPrefix):
			inTx = true
			txID = strings.TrimPrefix(rec.Tag, txStartPrefix)
			txBuffer = nil

		case rec.BoxID == SysBox && strings.HasPrefix(rec.Tag, txCommitPrefix):
			commitID := strings.TrimPrefix(rec.Tag, txCommitPrefix)
			if inTx && commitID == txID {
				for _, e := range txBuffer {
					if e.tomb {
						t.index.Remove(e.box, e.tag)
					} else {
						t.index.Set(e.box, e.tag, e.addr)
					}
				}
			} else {
				t.logger.Warn("recovery: discarding transaction with mismatched or missing TX_COMMIT", "truck", t.id, "expected", txID, "found", commitID)
			}
			inTx = false
			txID = ""
			txBuffer = nil

		case inTx:
			txBuffer = append(txBuffer, txPendingEntry{
				box: rec.BoxID, tag: rec.Tag, tomb: rec.IsTombstone(),
				addr: Address{Offset: uint32(absOffset), Length: uint32(total)},
			})

		default:
			if rec.IsTombstone() {
				t.index.Remove(rec.BoxID, rec.Tag)
			} else {
				t.index.Set(rec.BoxID, rec.Tag, Address{Offset: uint32(absOffset), Length: uint32(total)})
			}
		}

		pos += total
	}

	if inTx {
		t.logger.Warn("recovery: discarding incomplete trailing transaction", "truck", t.id, "tx_id", txID)
	}

	return t.index.Save(t.idxPath)
}
