package store

import (
	"bufio"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
)

// Address locates one record in the data file.
type Address struct {
	Offset uint32
	Length uint32
}

// end returns the byte offset immediately following the addressed record,
// used by MaxIndexedEnd to locate the recovery scan's starting tail.
func (a Address) end() uint32 { return a.Offset + a.Length }

// OffsetIndex is the in-memory mapping box -> tag -> Address, with a
// binary on-disk snapshot form. It has no internal synchronization: it
// lives behind the owning Truck's mutex.
type OffsetIndex struct {
	boxes map[string]map[string]Address
}

// NewOffsetIndex returns an empty index.
func NewOffsetIndex() *OffsetIndex {
	return &OffsetIndex{boxes: make(map[string]map[string]Address)}
}

// Lookup returns the address for (box, tag) and whether it is present.
func (idx *OffsetIndex) Lookup(box, tag string) (Address, bool) {
	tags, ok := idx.boxes[box]
	if !ok {
		return Address{}, false
	}
	addr, ok := tags[tag]
	return addr, ok
}

// Set installs or overwrites the address for (box, tag).
func (idx *OffsetIndex) Set(box, tag string, addr Address) {
	tags, ok := idx.boxes[box]
	if !ok {
		tags = make(map[string]Address)
		idx.boxes[box] = tags
	}
	tags[tag] = addr
}

// Remove deletes the entry for (box, tag), if any. It reports whether an
// entry existed. An empty box is pruned so Boxes only reports boxes that
// still contain at least one tag.
func (idx *OffsetIndex) Remove(box, tag string) bool {
	tags, ok := idx.boxes[box]
	if !ok {
		return false
	}
	if _, ok := tags[tag]; !ok {
		return false
	}
	delete(tags, tag)
	if len(tags) == 0 {
		delete(idx.boxes, box)
	}
	return true
}

// RemoveBox deletes every entry under box and returns the tags that were
// removed, so the caller can emit a tombstone per live tag.
func (idx *OffsetIndex) RemoveBox(box string) []string {
	tags, ok := idx.boxes[box]
	if !ok {
		return nil
	}
	removed := make([]string, 0, len(tags))
	for tag := range tags {
		removed = append(removed, tag)
	}
	delete(idx.boxes, box)
	return removed
}

// Boxes lists every box id present in the index, excluding the reserved
// transaction-framing box.
func (idx *OffsetIndex) Boxes() []string {
	out := make([]string, 0, len(idx.boxes))
	for box := range idx.boxes {
		if box == SysBox {
			continue
		}
		out = append(out, box)
	}
	return out
}

// Tags lists every tag currently live under box.
func (idx *OffsetIndex) Tags(box string) []string {
	tags, ok := idx.boxes[box]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	return out
}

// MaxIndexedEnd returns the supremum over every address of offset+length,
// i.e. the first byte beyond every record the index currently knows
// about. Recovery starts its forward scan here. An empty index returns 0.
func (idx *OffsetIndex) MaxIndexedEnd() uint32 {
	var max uint32
	for _, tags := range idx.boxes {
		for _, addr := range tags {
			if e := addr.end(); e > max {
				max = e
			}
		}
	}
	return max
}

// Snapshot returns every (box, tag, address) triple currently indexed,
// used by compaction to iterate the live set.
func (idx *OffsetIndex) Snapshot() []struct {
	Box, Tag string
	Addr     Address
} {
	out := make([]struct {
		Box, Tag string
		Addr     Address
	}, 0)
	for box, tags := range idx.boxes {
		for tag, addr := range tags {
			out = append(out, struct {
				Box, Tag string
				Addr     Address
			}{box, tag, addr})
		}
	}
	return out
}

// LoadOffsetIndex reads the binary snapshot at path. A missing file
// yields an empty index; a parse failure also yields an empty index, with
// the failure logged rather than propagated, matching the source
// behavior described for OffsetIndex.load.
func LoadOffsetIndex(path string) *OffsetIndex {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("offset index open failed, starting empty", "path", path, "err", err)
		}
		return NewOffsetIndex()
	}
	defer f.Close()

	idx, err := parseOffsetIndex(bufio.NewReader(f))
	if err != nil {
		slog.Warn("offset index parse failed, starting empty", "path", path, "err", err)
		return NewOffsetIndex()
	}
	return idx
}

func parseOffsetIndex(r io.Reader) (*OffsetIndex, error) {
	idx := NewOffsetIndex()

	boxCount, err := readU32(r)
	if err != nil {
		if err == io.EOF {
			return idx, nil
		}
		return nil, err
	}

	for i := uint32(0); i < boxCount; i++ {
		boxID, err := readLenPrefixedString(r)
		if err != nil {
			return nil, err
		}
		tagCount, err := readU32(r)
		if err != nil {
			return nil, err
		}
		for j := uint32(0); j < tagCount; j++ {
			tag, err := readLenPrefixedString(r)
			if err != nil {
				return nil, err
			}
			offset, err := readU32(r)
			if err != nil {
				return nil, err
			}
			length, err := readU32(r)
			if err != nil {
				return nil, err
			}
			idx.Set(boxID, tag, Address{Offset: offset, Length: length})
		}
	}
	return idx, nil
}

// Save rewrites the full index snapshot to path, syncing before return so
// the on-disk copy is durable.
func (idx *OffsetIndex) Save(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return newIOError("OffsetIndex.Save", err)
	}

	w := bufio.NewWriter(f)
	if err := writeU32(w, uint32(len(idx.boxes))); err != nil {
		f.Close()
		return newIOError("OffsetIndex.Save", err)
	}
	for box, tags := range idx.boxes {
		if err := writeLenPrefixedString(w, box); err != nil {
			f.Close()
			return newIOError("OffsetIndex.Save", err)
		}
		if err := writeU32(w, uint32(len(tags))); err != nil {
			f.Close()
			return newIOError("OffsetIndex.Save", err)
		}
		for tag, addr := range tags {
			if err := writeLenPrefixedString(w, tag); err != nil {
				f.Close()
				return newIOError("OffsetIndex.Save", err)
			}
			if err := writeU32(w, addr.Offset); err != nil {
				f.Close()
				return newIOError("OffsetIndex.Save", err)
			}
			if err := writeU32(w, addr.Length); err != nil {
				f.Close()
				return newIOError("OffsetIndex.Save", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return newIOError("OffsetIndex.Save", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return newIOError("OffsetIndex.Save", err)
	}
	if err := f.Close(); err != nil {
		return newIOError("OffsetIndex.Save", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return newIOError("OffsetIndex.Save", err)
	}
	return nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readLenPrefixedString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	if n > maxIDLength {
		return "", newIntegrityError("string length %d exceeds sanity bound", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeLenPrefixedString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}
