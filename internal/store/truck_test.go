package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tholstrom/truckdb/internal/codec"
)

func newTestTruck(t *testing.T) *Truck {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.FlushTimeThreshold = 0 // irrelevant for sync=true tests; avoid stray timers firing during teardown
	tr := NewTruck("test", dir, cfg, nil)
	if err := tr.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		if !tr.Closed() {
			_ = tr.Close()
		}
	})
	return tr
}

// TestBasicPutGet exercises scenario 1.
func TestBasicPutGet(t *testing.T) {
	tr := newTestTruck(t)
	v := codec.Value{"name": "Alice", "age": int64(30)}
	if err := tr.Write("users", "u1", v, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, ok, err := tr.Read("users", "u1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok {
		t.Fatal("expected value present")
	}
	if got["name"] != "Alice" || got["age"] != int64(30) {
		t.Fatalf("unexpected value: %#v", got)
	}
}

// TestCRCRejection exercises scenario 2: flip a payload byte on disk,
// reopen, and the record must read back absent.
func TestCRCRejection(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	tr := NewTruck("test", dir, cfg, nil)
	if err := tr.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := tr.Write("users", "u1", codec.Value{"name": "Alice"}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	addr, ok := LoadOffsetIndex(filepath.Join(dir, "test.idx")).Lookup("users", "u1")
	if !ok {
		t.Fatal("expected address to be indexed")
	}
	// Payload begins after magic(1) + boxLen(4) + "users"(5) + tagLen(4) +
	// "u1"(2) + dataLen(4) = offset 20; flip a byte inside the encoded value.
	flipByteInFile(t, filepath.Join(dir, "test.dat"), int64(addr.Offset)+20)

	tr2 := NewTruck("test", dir, cfg, nil)
	if err := tr2.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer tr2.Close()

	_, ok, err := tr2.Read("users", "u1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ok {
		t.Fatal("expected corrupted record to read back absent")
	}
}

// TestCASSuccessThenFailure exercises scenario 4.
func TestCASSuccessThenFailure(t *testing.T) {
	tr := newTestTruck(t)
	if err := tr.Write("k", "t", codec.Value{"ver": int64(1)}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ok, err := tr.PutCAS("k", "t", codec.Value{"ver": int64(2)}, "ver", int64(1), true)
	if err != nil {
		t.Fatalf("PutCAS: %v", err)
	}
	if !ok {
		t.Fatal("expected first CAS to succeed")
	}

	ok, err = tr.PutCAS("k", "t", codec.Value{"ver": int64(3)}, "ver", int64(1), true)
	if err != nil {
		t.Fatalf("PutCAS: %v", err)
	}
	if ok {
		t.Fatal("expected second CAS to fail (stale expected value)")
	}

	v, _, err := tr.Read("k", "t")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if v["ver"] != int64(2) {
		t.Fatalf("expected ver=2, got %#v", v["ver"])
	}
}

// TestCASLinearizability exercises P6: under concurrent putCAS calls with
// disjoint expected values, at most one wins.
func TestCASLinearizability(t *testing.T) {
	tr := newTestTruck(t)
	if err := tr.Write("k", "t", codec.Value{"ver": int64(0)}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := tr.PutCAS("k", "t", codec.Value{"ver": int64(i + 1)}, "ver", int64(0), true)
			if err != nil {
				t.Errorf("PutCAS: %v", err)
				return
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one CAS winner, got %d", wins)
	}
}

// TestPrefixQuery exercises scenario 5.
func TestPrefixQuery(t *testing.T) {
	tr := newTestTruck(t)
	for i := 0; i < 5; i++ {
		tag := fmt.Sprintf("al%d", i)
		if err := tr.Write("users", tag, codec.Value{"name": fmt.Sprintf("Al%d", i)}, false); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		tag := fmt.Sprintf("bo%d", i)
		if err := tr.Write("users", tag, codec.Value{"name": fmt.Sprintf("Bob%d", i)}, false); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	results, err := tr.Query("users", "name", "Al")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
}

// TestCompactAfterChurn exercises scenario 6 and P8.
func TestCompactAfterChurn(t *testing.T) {
	tr := newTestTruck(t)

	for i := 0; i < 1000; i++ {
		tag := fmt.Sprintf("t%d", i)
		for rev := 0; rev < 3; rev++ {
			if err := tr.Write("box", tag, codec.Value{"rev": int64(rev)}, false); err != nil {
				t.Fatalf("Write: %v", err)
			}
		}
	}
	for i := 0; i < 500; i++ {
		tag := fmt.Sprintf("t%d", i)
		if err := tr.RemoveTag("box", tag, false); err != nil {
			t.Fatalf("RemoveTag: %v", err)
		}
	}
	if err := tr.Write("box", "flush-trigger", codec.Value{"x": int64(1)}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	before := tr.dataFileSizeForTest(t)

	beforeValues, err := tr.ReadBox("box")
	if err != nil {
		t.Fatalf("ReadBox: %v", err)
	}

	if err := tr.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	after := tr.dataFileSizeForTest(t)
	if after > before {
		t.Fatalf("expected compacted size <= pre-compact size, got %d > %d", after, before)
	}

	afterValues, err := tr.ReadBox("box")
	if err != nil {
		t.Fatalf("ReadBox: %v", err)
	}
	if len(afterValues) != len(beforeValues) {
		t.Fatalf("expected %d surviving tags, got %d", len(beforeValues), len(afterValues))
	}
	for tag, v := range beforeValues {
		av, ok := afterValues[tag]
		if !ok {
			t.Fatalf("tag %s missing after compaction", tag)
		}
		if !codec.Equal(v["rev"], av["rev"]) {
			t.Fatalf("tag %s value changed across compaction: %#v vs %#v", tag, v, av)
		}
	}
}

func (t *Truck) dataFileSizeForTest(tst *testing.T) int64 {
	tst.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	info, err := t.dataFile.Stat()
	if err != nil {
		tst.Fatalf("Stat: %v", err)
	}
	return info.Size()
}

// TestLRUNeverStale exercises P7: reads always observe the latest write
// or absence for the latest delete, regardless of cache state.
func TestLRUNeverStale(t *testing.T) {
	tr := newTestTruck(t)
	if err := tr.Write("box", "k", codec.Value{"v": int64(1)}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Populate the LRU.
	if _, _, err := tr.Read("box", "k"); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if err := tr.Write("box", "k", codec.Value{"v": int64(2)}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	v, ok, err := tr.Read("box", "k")
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if v["v"] != int64(2) {
		t.Fatalf("expected updated value, got %#v", v)
	}

	if err := tr.RemoveTag("box", "k", true); err != nil {
		t.Fatalf("RemoveTag: %v", err)
	}
	_, ok, err = tr.Read("box", "k")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ok {
		t.Fatal("expected absence after delete")
	}
}

// TestDurabilityOnSync exercises P4 by reopening a fresh Truck instance
// against the same files after a sync=true write, without calling Close
// on the original (simulating a crash immediately after the write
// returned).
func TestDurabilityOnSync(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	tr := NewTruck("test", dir, cfg, nil)
	if err := tr.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := tr.Write("box", "k", codec.Value{"v": int64(1)}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// No Close(): simulate a crash right after the durable write returned.
	_ = unlockFile(tr.dataFile)
	tr.dataFile.Close()

	tr2 := NewTruck("test", dir, cfg, nil)
	if err := tr2.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer tr2.Close()
	v, ok, err := tr2.Read("box", "k")
	if err != nil || !ok {
		t.Fatalf("Read after reopen: ok=%v err=%v", ok, err)
	}
	if v["v"] != int64(1) {
		t.Fatalf("unexpected value after reopen: %#v", v)
	}
}

func TestGetAllBoxesExcludesSysBox(t *testing.T) {
	tr := newTestTruck(t)
	if err := tr.Write("users", "u1", codec.Value{"x": int64(1)}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := tr.Write("orders", "o1", codec.Value{"x": int64(1)}, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	boxes, err := tr.GetAllBoxes()
	if err != nil {
		t.Fatalf("GetAllBoxes: %v", err)
	}
	want := map[string]bool{"users": true, "orders": true}
	if len(boxes) != len(want) {
		t.Fatalf("unexpected boxes: %v", boxes)
	}
	for _, b := range boxes {
		if !want[b] {
			t.Fatalf("unexpected box %q in result", b)
		}
	}
}

func TestRemoveBoxRemovesEveryTag(t *testing.T) {
	tr := newTestTruck(t)
	for i := 0; i < 5; i++ {
		tag := fmt.Sprintf("t%d", i)
		if err := tr.Write("box", tag, codec.Value{"x": int64(i)}, false); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := tr.RemoveBox("box", true); err != nil {
		t.Fatalf("RemoveBox: %v", err)
	}
	vals, err := tr.ReadBox("box")
	if err != nil {
		t.Fatalf("ReadBox: %v", err)
	}
	if len(vals) != 0 {
		t.Fatalf("expected empty box after RemoveBox, got %v", vals)
	}
}

func flipByteInFile(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	defer f.Close()
	var b [1]byte
	if _, err := f.ReadAt(b[:], offset); err != nil {
		t.Fatalf("read byte to corrupt: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b[:], offset); err != nil {
		t.Fatalf("write corrupted byte: %v", err)
	}
}
