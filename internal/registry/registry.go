// Package registry multiplexes many trucks within a single process: it
// resolves truck ids to worker goroutines on demand, bounds how many stay
// live at once, layers a global value cache in front of them, and
// broadcasts change events for watch subscriptions.
package registry

import (
	"container/list"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tholstrom/truckdb/internal/changebus"
	"github.com/tholstrom/truckdb/internal/codec"
	"github.com/tholstrom/truckdb/internal/store"
)

// Config controls Registry sizing and the per-truck store.Config handed
// to every worker it spawns.
type Config struct {
	RootPath          string
	MaxActiveTrucks   int
	GlobalLRUCapacity int
	TruckConfig       store.Config
}

// DefaultConfig returns the sizing spec.md section 4.7 names: at most 50
// live trucks, a 50,000-entry global value cache.
func DefaultConfig(rootPath string) Config {
	return Config{
		RootPath:          rootPath,
		MaxActiveTrucks:   50,
		GlobalLRUCapacity: 50000,
		TruckConfig:       store.DefaultConfig(),
	}
}

// Registry is the process-wide front end over store.Truck/store.TruckWorker.
// Its active-truck map, recency list, global LRU, and broadcaster are all
// owned exclusively by Registry methods, which run on a single scheduling
// domain (guarded by mu) — no per-field locking is needed beyond that.
type Registry struct {
	mu sync.Mutex

	rootPath  string
	maxActive int
	truckCfg  store.Config
	logger    *slog.Logger

	workers map[string]*store.TruckWorker
	recency *list.List // front = most recently resolved
	elems   map[string]*list.Element

	globalLRU *store.LRU[codec.Value]
	bus       *changebus.Bus
}

// New constructs a Registry. The root path is created if absent, matching
// spec.md section 6's host directory setup.
func New(cfg Config, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxActiveTrucks < 1 {
		cfg.MaxActiveTrucks = 1
	}
	if cfg.GlobalLRUCapacity < 1 {
		cfg.GlobalLRUCapacity = 1
	}
	if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
		return nil, fmt.Errorf("registry: creating root %s: %w", cfg.RootPath, err)
	}
	return &Registry{
		rootPath:  cfg.RootPath,
		maxActive: cfg.MaxActiveTrucks,
		truckCfg:  cfg.TruckConfig,
		logger:    logger,
		workers:   make(map[string]*store.TruckWorker),
		recency:   list.New(),
		elems:     make(map[string]*list.Element),
		globalLRU: store.NewLRU[codec.Value](cfg.GlobalLRUCapacity),
		bus:       changebus.New(),
	}, nil
}

func globalKey(truckID, box, tag string) string {
	return truckID + "\x00" + box + "\x00" + tag
}

// resolve returns the worker for truckID, touching its recency slot if
// already active or spawning and initializing a new one, evicting the
// least-recently-resolved truck first if the registry is at capacity.
func (r *Registry) resolve(truckID string) (*store.TruckWorker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(truckID)
}

func (r *Registry) resolveLocked(truckID string) (*store.TruckWorker, error) {
	if el, ok := r.elems[truckID]; ok {
		r.recency.MoveToFront(el)
		return r.workers[truckID], nil
	}

	if len(r.workers) >= r.maxActive {
		r.evictOldestLocked()
	}

	truck := store.NewTruck(truckID, r.rootPath, r.truckCfg, r.logger)
	worker := store.NewTruckWorker(truck, nil)
	if err := worker.Init(); err != nil {
		_ = worker.Close()
		return nil, fmt.Errorf("registry: initializing truck %s: %w", truckID, err)
	}

	r.workers[truckID] = worker
	r.elems[truckID] = r.recency.PushFront(truckID)
	r.logger.Info("truck resolved", "truck", truckID, "active", len(r.workers))
	return worker, nil
}

func (r *Registry) evictOldestLocked() {
	tail := r.recency.Back()
	if tail == nil {
		return
	}
	truckID := tail.Value.(string)
	r.recency.Remove(tail)
	delete(r.elems, truckID)
	if w, ok := r.workers[truckID]; ok {
		delete(r.workers, truckID)
		if err := w.Close(); err != nil {
			r.logger.Warn("error closing evicted truck", "truck", truckID, "error", err)
		}
	}
	r.logger.Info("truck evicted", "truck", truckID)
}

// Put writes a value, publishing PUT when the global LRU shows no prior
// entry for the key and UPDATE otherwise. This pre-check is best-effort:
// an evicted-but-still-present key misclassifies as PUT, per spec.md
// section 4.7.
func (r *Registry) Put(truckID, box, tag string, value codec.Value, sync bool) error {
	w, err := r.resolve(truckID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	_, existed := r.globalLRU.Get(globalKey(truckID, box, tag))
	r.mu.Unlock()

	if err := w.Write(box, tag, value, sync); err != nil {
		return err
	}

	r.mu.Lock()
	r.globalLRU.Put(globalKey(truckID, box, tag), value)
	r.mu.Unlock()

	op := changebus.OpPut
	if existed {
		op = changebus.OpUpdate
	}
	r.bus.Publish(changebus.Event{TruckID: truckID, BoxID: box, Op: op, Tag: tag, Value: value})
	return nil
}

// Get returns a value, serving from the global LRU when present and
// falling through to the owning worker on a miss.
func (r *Registry) Get(truckID, box, tag string) (codec.Value, bool, error) {
	key := globalKey(truckID, box, tag)
	r.mu.Lock()
	if v, ok := r.globalLRU.Get(key); ok {
		r.mu.Unlock()
		return v, true, nil
	}
	r.mu.Unlock()

	w, err := r.resolve(truckID)
	if err != nil {
		return nil, false, err
	}
	v, ok, err := w.Read(box, tag)
	if err != nil || !ok {
		return nil, ok, err
	}
	r.mu.Lock()
	r.globalLRU.Put(key, v)
	r.mu.Unlock()
	return v, true, nil
}

// PutCAS performs a compare-and-swap through the owning worker, publishing
// CAS_UPDATE and refreshing the global cache only on success.
func (r *Registry) PutCAS(truckID, box, tag string, value codec.Value, field string, expected any, sync bool) (bool, error) {
	w, err := r.resolve(truckID)
	if err != nil {
		return false, err
	}
	ok, err := w.PutCAS(box, tag, value, field, expected, sync)
	if err != nil || !ok {
		return ok, err
	}
	r.mu.Lock()
	r.globalLRU.Put(globalKey(truckID, box, tag), value)
	r.mu.Unlock()
	r.bus.Publish(changebus.Event{TruckID: truckID, BoxID: box, Op: changebus.OpCASUpdate, Tag: tag, Value: value})
	return true, nil
}

// Batch commits entries atomically through the owning worker and
// publishes a single BATCH event covering every tag.
func (r *Registry) Batch(truckID, box string, entries map[string]codec.Value) error {
	w, err := r.resolve(truckID)
	if err != nil {
		return err
	}
	if err := w.Batch(box, entries); err != nil {
		return err
	}
	r.mu.Lock()
	for tag, v := range entries {
		r.globalLRU.Put(globalKey(truckID, box, tag), v)
	}
	r.mu.Unlock()
	r.bus.Publish(changebus.Event{TruckID: truckID, BoxID: box, Op: changebus.OpBatch, Entries: entries})
	return nil
}

// RemoveTag tombstones a single tag and publishes DELETE.
func (r *Registry) RemoveTag(truckID, box, tag string, sync bool) error {
	w, err := r.resolve(truckID)
	if err != nil {
		return err
	}
	if err := w.RemoveTag(box, tag, sync); err != nil {
		return err
	}
	r.mu.Lock()
	r.globalLRU.Remove(globalKey(truckID, box, tag))
	r.mu.Unlock()
	r.bus.Publish(changebus.Event{TruckID: truckID, BoxID: box, Op: changebus.OpDelete, Tag: tag})
	return nil
}

// RemoveBox tombstones every tag in a box. The global LRU is invalidated
// wholesale rather than tag-by-tag, per spec.md section 4.7.
func (r *Registry) RemoveBox(truckID, box string, sync bool) error {
	w, err := r.resolve(truckID)
	if err != nil {
		return err
	}
	if err := w.RemoveBox(box, sync); err != nil {
		return err
	}
	r.mu.Lock()
	r.globalLRU.Clear()
	r.mu.Unlock()
	r.bus.Publish(changebus.Event{TruckID: truckID, BoxID: box, Op: changebus.OpDeleteBox})
	return nil
}

// Query passes a prefix query through to the owning worker uncached.
func (r *Registry) Query(truckID, box, field, prefix string) ([]codec.Value, error) {
	w, err := r.resolve(truckID)
	if err != nil {
		return nil, err
	}
	return w.Query(box, field, prefix)
}

// ReadBox passes a full-box read through to the owning worker uncached.
func (r *Registry) ReadBox(truckID, box string) (map[string]codec.Value, error) {
	w, err := r.resolve(truckID)
	if err != nil {
		return nil, err
	}
	return w.ReadBox(box)
}

// Contains reports whether a tag exists, consulting the worker directly.
func (r *Registry) Contains(truckID, box, tag string) (bool, error) {
	w, err := r.resolve(truckID)
	if err != nil {
		return false, err
	}
	return w.Contains(box, tag)
}

// GetAllBoxes lists every box known to a truck.
func (r *Registry) GetAllBoxes(truckID string) ([]string, error) {
	w, err := r.resolve(truckID)
	if err != nil {
		return nil, err
	}
	return w.GetAllBoxes()
}

// Compact runs a foreground compaction on one truck.
func (r *Registry) Compact(truckID string) error {
	w, err := r.resolve(truckID)
	if err != nil {
		return err
	}
	return w.Compact()
}

// DeleteTruck closes the truck's worker (flushing its buffer first) and
// removes its data and index files from disk.
func (r *Registry) DeleteTruck(truckID string) error {
	r.mu.Lock()
	if el, ok := r.elems[truckID]; ok {
		r.recency.Remove(el)
		delete(r.elems, truckID)
	}
	w, ok := r.workers[truckID]
	if ok {
		delete(r.workers, truckID)
	}
	r.mu.Unlock()

	if ok {
		if err := w.Close(); err != nil {
			return fmt.Errorf("registry: closing truck %s before delete: %w", truckID, err)
		}
	}

	var firstErr error
	for _, ext := range []string{".dat", ".idx"} {
		path := filepath.Join(r.rootPath, truckID+ext)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	r.mu.Lock()
	r.invalidateTruckLocked(truckID)
	r.mu.Unlock()
	return firstErr
}

// invalidateTruckLocked drops every global-LRU entry belonging to
// truckID. Coherence here is best-effort by design (spec.md section 9);
// this pass keeps the common case tidy without requiring it for
// correctness.
func (r *Registry) invalidateTruckLocked(truckID string) {
	prefix := truckID + "\x00"
	for _, snap := range r.globalLRU.Keys() {
		if len(snap) >= len(prefix) && snap[:len(prefix)] == prefix {
			r.globalLRU.Remove(snap)
		}
	}
}

// DeleteAll closes every active worker, clears every cache, and resets
// the root data directory to empty.
func (r *Registry) DeleteAll() error {
	r.mu.Lock()
	workers := r.workers
	r.workers = make(map[string]*store.TruckWorker)
	r.elems = make(map[string]*list.Element)
	r.recency = list.New()
	r.globalLRU.Clear()
	r.mu.Unlock()

	for id, w := range workers {
		if err := w.Close(); err != nil {
			r.logger.Warn("error closing truck during DeleteAll", "truck", id, "error", err)
		}
	}

	entries, err := os.ReadDir(r.rootPath)
	if err != nil {
		return fmt.Errorf("registry: reading root %s: %w", r.rootPath, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(r.rootPath, e.Name())); err != nil {
			return fmt.Errorf("registry: removing %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Watch yields the current value for (truck, box, tag) immediately, then
// a fresh value on every change event affecting that tag. An event after
// which the tag is absent, or whose re-read fails, yields nothing. The returned
// stop function unsubscribes and closes the output channel.
func (r *Registry) Watch(truckID, box, tag string) (<-chan codec.Value, func(), error) {
	current, _, err := r.Get(truckID, box, tag)
	if err != nil {
		return nil, nil, err
	}

	events, unsubscribe := r.bus.Subscribe()
	out := make(chan codec.Value, 1)
	out <- current

	stopped := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !ev.Affects(truckID, box, tag) {
					continue
				}
				v, found, err := r.Get(truckID, box, tag)
				if err != nil || !found {
					continue
				}
				select {
				case out <- v:
				case <-stopped:
					return
				}
			case <-stopped:
				return
			}
		}
	}()

	stop := func() {
		close(stopped)
		unsubscribe()
	}
	return out, stop, nil
}

// WatchBox yields the current full-box snapshot immediately, then a
// fresh snapshot on every change event touching the box.
func (r *Registry) WatchBox(truckID, box string) (<-chan map[string]codec.Value, func(), error) {
	current, err := r.ReadBox(truckID, box)
	if err != nil {
		return nil, nil, err
	}

	events, unsubscribe := r.bus.Subscribe()
	out := make(chan map[string]codec.Value, 1)
	out <- current

	stopped := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if !ev.AffectsBox(truckID, box) {
					continue
				}
				snap, err := r.ReadBox(truckID, box)
				if err != nil {
					continue
				}
				select {
				case out <- snap:
				case <-stopped:
					return
				}
			case <-stopped:
				return
			}
		}
	}()

	stop := func() {
		close(stopped)
		unsubscribe()
	}
	return out, stop, nil
}
