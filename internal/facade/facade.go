// Package facade is a thin convenience layer over registry.Registry: a
// completer/future-style adapter for callers that prefer async handles
// over blocking calls, and a single-box "mini" wrapper that pins one
// (truck, box) pair so call sites stop repeating both ids. Neither type
// contains engine logic; everything forwards to the Registry.
package facade

import (
	"github.com/tholstrom/truckdb/internal/codec"
	"github.com/tholstrom/truckdb/internal/registry"
)

// Future wraps a value that becomes available asynchronously. Get blocks
// until the producing goroutine completes it.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// newFuture returns a Future along with its completer, a function the
// producing goroutine calls exactly once.
func newFuture[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{done: make(chan struct{})}
	complete := func(v T, err error) {
		f.val = v
		f.err = err
		close(f.done)
	}
	return f, complete
}

// Get blocks until the future completes and returns its value or error.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.val, f.err
}

// Done returns a channel closed once the future completes, for callers
// that want to select on it alongside other events.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Facade adapts registry.Registry to a future-returning call style.
type Facade struct {
	reg *registry.Registry
}

// New wraps reg.
func New(reg *registry.Registry) *Facade {
	return &Facade{reg: reg}
}

// Put asynchronously writes a value, returning a Future for completion.
func (f *Facade) Put(truckID, box, tag string, value codec.Value, sync bool) *Future[struct{}] {
	fut, complete := newFuture[struct{}]()
	go func() {
		err := f.reg.Put(truckID, box, tag, value, sync)
		complete(struct{}{}, err)
	}()
	return fut
}

// GetResult is the value a Get future completes with.
type GetResult struct {
	Value codec.Value
	Found bool
}

// Get asynchronously reads a value.
func (f *Facade) Get(truckID, box, tag string) *Future[GetResult] {
	fut, complete := newFuture[GetResult]()
	go func() {
		v, ok, err := f.reg.Get(truckID, box, tag)
		complete(GetResult{Value: v, Found: ok}, err)
	}()
	return fut
}

// PutCAS asynchronously performs a compare-and-swap.
func (f *Facade) PutCAS(truckID, box, tag string, value codec.Value, field string, expected any, sync bool) *Future[bool] {
	fut, complete := newFuture[bool]()
	go func() {
		ok, err := f.reg.PutCAS(truckID, box, tag, value, field, expected, sync)
		complete(ok, err)
	}()
	return fut
}

// Batch asynchronously commits a batch of entries for one box.
func (f *Facade) Batch(truckID, box string, entries map[string]codec.Value) *Future[struct{}] {
	fut, complete := newFuture[struct{}]()
	go func() {
		err := f.reg.Batch(truckID, box, entries)
		complete(struct{}{}, err)
	}()
	return fut
}

// RemoveTag asynchronously tombstones a tag.
func (f *Facade) RemoveTag(truckID, box, tag string, sync bool) *Future[struct{}] {
	fut, complete := newFuture[struct{}]()
	go func() {
		err := f.reg.RemoveTag(truckID, box, tag, sync)
		complete(struct{}{}, err)
	}()
	return fut
}

// Mini pins one (truck, box) pair against a Registry, letting callers
// that only ever work within a single box drop those two arguments from
// every call.
type Mini struct {
	reg     *registry.Registry
	truckID string
	box     string
}

// NewMini returns a Mini pinned to (truckID, box) over reg.
func NewMini(reg *registry.Registry, truckID, box string) *Mini {
	return &Mini{reg: reg, truckID: truckID, box: box}
}

func (m *Mini) Put(tag string, value codec.Value, sync bool) error {
	return m.reg.Put(m.truckID, m.box, tag, value, sync)
}

func (m *Mini) Get(tag string) (codec.Value, bool, error) {
	return m.reg.Get(m.truckID, m.box, tag)
}

func (m *Mini) PutCAS(tag string, value codec.Value, field string, expected any, sync bool) (bool, error) {
	return m.reg.PutCAS(m.truckID, m.box, tag, value, field, expected, sync)
}

func (m *Mini) RemoveTag(tag string, sync bool) error {
	return m.reg.RemoveTag(m.truckID, m.box, tag, sync)
}

func (m *Mini) Query(field, prefix string) ([]codec.Value, error) {
	return m.reg.Query(m.truckID, m.box, field, prefix)
}

func (m *Mini) ReadAll() (map[string]codec.Value, error) {
	return m.reg.ReadBox(m.truckID, m.box)
}

func (m *Mini) Remove(sync bool) error {
	return m.reg.RemoveBox(m.truckID, m.box, sync)
}

func (m *Mini) Watch(tag string) (<-chan codec.Value, func(), error) {
	return m.reg.Watch(m.truckID, m.box, tag)
}
