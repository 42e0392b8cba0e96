package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tholstrom/truckdb/internal/codec"
)

// RequestTimeout bounds every request/response call made against a
// TruckWorker, per §4.6: a request times out after 30 seconds and the
// pending slot is discarded.
const RequestTimeout = 30 * time.Second

// Command enumerates the operations a TruckWorker dispatches, matching
// §4.6's command surface exactly.
type Command int

const (
	CmdInit Command = iota
	CmdWrite
	CmdPutCAS
	CmdBatch
	CmdRead
	CmdReadBox
	CmdQuery
	CmdRemoveTag
	CmdRemoveBox
	CmdCompact
	CmdClose
	CmdContains
	CmdGetAllBoxes
)

type writeParams struct {
	box, tag string
	value    codec.Value
	sync     bool
}

type putCASParams struct {
	box, tag string
	value    codec.Value
	field    string
	expected any
	sync     bool
}

type batchParams struct {
	box     string
	entries map[string]codec.Value
}

type readParams struct{ box, tag string }

type readResult struct {
	value codec.Value
	ok    bool
}

type readBoxParams struct{ box string }

type queryParams struct{ box, field, prefix string }

type removeTagParams struct {
	box, tag string
	sync     bool
}

type removeBoxParams struct {
	box  string
	sync bool
}

type containsParams struct{ box, tag string }

// workerRequest is one message sent to a TruckWorker's dispatch loop. A
// zero id means fire-and-forget: the worker processes the command but
// never replies, preserving receipt order without giving the caller a
// completion signal.
type workerRequest struct {
	id     uuid.UUID
	cmd    Command
	params any
	reply  chan workerResponse
}

type workerResponse struct {
	value any
	err   error
}

// TruckWorker hosts one Truck on a dedicated goroutine, serializing every
// command through a single channel so the truck's in-memory state and
// file handles are only ever touched from this one scheduling domain.
// Logging here uses zap's SugaredLogger rather than slog — an
// engine-internal, latency-sensitive loop adopted a second structured
// logging library the way real services accumulate one per subsystem
// over time; the Registry and ambient packages stay on slog.
type TruckWorker struct {
	truck *Truck
	reqCh chan workerRequest
	log   *zap.SugaredLogger
	done  chan struct{}
}

// NewTruckWorker spawns the worker goroutine for truck. The caller must
// still call Init before issuing any other command.
func NewTruckWorker(truck *Truck, log *zap.SugaredLogger) *TruckWorker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	w := &TruckWorker{
		truck: truck,
		reqCh: make(chan workerRequest, 32),
		log:   log,
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *TruckWorker) loop() {
	defer close(w.done)
	for req := range w.reqCh {
		resp := w.dispatch(req)
		if req.id != uuid.Nil && req.reply != nil {
			req.reply <- resp
		}
		if req.cmd == CmdClose {
			return
		}
	}
}

func (w *TruckWorker) dispatch(req workerRequest) workerResponse {
	switch req.cmd {
	case CmdInit:
		return workerResponse{err: w.truck.Initialize()}

	case CmdWrite:
		p := req.params.(writeParams)
		return workerResponse{err: w.truck.Write(p.box, p.tag, p.value, p.sync)}

	case CmdPutCAS:
		p := req.params.(putCASParams)
		ok, err := w.truck.PutCAS(p.box, p.tag, p.value, p.field, p.expected, p.sync)
		return workerResponse{value: ok, err: err}

	case CmdBatch:
		p := req.params.(batchParams)
		return workerResponse{err: w.truck.Batch(p.box, p.entries)}

	case CmdRead:
		p := req.params.(readParams)
		v, ok, err := w.truck.Read(p.box, p.tag)
		return workerResponse{value: readResult{value: v, ok: ok}, err: err}

	case CmdReadBox:
		p := req.params.(readBoxParams)
		m, err := w.truck.ReadBox(p.box)
		return workerResponse{value: m, err: err}

	case CmdQuery:
		p := req.params.(queryParams)
		vs, err := w.truck.Query(p.box, p.field, p.prefix)
		return workerResponse{value: vs, err: err}

	case CmdRemoveTag:
		p := req.params.(removeTagParams)
		return workerResponse{err: w.truck.RemoveTag(p.box, p.tag, p.sync)}

	case CmdRemoveBox:
		p := req.params.(removeBoxParams)
		return workerResponse{err: w.truck.RemoveBox(p.box, p.sync)}

	case CmdCompact:
		return workerResponse{err: w.truck.Compact()}

	case CmdClose:
		return workerResponse{err: w.truck.Close()}

	case CmdContains:
		p := req.params.(containsParams)
		ok, err := w.truck.Contains(p.box, p.tag)
		return workerResponse{value: ok, err: err}

	case CmdGetAllBoxes:
		boxes, err := w.truck.GetAllBoxes()
		return workerResponse{value: boxes, err: err}

	default:
		return workerResponse{err: fmt.Errorf("store: unknown worker command %d", req.cmd)}
	}
}

// send issues a fire-and-forget command: the caller proceeds without
// waiting for the worker to process it.
func (w *TruckWorker) send(cmd Command, params any) {
	w.reqCh <- workerRequest{id: uuid.Nil, cmd: cmd, params: params}
}

// call issues a correlated request and blocks for its reply, bounded by
// RequestTimeout.
func (w *TruckWorker) call(cmd Command, params any) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), RequestTimeout)
	defer cancel()

	reply := make(chan workerResponse, 1)
	req := workerRequest{id: uuid.New(), cmd: cmd, params: params, reply: reply}

	select {
	case w.reqCh <- req:
	case <-ctx.Done():
		w.log.Warnw("worker request dropped before send: truck busy past deadline", "cmd", cmd)
		return nil, ErrTimeout
	}

	select {
	case resp := <-reply:
		return resp.value, resp.err
	case <-ctx.Done():
		w.log.Warnw("worker request timed out awaiting reply", "cmd", cmd)
		return nil, ErrTimeout
	}
}

// Init runs the truck's initialization synchronously.
func (w *TruckWorker) Init() error {
	_, err := w.call(CmdInit, nil)
	return err
}

// Write issues a write. When sync is false this is fire-and-forget: the
// call returns immediately once the command is handed to the worker.
func (w *TruckWorker) Write(box, tag string, value codec.Value, sync bool) error {
	if !sync {
		w.send(CmdWrite, writeParams{box: box, tag: tag, value: value, sync: sync})
		return nil
	}
	_, err := w.call(CmdWrite, writeParams{box: box, tag: tag, value: value, sync: sync})
	return err
}

// PutCAS always waits for a reply; the caller needs the boolean result.
func (w *TruckWorker) PutCAS(box, tag string, value codec.Value, field string, expected any, sync bool) (bool, error) {
	v, err := w.call(CmdPutCAS, putCASParams{box: box, tag: tag, value: value, field: field, expected: expected, sync: sync})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Batch always waits for a reply: batches are always durably flushed
// before the call returns.
func (w *TruckWorker) Batch(box string, entries map[string]codec.Value) error {
	_, err := w.call(CmdBatch, batchParams{box: box, entries: entries})
	return err
}

// Read always waits for a reply.
func (w *TruckWorker) Read(box, tag string) (codec.Value, bool, error) {
	v, err := w.call(CmdRead, readParams{box: box, tag: tag})
	if err != nil {
		return nil, false, err
	}
	r := v.(readResult)
	return r.value, r.ok, nil
}

// ReadBox always waits for a reply.
func (w *TruckWorker) ReadBox(box string) (map[string]codec.Value, error) {
	v, err := w.call(CmdReadBox, readBoxParams{box: box})
	if err != nil {
		return nil, err
	}
	return v.(map[string]codec.Value), nil
}

// Query always waits for a reply.
func (w *TruckWorker) Query(box, field, prefix string) ([]codec.Value, error) {
	v, err := w.call(CmdQuery, queryParams{box: box, field: field, prefix: prefix})
	if err != nil {
		return nil, err
	}
	return v.([]codec.Value), nil
}

// RemoveTag issues a tombstone write; fire-and-forget when sync is false.
func (w *TruckWorker) RemoveTag(box, tag string, sync bool) error {
	if !sync {
		w.send(CmdRemoveTag, removeTagParams{box: box, tag: tag, sync: sync})
		return nil
	}
	_, err := w.call(CmdRemoveTag, removeTagParams{box: box, tag: tag, sync: sync})
	return err
}

// RemoveBox issues a box-wide tombstone sweep; fire-and-forget when sync
// is false.
func (w *TruckWorker) RemoveBox(box string, sync bool) error {
	if !sync {
		w.send(CmdRemoveBox, removeBoxParams{box: box, sync: sync})
		return nil
	}
	_, err := w.call(CmdRemoveBox, removeBoxParams{box: box, sync: sync})
	return err
}

// Compact always waits for a reply.
func (w *TruckWorker) Compact() error {
	_, err := w.call(CmdCompact, nil)
	return err
}

// Contains always waits for a reply.
func (w *TruckWorker) Contains(box, tag string) (bool, error) {
	v, err := w.call(CmdContains, containsParams{box: box, tag: tag})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// GetAllBoxes always waits for a reply.
func (w *TruckWorker) GetAllBoxes() ([]string, error) {
	v, err := w.call(CmdGetAllBoxes, nil)
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Close sends the close command and waits for the worker to finish
// shutting down its truck, then waits for the dispatch loop itself to
// exit.
func (w *TruckWorker) Close() error {
	_, err := w.call(CmdClose, nil)
	close(w.reqCh)
	<-w.done
	return err
}
