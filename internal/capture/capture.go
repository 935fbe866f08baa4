// Package capture converts entity mutations into change log records.
//
// The capture path is deliberately split in two: Record snapshots the
// mutation and enqueues it without blocking the caller's transaction, and a
// single writer goroutine drains the queue into the durable change log. A
// process crash between enqueue and persist loses the queued records; this
// is an accepted reliability gap in exchange for keeping the write path fast.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanefield/teamsync/internal/store"
)

// DefaultQueueSize bounds the in-process capture queue.
const DefaultQueueSize = 1024

// Mutation describes one observed entity mutation before classification.
type Mutation struct {
	// Table is the entity type name.
	Table string
	// RecordID identifies the mutated entity.
	RecordID string
	// Op is the raw persistence-layer operation: insert, update, or delete.
	Op store.Operation
	// Before is the field snapshot prior to the mutation (updates and
	// deletes). Nil for inserts.
	Before map[string]interface{}
	// After is the field snapshot after the mutation (inserts and
	// updates). Nil for hard deletes.
	After map[string]interface{}
}

// Recorder captures mutations into the change log through a bounded queue
// drained by a single background writer.
type Recorder struct {
	db     *store.DB
	origin string
	queue  chan *store.ChangeRecord
	logger *log.Logger

	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewRecorder creates a Recorder and starts its writer goroutine.
//
// origin is this instance's server id; it is stamped on every record.
// If logger is nil, a default logger writing to stderr is used.
func NewRecorder(db *store.DB, origin string, queueSize int, logger *log.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[capture] ", log.LstdFlags)
	}

	r := &Recorder{
		db:     db,
		origin: origin,
		queue:  make(chan *store.ChangeRecord, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.writeLoop()

	return r
}

// Record classifies a mutation and enqueues exactly one change record for it.
//
// Enqueue never blocks the caller: if the queue is full the record is dropped
// and counted. Mutations performed while applying remote changes (suppression
// set on ctx) are ignored so replayed changes are not re-logged as local ones.
func (r *Recorder) Record(ctx context.Context, m Mutation) error {
	if Suppressed(ctx) {
		return nil
	}

	op, err := classify(m)
	if err != nil {
		return err
	}

	payload, err := snapshotPayload(m, op)
	if err != nil {
		return err
	}

	rec := &store.ChangeRecord{
		Table:      m.Table,
		RecordID:   m.RecordID,
		Op:         op,
		Payload:    payload,
		Timestamp:  time.Now(),
		SyncStatus: store.StatusPending,
		Origin:     r.origin,
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid mutation: %w", err)
	}

	select {
	case r.queue <- rec:
		return nil
	default:
		n := r.dropped.Add(1)
		r.logger.Printf("Capture queue full, dropped change for %s/%s (%d dropped total)",
			m.Table, m.RecordID, n)
		return nil
	}
}

// Dropped returns the number of records lost to queue overflow.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops the writer after draining any queued records.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
	return nil
}

// writeLoop is the single consumer persisting queued records.
func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	for {
		select {
		case rec := <-r.queue:
			r.persist(rec)

		case <-r.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case rec := <-r.queue:
					r.persist(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) persist(rec *store.ChangeRecord) {
	if err := r.db.InsertChange(context.Background(), rec); err != nil {
		r.logger.Printf("Failed to persist change for %s/%s: %v", rec.Table, rec.RecordID, err)
	}
}

// classify refines the raw operation. An update that flips the entity's
// "active" flag becomes soft_delete (true to false) or reactivate (false to
// true); every other update stays update.
func classify(m Mutation) (store.Operation, error) {
	switch m.Op {
	case store.OpInsert, store.OpDelete:
		return m.Op, nil
	case store.OpUpdate:
		before, beforeOK := activeFlag(m.Before)
		after, afterOK := activeFlag(m.After)
		if beforeOK && afterOK && before != after {
			if after {
				return store.OpReactivate, nil
			}
			return store.OpSoftDelete, nil
		}
		return store.OpUpdate, nil
	default:
		return "", fmt.Errorf("cannot capture operation %q", m.Op)
	}
}

// snapshotPayload picks the field snapshot to log: the new state for
// insert/update/reactivate/soft_delete, the pre-delete state for delete.
func snapshotPayload(m Mutation, op store.Operation) (json.RawMessage, error) {
	var snapshot map[string]interface{}
	if op == store.OpDelete {
		snapshot = m.Before
	} else {
		snapshot = m.After
	}
	if snapshot == nil {
		return nil, fmt.Errorf("mutation for %s/%s has no snapshot", m.Table, m.RecordID)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot for %s/%s: %w", m.Table, m.RecordID, err)
	}
	return data, nil
}

// activeFlag reads the boolean "active" attribute from a snapshot.
func activeFlag(snapshot map[string]interface{}) (value, ok bool) {
	if snapshot == nil {
		return false, false
	}
	v, present := snapshot["active"]
	if !present {
		return false, false
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, false
	}
	return b, true
}
