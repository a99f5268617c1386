package store

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// CallInserter persists one call record. *DB satisfies it.
type CallInserter interface {
	InsertCallRecord(ctx context.Context, rec *models.CallRecord) error
}

// AsyncRecorder buffers call records and writes them to the database from a
// background worker so persistence never blocks the request path. Records are
// dropped (with a log line) when the buffer is full; call records are
// operational telemetry, not billing data, so losing some under pressure is
// acceptable.
type AsyncRecorder struct {
	db      CallInserter
	ch      chan models.CallRecord
	done    chan struct{}
	once    sync.Once
	timeout time.Duration
}

// NewAsyncRecorder starts a recorder with the given buffer size.
func NewAsyncRecorder(db CallInserter, buffer int) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &AsyncRecorder{
		db:      db,
		ch:      make(chan models.CallRecord, buffer),
		done:    make(chan struct{}),
		timeout: 5 * time.Second,
	}
	go r.run()
	return r
}

// Record enqueues a call record without blocking.
func (r *AsyncRecorder) Record(rec models.CallRecord) {
	select {
	case r.ch <- rec:
	default:
		log.Printf("store: record buffer full, dropping call record %s", rec.ID)
	}
}

// Close drains the buffer and stops the worker.
func (r *AsyncRecorder) Close() {
	r.once.Do(func() {
		close(r.ch)
		<-r.done
	})
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	for rec := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.db.InsertCallRecord(ctx, &rec); err != nil {
			log.Printf("store: failed to persist call record %s: %v", rec.ID, err)
		}
		cancel()
	}
}
