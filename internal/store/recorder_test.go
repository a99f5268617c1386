package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

type captureInserter struct {
	mu   sync.Mutex
	recs []models.CallRecord
	err  error
}

func (c *captureInserter) InsertCallRecord(_ context.Context, rec *models.CallRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, *rec)
	return c.err
}

func (c *captureInserter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func TestAsyncRecorder_PersistsRecords(t *testing.T) {
	ins := &captureInserter{}
	r := NewAsyncRecorder(ins, 16)

	for i := 0; i < 5; i++ {
		r.Record(models.CallRecord{ID: "rec", Timestamp: time.Now()})
	}
	r.Close()

	assert.Equal(t, 5, ins.count())
}

func TestAsyncRecorder_CloseIsIdempotent(t *testing.T) {
	ins := &captureInserter{}
	r := NewAsyncRecorder(ins, 4)
	r.Record(models.CallRecord{ID: "only"})
	r.Close()
	r.Close()

	assert.Equal(t, 1, ins.count())
}

func TestAsyncRecorder_DropsWhenBufferFull(t *testing.T) {
	// Block the worker so the buffer fills up.
	release := make(chan struct{})
	ins := &blockingInserter{release: release}
	r := NewAsyncRecorder(ins, 2)

	// One record in flight at the worker, two queued, the rest dropped.
	for i := 0; i < 10; i++ {
		r.Record(models.CallRecord{ID: "rec"})
	}
	close(release)
	r.Close()

	assert.LessOrEqual(t, ins.count(), 4)
	assert.GreaterOrEqual(t, ins.count(), 1)
}

type blockingInserter struct {
	mu      sync.Mutex
	n       int
	release chan struct{}
}

func (b *blockingInserter) InsertCallRecord(context.Context, *models.CallRecord) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n++
	return nil
}

func (b *blockingInserter) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}
