package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	commonlog "fieldsync/server/common/log"
	"fieldsync/server/mobilesync/domain"
)

var (
	// ErrDiscard marks an item that can never succeed (e.g. its local media is gone).
	// The queue drops it and moves on instead of retaining it.
	ErrDiscard = errors.New("queue item discarded")
	// ErrFlushInProgress is reported when a flush is requested while one runs.
	ErrFlushInProgress = errors.New("flush already in progress")
)

// ProcessFunc performs the remote effect of one queued item. It runs off the event
// loop and may block.
type ProcessFunc[T any] func(ctx context.Context, entry domain.QueueEntry[T]) error

type FlushResult struct {
	Queue     string
	Processed int
	Discarded int
	Remaining int
	Halted    bool
	Err       error
}

// OfflineQueue is a durable FIFO persisted under one store key. Items leave the
// queue only after their processing succeeded; a failed head item stays in place
// and stops the flush so later items never overtake it.
type OfflineQueue[T any] struct {
	key    string
	loop   *Loop
	store  *StateStore
	online func() bool
	now    func() time.Time

	items    []domain.QueueEntry[T]
	flushing bool
	gen      uint64
}

func NewOfflineQueue[T any](key string, loop *Loop, store *StateStore, online func() bool) (*OfflineQueue[T], error) {
	q := &OfflineQueue[T]{key: key, loop: loop, store: store, online: online, now: time.Now}
	if _, err := store.GetJSON(key, &q.items); err != nil {
		return nil, err
	}
	if len(q.items) > 0 {
		commonlog.Infof("event=offline_queue action=restore queue=%s items=%d", key, len(q.items))
	}
	return q, nil
}

func (q *OfflineQueue[T]) Enqueue(item T) domain.QueueEntry[T] {
	entry := domain.QueueEntry[T]{
		ID:         uuid.NewString(),
		EnqueuedAt: q.now().UTC(),
		Item:       item,
	}
	q.items = append(q.items, entry)
	q.persist()
	commonlog.Infof("event=offline_queue action=enqueue queue=%s item_id=%s depth=%d", q.key, entry.ID, len(q.items))
	return entry
}

// Prepend puts items ahead of everything already queued, keeping their order.
// It is used for work that was handed off once and has to be redone first.
func (q *OfflineQueue[T]) Prepend(items ...T) []domain.QueueEntry[T] {
	if len(items) == 0 {
		return nil
	}
	now := q.now().UTC()
	entries := make([]domain.QueueEntry[T], 0, len(items)+len(q.items))
	for _, item := range items {
		entries = append(entries, domain.QueueEntry[T]{ID: uuid.NewString(), EnqueuedAt: now, Item: item})
	}
	added := append([]domain.QueueEntry[T](nil), entries...)
	q.items = append(entries, q.items...)
	q.persist()
	commonlog.Infof("event=offline_queue action=prepend queue=%s items=%d depth=%d", q.key, len(added), len(q.items))
	return added
}

func (q *OfflineQueue[T]) Len() int {
	return len(q.items)
}

func (q *OfflineQueue[T]) Flushing() bool {
	return q.flushing
}

func (q *OfflineQueue[T]) Snapshot() []domain.QueueEntry[T] {
	return append([]domain.QueueEntry[T](nil), q.items...)
}

// Abandon detaches a running flush: its pending completion is ignored and a new
// flush may start right away.
func (q *OfflineQueue[T]) Abandon() {
	q.gen++
	q.flushing = false
}

// Clear drops every item and abandons a running flush.
func (q *OfflineQueue[T]) Clear() {
	q.Abandon()
	q.items = nil
	q.store.Delete(q.key)
}

// Flush drains the queue in order while online. done is invoked on the loop when
// the flush ends. A call made while another flush runs is suppressed and reports
// false.
func (q *OfflineQueue[T]) Flush(ctx context.Context, process ProcessFunc[T], done func(FlushResult)) bool {
	if q.flushing {
		commonlog.Debugf("event=offline_queue action=flush status=suppressed queue=%s", q.key)
		return false
	}
	q.flushing = true
	run := &flushRun[T]{queue: q, ctx: ctx, process: process, done: done, gen: q.gen, result: FlushResult{Queue: q.key}}
	run.step()
	return true
}

type flushRun[T any] struct {
	queue   *OfflineQueue[T]
	ctx     context.Context
	process ProcessFunc[T]
	done    func(FlushResult)
	gen     uint64
	result  FlushResult
}

func (r *flushRun[T]) step() {
	q := r.queue
	switch {
	case len(q.items) == 0:
		r.finish(false, nil)
		return
	case r.ctx.Err() != nil:
		r.finish(true, r.ctx.Err())
		return
	case !q.online():
		r.finish(true, nil)
		return
	}

	head := q.items[0]
	go func() {
		err := r.process(r.ctx, head)
		if !q.loop.Post(func() { r.complete(head.ID, err) }) {
			commonlog.Warnf("event=offline_queue action=complete status=dropped queue=%s item_id=%s reason=loop_stopped", q.key, head.ID)
		}
	}()
}

func (r *flushRun[T]) complete(id string, err error) {
	q := r.queue
	if r.gen != q.gen {
		return
	}
	idx := q.indexOf(id)
	if idx < 0 {
		r.finish(true, nil)
		return
	}

	switch {
	case err == nil:
		q.removeAt(idx)
		q.persist()
		r.result.Processed++
		commonlog.Infof("event=offline_queue action=process status=ok queue=%s item_id=%s remaining=%d", q.key, id, len(q.items))
	case r.ctx.Err() != nil && errors.Is(err, r.ctx.Err()):
		r.finish(true, err)
		return
	case errors.Is(err, ErrDiscard):
		q.removeAt(idx)
		q.persist()
		r.result.Discarded++
		commonlog.Errorf("event=offline_queue action=process status=discarded queue=%s item_id=%s error=%v", q.key, id, err)
	default:
		q.items[idx].Attempts++
		q.items[idx].LastError = err.Error()
		q.persist()
		commonlog.Warnf("event=offline_queue action=process status=failed queue=%s item_id=%s attempts=%d error=%v", q.key, id, q.items[idx].Attempts, err)
		r.finish(true, err)
		return
	}
	r.step()
}

func (r *flushRun[T]) finish(halted bool, err error) {
	q := r.queue
	q.flushing = false
	r.result.Halted = halted
	r.result.Err = err
	r.result.Remaining = len(q.items)
	commonlog.Infof("event=offline_queue action=flush status=done queue=%s processed=%d discarded=%d remaining=%d halted=%t", q.key, r.result.Processed, r.result.Discarded, r.result.Remaining, halted)
	if r.done != nil {
		r.done(r.result)
	}
}

// indexOf finds id; it is normally the head unless items were prepended while
// the item was processing.
func (q *OfflineQueue[T]) indexOf(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *OfflineQueue[T]) removeAt(i int) {
	q.items = append(q.items[:i:i], q.items[i+1:]...)
}

func (q *OfflineQueue[T]) persist() {
	if len(q.items) == 0 {
		q.store.Delete(q.key)
		return
	}
	if err := q.store.SetJSON(q.key, q.items); err != nil {
		commonlog.Errorf("event=offline_queue action=persist status=failed queue=%s error=%v", q.key, err)
	}
}
