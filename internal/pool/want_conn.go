package pool

import (
	"context"
	"sync"
)

// wantConn is a pending acquisition: a key plus a one-shot handle that will
// receive either a connection or an error. It is delivered at most once.
type wantConn struct {
	key string

	mu     sync.Mutex      // protects ctx, done and sending of the result
	ctx    context.Context // caller context, cleared after delivered or canceled
	done   bool            // true after delivered or canceled
	result chan wantConnResult
}

type wantConnResult struct {
	cn  *Conn
	err error
}

func newWantConn(ctx context.Context, key string) *wantConn {
	return &wantConn{
		key:    key,
		ctx:    ctx,
		result: make(chan wantConnResult, 1),
	}
}

// waiting reports whether the waiter can still receive a result.
func (w *wantConn) waiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.done
}

// tryDeliver hands cn or err to the waiter. It returns false if the waiter
// was already delivered to or canceled; the caller keeps ownership of cn in
// that case.
func (w *wantConn) tryDeliver(cn *Conn, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}

	w.done = true
	w.ctx = nil

	w.result <- wantConnResult{cn: cn, err: err}
	close(w.result)

	return true
}

// cancel marks the waiter as done. If a connection was delivered before the
// cancellation won the race, it is returned so the caller can put it back
// into the pool.
func (w *wantConn) cancel() *Conn {
	w.mu.Lock()
	var cn *Conn
	if w.done {
		select {
		case result := <-w.result:
			cn = result.cn
		default:
		}
	} else {
		close(w.result)
	}

	w.done = true
	w.ctx = nil
	w.mu.Unlock()

	return cn
}

// wantConnQueue is the wait list: waiters in arrival order. Canceled
// waiters are dropped lazily as the queue is scanned. Not safe for
// concurrent use; the pool serializes access under its lock.
type wantConnQueue struct {
	items []*wantConn
}

func (q *wantConnQueue) enqueue(w *wantConn) {
	q.items = append(q.items, w)
}

// headKey returns the key of the earliest live waiter.
func (q *wantConnQueue) headKey() (string, bool) {
	q.cleanFront()
	if len(q.items) == 0 {
		return "", false
	}
	return q.items[0].key, true
}

func (q *wantConnQueue) cleanFront() {
	for len(q.items) > 0 && !q.items[0].waiting() {
		q.items = q.items[1:]
	}
}

// popKey removes and returns the earliest live waiter for key, or nil.
// Dead waiters encountered on the way are compacted out regardless of key.
func (q *wantConnQueue) popKey(key string) *wantConn {
	kept := q.items[:0]
	var found *wantConn
	for i, w := range q.items {
		if !w.waiting() {
			continue
		}
		if found == nil && w.key == key {
			found = w
			continue
		}
		kept = append(kept, w)
		if found != nil {
			// Order of the remainder is untouched; stop compacting.
			kept = append(kept, q.items[i+1:]...)
			break
		}
	}
	q.items = kept
	return found
}

// len counts live waiters; canceled entries still sitting in the queue are
// ignored.
func (q *wantConnQueue) len() int {
	n := 0
	for _, w := range q.items {
		if w.waiting() {
			n++
		}
	}
	return n
}

// drain empties the queue and returns every live waiter.
func (q *wantConnQueue) drain() []*wantConn {
	var live []*wantConn
	for _, w := range q.items {
		if w.waiting() {
			live = append(live, w)
		}
	}
	q.items = nil
	return live
}
