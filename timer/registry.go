// Package timer tracks per-owner inactivity and reports owners that stayed idle for
// their configured timeout. Many owners share one clock timer.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Owner receives OnIdle on the event loop once its idle timeout elapses without a
// call to Active. It is not called again until the next Active.
type Owner interface {
	OnIdle()
}

type Poster interface {
	Post(task func()) bool
}

type Registry struct {
	clock   clock.Clock
	poster  Poster
	access  sync.Mutex
	entries map[Owner]*entry
	queue   entryQueue
	timer   *clock.Timer
	timerID uint64
	armed   time.Time
	closed  bool
}

type entry struct {
	owner    Owner
	timeout  time.Duration
	deadline time.Time
	sequence uint64
	index    int
}

func NewRegistry(clk clock.Clock, poster Poster) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock:   clk,
		poster:  poster,
		entries: make(map[Owner]*entry),
	}
}

// Enroll sets the idle timeout of owner. The countdown starts with the next Active.
func (r *Registry) Enroll(owner Owner, timeout time.Duration) {
	if timeout <= 0 {
		r.Unenroll(owner)
		return
	}
	r.access.Lock()
	defer r.access.Unlock()
	if r.closed {
		return
	}
	e, loaded := r.entries[owner]
	if !loaded {
		e = &entry{owner: owner, index: -1}
		r.entries[owner] = e
	} else if e.index >= 0 {
		heap.Remove(&r.queue, e.index)
	}
	e.timeout = timeout
	e.sequence++
}

// Active marks owner as active now and restarts its countdown. It does nothing for
// owners that are not enrolled.
func (r *Registry) Active(owner Owner) {
	r.access.Lock()
	defer r.access.Unlock()
	e, loaded := r.entries[owner]
	if !loaded || r.closed {
		return
	}
	e.sequence++
	e.deadline = r.clock.Now().Add(e.timeout)
	if e.index >= 0 {
		heap.Fix(&r.queue, e.index)
	} else {
		heap.Push(&r.queue, e)
	}
	r.arm()
}

func (r *Registry) Unenroll(owner Owner) {
	r.access.Lock()
	defer r.access.Unlock()
	e, loaded := r.entries[owner]
	if !loaded {
		return
	}
	if e.index >= 0 {
		heap.Remove(&r.queue, e.index)
	}
	e.sequence++
	delete(r.entries, owner)
	if r.queue.Len() == 0 && r.timer != nil {
		r.timer.Stop()
		r.timer = nil
		r.armed = time.Time{}
	}
}

func (r *Registry) Enrolled(owner Owner) bool {
	r.access.Lock()
	defer r.access.Unlock()
	_, loaded := r.entries[owner]
	return loaded
}

func (r *Registry) Len() int {
	r.access.Lock()
	defer r.access.Unlock()
	return len(r.entries)
}

func (r *Registry) Close() {
	r.access.Lock()
	defer r.access.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.entries = make(map[Owner]*entry)
	r.queue = nil
}

// arm makes sure the clock timer fires no later than the earliest deadline.
func (r *Registry) arm() {
	if r.queue.Len() == 0 {
		return
	}
	next := r.queue[0].deadline
	if r.timer != nil && !r.armed.After(next) {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.armed = next
	r.timerID++
	timerID := r.timerID
	r.timer = r.clock.AfterFunc(next.Sub(r.clock.Now()), func() {
		r.expire(timerID)
	})
}

func (r *Registry) expire(timerID uint64) {
	r.access.Lock()
	if r.closed {
		r.access.Unlock()
		return
	}
	now := r.clock.Now()
	type expiredEntry struct {
		entry    *entry
		sequence uint64
	}
	var expired []expiredEntry
	for r.queue.Len() > 0 && !r.queue[0].deadline.After(now) {
		e := heap.Pop(&r.queue).(*entry)
		expired = append(expired, expiredEntry{e, e.sequence})
	}
	if timerID == r.timerID {
		r.timer = nil
		r.armed = time.Time{}
		r.arm()
	}
	r.access.Unlock()

	for _, it := range expired {
		it := it
		r.poster.Post(func() {
			if r.stillExpired(it.entry, it.sequence) {
				it.entry.owner.OnIdle()
			}
		})
	}
}

func (r *Registry) stillExpired(e *entry, sequence uint64) bool {
	r.access.Lock()
	defer r.access.Unlock()
	current, loaded := r.entries[e.owner]
	return loaded && current == e && e.sequence == sequence && e.index < 0
}

type entryQueue []*entry

func (q entryQueue) Len() int { return len(q) }

func (q entryQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }

func (q entryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *entryQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *entryQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
