package interceptors

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/glimte/hostbridge/contracts"
)

const defaultDedupCapacity = 1024

// errDuplicateAbandoned answers duplicates whose first delivery never returned
var errDuplicateAbandoned = errors.New("duplicate call abandoned: the first delivery did not finish")

// DeduplicationInterceptor remembers the answers to recent call ids and
// replays them when the broker redelivers a call, so the handler runs at
// most once per id while the id stays in the cache. A duplicate arriving
// while the first delivery is still running waits for its answer.
type DeduplicationInterceptor struct {
	capacity int
	order    *list.List
	entries  map[uint64]*list.Element
	inflight map[uint64]*flight
	mu       sync.Mutex
}

type answer struct {
	id     uint64
	result interface{}
	err    error
}

// flight is a call whose handler is running
type flight struct {
	done   chan struct{}
	answer *answer
}

// NewDeduplicationInterceptor creates a deduplication interceptor keeping up
// to capacity answers. A capacity of 0 or less uses 1024.
func NewDeduplicationInterceptor(capacity int) *DeduplicationInterceptor {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}

	return &DeduplicationInterceptor{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[uint64]*list.Element),
		inflight: make(map[uint64]*flight),
	}
}

// Intercept implements Interceptor
func (i *DeduplicationInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next contracts.HostHandler) (result interface{}, err error) {
	cached, running := i.begin(env.ID)
	if cached != nil {
		return cached.result, cached.err
	}
	if running != nil {
		select {
		case <-running.done:
			return running.answer.result, running.answer.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	finished := false
	defer func() {
		a := &answer{id: env.ID, result: result, err: err}
		if !finished {
			a = &answer{id: env.ID, err: errDuplicateAbandoned}
		}
		i.finish(a, finished && ctx.Err() == nil)
	}()

	result, err = next(ctx, env)
	finished = true
	return result, err
}

// Name implements Interceptor
func (i *DeduplicationInterceptor) Name() string {
	return "DeduplicationInterceptor"
}

// Len returns the number of cached answers
func (i *DeduplicationInterceptor) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.order.Len()
}

// begin returns the cached answer for id, or the flight already running it.
// With neither, the caller becomes the one running it.
func (i *DeduplicationInterceptor) begin(id uint64) (*answer, *flight) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if elem, ok := i.entries[id]; ok {
		i.order.MoveToFront(elem)
		return elem.Value.(*answer), nil
	}
	if f, ok := i.inflight[id]; ok {
		return nil, f
	}

	i.inflight[id] = &flight{done: make(chan struct{})}
	return nil, nil
}

// finish releases the duplicates waiting on a and caches it when keep is set
func (i *DeduplicationInterceptor) finish(a *answer, keep bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	f := i.inflight[a.id]
	delete(i.inflight, a.id)
	if f != nil {
		f.answer = a
		close(f.done)
	}

	if keep {
		i.store(a)
	}
}

// store caches a; i.mu must be held
func (i *DeduplicationInterceptor) store(a *answer) {
	if elem, ok := i.entries[a.id]; ok {
		elem.Value = a
		i.order.MoveToFront(elem)
		return
	}

	i.entries[a.id] = i.order.PushFront(a)
	for i.order.Len() > i.capacity {
		oldest := i.order.Back()
		i.order.Remove(oldest)
		delete(i.entries, oldest.Value.(*answer).id)
	}
}
