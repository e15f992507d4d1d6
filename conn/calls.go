package conn

import (
	"encoding/json"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// result is the terminal outcome of one call.
type result struct {
	payload json.RawMessage
	err     error
}

// calls is the correlation table: it assigns call identifiers and matches
// incoming replies to the goroutine awaiting them. Identifiers are unique
// for the process lifetime and never reused.
type calls struct {
	log    *zap.SugaredLogger
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan result

	droppedReplies atomic.Uint64
}

func newCalls(log *zap.SugaredLogger) *calls {
	return &calls{
		log:     log,
		pending: map[uint64]chan result{},
	}
}

// register allocates the next identifier and its completion slot. The slot
// is buffered so a resolving reply never blocks the dispatch flow, and
// registration happens before the caller sends the frame, so even an
// instant reply finds the entry.
func (c *calls) register() (uint64, chan result) {
	id := c.nextID.Inc()
	ch := make(chan result, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return id, ch
}

// remove drops an entry whose frame never made it out.
func (c *calls) remove(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve fulfills the completion slot for id and removes the entry. A
// reply for an identifier that is not pending is dropped and counted; that
// legitimately happens during shutdown races and after a caller abandons a
// timed-out call.
func (c *calls) resolve(id uint64, res result) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.droppedReplies.Inc()
		c.log.Debugw("dropping reply for unknown call", "ID", id)
		return
	}
	ch <- res
}

// failAll resolves every pending call with err and empties the table. This
// is what keeps callers from hanging forever after peer death.
func (c *calls) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[uint64]chan result{}
	c.mu.Unlock()

	if len(pending) > 0 {
		c.log.Debugw("failing pending calls", "Count", len(pending), "Error", err)
	}
	for _, ch := range pending {
		ch <- result{err: err}
	}
}

func (c *calls) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
