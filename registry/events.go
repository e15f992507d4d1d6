package registry

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Handler receives events delivered to a subscribed object identifier.
// Lifecycle notifications come through as the reserved method names:
// MethodCreate fires on the parent's identifier with the child's create
// params, MethodDispose on each disposed identifier with nil params.
//
// Handlers run on the dispatch flow, so they must not block; anything slow
// belongs on the subscriber's own goroutine.
type Handler func(method string, params json.RawMessage)

// Subscription identifies one registered Handler.
type Subscription struct {
	ID   string
	GUID string
}

// Subscribe registers h for events addressed to guid. The identifier does
// not have to be live yet; subscribing before the object exists is how the
// owning layer observes its creation.
func (r *Registry) Subscribe(guid string, h Handler) Subscription {
	sub := Subscription{ID: uuid.NewString(), GUID: guid}

	r.subMu.Lock()
	defer r.subMu.Unlock()
	handlers, ok := r.subs[guid]
	if !ok {
		handlers = map[string]Handler{}
		r.subs[guid] = handlers
	}
	handlers[sub.ID] = h
	return sub
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (r *Registry) Unsubscribe(sub Subscription) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	handlers, ok := r.subs[sub.GUID]
	if !ok {
		return
	}
	delete(handlers, sub.ID)
	if len(handlers) == 0 {
		delete(r.subs, sub.GUID)
	}
}

// notify invokes every handler subscribed to guid. Handlers are snapshotted
// under the lock and called outside it, so a handler may subscribe or
// unsubscribe without deadlocking.
func (r *Registry) notify(guid, method string, params json.RawMessage) {
	r.subMu.Lock()
	handlers := make([]Handler, 0, len(r.subs[guid]))
	for _, h := range r.subs[guid] {
		handlers = append(handlers, h)
	}
	r.subMu.Unlock()

	for _, h := range handlers {
		h(method, params)
	}
}
