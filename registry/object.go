package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Caller issues a protocol call targeting an object and waits for its reply.
// The connection layer implements this; objects hold it so typed wrappers
// can expose remote methods.
type Caller interface {
	Call(ctx context.Context, guid, method string, params interface{}) (json.RawMessage, error)
}

// Object is a client-side proxy for a server-owned object. Implementations
// embed *Base; the registry owns every Object for its whole lifetime, and
// external code holds identifiers or short-lived handles resolved through
// Registry.Get, never exclusive ownership, because the server may dispose
// any object at any time.
type Object interface {
	// GUID returns the object's identifier, unique for the registry's
	// lifetime and never reused after disposal.
	GUID() string

	// TypeName returns the type tag the server declared at creation.
	TypeName() string

	// Parent returns the owning parent object, or nil for the root. The
	// reference is for lookup only; the registry, not the parent, owns the
	// object.
	Parent() Object

	// Initializer returns the raw initialization payload from the server.
	Initializer() json.RawMessage

	// Children returns the identifiers of the object's live children, in
	// creation order.
	Children() []string

	// OnEvent delivers a server event addressed to this object. Typed
	// objects react to the event names they recognize; what happens to
	// unrecognized names is each object's own policy.
	OnEvent(method string, params json.RawMessage)

	base() *Base
}

// Base carries the state every Object shares. Typed wrappers embed *Base
// and add behavior on top; the registry constructs the Base and hands it to
// the type's constructor.
type Base struct {
	guid        string
	typeName    string
	parent      Object
	initializer json.RawMessage
	caller      Caller

	mu       sync.Mutex
	children []Object
}

var _ Object = (*Base)(nil)

func (b *Base) GUID() string                 { return b.guid }
func (b *Base) TypeName() string             { return b.typeName }
func (b *Base) Parent() Object               { return b.parent }
func (b *Base) Initializer() json.RawMessage { return b.initializer }

func (b *Base) Children() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	guids := make([]string, len(b.children))
	for i, child := range b.children {
		guids[i] = child.GUID()
	}
	return guids
}

// OnEvent is a no-op; typed wrappers override it for the events they
// recognize.
func (b *Base) OnEvent(method string, params json.RawMessage) {}

// Call issues a protocol call targeting this object.
func (b *Base) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if b.caller == nil {
		return nil, errors.New("object has no connection")
	}
	return b.caller.Call(ctx, b.guid, method, params)
}

func (b *Base) base() *Base { return b }

func (b *Base) addChild(child Object) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.children = append(b.children, child)
}

func (b *Base) removeChild(guid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, child := range b.children {
		if child.GUID() == guid {
			b.children = append(b.children[:i], b.children[i+1:]...)
			return
		}
	}
}

func (b *Base) childObjects() []Object {
	b.mu.Lock()
	defer b.mu.Unlock()
	children := make([]Object, len(b.children))
	copy(children, b.children)
	return children
}

// Generic is the placeholder for type tags with no registered constructor.
// It still participates in lookup, parent/child links and event delivery,
// but exposes no typed behavior, so an unknown server-side type never fails
// the client hard.
type Generic struct {
	*Base
}

// As resolves obj to its concrete type, the checked downcast the domain
// layer uses to narrow a handle once its tag is known.
func As[T Object](obj Object) (T, bool) {
	typed, ok := obj.(T)
	return typed, ok
}
