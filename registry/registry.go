// Package registry maintains the client-side view of the server's object
// graph: a mapping from stable identifiers to live typed objects, created
// and disposed by server-issued lifecycle notifications and addressed by
// server events.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Reserved lifecycle method names on the wire. A notification using one of
// these is a registry mutation, not an ordinary event.
const (
	MethodCreate  = "__create__"
	MethodDispose = "__dispose__"
)

var (
	// ErrUnknownParent means a create notification referenced a parent that
	// is not live in the registry.
	ErrUnknownParent = errors.New("unknown parent object")

	// ErrUnknownObject means the referenced identifier is not live, e.g. a
	// duplicate dispose notification for an already-removed object.
	ErrUnknownObject = errors.New("unknown object")
)

// Constructor builds the typed representation of an object from its common
// state. Constructors are registered per type tag; tags with no constructor
// produce a Generic.
type Constructor func(base *Base) Object

// Registry is the owning store of all RemoteObjects for one connection. The
// single root object exists from construction on; everything else appears
// and disappears as the server says so.
type Registry struct {
	log    *zap.SugaredLogger
	caller Caller
	root   Object

	mu      sync.Mutex
	objects map[string]Object
	types   map[string]Constructor

	subMu sync.Mutex
	subs  map[string]map[string]Handler

	droppedEvents atomic.Uint64
}

// RegistryOption configures a Registry.
type RegistryOption func(r *Registry)

// WithLogger sets the logger for registry diagnostics.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = l.Named("registry").Sugar()
	}
}

// WithRootGUID overrides the root object's identifier. The default is the
// empty string, which is what the automation server targets for top-level
// calls.
func WithRootGUID(guid string) RegistryOption {
	return func(r *Registry) {
		root := r.root.base()
		delete(r.objects, root.guid)
		root.guid = guid
		r.objects[guid] = r.root
	}
}

// WithType registers a constructor for a type tag.
func WithType(tag string, ctor Constructor) RegistryOption {
	return func(r *Registry) {
		r.types[tag] = ctor
	}
}

// New builds a registry containing only the root object. caller is handed
// to every object so typed wrappers can issue calls; it may be nil in
// tests that never call out.
func New(caller Caller, opts ...RegistryOption) *Registry {
	r := &Registry{
		log:     zap.NewNop().Sugar(),
		caller:  caller,
		objects: map[string]Object{},
		types:   map[string]Constructor{},
		subs:    map[string]map[string]Handler{},
	}
	r.root = &Generic{Base: &Base{guid: "", typeName: "Root", caller: caller}}
	r.objects[""] = r.root
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterType registers a constructor for a type tag after construction.
// Replacing an existing constructor only affects objects created afterward.
func (r *Registry) RegisterType(tag string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[tag] = ctor
}

// Root returns the distinguished root object.
func (r *Registry) Root() Object {
	return r.root
}

// Get resolves an identifier to its live object.
func (r *Registry) Get(guid string) (Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[guid]
	return obj, ok
}

// Len returns the number of live objects, root included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// createParams mirrors the wire shape of a create notification's params.
type createParams struct {
	Type        string          `json:"type"`
	GUID        string          `json:"guid"`
	Initializer json.RawMessage `json:"initializer"`
}

// Create inserts a new object declared by the server: typeTag picks the
// constructor (Generic when unregistered), parentGUID must be live, and the
// new object is linked as the parent's youngest child. Subscribers on the
// parent are notified with a __create__ event.
func (r *Registry) Create(parentGUID, typeTag, guid string, initializer json.RawMessage) (Object, error) {
	r.mu.Lock()
	parent, ok := r.objects[parentGUID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("creating %q: %w: %q", guid, ErrUnknownParent, parentGUID)
	}
	if _, exists := r.objects[guid]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("creating %q: identifier already live", guid)
	}

	base := &Base{
		guid:        guid,
		typeName:    typeTag,
		parent:      parent,
		initializer: initializer,
		caller:      r.caller,
	}
	ctor, ok := r.types[typeTag]
	var obj Object
	if ok {
		obj = ctor(base)
	} else {
		obj = &Generic{Base: base}
	}

	r.objects[guid] = obj
	parent.base().addChild(obj)
	r.mu.Unlock()

	r.log.Debugw("created object", "GUID", guid, "Type", typeTag, "Parent", parentGUID)

	params, err := json.Marshal(createParams{Type: typeTag, GUID: guid, Initializer: initializer})
	if err != nil {
		r.log.Warnw("dropping create notification for subscribers", "GUID", guid, "Error", err)
		return obj, nil
	}
	r.notify(parentGUID, MethodCreate, params)
	return obj, nil
}

// Dispose removes an object and, first, all of its still-live children in
// post-order, mirroring the server's teardown order. Disposing an unknown
// identifier returns ErrUnknownObject; duplicate dispose notifications from
// the server are therefore reported, not fatal.
func (r *Registry) Dispose(guid string) error {
	r.mu.Lock()
	obj, ok := r.objects[guid]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("disposing %q: %w", guid, ErrUnknownObject)
	}

	var disposed []string
	r.disposeLocked(obj, &disposed)
	r.mu.Unlock()

	r.log.Debugw("disposed object", "GUID", guid, "Removed", len(disposed))

	for _, g := range disposed {
		r.notify(g, MethodDispose, nil)
	}
	return nil
}

func (r *Registry) disposeLocked(obj Object, disposed *[]string) {
	for _, child := range obj.base().childObjects() {
		// A child may already be gone if the server disposed it explicitly.
		if _, live := r.objects[child.GUID()]; live {
			r.disposeLocked(child, disposed)
		}
	}
	delete(r.objects, obj.GUID())
	if parent := obj.Parent(); parent != nil {
		parent.base().removeChild(obj.GUID())
	}
	*disposed = append(*disposed, obj.GUID())
}

// RouteEvent delivers a server event to the addressed object and its
// subscribers. Events for identifiers that are not live are dropped and
// counted: the server's event/dispose ordering is not strictly sequenced
// with the client's view in every failure mode, so a stale event is not an
// error.
func (r *Registry) RouteEvent(guid, method string, params json.RawMessage) {
	r.mu.Lock()
	obj, ok := r.objects[guid]
	r.mu.Unlock()

	if !ok {
		r.droppedEvents.Inc()
		r.log.Debugw("dropping event for unknown object", "GUID", guid, "Method", method)
		return
	}

	obj.OnEvent(method, params)
	r.notify(guid, method, params)
}

// DroppedEvents returns how many events arrived for identifiers that were
// not live.
func (r *Registry) DroppedEvents() uint64 {
	return r.droppedEvents.Load()
}
