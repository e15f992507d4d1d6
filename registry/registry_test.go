package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l
}

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	return New(nil, append([]RegistryOption{WithLogger(log)}, opts...)...)
}

func TestRootExistsAtStartup(t *testing.T) {
	r := newTestRegistry(t)

	root, ok := r.Get("")
	require.True(t, ok)
	assert.Same(t, r.Root(), root)
	assert.Nil(t, root.Parent())
	assert.Equal(t, 1, r.Len())
}

func TestWithRootGUID(t *testing.T) {
	r := newTestRegistry(t, WithRootGUID("root"))

	_, ok := r.Get("")
	assert.False(t, ok)
	root, ok := r.Get("root")
	require.True(t, ok)
	assert.Equal(t, "root", root.GUID())
}

func TestCreateLinksParentAndChild(t *testing.T) {
	r := newTestRegistry(t, WithRootGUID("root"))

	obj, err := r.Create("root", "Widget", "w1", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, "w1", obj.GUID())
	assert.Equal(t, "Widget", obj.TypeName())
	assert.Equal(t, json.RawMessage(`{"x":1}`), obj.Initializer())
	assert.Same(t, r.Root(), obj.Parent())
	assert.Equal(t, []string{"w1"}, r.Root().Children())
}

func TestCreateUnknownParent(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create("nope", "Widget", "w1", nil)
	require.ErrorIs(t, err, ErrUnknownParent)
	_, ok := r.Get("w1")
	assert.False(t, ok)
}

func TestCreateDuplicateGUID(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create("", "Widget", "w1", nil)
	require.NoError(t, err)
	_, err = r.Create("", "Widget", "w1", nil)
	require.Error(t, err)
}

func TestUnknownTypeTagGetsGeneric(t *testing.T) {
	r := newTestRegistry(t)

	obj, err := r.Create("", "SomethingNew", "s1", nil)
	require.NoError(t, err)

	generic, ok := As[*Generic](obj)
	require.True(t, ok)
	assert.Equal(t, "SomethingNew", generic.TypeName())

	// Still addressable and still receives events.
	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, obj, got)
}

type widget struct {
	*Base
	events []string
}

func (w *widget) OnEvent(method string, params json.RawMessage) {
	w.events = append(w.events, method)
}

func TestRegisteredConstructor(t *testing.T) {
	r := newTestRegistry(t, WithType("Widget", func(base *Base) Object {
		return &widget{Base: base}
	}))

	obj, err := r.Create("", "Widget", "w1", nil)
	require.NoError(t, err)

	w, ok := As[*widget](obj)
	require.True(t, ok)

	r.RouteEvent("w1", "moved", nil)
	r.RouteEvent("w1", "resized", nil)
	assert.Equal(t, []string{"moved", "resized"}, w.events)
}

func TestDisposeRecursesPostOrder(t *testing.T) {
	var order []string
	r := newTestRegistry(t, WithType("Widget", func(base *Base) Object {
		return &widget{Base: base}
	}))

	_, err := r.Create("", "Widget", "a", nil)
	require.NoError(t, err)
	_, err = r.Create("a", "Widget", "b", nil)
	require.NoError(t, err)
	_, err = r.Create("b", "Widget", "c", nil)
	require.NoError(t, err)
	_, err = r.Create("a", "Widget", "d", nil)
	require.NoError(t, err)

	for _, guid := range []string{"a", "b", "c", "d"} {
		guid := guid
		r.Subscribe(guid, func(method string, params json.RawMessage) {
			if method == MethodDispose {
				order = append(order, guid)
			}
		})
	}

	require.NoError(t, r.Dispose("a"))

	// Children go before their parent, in creation order between siblings.
	assert.Equal(t, []string{"c", "b", "d", "a"}, order)
	assert.Equal(t, 1, r.Len(), "only the root is left")
	assert.Empty(t, r.Root().Children())
}

func TestDisposeUnknownObject(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create("", "Widget", "w1", nil)
	require.NoError(t, err)
	require.NoError(t, r.Dispose("w1"))

	err = r.Dispose("w1")
	require.ErrorIs(t, err, ErrUnknownObject)
	assert.Equal(t, 1, r.Len())
}

func TestRouteEventToUnknownObjectIsCounted(t *testing.T) {
	r := newTestRegistry(t)

	r.RouteEvent("ghost", "boo", nil)
	r.RouteEvent("ghost", "boo", nil)
	assert.EqualValues(t, 2, r.DroppedEvents())
}

func TestSubscribeBeforeCreate(t *testing.T) {
	r := newTestRegistry(t, WithRootGUID("root"))

	var created []string
	r.Subscribe("root", func(method string, params json.RawMessage) {
		if method != MethodCreate {
			return
		}
		var p createParams
		require.NoError(t, json.Unmarshal(params, &p))
		created = append(created, p.GUID)
	})

	_, err := r.Create("root", "Widget", "w1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, created)
}

func TestCreateSurvivesUnnotifiableInitializer(t *testing.T) {
	r := newTestRegistry(t, WithRootGUID("root"))

	var notified int
	r.Subscribe("root", func(method string, params json.RawMessage) { notified++ })

	// An initializer that is not valid JSON cannot be re-marshaled into the
	// subscriber notification; the object must still come live.
	obj, err := r.Create("root", "Widget", "w1", json.RawMessage(`{broken`))
	require.NoError(t, err)
	assert.Equal(t, "w1", obj.GUID())

	_, ok := r.Get("w1")
	assert.True(t, ok)
	assert.Zero(t, notified, "notification is dropped, not delivered malformed")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create("", "Widget", "w1", nil)
	require.NoError(t, err)

	var calls int
	sub := r.Subscribe("w1", func(string, json.RawMessage) { calls++ })
	r.RouteEvent("w1", "ping", nil)
	r.Unsubscribe(sub)
	r.Unsubscribe(sub)
	r.RouteEvent("w1", "ping", nil)
	assert.Equal(t, 1, calls)
}

type stubCaller struct {
	guid   string
	method string
}

func (c *stubCaller) Call(ctx context.Context, guid, method string, params interface{}) (json.RawMessage, error) {
	c.guid = guid
	c.method = method
	return json.RawMessage(`{"ok":true}`), nil
}

func TestObjectCallTargetsOwnGUID(t *testing.T) {
	caller := &stubCaller{}
	r := New(caller, WithLogger(log))

	obj, err := r.Create("", "Widget", "w1", nil)
	require.NoError(t, err)

	res, err := obj.base().Call(context.Background(), "ping", map[string]any{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
	assert.Equal(t, "w1", caller.guid)
	assert.Equal(t, "ping", caller.method)
}

func TestObjectCallWithoutConnection(t *testing.T) {
	r := newTestRegistry(t)
	obj, err := r.Create("", "Widget", "w1", nil)
	require.NoError(t, err)

	_, err = obj.base().Call(context.Background(), "ping", nil)
	require.Error(t, err)
}
