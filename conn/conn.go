// Package conn drives the length-prefixed JSON protocol spoken with the
// automation server: it issues calls, matches replies back to their
// callers, and keeps the object registry in step with server-side lifecycle
// notifications.
//
// One background goroutine owns the inbound side: it drains the transport's
// read loop and classifies each payload as a reply (handed to the
// correlation table) or an event (handed to the registry, with the reserved
// __create__/__dispose__ methods applied first). Any number of goroutines
// may issue calls concurrently; each one waits only on its own completion
// slot, so a slow caller never stalls delivery to the others.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/douglasob/marionette/registry"
	"github.com/douglasob/marionette/transport"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds how long a call waits for its reply when the
// caller's context carries no earlier deadline. A hung peer fails calls
// instead of stranding them.
const DefaultCallTimeout = 30 * time.Second

// Conn is one protocol connection. It is live from Connect until the
// transport's read loop ends, whether by peer exit, process-exit signal, or
// Close; there is no reconnect.
type Conn struct {
	log     *zap.SugaredLogger
	tr      transport.Transport
	calls   *calls
	timeout time.Duration

	regOpts []registry.RegistryOption
	reg     *registry.Registry

	processExited <-chan struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	errMu   sync.Mutex
	loopErr error

	malformed atomic.Uint64
}

var _ registry.Caller = (*Conn)(nil)

// Option configures a Conn.
type Option func(c *Conn)

// WithLogger sets the logger for the connection and its components.
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) {
		c.log = l.Named("conn").Sugar()
		c.regOpts = append(c.regOpts, registry.WithLogger(l))
	}
}

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.timeout = d
	}
}

// WithRegistryOptions forwards options to the connection's registry, e.g.
// registry.WithType constructors or registry.WithRootGUID.
func WithRegistryOptions(opts ...registry.RegistryOption) Option {
	return func(c *Conn) {
		c.regOpts = append(c.regOpts, opts...)
	}
}

// WithProcessExited supplies the supervisor's liveness signal. When the
// channel closes the connection tears down exactly as if the read loop hit
// end-of-stream, failing all pending calls.
func WithProcessExited(exited <-chan struct{}) Option {
	return func(c *Conn) {
		c.processExited = exited
	}
}

// Connect starts the dispatch loop over tr and returns the live connection.
// ctx bounds the loop: canceling it tears the connection down.
func Connect(ctx context.Context, tr transport.Transport, opts ...Option) *Conn {
	c := &Conn{
		log:     zap.NewNop().Sugar(),
		tr:      tr,
		timeout: DefaultCallTimeout,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.calls = newCalls(c.log)
	c.reg = registry.New(c, c.regOpts...)

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(loopCtx)

	// The read loop only notices cancellation or peer death once a read
	// returns; closing the transport is what unblocks a read parked on a
	// silent peer. A nil processExited channel never fires.
	go func() {
		select {
		case <-loopCtx.Done():
			c.tr.Close()
		case <-c.processExited:
			c.log.Debug("peer process exited, closing transport")
			c.tr.Close()
		case <-c.done:
		}
	}()
	return c
}

// run owns the inbound side for the connection's whole life. Whatever ends
// the read loop, every still-pending call resolves with ErrConnectionClosed
// before Done is signaled; no caller is left to hang.
func (c *Conn) run(ctx context.Context) {
	err := c.tr.Run(ctx, c.dispatch)
	c.log.Debugw("dispatch loop ended", "Error", err)

	c.errMu.Lock()
	c.loopErr = err
	c.errMu.Unlock()

	c.calls.failAll(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
	close(c.done)
}

// dispatch classifies one inbound payload. Malformed payloads are dropped
// and counted rather than crashing the loop.
func (c *Conn) dispatch(payload []byte) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.malformed.Inc()
		c.log.Warnw("dropping malformed payload", "Error", err)
		return
	}

	switch {
	case msg.ID != 0:
		res := result{payload: msg.Result}
		if msg.Error != nil {
			res = result{err: msg.Error}
		}
		c.calls.resolve(msg.ID, res)

	case msg.Method == registry.MethodCreate:
		var p createParams
		if err := json.Unmarshal(msg.Params, &p); err != nil || p.GUID == "" {
			c.malformed.Inc()
			c.log.Warnw("dropping malformed create notification", "Parent", msg.GUID, "Error", err)
			return
		}
		if _, err := c.reg.Create(msg.GUID, p.Type, p.GUID, p.Initializer); err != nil {
			c.log.Warnw("create notification rejected", "GUID", p.GUID, "Error", err)
		}

	case msg.Method == registry.MethodDispose:
		if err := c.reg.Dispose(msg.GUID); err != nil {
			// Duplicate dispose notifications happen; report and move on.
			c.log.Warnw("dispose notification rejected", "GUID", msg.GUID, "Error", err)
		}

	case msg.Method != "":
		c.reg.RouteEvent(msg.GUID, msg.Method, msg.Params)

	default:
		c.malformed.Inc()
		c.log.Warnw("dropping payload with neither call ID nor method")
	}
}

// Call issues a protocol call targeting guid and waits for its reply. The
// returned payload is the server's result; a reply carrying an error comes
// back as a *ServerError. The wait ends early on ctx cancellation, on the
// call timeout, or with ErrConnectionClosed if the connection dies first.
//
// Abandoning a call (timeout or cancellation) does not stop the server from
// processing it; the late reply is dropped when it arrives.
func (c *Conn) Call(ctx context.Context, guid, method string, params interface{}) (json.RawMessage, error) {
	select {
	case <-c.done:
		// The table has already been drained by failAll; registering now
		// would leave an entry nothing will ever resolve.
		return nil, ErrConnectionClosed
	default:
	}

	raw := json.RawMessage(`{}`)
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params for %q: %w", method, err)
		}
	}

	// Register before send: a reply can never race ahead of its entry.
	id, ch := c.calls.register()
	payload, err := json.Marshal(message{ID: id, GUID: guid, Method: method, Params: raw})
	if err != nil {
		c.calls.remove(id)
		return nil, fmt.Errorf("encoding call %q: %w", method, err)
	}

	c.log.Debugw("issuing call", "ID", id, "GUID", guid, "Method", method)
	if err := c.tr.Send(payload); err != nil {
		c.calls.remove(id)
		return nil, fmt.Errorf("sending call %q: %w", method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s: %s.%s", ErrCallTimedOut, c.timeout, guid, method)
	case <-c.done:
		// failAll may have run before this entry was registered; drop it so
		// the table does not grow past true in-flight load.
		c.calls.remove(id)
		return nil, ErrConnectionClosed
	}
}

// Registry returns the connection's object registry.
func (c *Conn) Registry() *registry.Registry {
	return c.reg
}

// Done is closed once the dispatch loop has ended and all pending calls
// have been resolved.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns what ended the dispatch loop, once Done is closed.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.loopErr
}

// Close tears the connection down and waits for the dispatch loop to
// finish. Idempotent. Teardown is an explicit operation, not something
// hung off garbage collection, because it has observable effects on every
// pending caller.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.tr.Close()
	})
	<-c.done
	return nil
}

// MalformedPayloads returns how many inbound payloads were dropped as
// structurally invalid.
func (c *Conn) MalformedPayloads() uint64 {
	return c.malformed.Load()
}

// PendingCalls returns the number of calls awaiting replies.
func (c *Conn) PendingCalls() int {
	return c.calls.pendingCount()
}
