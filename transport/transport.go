// Package transport moves framed payloads over a duplex byte stream.
//
// A Transport owns the two halves of the stream: in production these are the
// stdin/stdout pipes of the automation server process, in tests any
// io.Reader/io.Writer pair, and over the network a WebSocket connection
// adapted into a net.Conn. The transport has no knowledge of what the
// payloads mean; it only guarantees frame integrity under concurrent senders
// and a read loop that always terminates.
package transport

import (
	"context"
	"io"
	"sync"

	"github.com/douglasob/marionette/wire"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Transport sends opaque payloads and delivers inbound payloads to a
// callback until the stream ends.
type Transport interface {
	// Send frames the payload and writes it to the outbound half. Safe for
	// concurrent use; writes are serialized so frames never interleave.
	Send(payload []byte) error

	// Run reads frames one at a time and invokes onMessage with each
	// payload, in wire order, until the stream ends, the context is
	// canceled, or the transport is closed. It always returns; the returned
	// error wraps wire.ErrTransportClosed when the peer went away.
	Run(ctx context.Context, onMessage func(payload []byte)) error

	// Close closes both halves of the stream, unblocking a read loop stuck
	// mid-frame. Idempotent.
	Close() error
}

// Pipe is a Transport over an arbitrary reader/writer pair.
type Pipe struct {
	log      *zap.SugaredLogger
	r        io.Reader
	w        io.Writer
	maxFrame uint32

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*Pipe)(nil)

// Option configures a Pipe.
type Option func(p *Pipe)

// WithLogger sets the logger used for frame-level debug output.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipe) {
		p.log = l.Named("transport").Sugar()
	}
}

// WithMaxFrameSize overrides wire.DefaultMaxFrameSize for inbound frames.
func WithMaxFrameSize(max uint32) Option {
	return func(p *Pipe) {
		p.maxFrame = max
	}
}

// NewPipe wraps the given stream halves. r is the inbound half (the peer's
// stdout), w the outbound half (the peer's stdin). Neither is touched until
// Send or Run is called.
func NewPipe(r io.Reader, w io.Writer, opts ...Option) *Pipe {
	p := &Pipe{
		log:      zap.NewNop().Sugar(),
		r:        r,
		w:        w,
		maxFrame: wire.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send frames payload and writes it to the outbound half. The write mutex
// keeps concurrent callers from interleaving frame bytes on the stream.
func (p *Pipe) Send(payload []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()

	p.log.Debugf("sending %d byte payload", len(payload))
	return wire.Write(p.w, payload)
}

// Run decodes frames until the stream ends or ctx is canceled. onMessage is
// invoked synchronously, so inbound payloads are delivered in exact wire
// order; a slow consumer slows the loop rather than reordering it.
func (p *Pipe) Run(ctx context.Context, onMessage func(payload []byte)) error {
	for {
		payload, err := wire.Read(p.r, p.maxFrame)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Debugf("read loop ending: %s", err)
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Debugf("received %d byte payload", len(payload))
		onMessage(payload)
	}
}

// Close closes whichever halves are closeable. Closing the inbound half is
// what unblocks a Run call parked in a read.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		rc, rOK := p.r.(io.Closer)
		if rOK {
			p.closeErr = multierr.Append(p.closeErr, rc.Close())
		}
		// The two halves may be the same object (e.g. a net.Conn); don't
		// close it twice.
		if wc, ok := p.w.(io.Closer); ok && (!rOK || io.Closer(rc) != wc) {
			p.closeErr = multierr.Append(p.closeErr, wc.Close())
		}
	})
	return p.closeErr
}
