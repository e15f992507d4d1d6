package transport

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/hashicorp/go-retryablehttp"
	"nhooyr.io/websocket"
)

// wsDialer holds DialWebSocket configuration.
type wsDialer struct {
	log        *zap.SugaredLogger
	httpClient *http.Client
	retryMax   int
	pipeOpts   []Option
}

// WSOption configures DialWebSocket.
type WSOption func(d *wsDialer)

// WithWSLogger sets the logger for the dialer and the resulting transport.
func WithWSLogger(l *zap.Logger) WSOption {
	return func(d *wsDialer) {
		d.log = l.Named("ws_dialer").Sugar()
		d.pipeOpts = append(d.pipeOpts, WithLogger(l))
	}
}

// WithWSHTTPClient sets the HTTP client used for the WebSocket handshake,
// replacing the default retrying client.
func WithWSHTTPClient(c *http.Client) WSOption {
	return func(d *wsDialer) {
		d.httpClient = c
	}
}

// WithWSRetryMax sets the handshake retry count of the default client.
func WithWSRetryMax(n int) WSOption {
	return func(d *wsDialer) {
		d.retryMax = n
	}
}

// WithWSPipeOptions forwards options to the underlying Pipe, e.g.
// WithMaxFrameSize.
func WithWSPipeOptions(opts ...Option) WSOption {
	return func(d *wsDialer) {
		d.pipeOpts = append(d.pipeOpts, opts...)
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// DialWebSocket connects to an automation server listening on a WebSocket
// endpoint and returns a Transport speaking the same framing as the stdio
// pipes, on top of the connection adapted into a net.Conn. ctx bounds both
// the handshake and the lifetime of the connection.
func DialWebSocket(ctx context.Context, url string, opts ...WSOption) (*Pipe, error) {
	d := &wsDialer{
		log:      zap.NewNop().Sugar(),
		retryMax: 10,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.httpClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = d.retryMax
		retryClient.Logger = &logAdapter{SugaredLogger: d.log}
		d.httpClient = retryClient.StandardClient()
	}

	d.log.Debugw("dialing WebSocket", "URL", url)
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.httpClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}

	nc := websocket.NetConn(ctx, wsConn, websocket.MessageBinary)
	return NewPipe(nc, nc, d.pipeOpts...), nil
}
