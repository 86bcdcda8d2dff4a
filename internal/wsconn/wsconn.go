// Package wsconn provides the WebSocket client used by exchange sessions,
// with OTEL instrumentation and the finite reconnect backoff generator.
//
// A Client represents a single connection attempt: the owning session dials
// it, drains its frame channel, and creates a fresh Client on reconnect.
// Reconnect policy lives with the session, not here.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/fd1az/price-indexer/internal/wsconn"
	meterName  = "github.com/fd1az/price-indexer/internal/wsconn"
)

// State represents the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosed       State = "closed"
)

// Config holds WebSocket client configuration.
type Config struct {
	URL            string
	Name           string // Identifier for metrics/tracing
	WriteTimeout   time.Duration
	MaxMessageSize int64 // Max message size in bytes (0 = no limit)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(url string, name string) Config {
	return Config{
		URL:            url,
		Name:           name,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 10 * 1024 * 1024, // 10MB
	}
}

// Frame is one inbound message. Control frames are not surfaced: the
// underlying library answers pings with matching pongs during Read, and a
// close handshake ends the read loop with an error.
type Frame struct {
	Type websocket.MessageType
	Data []byte
}

// wsMetrics holds OTEL metric instruments.
type wsMetrics struct {
	connectionState  metric.Int64Gauge
	messagesReceived metric.Int64Counter
	messagesSent     metric.Int64Counter
	bytesReceived    metric.Int64Counter
	bytesSent        metric.Int64Counter
	pingsTotal       metric.Int64Counter
	pingsFailed      metric.Int64Counter
}

// Client is a single-connection WebSocket client with OTEL instrumentation.
type Client struct {
	config Config
	conn   *websocket.Conn
	connMu sync.RWMutex

	state   State
	stateMu sync.RWMutex

	frames chan Frame
	errs   chan error
	done   chan struct{}
	closed atomic.Bool

	tracer  trace.Tracer
	metrics *wsMetrics
}

// New creates a new WebSocket client.
func New(config Config) (*Client, error) {
	c := &Client{
		config: config,
		state:  StateDisconnected,
		frames: make(chan Frame),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		tracer: otel.Tracer(tracerName),
	}

	if err := c.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}

	return c, nil
}

// initMetrics initializes OTEL metric instruments.
func (c *Client) initMetrics() error {
	meter := otel.Meter(meterName)

	var err error

	c.metrics = &wsMetrics{}

	c.metrics.connectionState, err = meter.Int64Gauge(
		"ws_connection_state",
		metric.WithDescription("WebSocket connection state (0=disconnected, 1=connecting, 2=connected, 3=closed)"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return err
	}

	c.metrics.messagesReceived, err = meter.Int64Counter(
		"ws_consumer_messages_total",
		metric.WithDescription("Total number of WebSocket messages received per consumer"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	c.metrics.messagesSent, err = meter.Int64Counter(
		"ws_messages_sent_total",
		metric.WithDescription("Total number of WebSocket messages sent"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return err
	}

	c.metrics.bytesReceived, err = meter.Int64Counter(
		"ws_bytes_received_total",
		metric.WithDescription("Total bytes received over WebSocket"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	c.metrics.bytesSent, err = meter.Int64Counter(
		"ws_bytes_sent_total",
		metric.WithDescription("Total bytes sent over WebSocket"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	c.metrics.pingsTotal, err = meter.Int64Counter(
		"ws_pings_total",
		metric.WithDescription("Total WebSocket ping attempts"),
		metric.WithUnit("{ping}"),
	)
	if err != nil {
		return err
	}

	c.metrics.pingsFailed, err = meter.Int64Counter(
		"ws_pings_failed_total",
		metric.WithDescription("Total WebSocket ping failures"),
		metric.WithUnit("{ping}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Connect performs a single dial attempt. On success the read loop starts
// and inbound frames are delivered on Frames().
func (c *Client) Connect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "ws.connect",
		trace.WithAttributes(
			attribute.String("ws.url", c.config.URL),
			attribute.String("ws.name", c.config.Name),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	c.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, c.config.URL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connection failed")
		c.setState(StateDisconnected)
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	if c.config.MaxMessageSize > 0 {
		conn.SetReadLimit(c.config.MaxMessageSize)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.setState(StateConnected)
	span.SetStatus(codes.Ok, "connected")

	// Read with a background context: the dial context often carries a
	// handshake timeout that must not bound the connection lifetime.
	go c.readLoop(context.Background())

	return nil
}

// readLoop continuously reads messages from the WebSocket. Delivery into the
// frame channel blocks: within a single source the reader must not drop, so
// backpressure propagates into the socket instead.
func (c *Client) readLoop(ctx context.Context) {
	attrs := metric.WithAttributes(attribute.String("ws.name", c.config.Name))

	for {
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn == nil {
			return
		}

		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if c.closed.Load() {
				return
			}
			select {
			case c.errs <- err:
			default:
			}
			return
		}

		c.metrics.messagesReceived.Add(ctx, 1, attrs)
		c.metrics.bytesReceived.Add(ctx, int64(len(data)), attrs)

		select {
		case c.frames <- Frame{Type: msgType, Data: data}:
		case <-c.done:
			return
		}
	}
}

// Send sends a text message through the WebSocket.
func (c *Client) Send(ctx context.Context, msg []byte) error {
	ctx, span := c.tracer.Start(ctx, "ws.message.send",
		trace.WithAttributes(
			attribute.String("ws.name", c.config.Name),
			attribute.Int("ws.message.size", len(msg)),
		),
	)
	defer span.End()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		err := errors.New("not connected")
		span.RecordError(err)
		span.SetStatus(codes.Error, "not connected")
		return err
	}

	writeCtx := ctx
	if c.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, c.config.WriteTimeout)
		defer cancel()
	}

	err := conn.Write(writeCtx, websocket.MessageText, msg)

	attrs := metric.WithAttributes(attribute.String("ws.name", c.config.Name))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return fmt.Errorf("websocket write failed: %w", err)
	}

	c.metrics.messagesSent.Add(ctx, 1, attrs)
	c.metrics.bytesSent.Add(ctx, int64(len(msg)), attrs)

	span.SetStatus(codes.Ok, "sent")
	return nil
}

// SendJSON marshals v and sends it as a text message.
func (c *Client) SendJSON(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return c.Send(ctx, data)
}

// Ping sends a protocol-level ping and waits for the pong.
func (c *Client) Ping(ctx context.Context) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()

	if conn == nil {
		return errors.New("not connected")
	}

	attrs := metric.WithAttributes(attribute.String("ws.name", c.config.Name))

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := conn.Ping(pingCtx)
	cancel()

	if err != nil {
		c.metrics.pingsFailed.Add(ctx, 1, attrs)
		return fmt.Errorf("ping failed: %w", err)
	}
	c.metrics.pingsTotal.Add(ctx, 1, attrs)
	return nil
}

// Frames returns the channel of inbound frames.
func (c *Client) Frames() <-chan Frame {
	return c.frames
}

// Errors returns the channel on which a terminal read error is delivered.
func (c *Client) Errors() <-chan error {
	return c.errs
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(c.done)

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	c.setState(StateClosed)

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
			return err
		}
	}

	return nil
}

// setState updates the connection state and records metrics.
func (c *Client) setState(state State) {
	c.stateMu.Lock()
	oldState := c.state
	c.state = state
	c.stateMu.Unlock()

	if oldState == state {
		return
	}

	stateValue := int64(0)
	switch state {
	case StateDisconnected:
		stateValue = 0
	case StateConnecting:
		stateValue = 1
	case StateConnected:
		stateValue = 2
	case StateClosed:
		stateValue = 3
	}

	c.metrics.connectionState.Record(context.Background(), stateValue,
		metric.WithAttributes(attribute.String("ws.name", c.config.Name)),
	)
}
