package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fd1az/price-indexer/internal/apperror"
	"github.com/fd1az/price-indexer/internal/bus"
	"github.com/fd1az/price-indexer/internal/logger"
	"github.com/fd1az/price-indexer/internal/market"
	"github.com/fd1az/price-indexer/internal/ratelimit"
	"github.com/fd1az/price-indexer/internal/wsconn"
)

const (
	tracerName = "github.com/fd1az/price-indexer/business/exchange"
	meterName  = "github.com/fd1az/price-indexer/business/exchange"

	// Write queue depth. Control traffic only (subscribes, unsubscribes),
	// so a shallow queue is plenty.
	writeQueueCap = 100
)

type sessionMetrics struct {
	tickersPublished metric.Int64Counter
	parseErrors      metric.Int64Counter
	noMessageBeats   metric.Int64Gauge
}

// Session maintains one live websocket attachment to one exchange: connect,
// subscribe, parse and normalize frames, publish canonical tickers on the
// per-source queue, reconnect under finite backoff, and apply live
// subscription changes. The session exclusively owns its connection and
// write queue; the config dispatcher only ever touches Reconfigure.
type Session struct {
	exchange Exchange
	log      logger.LoggerInterface
	out      *bus.Queue[market.Message]
	writes   chan []byte
	limiter  *ratelimit.Limiter

	mu   sync.Mutex
	cfg  Config
	conn *wsconn.Client // live connection, nil between attempts

	nextID atomic.Uint64

	tracer  trace.Tracer
	metrics *sessionMetrics
}

// NewSession creates a session for the given exchange and initial
// subscription config, publishing canonical tickers on out.
func NewSession(ex Exchange, cfg Config, out *bus.Queue[market.Message], log logger.LoggerInterface) (*Session, error) {
	if !ex.Valid() {
		return nil, apperror.New(apperror.CodeInvalidInput,
			apperror.WithContext(fmt.Sprintf("unknown exchange %q", ex)))
	}
	if err := cfg.Validate(); err != nil {
		return nil, apperror.New(apperror.CodeConfigurationError,
			apperror.WithCause(err),
			apperror.WithContext(string(ex)))
	}

	s := &Session{
		exchange: ex,
		log:      log,
		out:      out,
		writes:   make(chan []byte, writeQueueCap),
		limiter:  ratelimit.NewWithBurst(2, 10), // pace control frames
		cfg:      cfg,
		tracer:   otel.Tracer(tracerName),
	}

	if err := s.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return s, nil
}

func (s *Session) initMetrics() error {
	meter := otel.Meter(meterName)
	var err error

	s.metrics = &sessionMetrics{}

	s.metrics.tickersPublished, err = meter.Int64Counter(
		"session_tickers_published_total",
		metric.WithDescription("Canonical tickers published per session"),
	)
	if err != nil {
		return err
	}

	s.metrics.parseErrors, err = meter.Int64Counter(
		"session_parse_errors_total",
		metric.WithDescription("Unmatched or malformed frames per session"),
	)
	if err != nil {
		return err
	}

	s.metrics.noMessageBeats, err = meter.Int64Gauge(
		"session_no_message_heartbeats",
		metric.WithDescription("Consecutive heartbeat intervals with no inbound messages"),
	)
	if err != nil {
		return err
	}

	return nil
}

// Name implements worker.Worker.
func (s *Session) Name() string {
	return string(s.exchange) + "-session"
}

// Run connects and consumes until the context is cancelled (clean exit) or
// the backoff budget is exhausted (fatal).
func (s *Session) Run(ctx context.Context) error {
	backoff := wsconn.DefaultBackoff()

	for {
		delay, ok := backoff.Next()
		if !ok {
			return apperror.Fatal(apperror.CodeBackoffExhausted,
				fmt.Sprintf("%s after %d attempts", s.Name(), backoff.Attempts()), nil)
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}

		s.mu.Lock()
		url := s.cfg.WsURL
		s.mu.Unlock()

		conn, err := wsconn.New(wsconn.DefaultConfig(url, string(s.exchange)))
		if err != nil {
			return err
		}

		s.log.Info(ctx, "connecting to exchange", "exchange", s.exchange, "url", url)
		if err := conn.Connect(ctx); err != nil {
			s.log.Warn(ctx, "connect failed", "exchange", s.exchange, "error", err)
			continue
		}
		backoff.Reset()
		s.log.Info(ctx, "connected", "exchange", s.exchange, "url", url)

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		err = s.consume(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			s.log.Info(ctx, "session received exit signal", "exchange", s.exchange)
			return nil
		}
		if err != nil {
			s.log.Warn(ctx, "connection lost, reconnecting",
				"exchange", s.exchange, "error", err)
		}
	}
}

// consume runs the connected inner loop: inbound frames, outbound control
// frames, heartbeat ticks, and the shutdown signal.
func (s *Session) consume(ctx context.Context, conn *wsconn.Client) error {
	if err := s.enqueueSubscribe(); err != nil {
		return err
	}

	s.mu.Lock()
	heartbeat := s.cfg.HeartbeatInterval()
	s.mu.Unlock()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	attrs := metric.WithAttributes(attribute.String("exchange", string(s.exchange)))
	messages := 0
	emptyBeats := int64(0)

	for {
		select {
		case <-ctx.Done():
			// Close frame goes on the wire before the session exits.
			return nil

		case frame := <-conn.Frames():
			messages++
			s.handleFrame(ctx, frame)

		case err := <-conn.Errors():
			return err

		case data := <-s.writes:
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
			if err := conn.Send(ctx, data); err != nil {
				return apperror.New(apperror.CodeWebSocketSendError,
					apperror.WithCause(err),
					apperror.WithContext(s.Name()))
			}

		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return err
			}
			if messages == 0 {
				emptyBeats++
			} else {
				emptyBeats = 0
			}
			s.metrics.noMessageBeats.Record(ctx, emptyBeats, attrs)
			s.log.Debug(ctx, "session heartbeat",
				"exchange", s.exchange, "messages", messages)
			messages = 0
		}
	}
}

// handleFrame normalizes one inbound frame and publishes any resulting
// tickers. Parse errors are never fatal: the frame is counted and dropped.
func (s *Session) handleFrame(ctx context.Context, frame wsconn.Frame) {
	if frame.Type != websocket.MessageText {
		s.log.Debug(ctx, "dropping non-text frame", "exchange", s.exchange)
		return
	}

	receivedAt := time.Now()
	attrs := metric.WithAttributes(attribute.String("exchange", string(s.exchange)))

	var tickers []market.Ticker
	var handled bool
	switch s.exchange {
	case Binance:
		tickers, handled = s.parseBinance(ctx, frame.Data, receivedAt)
	case Kraken:
		tickers, handled = s.parseKraken(ctx, frame.Data, receivedAt)
	case Coinbase:
		tickers, handled = s.parseCoinbase(ctx, frame.Data, receivedAt)
	}

	if !handled {
		s.metrics.parseErrors.Add(ctx, 1, attrs)
		s.log.Warn(ctx, "dropping unmatched frame",
			"exchange", s.exchange,
			"data", truncate(frame.Data, 200))
		return
	}

	msg, ok := market.NewMessage(tickers)
	if !ok {
		return
	}

	// Blocking send: backpressure into the socket reader is preferred to
	// loss inside a single source.
	if err := s.out.Send(ctx, msg); err != nil {
		return
	}
	s.metrics.tickersPublished.Add(ctx, int64(len(tickers)), attrs)
}

// Reconfigure applies a live subscription change. When the instruments x
// channels pair changed, the unsubscribe for the old set is queued before
// the subscribe for the new set (one frame each on Binance and Coinbase,
// one frame per channel each on Kraken); an unchanged pair queues nothing.
// Endpoint and heartbeat changes take effect on the next connect.
func (s *Session) Reconfigure(ctx context.Context, cfg Config) error {
	ctx, span := s.tracer.Start(ctx, "session.reconfigure",
		trace.WithAttributes(attribute.String("exchange", string(s.exchange))))
	defer span.End()

	if err := cfg.Validate(); err != nil {
		return apperror.New(apperror.CodeConfigurationError,
			apperror.WithCause(err),
			apperror.WithContext(s.Name()))
	}

	s.mu.Lock()
	current := s.cfg
	if current.SameSubscription(&cfg) {
		s.cfg = cfg
		s.mu.Unlock()
		s.log.Debug(ctx, "subscription unchanged", "exchange", s.exchange)
		return nil
	}

	unsub, err := s.buildFrames(unsubscribeOp, &current)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	sub, err := s.buildFrames(subscribeOp, &cfg)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.cfg = cfg
	s.mu.Unlock()

	s.log.Info(ctx, "resubscribing",
		"exchange", s.exchange,
		"instruments", cfg.Instruments,
		"channels", cfg.Channels)

	// Unsubscribe must precede subscribe to avoid transient double-feeds.
	for _, frame := range append(unsub, sub...) {
		if err := s.enqueueWrite(frame); err != nil {
			return err
		}
	}
	return nil
}

// HandleConfigChange adapts Reconfigure to the config dispatcher.
func (s *Session) HandleConfigChange(ctx context.Context, cfg Config) error {
	return s.Reconfigure(ctx, cfg)
}

// HealthCheck reports the session's connection state to the health server.
func (s *Session) HealthCheck(ctx context.Context) (bool, string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return false, "disconnected"
	}
	if !conn.IsConnected() {
		return false, string(conn.State())
	}
	return true, ""
}

type subscribeOpKind int

const (
	subscribeOp subscribeOpKind = iota
	unsubscribeOp
)

func (s *Session) buildFrames(op subscribeOpKind, cfg *Config) ([][]byte, error) {
	instruments := cfg.InstrumentSet()
	channels := cfg.ChannelSet()

	switch s.exchange {
	case Binance:
		var (
			frame []byte
			err   error
		)
		if op == subscribeOp {
			frame, err = binanceSubscribeFrame(instruments, channels, s.nextID.Add(1))
		} else {
			frame, err = binanceUnsubscribeFrame(instruments, channels, s.nextID.Add(1))
		}
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil

	case Kraken:
		method := "subscribe"
		if op == unsubscribeOp {
			method = "unsubscribe"
		}
		return krakenFrames(method, instruments, channels)

	case Coinbase:
		reqType := "subscribe"
		if op == unsubscribeOp {
			reqType = "unsubscribe"
		}
		frame, err := coinbaseFrame(reqType, instruments, channels)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	}

	return nil, apperror.New(apperror.CodeInvalidState,
		apperror.WithContext(fmt.Sprintf("unknown exchange %q", s.exchange)))
}

func (s *Session) enqueueSubscribe() error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	frames, err := s.buildFrames(subscribeOp, &cfg)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if err := s.enqueueWrite(frame); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) enqueueWrite(frame []byte) error {
	select {
	case s.writes <- frame:
		return nil
	default:
		return apperror.New(apperror.CodeChannelSendError,
			apperror.WithContext(s.Name()+" write queue full"))
	}
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		return string(data[:n])
	}
	return string(data)
}
