package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/fd1az/price-indexer/internal/bus"
	"github.com/fd1az/price-indexer/internal/logger"
	"github.com/fd1az/price-indexer/internal/market"
)

// captureServer records every text frame the client sends and lets the test
// push frames back.
type captureServer struct {
	*httptest.Server
	frames chan []byte
	send   chan []byte
}

func newCaptureServer(t *testing.T) *captureServer {
	t.Helper()
	cs := &captureServer{
		frames: make(chan []byte, 32),
		send:   make(chan []byte, 32),
	}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		go func() {
			for {
				select {
				case data := <-cs.send:
					if conn.Write(ctx, websocket.MessageText, data) != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			cs.frames <- data
		}
	}))
	return cs
}

func (cs *captureServer) wsURL() string {
	return "ws" + strings.TrimPrefix(cs.URL, "http")
}

func (cs *captureServer) nextFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case frame := <-cs.frames:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (cs *captureServer) expectNoFrame(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case frame := <-cs.frames:
		t.Fatalf("unexpected frame on the wire: %s", frame)
	case <-time.After(within):
	}
}

func startSession(t *testing.T, cs *captureServer, instruments []string) (*Session, *bus.Queue[market.Message], context.CancelFunc) {
	t.Helper()
	queue := bus.NewQueue[market.Message]("binance-test", 64)
	session, err := NewSession(Binance, Config{
		WsURL:           cs.wsURL(),
		Channels:        []string{"ticker"},
		Instruments:     instruments,
		HeartbeatMillis: 60000,
	}, queue, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		session.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("session did not exit in time")
		}
	})
	return session, queue, cancel
}

func TestSession_SubscribesOnConnect(t *testing.T) {
	cs := newCaptureServer(t)
	defer cs.Close()

	startSession(t, cs, []string{"BTCUSDT"})

	var req binanceRequest
	if err := json.Unmarshal(cs.nextFrame(t), &req); err != nil {
		t.Fatal(err)
	}
	if req.Method != "SUBSCRIBE" {
		t.Errorf("expected SUBSCRIBE, got %q", req.Method)
	}
	if len(req.Params) != 1 || req.Params[0] != "btcusdt@ticker" {
		t.Errorf("params: got %v", req.Params)
	}
	if req.ID != 1 {
		t.Errorf("expected first request id 1, got %d", req.ID)
	}
}

func TestSession_LiveReconfiguration(t *testing.T) {
	cs := newCaptureServer(t)
	defer cs.Close()

	session, _, _ := startSession(t, cs, []string{"BTCUSDT"})

	// Initial subscribe.
	var initial binanceRequest
	if err := json.Unmarshal(cs.nextFrame(t), &initial); err != nil {
		t.Fatal(err)
	}

	// Add ETHUSDT; channel set unchanged.
	err := session.Reconfigure(context.Background(), Config{
		WsURL:           cs.wsURL(),
		Channels:        []string{"ticker"},
		Instruments:     []string{"BTCUSDT", "ETHUSDT"},
		HeartbeatMillis: 60000,
	})
	if err != nil {
		t.Fatal(err)
	}

	var unsub binanceRequest
	if err := json.Unmarshal(cs.nextFrame(t), &unsub); err != nil {
		t.Fatal(err)
	}
	if unsub.Method != "UNSUBSCRIBE" {
		t.Fatalf("expected UNSUBSCRIBE first, got %q", unsub.Method)
	}
	if len(unsub.Params) != 1 || unsub.Params[0] != "btcusdt@ticker" {
		t.Errorf("unsubscribe params: got %v", unsub.Params)
	}

	var sub binanceRequest
	if err := json.Unmarshal(cs.nextFrame(t), &sub); err != nil {
		t.Fatal(err)
	}
	if sub.Method != "SUBSCRIBE" {
		t.Fatalf("expected SUBSCRIBE second, got %q", sub.Method)
	}
	want := []string{"btcusdt@ticker", "ethusdt@ticker"}
	if len(sub.Params) != 2 || sub.Params[0] != want[0] || sub.Params[1] != want[1] {
		t.Errorf("subscribe params: got %v, want %v", sub.Params, want)
	}

	// Ids increase monotonically across the session's lifetime.
	if !(initial.ID < unsub.ID && unsub.ID < sub.ID) {
		t.Errorf("request ids not monotonic: %d, %d, %d", initial.ID, unsub.ID, sub.ID)
	}

	// An identical set produces nothing on the wire.
	err = session.Reconfigure(context.Background(), Config{
		WsURL:           cs.wsURL(),
		Channels:        []string{"ticker"},
		Instruments:     []string{"ETHUSDT", "BTCUSDT"}, // order irrelevant
		HeartbeatMillis: 60000,
	})
	if err != nil {
		t.Fatal(err)
	}
	cs.expectNoFrame(t, 300*time.Millisecond)
}

func TestSession_PublishesNormalizedTickers(t *testing.T) {
	cs := newCaptureServer(t)
	defer cs.Close()

	_, queue, _ := startSession(t, cs, []string{"BTCUSDT"})

	// Drain the subscribe frame, then feed a ticker event.
	cs.nextFrame(t)
	cs.send <- []byte(`{"e":"24hrTicker","E":1672515782136,"s":"BTCUSDT","c":"97123.45"}`)

	select {
	case msg := <-queue.C():
		if len(msg.Tickers) != 1 {
			t.Fatalf("expected 1 ticker, got %d", len(msg.Tickers))
		}
		tick := msg.Tickers[0]
		if tick.Symbol != market.SymbolBTCUSD || tick.Source != market.SourceBinance {
			t.Errorf("unexpected ticker: %+v", tick)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published ticker")
	}
}

func TestSession_ParseErrorIsNonFatal(t *testing.T) {
	cs := newCaptureServer(t)
	defer cs.Close()

	_, queue, _ := startSession(t, cs, []string{"BTCUSDT"})
	cs.nextFrame(t)

	cs.send <- []byte(`this is not json`)
	cs.send <- []byte(`{"e":"24hrTicker","E":1672515782136,"s":"BTCUSDT","c":"100"}`)

	select {
	case msg := <-queue.C():
		if len(msg.Tickers) != 1 {
			t.Fatalf("expected the valid ticker to survive, got %d", len(msg.Tickers))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session died on a parse error")
	}
}

func TestSession_HealthCheck(t *testing.T) {
	cs := newCaptureServer(t)
	defer cs.Close()

	session, _, cancel := startSession(t, cs, []string{"BTCUSDT"})

	// Before the connect completes the session reports disconnected.
	// The subscribe frame on the wire means the connection is up.
	cs.nextFrame(t)

	deadline := time.After(5 * time.Second)
	for {
		if healthy, _ := session.HealthCheck(context.Background()); healthy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("session never reported healthy")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	deadline = time.After(5 * time.Second)
	for {
		healthy, detail := session.HealthCheck(context.Background())
		if !healthy {
			if detail == "" {
				t.Error("expected a detail string when unhealthy")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("session still healthy after shutdown")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestConfig_SameSubscription(t *testing.T) {
	a := Config{Instruments: []string{"BTCUSDT", "ETHUSDT"}, Channels: []string{"ticker"}}
	b := Config{Instruments: []string{"ETHUSDT", "BTCUSDT"}, Channels: []string{"ticker"}}
	c := Config{Instruments: []string{"BTCUSDT"}, Channels: []string{"ticker"}}

	if !a.SameSubscription(&b) {
		t.Error("order must not matter")
	}
	if a.SameSubscription(&c) {
		t.Error("different instrument sets must differ")
	}
}
