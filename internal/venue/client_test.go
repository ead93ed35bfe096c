package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// startVenue runs an in-process websocket venue. serve is invoked per
// accepted connection.
func startVenue(t *testing.T, serve func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echoServe answers every request with a response of the same kind.
func echoServe(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		_ = conn.WriteJSON(Frame{ReqID: req.ReqID, Kind: req.Op, Data: json.RawMessage(`{"ok":true}`)})
	}
}

func testConfig(url string) Config {
	return Config{
		URL:            url,
		Token:          "tok-1",
		RequestTimeout: 500 * time.Millisecond,
		WriteTimeout:   500 * time.Millisecond,
		ReconnectBase:  10 * time.Millisecond,
		ReconnectMax:   50 * time.Millisecond,
		StormThreshold: 100,
		QueueDepth:     64,
	}
}

func startClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c := NewClient(cfg)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func TestClientSendEcho(t *testing.T) {
	url := startVenue(t, echoServe)
	c := startClient(t, testConfig(url))

	frame, err := c.Send(context.Background(), OpQuote, map[string]string{"symbol": "R_100"}, OpQuote)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if frame.Kind != OpQuote {
		t.Fatalf("kind = %s", frame.Kind)
	}
}

// A silent venue fails the request with Timeout at the deadline, not later.
func TestClientSendTimeout(t *testing.T) {
	url := startVenue(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c := startClient(t, testConfig(url))

	start := time.Now()
	_, err := c.Send(context.Background(), OpQuote, nil, OpQuote)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if c.pending.size() != 0 {
		t.Fatalf("leaked waiter, pending = %d", c.pending.size())
	}
}

func TestClientVenueErrorFrame(t *testing.T) {
	url := startVenue(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			_ = conn.WriteJSON(Frame{ReqID: req.ReqID, Kind: req.Op,
				Error: &WireError{Code: "ContractBuyValidationError", Message: "stake too low"}})
		}
	})
	c := startClient(t, testConfig(url))

	_, err := c.Send(context.Background(), OpBuy, nil, OpBuy)
	ve, ok := AsVenueError(err)
	if !ok || ve.Code != "ContractBuyValidationError" {
		t.Fatalf("err = %v", err)
	}
}

func TestClientSubscribe(t *testing.T) {
	url := startVenue(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req.Op {
			case OpSubscribeContract:
				_ = conn.WriteJSON(Frame{ReqID: req.ReqID, Kind: req.Op, Data: json.RawMessage(`{"sub_id":"s1"}`)})
				_ = conn.WriteJSON(Frame{SubID: "s1", Event: "contract_update", Data: json.RawMessage(`{"status":"open"}`)})
				_ = conn.WriteJSON(Frame{SubID: "s1", Event: "contract_update", Data: json.RawMessage(`{"status":"won"}`)})
			case OpUnsubscribe:
				_ = conn.WriteJSON(Frame{ReqID: req.ReqID, Kind: req.Op})
			}
		}
	})
	c := startClient(t, testConfig(url))

	sub, err := c.Subscribe(context.Background(), "c1", map[string]string{"contract_id": "c1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.ID != "s1" || sub.Key != "c1" {
		t.Fatalf("sub = %+v", sub)
	}

	for _, want := range []string{"open", "won"} {
		select {
		case f := <-sub.Events():
			var ev struct {
				Status string `json:"status"`
			}
			_ = json.Unmarshal(f.Data, &ev)
			if ev.Status != want {
				t.Fatalf("status = %s, want %s", ev.Status, want)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	sub.Cancel()
	if _, ok := <-sub.Events(); ok {
		t.Fatal("events channel should be closed")
	}
}

// Malformed frames are counted and discarded without killing the
// connection; the next well-formed response still resolves.
func TestClientMalformedFrame(t *testing.T) {
	url := startVenue(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"req_id": not-json`))
			_ = conn.WriteJSON(Frame{ReqID: req.ReqID, Kind: req.Op})
		}
	})
	c := startClient(t, testConfig(url))

	if _, err := c.Send(context.Background(), OpQuote, nil, OpQuote); err != nil {
		t.Fatalf("send after malformed frame: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("state = %s", c.State())
	}
}

// The client reconnects after the venue drops the connection; requests
// issued after recovery succeed.
func TestClientReconnect(t *testing.T) {
	var conns atomic.Int32
	url := startVenue(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		if n == 1 {
			// first connection: answer one request then hang up
			var req request
			if err := conn.ReadJSON(&req); err == nil {
				_ = conn.WriteJSON(Frame{ReqID: req.ReqID, Kind: req.Op})
			}
			conn.Close()
			return
		}
		echoServe(conn)
	})
	c := startClient(t, testConfig(url))

	if _, err := c.Send(context.Background(), OpQuote, nil, OpQuote); err != nil {
		t.Fatalf("first send: %v", err)
	}

	waitState(t, c, StateOpen) // wait out the drop + reconnect
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := c.Send(context.Background(), OpQuote, nil, OpQuote)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("send after reconnect: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if conns.Load() < 2 {
		t.Fatalf("conns = %d", conns.Load())
	}
}

func TestClientStopFailsFast(t *testing.T) {
	url := startVenue(t, echoServe)
	c := NewClient(testConfig(url))
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Stop()

	if _, err := c.Send(context.Background(), OpQuote, nil, OpQuote); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s", c.State())
	}
}

// Fault injection: the venue randomly swallows or delays responses.
// Every concurrent request must resolve exactly once, within its
// deadline, with either a response or a typed error.
func TestClientFaultInjection(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var rngMu sync.Mutex
	url := startVenue(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var wmu sync.Mutex // gorilla allows one concurrent writer
		write := func(f Frame) {
			wmu.Lock()
			defer wmu.Unlock()
			_ = conn.WriteJSON(f)
		}
		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			rngMu.Lock()
			roll := rng.Intn(10)
			rngMu.Unlock()
			switch {
			case roll < 3: // drop
			case roll < 5: // delay past some deadlines
				go func(r request) {
					time.Sleep(300 * time.Millisecond)
					write(Frame{ReqID: r.ReqID, Kind: r.Op})
				}(req)
			default:
				write(Frame{ReqID: req.ReqID, Kind: req.Op})
			}
		}
	})

	cfg := testConfig(url)
	cfg.RequestTimeout = 200 * time.Millisecond
	c := startClient(t, cfg)

	const n = 60
	results := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Send(context.Background(), OpQuote, nil, OpQuote)
			results <- err
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("requests hung past their deadlines")
	}

	close(results)
	count := 0
	for err := range results {
		count++
		if err != nil && !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrClosed) && !errors.Is(err, ErrQueueFull) {
			t.Fatalf("untyped error: %v", err)
		}
	}
	if count != n {
		t.Fatalf("resolved %d of %d requests", count, n)
	}
}

// Late responses after a caller timeout are dropped as unmatched and
// never leak waiters.
func TestClientLateResponseDropped(t *testing.T) {
	url := startVenue(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var wmu sync.Mutex
		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			go func(r request) {
				time.Sleep(150 * time.Millisecond)
				wmu.Lock()
				defer wmu.Unlock()
				_ = conn.WriteJSON(Frame{ReqID: r.ReqID, Kind: r.Op})
			}(req)
		}
	})

	cfg := testConfig(url)
	cfg.RequestTimeout = 50 * time.Millisecond
	c := startClient(t, cfg)

	if _, err := c.Send(context.Background(), OpQuote, nil, OpQuote); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := c.pending.size(); got != 0 {
		t.Fatalf("pending = %d", got)
	}
}

func TestClientStateCallbacks(t *testing.T) {
	url := startVenue(t, echoServe)
	c := NewClient(testConfig(url))

	var mu sync.Mutex
	var seen []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := fmt.Sprint([]State{StateConnecting, StateOpen, StateDraining, StateClosed})
	if fmt.Sprint(seen) != want {
		t.Fatalf("transitions = %v", seen)
	}
}
