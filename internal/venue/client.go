package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/derivbot/gotrade/internal/metrics"
	"github.com/derivbot/gotrade/pkg/backoff"
	"github.com/derivbot/gotrade/pkg/logger"
)

// Config holds the connection manager settings.
type Config struct {
	URL              string
	Token            string
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReconnectBase    time.Duration
	ReconnectMax     time.Duration
	ReconnectJitter  float64
	StormThreshold   int
	StormWindow      time.Duration
	StormCooldown    time.Duration
	QueueDepth       int
	OverflowPolicy   OverflowPolicy
	EventBufferSize  int
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 64
	}
}

// Client owns the single physical connection to the venue and
// multiplexes many concurrent logical requests over it by correlation
// id. It is the only component that touches the socket, the pending
// table, and the outbound queue.
type Client struct {
	cfg Config

	conn   *websocket.Conn
	connMu sync.Mutex

	state    atomic.Int32
	stateMu  sync.Mutex
	stateCbs []func(State)

	pending  *pendingTable
	outbound *outboundQueue
	breaker  *stormBreaker
	policy   backoff.Policy

	subsMu    sync.RWMutex
	subsByID  map[string]*Subscription
	subsByKey map[string]*Subscription
	// events that raced ahead of their subscribe ack, replayed on
	// registration (bounded)
	unclaimed []*Frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnecting atomic.Bool
	stopOnce     sync.Once

	// sampled diagnostics for malformed frames
	parseMu        sync.Mutex
	lastParseLogAt time.Time
}

// NewClient creates a connection manager. Call Start to connect.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		pending:  newPendingTable(),
		outbound: newOutboundQueue(cfg.QueueDepth, cfg.OverflowPolicy),
		breaker:  newStormBreaker(cfg.StormThreshold, cfg.StormWindow, cfg.StormCooldown),
		policy: backoff.Policy{
			Base:   cfg.ReconnectBase,
			Max:    cfg.ReconnectMax,
			Jitter: cfg.ReconnectJitter,
		},
		subsByID:  make(map[string]*Subscription),
		subsByKey: make(map[string]*Subscription),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.state.Store(int32(StateClosed))
	return c
}

// Start dials the venue and launches the read/write loops.
func (c *Client) Start() error {
	c.setState(StateConnecting)
	if err := c.dial(); err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("%w: initial dial: %v", ErrNetwork, err)
	}
	c.setState(StateOpen)

	c.wg.Add(1)
	go c.writeLoop()

	logger.Infof("[venue] connected to %s", c.cfg.URL)
	return nil
}

// Stop drains the outbound queue briefly, then closes the connection
// and fails everything still pending with ErrClosed.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.setState(StateDraining)

		// give the writer a moment to flush what is already queued
		deadline := time.Now().Add(2 * time.Second)
		for c.outbound.len() > 0 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}

		c.cancel()

		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		c.pending.failAll(ErrClosed)
		c.outbound.failAll(ErrClosed)

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.Warn("[venue] shutdown timed out waiting for loops")
		}

		c.setState(StateClosed)
		logger.Info("[venue] stopped")
	})
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// OnStateChange registers a callback invoked on every state transition.
// Callbacks must be fast; they run on the transitioning goroutine.
func (c *Client) OnStateChange(fn func(State)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.stateCbs = append(c.stateCbs, fn)
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old == s {
		return
	}
	c.stateMu.Lock()
	cbs := make([]func(State), len(c.stateCbs))
	copy(cbs, c.stateCbs)
	c.stateMu.Unlock()
	for _, fn := range cbs {
		fn(s)
	}
}

// Stats returns a snapshot for the health aggregator.
func (c *Client) Stats() Stats {
	c.subsMu.RLock()
	subs := len(c.subsByID)
	c.subsMu.RUnlock()

	return Stats{
		State:           c.State().String(),
		QueueDepth:      c.outbound.len(),
		QueueCapacity:   c.outbound.depth,
		PendingRequests: c.pending.size(),
		BreakerState:    c.breaker.state(),
		Subscriptions:   subs,
	}
}

// Send issues one request and waits for the correlated response.
// The timeout cancels only this request's wait; an already-transmitted
// request is not recalled and a late response is dropped as unmatched.
func (c *Client) Send(ctx context.Context, op string, data interface{}, expectKind string) (*Frame, error) {
	if c.breaker.isOpen() {
		return nil, fmt.Errorf("%w: reconnect storm breaker open (%s left)", ErrClosed, c.breaker.remaining().Round(time.Second))
	}
	switch c.State() {
	case StateOpen, StateConnecting:
	default:
		return nil, ErrClosed
	}

	id, ch := c.pending.register(op, expectKind)
	payload, err := json.Marshal(request{ReqID: id, Op: op, Data: data, Token: c.cfg.Token})
	if err != nil {
		c.pending.remove(id)
		return nil, fmt.Errorf("%w: marshal request: %v", ErrParse, err)
	}

	job := &writeJob{
		payload:  payload,
		critical: criticalOps[op],
		reqID:    id,
		done:     make(chan error, 1),
	}
	if err := c.outbound.push(job); err != nil {
		c.pending.remove(id)
		return nil, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	// phase 1: wait for the write to hit the wire
	select {
	case werr := <-job.done:
		if werr != nil {
			c.pending.remove(id)
			if errors.Is(werr, ErrClosed) || errors.Is(werr, ErrQueueFull) {
				return nil, werr
			}
			return nil, fmt.Errorf("%w: %v", ErrNetwork, werr)
		}
	case <-timer.C:
		c.pending.remove(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	}

	// phase 2: wait for the correlated response
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.frame, nil
	case <-timer.C:
		c.pending.remove(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.pending.remove(id)
		return nil, ctx.Err()
	}
}

// Subscribe establishes a venue-side subscription keyed by a caller
// topic key (e.g. a contract id). Any previous subscription with the
// same key is cancelled first to avoid duplicate event delivery.
func (c *Client) Subscribe(ctx context.Context, key string, data interface{}) (*Subscription, error) {
	c.subsMu.Lock()
	prev := c.subsByKey[key]
	c.subsMu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	frame, err := c.Send(ctx, OpSubscribeContract, data, OpSubscribeContract)
	if err != nil {
		return nil, err
	}

	var ack subAck
	if err := json.Unmarshal(frame.Data, &ack); err != nil || ack.SubID == "" {
		return nil, fmt.Errorf("%w: subscribe ack without sub_id", ErrParse)
	}

	sub := &Subscription{
		ID:     ack.SubID,
		Key:    key,
		events: make(chan *Frame, c.cfg.EventBufferSize),
		client: c,
	}
	c.subsMu.Lock()
	c.subsByID[sub.ID] = sub
	c.subsByKey[key] = sub
	// deliver events that arrived between the ack and this registration
	kept := c.unclaimed[:0]
	for _, f := range c.unclaimed {
		if f.SubID != sub.ID {
			kept = append(kept, f)
			continue
		}
		select {
		case sub.events <- f:
		default:
			metrics.DroppedSends.Add(1)
		}
	}
	c.unclaimed = kept
	c.subsMu.Unlock()

	return sub, nil
}

// dropSubscription unregisters a subscription and closes its channel.
// The channel close happens under the write lock so the dispatcher
// (which sends under the read lock) can never race it.
func (c *Client) dropSubscription(s *Subscription, unsubscribe bool) {
	c.subsMu.Lock()
	delete(c.subsByID, s.ID)
	if c.subsByKey[s.Key] == s {
		delete(c.subsByKey, s.Key)
	}
	close(s.events)
	c.subsMu.Unlock()

	if unsubscribe && c.State() == StateOpen {
		// best effort; the venue also drops subscriptions on disconnect
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			defer cancel()
			if _, err := c.Send(ctx, OpUnsubscribe, map[string]string{"sub_id": s.ID}, OpUnsubscribe); err != nil {
				logger.Debugf("[venue] unsubscribe %s failed: %v", s.ID, err)
			}
		}()
	}
}

func (c *Client) dial() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	headers := make(http.Header)
	if c.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := dialer.Dial(c.cfg.URL, headers)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.connMu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// readLoop is the single receive loop for one physical connection. It
// dispatches every inbound frame to the pending table or the
// subscription registry and exits on the first read error.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("[venue] connection closed by peer")
			} else {
				logger.Warnf("[venue] read error: %v", err)
			}
			c.handleDisconnect(conn)
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame. A malformed frame is counted,
// sampled into the log, and discarded; it never terminates the
// connection.
func (c *Client) dispatch(data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return
	}

	// tolerate text keepalives from proxies/gateways
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return
	}

	var frame Frame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		metrics.MalformedFrames.Add(1)
		c.parseMu.Lock()
		shouldLog := time.Since(c.lastParseLogAt) > 5*time.Second
		if shouldLog {
			c.lastParseLogAt = time.Now()
		}
		c.parseMu.Unlock()
		if shouldLog {
			preview := string(trimmed)
			if len(preview) > 240 {
				preview = preview[:240] + "...(truncated)"
			}
			logger.Warnf("[venue] malformed frame: %v (len=%d preview=%q)", err, len(trimmed), preview)
		}
		return
	}

	if frame.ReqID != 0 {
		c.pending.resolve(&frame)
		return
	}

	if frame.SubID != "" {
		c.subsMu.Lock()
		if sub, ok := c.subsByID[frame.SubID]; ok {
			select {
			case sub.events <- &frame:
			default:
				metrics.DroppedSends.Add(1)
				logger.Warnf("[venue] event buffer full for sub %s, dropping %s", frame.SubID, frame.Event)
			}
		} else {
			// possibly ahead of its subscribe ack; hold briefly
			if len(c.unclaimed) >= 128 {
				c.unclaimed = c.unclaimed[1:]
				metrics.UnmatchedFrames.Add(1)
			}
			c.unclaimed = append(c.unclaimed, &frame)
		}
		c.subsMu.Unlock()
		return
	}

	metrics.UnmatchedFrames.Add(1)
}

// writeLoop is the single writer on the physical socket.
func (c *Client) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			c.outbound.failAll(ErrClosed)
			return
		default:
		}

		if c.State() != StateOpen && c.State() != StateDraining {
			select {
			case <-c.ctx.Done():
				continue
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		job := c.outbound.pop()
		if job == nil {
			select {
			case <-c.ctx.Done():
			case <-c.outbound.wait():
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		conn := c.currentConn()
		if conn == nil {
			job.done <- ErrClosed
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, job.payload); err != nil {
			job.done <- err
			logger.Warnf("[venue] write error: %v", err)
			c.handleDisconnect(conn)
			continue
		}
		job.done <- nil
	}
}

// handleDisconnect tears down the failed connection, fails all pending
// requests as Closed, and launches the reconnect loop exactly once.
func (c *Client) handleDisconnect(failed *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != failed {
		// a newer connection already replaced the failed one
		c.connMu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.connMu.Unlock()

	if c.State() == StateDraining || c.State() == StateClosed {
		return
	}

	c.setState(StateConnecting)
	c.pending.failAll(ErrClosed)

	c.subsMu.Lock()
	c.unclaimed = nil
	c.subsMu.Unlock()

	if c.reconnecting.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

// reconnectLoop retries the dial with exponential backoff and jitter.
// The storm breaker opens after too many reconnects in a short window;
// while it is open the state reads Closed and new sends fail fast.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	defer c.reconnecting.Store(false)

	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		if c.State() == StateDraining {
			return
		}

		if tripped := c.breaker.recordReconnect(); tripped {
			logger.Warnf("[venue] reconnect storm: breaker open for %s", c.breaker.remaining().Round(time.Second))
		}
		if c.breaker.isOpen() {
			c.setState(StateClosed)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.breaker.remaining()):
			}
			c.setState(StateConnecting)
		}

		metrics.Reconnects.Add(1)
		if err := c.dial(); err == nil {
			c.setState(StateOpen)
			logger.Infof("[venue] reconnected after %d attempt(s)", attempt+1)
			return
		} else {
			delay := c.policy.Delay(attempt)
			attempt++
			logger.Warnf("[venue] reconnect attempt %d failed: %v (next in %s)", attempt, err, delay.Round(time.Millisecond))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// ForceReconnect closes the current connection so the reconnect loop
// re-establishes it. Used by the recovery manager after prolonged
// degradation; it also resets an open storm breaker.
func (c *Client) ForceReconnect() {
	c.breaker.resetOpen()

	conn := c.currentConn()
	if conn != nil {
		_ = conn.Close()
		return
	}
	// no live connection and no reconnect loop running: start one
	if c.State() != StateDraining && c.reconnecting.CompareAndSwap(false, true) {
		c.setState(StateConnecting)
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}
