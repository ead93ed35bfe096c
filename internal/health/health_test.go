package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/derivbot/gotrade/internal/domain"
	"github.com/derivbot/gotrade/internal/engine"
	"github.com/derivbot/gotrade/internal/risk"
	"github.com/derivbot/gotrade/internal/venue"
)

type fakeConn struct{ stats venue.Stats }

func (f *fakeConn) Stats() venue.Stats { return f.stats }

type fakeSettle struct{ pending int }

func (f *fakeSettle) Pending() int { return f.pending }

type fakePersist struct {
	healthy     bool
	deadLetters int
	replays     atomic.Int32
}

func (f *fakePersist) Healthy() bool      { return f.healthy }
func (f *fakePersist) DeadLetterLen() int { return f.deadLetters }
func (f *fakePersist) Replay()            { f.replays.Add(1) }

func openStats() venue.Stats {
	return venue.Stats{State: "open", QueueDepth: 2, QueueCapacity: 256, BreakerState: "closed"}
}

func TestAggregatorSnapshot(t *testing.T) {
	agg := NewAggregator(&fakeConn{stats: openStats()}, &fakeSettle{pending: 3}, &fakePersist{healthy: true, deadLetters: 1})

	s := agg.Snapshot()
	if s.ConnectionState != "open" || s.QueueDepth != 2 || s.PendingSettlements != 3 || s.DeadLetters != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if !agg.Healthy() {
		t.Fatal("expected healthy")
	}
}

func TestAggregatorUnhealthy(t *testing.T) {
	agg := NewAggregator(&fakeConn{stats: venue.Stats{State: "closed"}}, nil, &fakePersist{healthy: true})
	if agg.Healthy() {
		t.Fatal("closed connection must be unhealthy")
	}

	agg = NewAggregator(&fakeConn{stats: openStats()}, nil, &fakePersist{healthy: false})
	if agg.Healthy() {
		t.Fatal("degraded store must be unhealthy")
	}
}

// 队列饱和或熔断器打开时,采样应置位劣化标志;恢复后清除
func TestMonitorDegradedSignals(t *testing.T) {
	conn := &fakeConn{stats: openStats()}
	agg := NewAggregator(conn, nil, &fakePersist{healthy: true})
	m := NewResourceMonitor(agg, MonitorConfig{QueueSaturationPct: 0.8})

	m.sample()
	if m.Degraded() {
		t.Fatal("healthy snapshot flagged as degraded")
	}

	conn.stats.QueueDepth = 240
	m.sample()
	if !m.Degraded() {
		t.Fatal("saturated outbound queue not flagged")
	}

	conn.stats.QueueDepth = 2
	conn.stats.BreakerState = "open"
	m.sample()
	if !m.Degraded() {
		t.Fatal("open storm breaker not flagged")
	}

	conn.stats.BreakerState = "closed"
	m.sample()
	if m.Degraded() {
		t.Fatal("degraded flag not cleared after recovery")
	}
}

func TestHealthzEndpoint(t *testing.T) {
	agg := NewAggregator(&fakeConn{stats: openStats()}, nil, &fakePersist{healthy: true})
	srv := NewServer(":0", agg, nil, nil)

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}

	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if snap.ConnectionState != "open" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

type fakeExec struct {
	contract *domain.Contract
	err      error
}

func (f *fakeExec) Execute(_ context.Context, _ domain.TradeIntent) (*domain.Contract, error) {
	return f.contract, f.err
}

func postIntent(t *testing.T, srv *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/intents", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestIntentEndpoint(t *testing.T) {
	agg := NewAggregator(nil, nil, nil)
	exec := &fakeExec{contract: &domain.Contract{ContractID: "c1", Stake: 10, AskPrice: 5.1, Payout: 19}}
	srv := NewServer(":0", agg, exec, nil)

	w := postIntent(t, srv, `{"account_id":"acct-1","symbol":"R_100","side":"rise","stake":10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("intent = %d body=%s", w.Code, w.Body.String())
	}

	// 绑定校验
	w = postIntent(t, srv, `{"symbol":"R_100"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing fields = %d", w.Code)
	}
}

func TestIntentErrorMapping(t *testing.T) {
	agg := NewAggregator(nil, nil, nil)

	cases := []struct {
		err  error
		want int
	}{
		{&engine.RiskError{Verdict: risk.Verdict{Status: risk.StatusHalt, Reason: "loss streak"}}, http.StatusConflict},
		{&engine.Error{Code: engine.CodeThrottle, Err: errors.New("throttled")}, http.StatusTooManyRequests},
		{&engine.Error{Code: engine.CodeSlippageExceeded, Err: errors.New("drift")}, http.StatusUnprocessableEntity},
		{&engine.Error{Code: engine.CodeTimeout, Err: errors.New("timeout")}, http.StatusGatewayTimeout},
		{&engine.Error{Code: engine.CodeNetwork, Err: errors.New("down")}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		srv := NewServer(":0", agg, &fakeExec{err: tc.err}, nil)
		w := postIntent(t, srv, `{"account_id":"a","symbol":"R_100","side":"rise","stake":10}`)
		if w.Code != tc.want {
			t.Errorf("err %v -> %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

type fakeReconnector struct{ calls atomic.Int32 }

func (f *fakeReconnector) ForceReconnect() { f.calls.Add(1) }

// 连接长时间关闭触发强制重连,且受冷却约束
func TestRecoveryForcesReconnect(t *testing.T) {
	conn := &fakeConn{stats: venue.Stats{State: "closed", BreakerState: "closed"}}
	agg := NewAggregator(conn, nil, nil)
	rec := &fakeReconnector{}

	rm := NewRecoveryManager(agg, rec, nil, RecoveryConfig{
		MaxClosedDuration: 20 * time.Millisecond,
		ActionCooldown:    time.Hour,
	})

	rm.check() // 记录 closedSince
	if rec.calls.Load() != 0 {
		t.Fatal("must not reconnect immediately")
	}

	time.Sleep(30 * time.Millisecond)
	rm.check()
	if rec.calls.Load() != 1 {
		t.Fatalf("reconnects = %d, want 1", rec.calls.Load())
	}

	// 冷却期内不再触发
	time.Sleep(30 * time.Millisecond)
	rm.check()
	if rec.calls.Load() != 1 {
		t.Fatalf("cooldown violated: %d", rec.calls.Load())
	}
}

// 主存储健康且有死信时补触发回放
func TestRecoveryTriggersReplay(t *testing.T) {
	persist := &fakePersist{healthy: true, deadLetters: 2}
	agg := NewAggregator(&fakeConn{stats: openStats()}, nil, persist)

	rm := NewRecoveryManager(agg, &fakeReconnector{}, persist, RecoveryConfig{})
	rm.check()
	if persist.replays.Load() != 1 {
		t.Fatalf("replays = %d, want 1", persist.replays.Load())
	}
}
