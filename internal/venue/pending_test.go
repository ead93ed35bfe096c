package venue

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestPendingResolve(t *testing.T) {
	p := newPendingTable()
	id, ch := p.register(OpQuote, OpQuote)

	p.resolve(&Frame{ReqID: id, Kind: OpQuote, Data: json.RawMessage(`{}`)})
	select {
	case res := <-ch:
		if res.err != nil || res.frame == nil {
			t.Fatalf("res = %+v", res)
		}
	default:
		t.Fatal("no result delivered")
	}
	if p.size() != 0 {
		t.Fatalf("size = %d", p.size())
	}
}

func TestPendingVenueError(t *testing.T) {
	p := newPendingTable()
	id, ch := p.register(OpBuy, OpBuy)

	p.resolve(&Frame{ReqID: id, Kind: OpBuy, Error: &WireError{Code: "PriceMoved", Message: "moved"}})
	res := <-ch
	ve, ok := AsVenueError(res.err)
	if !ok || ve.Code != "PriceMoved" || ve.Op != OpBuy {
		t.Fatalf("err = %v", res.err)
	}
}

func TestPendingKindMismatch(t *testing.T) {
	p := newPendingTable()
	id, ch := p.register(OpQuote, OpQuote)

	p.resolve(&Frame{ReqID: id, Kind: OpBuy})
	res := <-ch
	if !errors.Is(res.err, ErrParse) {
		t.Fatalf("err = %v", res.err)
	}
}

// A waiter removed on caller timeout never resolves; the late frame is
// dropped as unmatched without blocking the resolver.
func TestPendingRemoveThenLateResolve(t *testing.T) {
	p := newPendingTable()
	id, ch := p.register(OpQuote, OpQuote)

	p.remove(id)
	p.resolve(&Frame{ReqID: id, Kind: OpQuote})

	select {
	case res := <-ch:
		t.Fatalf("removed waiter resolved: %+v", res)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPendingFailAll(t *testing.T) {
	p := newPendingTable()
	_, ch1 := p.register(OpQuote, OpQuote)
	_, ch2 := p.register(OpBuy, OpBuy)

	p.failAll(ErrClosed)
	for _, ch := range []chan result{ch1, ch2} {
		res := <-ch
		if !errors.Is(res.err, ErrClosed) {
			t.Fatalf("err = %v", res.err)
		}
	}
}

// Each registration resolves at most once, even with a racing resolve
// and failAll.
func TestPendingNoDoubleResolve(t *testing.T) {
	p := newPendingTable()
	id, ch := p.register(OpQuote, OpQuote)

	go p.resolve(&Frame{ReqID: id, Kind: OpQuote})
	go p.failAll(ErrClosed)

	<-ch
	select {
	case res := <-ch:
		t.Fatalf("second resolution: %+v", res)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestPendingIDsMonotonic(t *testing.T) {
	p := newPendingTable()
	var prev uint64
	for i := 0; i < 100; i++ {
		id, _ := p.register(OpQuote, OpQuote)
		if id <= prev {
			t.Fatalf("id %d not monotonic after %d", id, prev)
		}
		prev = id
	}
}
