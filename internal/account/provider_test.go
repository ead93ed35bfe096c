package account

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/derivbot/gotrade/internal/domain"
)

func TestHTTPProviderFetchAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/account" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"account_id":"acct-1","currency":"USD","equity":10000}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "tok-1")

	acct, err := p.ActiveAccount()
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if acct.AccountID != "acct-1" || acct.Equity != 10000 || acct.Token != "tok-1" {
		t.Fatalf("account = %+v", acct)
	}

	// second call inside the TTL is served from cache
	if _, err := p.ActiveAccount(); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("API hit %d times, want 1", hits.Load())
	}
}

func TestHTTPProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "session expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "tok-1")
	p.client.SetRetryCount(0)
	if _, err := p.ActiveAccount(); err == nil {
		t.Fatal("expected error on 401")
	}
}

func TestStaticProvider(t *testing.T) {
	p := StaticProvider{Account: domain.ActiveAccount{AccountID: "demo", Equity: 500}}
	acct, err := p.ActiveAccount()
	if err != nil || acct.AccountID != "demo" {
		t.Fatalf("acct=%+v err=%v", acct, err)
	}

	if _, err := (StaticProvider{}).ActiveAccount(); err == nil {
		t.Fatal("expected error for empty provider")
	}
}
