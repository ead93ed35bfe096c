package account

import (
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/derivbot/gotrade/internal/domain"
)

// HTTPProvider fetches the active account from the session-management
// API. Results are cached briefly; the trading core reads the account
// on every intent and must not hammer the API.
type HTTPProvider struct {
	client *resty.Client
	token  string

	mu        sync.Mutex
	cached    domain.ActiveAccount
	fetchedAt time.Time
	ttl       time.Duration
}

// NewHTTPProvider creates a provider against the given API base URL.
func NewHTTPProvider(apiURL, token string) *HTTPProvider {
	client := resty.New().
		SetBaseURL(apiURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetAuthToken(token)

	return &HTTPProvider{
		client: client,
		token:  token,
		ttl:    30 * time.Second,
	}
}

type accountResponse struct {
	AccountID string  `json:"account_id"`
	Currency  string  `json:"currency"`
	Equity    float64 `json:"equity"`
}

// ActiveAccount returns the currently active account. Token
// acquisition and rotation live in the session layer, not here.
func (p *HTTPProvider) ActiveAccount() (domain.ActiveAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached.AccountID != "" && time.Since(p.fetchedAt) < p.ttl {
		return p.cached, nil
	}

	var out accountResponse
	resp, err := p.client.R().SetResult(&out).Get("/v1/account")
	if err != nil {
		return domain.ActiveAccount{}, errors.Wrap(err, "fetch active account")
	}
	if resp.IsError() {
		return domain.ActiveAccount{}, errors.Errorf("fetch active account: status %d: %s",
			resp.StatusCode(), resp.String())
	}
	if out.AccountID == "" {
		return domain.ActiveAccount{}, errors.New("fetch active account: empty account_id")
	}

	p.cached = domain.ActiveAccount{
		AccountID: out.AccountID,
		Token:     p.token,
		Currency:  out.Currency,
		Equity:    out.Equity,
	}
	p.fetchedAt = time.Now()
	return p.cached, nil
}

// StaticProvider serves a fixed account. Used in dry runs and tests.
type StaticProvider struct {
	Account domain.ActiveAccount
}

func (s StaticProvider) ActiveAccount() (domain.ActiveAccount, error) {
	if s.Account.AccountID == "" {
		return domain.ActiveAccount{}, errors.New("static provider: no account configured")
	}
	return s.Account, nil
}
