package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/christophengelmayer/flow-oauth2-client/internal/common/errors"
	"github.com/christophengelmayer/flow-oauth2-client/internal/common/logging"
	"github.com/christophengelmayer/flow-oauth2-client/internal/statecache"
)

// fakeRepository is an in-memory Repository for manager tests.
type fakeRepository struct {
	mu      sync.Mutex
	records map[string]Authorization
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{records: make(map[string]Authorization)}
}

func (r *fakeRepository) Find(ctx context.Context, id string) (*Authorization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return nil, nil
	}
	copied := record
	return &copied, nil
}

func (r *fakeRepository) Save(ctx context.Context, a *Authorization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[a.AuthorizationID] = *a
	return nil
}

func (r *fakeRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
	return nil
}

func (r *fakeRepository) Replace(ctx context.Context, a *Authorization) error {
	return r.Save(ctx, a)
}

func (r *fakeRepository) ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*Authorization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*Authorization
	for _, record := range r.records {
		if record.Expires != nil && record.Expires.Before(cutoff) {
			copied := record
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (r *fakeRepository) Close() error { return nil }

func (r *fakeRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// fakeProvider is a scriptable Provider for manager tests.
type fakeProvider struct {
	mu            sync.Mutex
	stateCounter  int
	exchangeCalls []GrantType
	exchange      func(grantType GrantType, params ExchangeParams) (*AccessToken, error)
}

func (p *fakeProvider) BuildAuthorizationURL(clientID string, scopes []string) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateCounter++
	state := fmt.Sprintf("state-%d", p.stateCounter)
	authorizeURL := fmt.Sprintf(
		"https://provider.example.com/authorize?client_id=%s&state=%s&scope=%s",
		clientID, state, url.QueryEscape(strings.Join(scopes, " ")))
	return authorizeURL, state, nil
}

func (p *fakeProvider) ExchangeToken(ctx context.Context, grantType GrantType, params ExchangeParams) (*AccessToken, error) {
	p.mu.Lock()
	p.exchangeCalls = append(p.exchangeCalls, grantType)
	p.mu.Unlock()
	return p.exchange(grantType, params)
}

func (p *fakeProvider) SignRequest(ctx context.Context, method, requestURL, accessToken string, headers http.Header, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	return req, nil
}

func (p *fakeProvider) BaseURI() string {
	return "https://api.example.com"
}

func (p *fakeProvider) calls(grantType GrantType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, call := range p.exchangeCalls {
		if call == grantType {
			n++
		}
	}
	return n
}

func staticToken(token string, expiresIn time.Duration) func(GrantType, ExchangeParams) (*AccessToken, error) {
	return func(GrantType, ExchangeParams) (*AccessToken, error) {
		result := &AccessToken{
			Token:        token,
			RefreshToken: "refresh-" + token,
			RawValues:    map[string]interface{}{"token_type": "bearer"},
		}
		if expiresIn > 0 {
			expiresAt := time.Now().Add(expiresIn)
			result.ExpiresAt = &expiresAt
		}
		return result, nil
	}
}

func newTestManager(t *testing.T, provider *fakeProvider) (*Manager, *fakeRepository, statecache.StateCache) {
	t.Helper()

	repo := newFakeRepository()
	states := statecache.NewMemoryStateCache()
	t.Cleanup(func() { states.Close() })

	manager, err := NewManager(ManagerConfig{ServiceName: "my-service"}, repo, states, provider, nil, logging.NewDefaultLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	return manager, repo, states
}

func TestStartAuthorizationStoresPendingState(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("t1", time.Hour)}
	manager, _, states := newTestManager(t, provider)
	ctx := context.Background()

	authorizeURL, err := manager.StartAuthorization(ctx, "abc", "s3cret", "https://app/done", []string{"read"})
	if err != nil {
		t.Fatalf("StartAuthorization failed: %v", err)
	}

	parsed, err := url.Parse(authorizeURL)
	if err != nil {
		t.Fatalf("authorize URL does not parse: %v", err)
	}
	state := parsed.Query().Get("state")
	if state == "" {
		t.Fatal("authorize URL has no state parameter")
	}
	if got := parsed.Query().Get("scope"); got != "read" {
		t.Errorf("expected scope=read, got %q", got)
	}

	var pending PendingAuthorization
	found, err := states.Get(ctx, state, &pending)
	if err != nil || !found {
		t.Fatalf("pending state not cached: found=%v err=%v", found, err)
	}
	if pending.ClientID != "abc" || pending.ClientSecret != "s3cret" || pending.ReturnToURI != "https://app/done" {
		t.Errorf("unexpected pending context: %+v", pending)
	}
}

func TestStartAuthorizationIssuesFreshStates(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("t1", time.Hour)}
	manager, _, _ := newTestManager(t, provider)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		authorizeURL, err := manager.StartAuthorization(ctx, "abc", "s3cret", "https://app/done", nil)
		if err != nil {
			t.Fatalf("StartAuthorization failed: %v", err)
		}
		parsed, _ := url.Parse(authorizeURL)
		state := parsed.Query().Get("state")
		if seen[state] {
			t.Fatalf("state %q issued twice", state)
		}
		seen[state] = true
	}
}

func TestFinishAuthorizationHappyPath(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("first-token", time.Hour)}
	manager, repo, _ := newTestManager(t, provider)
	ctx := context.Background()

	authorizeURL, err := manager.StartAuthorization(ctx, "abc", "s3cret", "https://app/done?tab=settings", []string{"read"})
	if err != nil {
		t.Fatalf("StartAuthorization failed: %v", err)
	}
	parsed, _ := url.Parse(authorizeURL)
	state := parsed.Query().Get("state")

	returnTo, err := manager.FinishAuthorization(ctx, "code-xyz", state, "read")
	if err != nil {
		t.Fatalf("FinishAuthorization failed: %v", err)
	}

	returnURL, err := url.Parse(returnTo)
	if err != nil {
		t.Fatalf("return URI does not parse: %v", err)
	}
	if returnURL.Query().Get(StateQueryParameter) != state {
		t.Errorf("return URI missing state parameter: %s", returnTo)
	}
	if returnURL.Query().Get("tab") != "settings" {
		t.Errorf("return URI lost original query: %s", returnTo)
	}

	stored, err := repo.Find(ctx, state)
	if err != nil || stored == nil {
		t.Fatalf("authorization not persisted: %v", err)
	}
	if stored.GrantType != GrantAuthorizationCode {
		t.Errorf("expected authorization_code grant, got %s", stored.GrantType)
	}
	if stored.AccessToken != "first-token" {
		t.Errorf("unexpected access token %q", stored.AccessToken)
	}
	if stored.ClientID != "abc" || stored.ClientSecret != "s3cret" {
		t.Errorf("credentials not carried over: %+v", stored)
	}
	if stored.Scope != "read" {
		t.Errorf("unexpected scope %q", stored.Scope)
	}
}

func TestFinishAuthorizationUnknownState(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("t", time.Hour)}
	manager, repo, _ := newTestManager(t, provider)

	_, err := manager.FinishAuthorization(context.Background(), "xyz", "S1", "read")
	if err == nil {
		t.Fatal("expected error for unknown state")
	}
	if !errors.IsType(err, errors.ErrTypeOAuthClient) {
		t.Errorf("expected oauth client error, got %v", err)
	}
	if repo.count() != 0 {
		t.Error("no authorization should be written on state miss")
	}
}

func TestFinishAuthorizationConsumesState(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("t", time.Hour)}
	manager, _, _ := newTestManager(t, provider)
	ctx := context.Background()

	authorizeURL, _ := manager.StartAuthorization(ctx, "abc", "s3cret", "https://app/done", nil)
	parsed, _ := url.Parse(authorizeURL)
	state := parsed.Query().Get("state")

	if _, err := manager.FinishAuthorization(ctx, "code", state, ""); err != nil {
		t.Fatalf("first FinishAuthorization failed: %v", err)
	}
	if _, err := manager.FinishAuthorization(ctx, "code", state, ""); err == nil {
		t.Fatal("second FinishAuthorization with the same state should fail")
	}
}

func TestAddClientCredentialsIsIdempotentInEffect(t *testing.T) {
	token := "token-1"
	provider := &fakeProvider{}
	provider.exchange = func(GrantType, ExchangeParams) (*AccessToken, error) {
		expiresAt := time.Now().Add(time.Hour)
		return &AccessToken{Token: token, ExpiresAt: &expiresAt}, nil
	}
	manager, repo, _ := newTestManager(t, provider)
	ctx := context.Background()

	id, err := manager.AddClientCredentials(ctx, "machine", "s3cret", "read")
	if err != nil {
		t.Fatalf("AddClientCredentials failed: %v", err)
	}
	if id != "my-service-machine" {
		t.Errorf("expected deterministic id my-service-machine, got %q", id)
	}

	token = "token-2"
	if _, err := manager.AddClientCredentials(ctx, "machine", "s3cret", "read"); err != nil {
		t.Fatalf("second AddClientCredentials failed: %v", err)
	}

	if repo.count() != 1 {
		t.Errorf("expected exactly one record, got %d", repo.count())
	}
	stored, _ := repo.Find(ctx, id)
	if stored.AccessToken != "token-2" {
		t.Errorf("second token should supersede the first, got %q", stored.AccessToken)
	}
	if stored.GrantType != GrantClientCredentials {
		t.Errorf("unexpected grant type %s", stored.GrantType)
	}
}

func TestRefreshAuthorizationUpdatesInPlace(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("refreshed-token", time.Hour)}
	manager, repo, _ := newTestManager(t, provider)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	repo.Save(ctx, &Authorization{
		AuthorizationID: "auth-1",
		ClientID:        "abc",
		ClientSecret:    "s3cret",
		ServiceName:     "my-service",
		GrantType:       GrantAuthorizationCode,
		AccessToken:     "stale-token",
		RefreshToken:    "old-refresh",
		Expires:         &expired,
	})

	returnTo, err := manager.RefreshAuthorization(ctx, "auth-1", "abc", "https://app/done")
	if err != nil {
		t.Fatalf("RefreshAuthorization failed: %v", err)
	}
	if returnTo != "https://app/done" {
		t.Errorf("return URI should be unchanged, got %q", returnTo)
	}

	stored, _ := repo.Find(ctx, "auth-1")
	if stored.AccessToken != "refreshed-token" {
		t.Errorf("access token not updated: %q", stored.AccessToken)
	}
	if stored.ClientID != "abc" || stored.ClientSecret != "s3cret" {
		t.Errorf("identity must be preserved across refresh: %+v", stored)
	}
	if stored.RefreshToken != "refresh-refreshed-token" {
		t.Errorf("rotated refresh token not stored: %q", stored.RefreshToken)
	}
	if stored.Expires == nil || !stored.Expires.After(time.Now()) {
		t.Error("expiry not updated")
	}
}

func TestRefreshAuthorizationFailureLeavesRecordIntact(t *testing.T) {
	provider := &fakeProvider{}
	provider.exchange = func(GrantType, ExchangeParams) (*AccessToken, error) {
		return nil, errors.IdentityProviderError("invalid grant", "invalid_grant", "")
	}
	manager, repo, _ := newTestManager(t, provider)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	original := &Authorization{
		AuthorizationID: "auth-1",
		ClientID:        "abc",
		GrantType:       GrantAuthorizationCode,
		AccessToken:     "stale-token",
		RefreshToken:    "old-refresh",
		Expires:         &expired,
	}
	repo.Save(ctx, original)

	_, err := manager.RefreshAuthorization(ctx, "auth-1", "abc", "https://app/done")
	if err == nil {
		t.Fatal("expected refresh failure")
	}
	if !errors.IsType(err, errors.ErrTypeOAuthClient) {
		t.Errorf("expected wrapped oauth client error, got %v", err)
	}

	stored, _ := repo.Find(ctx, "auth-1")
	if stored.AccessToken != "stale-token" || stored.RefreshToken != "old-refresh" {
		t.Errorf("record must be untouched on refresh failure: %+v", stored)
	}
}

func TestRefreshAuthorizationUnknownID(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("t", time.Hour)}
	manager, _, _ := newTestManager(t, provider)

	_, err := manager.RefreshAuthorization(context.Background(), "missing", "abc", "https://app/done")
	if !errors.IsType(err, errors.ErrTypeOAuthClient) {
		t.Errorf("expected oauth client error, got %v", err)
	}
}

func TestGetAuthenticatedRequestRefreshesExpiredAuthCode(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("fresh-token", time.Hour)}
	manager, repo, _ := newTestManager(t, provider)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	repo.Save(ctx, &Authorization{
		AuthorizationID: "auth-1",
		ClientID:        "abc",
		GrantType:       GrantAuthorizationCode,
		AccessToken:     "dead-token",
		RefreshToken:    "refresh",
		Expires:         &expired,
	})

	req, err := manager.GetAuthenticatedRequest(ctx, "auth-1", http.MethodPost, "/v1/things", map[string]interface{}{"name": "x"})
	if err != nil {
		t.Fatalf("GetAuthenticatedRequest failed: %v", err)
	}

	if got := req.Header.Get("Authorization"); got != "Bearer fresh-token" {
		t.Errorf("request signed with wrong token: %q", got)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("expected JSON content type, got %q", got)
	}
	if req.URL.String() != "https://api.example.com/v1/things" {
		t.Errorf("unexpected request URL %q", req.URL.String())
	}
	if provider.calls(GrantRefreshToken) != 1 {
		t.Errorf("expected exactly one refresh exchange, got %d", provider.calls(GrantRefreshToken))
	}
}

func TestGetAuthenticatedRequestReexchangesClientCredentials(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("fresh-cc-token", time.Hour)}
	manager, repo, _ := newTestManager(t, provider)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	repo.Save(ctx, &Authorization{
		AuthorizationID: "my-service-machine",
		ClientID:        "machine",
		ClientSecret:    "s3cret",
		GrantType:       GrantClientCredentials,
		AccessToken:     "dead-token",
		Expires:         &expired,
	})

	req, err := manager.GetAuthenticatedRequest(ctx, "my-service-machine", http.MethodGet, "/v1/status", nil)
	if err != nil {
		t.Fatalf("GetAuthenticatedRequest failed: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer fresh-cc-token" {
		t.Errorf("request signed with wrong token: %q", got)
	}
	if provider.calls(GrantClientCredentials) != 1 {
		t.Errorf("expected one client-credentials exchange, got %d", provider.calls(GrantClientCredentials))
	}

	stored, _ := repo.Find(ctx, "my-service-machine")
	if stored.AccessToken != "fresh-cc-token" {
		t.Errorf("re-exchanged token not persisted: %q", stored.AccessToken)
	}
	if repo.count() != 1 {
		t.Errorf("re-exchange must update in place, got %d records", repo.count())
	}
}

func TestGetAuthenticatedRequestNeverExpiringToken(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("never-used", time.Hour)}
	manager, repo, _ := newTestManager(t, provider)
	ctx := context.Background()

	repo.Save(ctx, &Authorization{
		AuthorizationID: "auth-1",
		ClientID:        "abc",
		GrantType:       GrantAuthorizationCode,
		AccessToken:     "eternal-token",
	})

	req, err := manager.GetAuthenticatedRequest(ctx, "auth-1", http.MethodGet, "/v1/me", nil)
	if err != nil {
		t.Fatalf("GetAuthenticatedRequest failed: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer eternal-token" {
		t.Errorf("nil expiry must be treated as never expiring, got %q", got)
	}
	if len(provider.exchangeCalls) != 0 {
		t.Errorf("no exchange expected, got %d", len(provider.exchangeCalls))
	}
}

func TestGetAuthenticatedRequestMissingAuthorization(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("t", time.Hour)}
	manager, _, _ := newTestManager(t, provider)

	_, err := manager.GetAuthenticatedRequest(context.Background(), "missing", http.MethodGet, "/v1/me", nil)
	if !errors.IsType(err, errors.ErrTypeOAuthClient) {
		t.Errorf("expected oauth client error, got %v", err)
	}
}

func TestGetAuthenticatedRequestRefreshFailurePropagates(t *testing.T) {
	provider := &fakeProvider{}
	provider.exchange = func(GrantType, ExchangeParams) (*AccessToken, error) {
		return nil, errors.IdentityProviderError("revoked", "invalid_grant", "")
	}
	manager, repo, _ := newTestManager(t, provider)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	repo.Save(ctx, &Authorization{
		AuthorizationID: "auth-1",
		GrantType:       GrantAuthorizationCode,
		AccessToken:     "dead-token",
		RefreshToken:    "refresh",
		Expires:         &expired,
	})

	req, err := manager.GetAuthenticatedRequest(ctx, "auth-1", http.MethodGet, "/v1/me", nil)
	if err == nil {
		t.Fatal("expected error when refresh fails")
	}
	if req != nil {
		t.Error("no request must be signed when refresh fails")
	}
}

func TestConcurrentRenewCollapsesIntoOneExchange(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("fresh-token", time.Hour)}
	manager, repo, _ := newTestManager(t, provider)
	ctx := context.Background()

	expired := time.Now().Add(-time.Hour)
	repo.Save(ctx, &Authorization{
		AuthorizationID: "auth-1",
		GrantType:       GrantAuthorizationCode,
		AccessToken:     "dead-token",
		RefreshToken:    "refresh",
		Expires:         &expired,
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := manager.GetAuthenticatedRequest(ctx, "auth-1", http.MethodGet, "/v1/me", nil); err != nil {
				t.Errorf("GetAuthenticatedRequest failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := provider.calls(GrantRefreshToken); got != 1 {
		t.Errorf("concurrent renewals must collapse into one exchange, got %d", got)
	}
}

func TestRefreshExpiringSweepsAuthCodeRecords(t *testing.T) {
	provider := &fakeProvider{exchange: staticToken("swept-token", time.Hour)}
	manager, repo, _ := newTestManager(t, provider)
	ctx := context.Background()

	soon := time.Now().Add(2 * time.Minute)
	repo.Save(ctx, &Authorization{
		AuthorizationID: "auth-code",
		GrantType:       GrantAuthorizationCode,
		AccessToken:     "old",
		RefreshToken:    "refresh",
		Expires:         &soon,
	})
	repo.Save(ctx, &Authorization{
		AuthorizationID: "my-service-machine",
		GrantType:       GrantClientCredentials,
		AccessToken:     "cc",
		Expires:         &soon,
	})

	refreshed, err := manager.RefreshExpiring(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("RefreshExpiring failed: %v", err)
	}
	if refreshed != 1 {
		t.Errorf("expected 1 refreshed record, got %d", refreshed)
	}

	stored, _ := repo.Find(ctx, "auth-code")
	if stored.AccessToken != "swept-token" {
		t.Errorf("auth-code record not refreshed: %q", stored.AccessToken)
	}
	cc, _ := repo.Find(ctx, "my-service-machine")
	if cc.AccessToken != "cc" {
		t.Error("client-credentials record must be left to reactive renewal")
	}
}

func TestAppendStateToReturnURI(t *testing.T) {
	got, err := appendStateToReturnURI("https://app/done?tab=1", "S1")
	if err != nil {
		t.Fatalf("appendStateToReturnURI failed: %v", err)
	}
	parsed, _ := url.Parse(got)
	if parsed.Query().Get("tab") != "1" || parsed.Query().Get(StateQueryParameter) != "S1" {
		t.Errorf("unexpected return URI %q", got)
	}
}

func TestAuthorizationExpiry(t *testing.T) {
	never := &Authorization{AccessToken: "t"}
	if never.Expired(time.Minute) {
		t.Error("nil expiry must never count as expired")
	}

	past := time.Now().Add(-time.Minute)
	dead := &Authorization{AccessToken: "t", Expires: &past}
	if !dead.Expired(0) {
		t.Error("past expiry must count as expired")
	}

	nearFuture := time.Now().Add(time.Minute)
	dying := &Authorization{AccessToken: "t", Expires: &nearFuture}
	if !dying.Expired(5 * time.Minute) {
		t.Error("expiry inside the buffer must count as expired")
	}
	if dying.Expired(0) {
		t.Error("future expiry without buffer must not count as expired")
	}
}
