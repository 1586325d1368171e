package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/christophengelmayer/flow-oauth2-client/internal/common/errors"
	commonhttp "github.com/christophengelmayer/flow-oauth2-client/internal/common/http"
	"github.com/christophengelmayer/flow-oauth2-client/internal/common/logging"
	"github.com/christophengelmayer/flow-oauth2-client/internal/locks"
	"github.com/christophengelmayer/flow-oauth2-client/internal/statecache"
)

// StateQueryParameter is the query parameter appended to the return URI
// after a completed authorization, carrying the state identifier so the
// landing page can correlate the authorization that just finished.
const StateQueryParameter = "flownative_oauth2_state"

const (
	defaultStateTTL     = 10 * time.Minute
	defaultExpiryBuffer = 5 * time.Minute
)

// ManagerConfig tunes a Manager.
type ManagerConfig struct {
	// ServiceName is the logical name of the integration. It prefixes
	// client-credentials authorization ids.
	ServiceName string

	// StateTTL bounds how long a pending authorization survives between
	// start and callback. Defaults to 10 minutes.
	StateTTL time.Duration

	// ExpiryBuffer makes a token count as expired this long before its
	// actual expiry. Defaults to 5 minutes.
	ExpiryBuffer time.Duration
}

// Manager orchestrates the authorization lifecycle: it starts and
// finishes interactive flows, performs client-credentials exchanges,
// refreshes tokens before they expire, and signs outbound requests.
//
// The manager is the only writer of Authorization and
// PendingAuthorization records. Refreshes are serialized per
// authorization id through the lock manager so concurrent callers of the
// same authorization collapse into a single token-endpoint call.
type Manager struct {
	serviceName  string
	stateTTL     time.Duration
	expiryBuffer time.Duration

	repo     Repository
	states   statecache.StateCache
	provider Provider
	locks    locks.Manager
	logger   logging.Logger

	transportOnce sync.Once
	transport     *http.Client
}

// NewManager wires a Manager from its collaborators. All of them are
// required except the lock manager, which falls back to in-process
// locking when nil.
func NewManager(config ManagerConfig, repo Repository, states statecache.StateCache, provider Provider, lockManager locks.Manager, logger logging.Logger) (*Manager, error) {
	if config.ServiceName == "" {
		return nil, errors.ConfigError("service name is required")
	}
	if repo == nil {
		return nil, errors.ConfigError("authorization repository is required")
	}
	if states == nil {
		return nil, errors.ConfigError("state cache is required")
	}
	if provider == nil {
		return nil, errors.ConfigError("provider is required")
	}
	if lockManager == nil {
		lockManager = locks.NewLocalManager()
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	stateTTL := config.StateTTL
	if stateTTL <= 0 {
		stateTTL = defaultStateTTL
	}
	expiryBuffer := config.ExpiryBuffer
	if expiryBuffer <= 0 {
		expiryBuffer = defaultExpiryBuffer
	}

	return &Manager{
		serviceName:  config.ServiceName,
		stateTTL:     stateTTL,
		expiryBuffer: expiryBuffer,
		repo:         repo,
		states:       states,
		provider:     provider,
		locks:        lockManager,
		logger:       logger,
	}, nil
}

// StartAuthorization begins an interactive authorization-code flow. It
// stores the pending context in the state cache under a fresh state
// identifier and returns the provider's authorize URL for redirect.
// Nothing is persisted durably until the callback completes.
func (m *Manager) StartAuthorization(ctx context.Context, clientID, clientSecret, returnToURI string, scopes []string) (string, error) {
	if clientID == "" {
		return "", errors.OAuthClientError("client id must not be empty")
	}
	if returnToURI == "" {
		return "", errors.OAuthClientError("return URI must not be empty")
	}

	authorizeURL, state, err := m.provider.BuildAuthorizationURL(clientID, scopes)
	if err != nil {
		return "", err
	}

	pending := PendingAuthorization{
		StateIdentifier: state,
		ClientID:        clientID,
		ClientSecret:    clientSecret,
		ReturnToURI:     returnToURI,
	}
	if err := m.states.Put(ctx, state, pending, m.stateTTL); err != nil {
		return "", err
	}

	m.logger.Info("Started authorization",
		logging.Field{Key: "service", Value: m.serviceName},
		logging.Field{Key: "client_id", Value: clientID},
	)

	return authorizeURL, nil
}

// FinishAuthorization completes an interactive flow after the provider
// redirected back with a code and the state identifier. The state must
// still be in the cache; an absent state (expired, forged, or already
// consumed) is a terminal failure. On success the new Authorization is
// persisted under the state identifier, replacing any prior record, and
// the caller's original return URI is returned with the state identifier
// appended as a query parameter.
func (m *Manager) FinishAuthorization(ctx context.Context, code, stateIdentifier, scope string) (string, error) {
	var pending PendingAuthorization
	found, err := m.states.Get(ctx, stateIdentifier, &pending)
	if err != nil {
		return "", err
	}
	if !found {
		return "", errors.OAuthClientError("state could not be retrieved, it may have expired or been used already")
	}

	token, err := m.provider.ExchangeToken(ctx, GrantAuthorizationCode, ExchangeParams{
		ClientID:     pending.ClientID,
		ClientSecret: pending.ClientSecret,
		Code:         code,
	})
	if err != nil {
		return "", errors.WrapOAuthClientError("failed to exchange authorization code", err)
	}

	authorization := &Authorization{
		AuthorizationID: stateIdentifier,
		ClientID:        pending.ClientID,
		ClientSecret:    pending.ClientSecret,
		ServiceName:     m.serviceName,
		GrantType:       GrantAuthorizationCode,
		AccessToken:     token.Token,
		RefreshToken:    token.RefreshToken,
		Expires:         token.ExpiresAt,
		Scope:           scope,
		TokenValues:     token.RawValues,
	}

	if err := m.repo.Replace(ctx, authorization); err != nil {
		return "", err
	}

	if err := m.states.Remove(ctx, stateIdentifier); err != nil {
		m.logger.Warn("Failed to remove consumed authorization state",
			logging.Field{Key: "state", Value: stateIdentifier},
			logging.Field{Key: "error", Value: err.Error()},
		)
	}

	m.logger.Info("Finished authorization",
		logging.Field{Key: "service", Value: m.serviceName},
		logging.Field{Key: "authorization_id", Value: stateIdentifier},
	)

	return appendStateToReturnURI(pending.ReturnToURI, stateIdentifier)
}

// AddClientCredentials performs a client-credentials exchange and
// persists the result under the deterministic id serviceName-clientId,
// replacing any prior record. Calling it again with the same credentials
// supersedes the earlier token. Provider rejections are returned
// unmodified.
func (m *Manager) AddClientCredentials(ctx context.Context, clientID, clientSecret, scope string) (string, error) {
	if clientID == "" {
		return "", errors.OAuthClientError("client id must not be empty")
	}

	authorizationID := ClientCredentialsAuthorizationID(m.serviceName, clientID)

	token, err := m.provider.ExchangeToken(ctx, GrantClientCredentials, ExchangeParams{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scope:        scope,
	})
	if err != nil {
		return "", err
	}

	authorization := &Authorization{
		AuthorizationID: authorizationID,
		ClientID:        clientID,
		ClientSecret:    clientSecret,
		ServiceName:     m.serviceName,
		GrantType:       GrantClientCredentials,
		AccessToken:     token.Token,
		RefreshToken:    token.RefreshToken,
		Expires:         token.ExpiresAt,
		Scope:           scope,
		TokenValues:     token.RawValues,
	}

	if err := m.repo.Replace(ctx, authorization); err != nil {
		return "", err
	}

	m.logger.Info("Added client credentials authorization",
		logging.Field{Key: "service", Value: m.serviceName},
		logging.Field{Key: "authorization_id", Value: authorizationID},
	)

	return authorizationID, nil
}

// RefreshAuthorization exchanges the stored refresh token for a new
// access token and updates the record in place. Unlike re-authorization
// this is an update, not a replace: the identity behind the record is
// unchanged. On failure the stored record is left untouched so a not yet
// expired token remains usable. Returns returnToURI unchanged as a
// convenience for redirect-driven callers.
func (m *Manager) RefreshAuthorization(ctx context.Context, authorizationID, clientID, returnToURI string) (string, error) {
	lock, err := m.locks.AcquireAuthorizationLock(ctx, authorizationID)
	if err != nil {
		return "", err
	}
	defer lock.Release(ctx)

	authorization, err := m.repo.Find(ctx, authorizationID)
	if err != nil {
		return "", err
	}
	if authorization == nil {
		return "", errors.OAuthClientError(fmt.Sprintf("no authorization found with id %q", authorizationID))
	}
	if clientID != "" && authorization.ClientID != clientID {
		return "", errors.OAuthClientError("client id does not match the stored authorization")
	}

	if err := m.refreshLocked(ctx, authorization); err != nil {
		return "", err
	}

	return returnToURI, nil
}

// refreshLocked performs the refresh exchange and in-place update for a
// loaded record. The caller must hold the per-id lock.
func (m *Manager) refreshLocked(ctx context.Context, authorization *Authorization) error {
	if authorization.RefreshToken == "" {
		return errors.OAuthClientError(fmt.Sprintf("authorization %q has no refresh token", authorization.AuthorizationID))
	}

	token, err := m.provider.ExchangeToken(ctx, GrantRefreshToken, ExchangeParams{
		ClientID:     authorization.ClientID,
		ClientSecret: authorization.ClientSecret,
		RefreshToken: authorization.RefreshToken,
	})
	if err != nil {
		return errors.WrapOAuthClientError("failed to refresh access token", err)
	}

	authorization.AccessToken = token.Token
	authorization.Expires = token.ExpiresAt
	if token.RefreshToken != "" {
		// The provider rotated the refresh token.
		authorization.RefreshToken = token.RefreshToken
	}
	if len(token.RawValues) > 0 {
		authorization.TokenValues = token.RawValues
	}

	if err := m.repo.Save(ctx, authorization); err != nil {
		return err
	}

	m.logger.Info("Refreshed authorization",
		logging.Field{Key: "service", Value: m.serviceName},
		logging.Field{Key: "authorization_id", Value: authorization.AuthorizationID},
	)

	return nil
}

// GetAuthorization returns the stored record, or nil when absent. It is
// a pure read; no refresh is attempted.
func (m *Manager) GetAuthorization(ctx context.Context, authorizationID string) (*Authorization, error) {
	return m.repo.Find(ctx, authorizationID)
}

// GetAuthenticatedRequest builds a signed request against the provider's
// resource-owner base URI. If the stored token is expired it is renewed
// first: authorization-code records via the refresh token,
// client-credentials records by re-exchanging the stored credentials in
// place. A request is never signed with a token known to be expired; if
// renewal fails the error propagates and no request is built.
func (m *Manager) GetAuthenticatedRequest(ctx context.Context, authorizationID, method, relativeURI string, bodyFields map[string]interface{}) (*http.Request, error) {
	authorization, err := m.repo.Find(ctx, authorizationID)
	if err != nil {
		return nil, err
	}
	if authorization == nil {
		return nil, errors.OAuthClientError(fmt.Sprintf("no authorization found with id %q", authorizationID))
	}

	if authorization.Expired(m.expiryBuffer) {
		authorization, err = m.renewExpired(ctx, authorizationID)
		if err != nil {
			return nil, err
		}
	}

	var body []byte
	if len(bodyFields) > 0 {
		body, err = json.Marshal(bodyFields)
		if err != nil {
			return nil, errors.ValidationError(fmt.Sprintf("failed to encode request body: %v", err))
		}
	}

	requestURL := joinRequestURL(m.provider.BaseURI(), relativeURI)

	headers := http.Header{}
	if len(body) > 0 {
		headers.Set("Content-Type", "application/json")
	}

	return m.provider.SignRequest(ctx, method, requestURL, authorization.AccessToken, headers, body)
}

// renewExpired renews an expired record under the per-id lock and
// returns the fresh copy. The record is re-loaded once the lock is held:
// a concurrent caller may already have renewed it, in which case the
// second token-endpoint call is skipped entirely.
func (m *Manager) renewExpired(ctx context.Context, authorizationID string) (*Authorization, error) {
	lock, err := m.locks.AcquireAuthorizationLock(ctx, authorizationID)
	if err != nil {
		return nil, err
	}
	defer lock.Release(ctx)

	authorization, err := m.repo.Find(ctx, authorizationID)
	if err != nil {
		return nil, err
	}
	if authorization == nil {
		return nil, errors.OAuthClientError(fmt.Sprintf("no authorization found with id %q", authorizationID))
	}
	if !authorization.Expired(m.expiryBuffer) {
		return authorization, nil
	}

	switch authorization.GrantType {
	case GrantAuthorizationCode:
		if err := m.refreshLocked(ctx, authorization); err != nil {
			return nil, err
		}
	case GrantClientCredentials:
		// Same id, same credentials: a plain in-place update, not a
		// delete and re-insert.
		token, err := m.provider.ExchangeToken(ctx, GrantClientCredentials, ExchangeParams{
			ClientID:     authorization.ClientID,
			ClientSecret: authorization.ClientSecret,
			Scope:        authorization.Scope,
		})
		if err != nil {
			return nil, err
		}
		authorization.AccessToken = token.Token
		authorization.RefreshToken = token.RefreshToken
		authorization.Expires = token.ExpiresAt
		if len(token.RawValues) > 0 {
			authorization.TokenValues = token.RawValues
		}
		if err := m.repo.Save(ctx, authorization); err != nil {
			return nil, err
		}
	default:
		return nil, errors.OAuthClientError(fmt.Sprintf("authorization %q has expired and cannot be renewed", authorizationID))
	}

	return authorization, nil
}

// SendAuthenticatedRequest builds the signed request and dispatches it
// over a shared HTTP client, constructed once per Manager and reused
// across calls. The caller owns the response body.
func (m *Manager) SendAuthenticatedRequest(ctx context.Context, authorizationID, method, relativeURI string, bodyFields map[string]interface{}) (*http.Response, error) {
	req, err := m.GetAuthenticatedRequest(ctx, authorizationID, method, relativeURI, bodyFields)
	if err != nil {
		return nil, err
	}

	m.transportOnce.Do(func() {
		m.transport = commonhttp.NewHTTPClient()
	})

	resp, err := m.transport.Do(req)
	if err != nil {
		return nil, errors.ConnectionError("authenticated request failed", err)
	}
	return resp, nil
}

// RefreshExpiring refreshes every authorization-code record whose expiry
// falls inside the lookahead window. It is the worker behind the
// scheduled sweep; failures are logged per record and do not stop the
// sweep. Returns the number of records refreshed.
func (m *Manager) RefreshExpiring(ctx context.Context, lookahead time.Duration) (int, error) {
	candidates, err := m.repo.ExpiringBefore(ctx, time.Now().Add(lookahead))
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, candidate := range candidates {
		if candidate.GrantType != GrantAuthorizationCode || candidate.RefreshToken == "" {
			continue
		}

		err := func() error {
			lock, err := m.locks.AcquireAuthorizationLock(ctx, candidate.AuthorizationID)
			if err != nil {
				return err
			}
			defer lock.Release(ctx)

			current, err := m.repo.Find(ctx, candidate.AuthorizationID)
			if err != nil {
				return err
			}
			if current == nil || !current.ExpiresWithin(lookahead) {
				return nil
			}
			if err := m.refreshLocked(ctx, current); err != nil {
				return err
			}
			refreshed++
			return nil
		}()
		if err != nil {
			m.logger.Warn("Proactive refresh failed",
				logging.Field{Key: "authorization_id", Value: candidate.AuthorizationID},
				logging.Field{Key: "error", Value: err.Error()},
			)
		}
	}

	return refreshed, nil
}

// appendStateToReturnURI adds the state query parameter to the return
// URI, preserving any existing query string.
func appendStateToReturnURI(returnToURI, stateIdentifier string) (string, error) {
	parsed, err := url.Parse(returnToURI)
	if err != nil {
		return "", errors.OAuthClientError(fmt.Sprintf("invalid return URI: %v", err))
	}

	query := parsed.Query()
	query.Set(StateQueryParameter, stateIdentifier)
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

func joinRequestURL(baseURI, relativeURI string) string {
	if baseURI == "" {
		return relativeURI
	}
	return strings.TrimRight(baseURI, "/") + "/" + strings.TrimLeft(relativeURI, "/")
}
