package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/christophengelmayer/flow-oauth2-client/internal/circuitbreaker"
	"github.com/christophengelmayer/flow-oauth2-client/internal/common/errors"
	"github.com/christophengelmayer/flow-oauth2-client/internal/common/logging"
)

// AccessToken is the result of a token-endpoint exchange.
type AccessToken struct {
	Token        string
	RefreshToken string

	// ExpiresAt is nil when the provider returned no expiry and the
	// access token carries no usable exp claim.
	ExpiresAt *time.Time

	Scope string

	// RawValues holds every field of the token response verbatim.
	RawValues map[string]interface{}
}

// ExchangeParams carries the per-exchange inputs to the token endpoint.
// Which fields are read depends on the grant type: Code for
// authorization_code, RefreshToken for refresh_token; client credentials
// are always required except for refresh exchanges where sending the
// secret is a provider policy.
type ExchangeParams struct {
	ClientID     string
	ClientSecret string
	Code         string
	RefreshToken string
	Scope        string
}

// Provider issues the OAuth2 wire operations against one configured
// identity provider.
type Provider interface {
	// BuildAuthorizationURL returns the authorize URL for an interactive
	// flow together with the fresh state identifier embedded in it.
	BuildAuthorizationURL(clientID string, scopes []string) (authorizeURL string, stateIdentifier string, err error)

	// ExchangeToken performs the token-endpoint exchange for the given
	// grant type.
	ExchangeToken(ctx context.Context, grantType GrantType, params ExchangeParams) (*AccessToken, error)

	// SignRequest builds a request with the bearer credential attached.
	// It does not perform the call.
	SignRequest(ctx context.Context, method, requestURL, accessToken string, headers http.Header, body []byte) (*http.Request, error)

	// BaseURI returns the resource-owner base URI that relative request
	// paths are resolved against.
	BaseURI() string
}

// ProviderConfig describes one identity provider endpoint set.
type ProviderConfig struct {
	ServiceName      string
	AuthorizeURI     string
	TokenURI         string
	ResourceOwnerURI string
	RedirectURI      string

	// SendSecretOnRefresh forces the client secret onto refresh-token
	// exchanges. Most providers accept a refresh without it; some
	// mandate it.
	SendSecretOnRefresh bool
}

// Validate checks that the endpoints required for any exchange are set.
func (c ProviderConfig) Validate() error {
	if c.ServiceName == "" {
		return errors.ConfigError("provider service name is required")
	}
	if c.TokenURI == "" {
		return errors.ConfigError("provider token URI is required")
	}
	return nil
}

// HTTPProvider implements Provider against a real identity provider over
// HTTP. Token-endpoint calls run inside a circuit breaker so a dead
// provider fails fast instead of tying up callers on timeouts.
type HTTPProvider struct {
	config  ProviderConfig
	client  *http.Client
	breaker *circuitbreaker.GoBreakerAdapter
	logger  logging.Logger
}

// NewHTTPProvider creates a provider adapter for the given endpoint set.
// The HTTP client is required; construct it with the shared client
// factory so timeouts are consistent across the application.
func NewHTTPProvider(config ProviderConfig, client *http.Client, logger logging.Logger) (*HTTPProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.ConfigError("http client is required")
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	breaker := circuitbreaker.NewGoBreaker(
		fmt.Sprintf("token-endpoint-%s", config.ServiceName),
		circuitbreaker.TokenEndpointConfig,
		logger,
	)

	return &HTTPProvider{
		config:  config,
		client:  client,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// BuildAuthorizationURL renders the authorize URL with a fresh,
// cryptographically random state identifier. Scopes are space-joined per
// RFC 6749.
func (p *HTTPProvider) BuildAuthorizationURL(clientID string, scopes []string) (string, string, error) {
	if p.config.AuthorizeURI == "" {
		return "", "", errors.ConfigError("provider authorize URI is not configured")
	}

	state, err := generateStateIdentifier()
	if err != nil {
		return "", "", errors.InternalError("failed to generate state identifier", err)
	}

	authorizeURL, err := url.Parse(p.config.AuthorizeURI)
	if err != nil {
		return "", "", errors.ConfigError(fmt.Sprintf("invalid authorize URI: %v", err))
	}

	query := authorizeURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", clientID)
	query.Set("redirect_uri", p.config.RedirectURI)
	query.Set("state", state)
	if len(scopes) > 0 {
		query.Set("scope", strings.Join(scopes, " "))
	}
	authorizeURL.RawQuery = query.Encode()

	return authorizeURL.String(), state, nil
}

// ExchangeToken posts the grant to the token endpoint and decodes the
// response. Provider rejections come back as IdentityProviderError with
// the server's error payload; transport failures as connection errors.
func (p *HTTPProvider) ExchangeToken(ctx context.Context, grantType GrantType, params ExchangeParams) (*AccessToken, error) {
	form := url.Values{}
	form.Set("grant_type", string(grantType))
	form.Set("client_id", params.ClientID)

	switch grantType {
	case GrantAuthorizationCode:
		form.Set("client_secret", params.ClientSecret)
		form.Set("code", params.Code)
		form.Set("redirect_uri", p.config.RedirectURI)
	case GrantClientCredentials:
		form.Set("client_secret", params.ClientSecret)
		if params.Scope != "" {
			form.Set("scope", params.Scope)
		}
	case GrantRefreshToken:
		form.Set("refresh_token", params.RefreshToken)
		if p.config.SendSecretOnRefresh && params.ClientSecret != "" {
			form.Set("client_secret", params.ClientSecret)
		}
	default:
		return nil, errors.ValidationError(fmt.Sprintf("unsupported grant type: %s", grantType))
	}

	var token *AccessToken
	err := p.breaker.Execute(ctx, func() error {
		var execErr error
		token, execErr = p.requestToken(ctx, form)
		return execErr
	})
	if err != nil {
		return nil, err
	}

	return token, nil
}

// tokenResponse mirrors the standard token-endpoint success payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// tokenErrorResponse mirrors the standard token-endpoint error payload.
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (p *HTTPProvider) requestToken(ctx context.Context, form url.Values) (*AccessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.InternalError("failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.ConnectionError("token endpoint request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.ConnectionError("failed to read token response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp tokenErrorResponse
		if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
			return nil, errors.IdentityProviderError(
				fmt.Sprintf("token endpoint returned status %d", resp.StatusCode),
				"invalid_response",
				strings.TrimSpace(string(body)),
			)
		}

		p.logger.Warn("Token endpoint rejected exchange",
			logging.Field{Key: "service", Value: p.config.ServiceName},
			logging.Field{Key: "error", Value: errResp.Error},
		)

		return nil, errors.IdentityProviderError(
			fmt.Sprintf("token endpoint rejected the exchange: %s", errResp.Error),
			errResp.Error,
			errResp.ErrorDescription,
		)
	}

	var decoded tokenResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, errors.IdentityProviderError("token endpoint returned malformed JSON", "invalid_response", err.Error())
	}
	if decoded.AccessToken == "" {
		return nil, errors.IdentityProviderError("token endpoint returned no access token", "invalid_response", "")
	}

	var rawValues map[string]interface{}
	if err := json.Unmarshal(body, &rawValues); err != nil {
		rawValues = map[string]interface{}{}
	}

	token := &AccessToken{
		Token:        decoded.AccessToken,
		RefreshToken: decoded.RefreshToken,
		Scope:        decoded.Scope,
		RawValues:    rawValues,
	}

	if decoded.ExpiresIn > 0 {
		expiresAt := time.Now().Add(time.Duration(decoded.ExpiresIn) * time.Second)
		token.ExpiresAt = &expiresAt
	} else if expiresAt := expiryFromJWT(decoded.AccessToken); expiresAt != nil {
		// Some providers omit expires_in; a JWT exp claim is the next
		// best signal.
		token.ExpiresAt = expiresAt
	}

	return token, nil
}

// SignRequest attaches the bearer credential to a new request. A non-nil
// body is sent as JSON.
func (p *HTTPProvider) SignRequest(ctx context.Context, method, requestURL, accessToken string, headers http.Header, body []byte) (*http.Request, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, errors.InternalError("failed to build signed request", err)
	}

	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	return req, nil
}

// BaseURI returns the configured resource-owner URI.
func (p *HTTPProvider) BaseURI() string {
	return p.config.ResourceOwnerURI
}

// generateStateIdentifier returns 32 bytes of cryptographic randomness
// as hex. The value doubles as the OAuth2 state parameter and, for
// authorization-code flows, the eventual authorization id.
func generateStateIdentifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

var _ Provider = (*HTTPProvider)(nil)
