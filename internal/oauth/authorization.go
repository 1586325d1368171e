// Package oauth implements the client side of the OAuth2 authorization
// lifecycle: it drives authorization-code and client-credentials grants
// against a remote identity provider, persists the resulting tokens,
// refreshes them before use, and signs outbound requests with a valid
// bearer credential.
package oauth

import (
	"time"
)

// GrantType identifies the OAuth2 exchange mechanism a token was obtained with.
type GrantType string

const (
	// GrantAuthorizationCode is the interactive, user-delegated flow.
	GrantAuthorizationCode GrantType = "authorization_code"
	// GrantClientCredentials is the machine-to-machine flow.
	GrantClientCredentials GrantType = "client_credentials"
	// GrantRefreshToken is the renewal exchange.
	GrantRefreshToken GrantType = "refresh_token"
)

// Authorization is the persisted unit of credential state, keyed by
// AuthorizationID. For authorization-code flows the id equals the state
// identifier generated when the flow started; for client-credentials
// flows it is derived deterministically from the service name and client
// id so repeated exchanges land on the same record.
//
// At most one record exists per id. Re-authorization replaces the record
// wholesale instead of mutating it; only a refresh updates AccessToken
// and Expires in place.
type Authorization struct {
	AuthorizationID string    `json:"authorizationId"`
	ClientID        string    `json:"clientId"`
	ClientSecret    string    `json:"clientSecret"`
	ServiceName     string    `json:"serviceName"`
	GrantType       GrantType `json:"grantType"`
	AccessToken     string    `json:"accessToken"`
	RefreshToken    string    `json:"refreshToken,omitempty"`

	// Expires is the absolute expiry of the access token. A nil value
	// means the provider did not return one and the token is treated as
	// never expiring.
	Expires *time.Time `json:"expires,omitempty"`

	Scope string `json:"scope"`

	// TokenValues carries any additional fields the token endpoint
	// returned (id tokens, extra claims), preserved verbatim.
	TokenValues map[string]interface{} `json:"tokenValues,omitempty"`
}

// ClientCredentialsAuthorizationID derives the record id for a
// client-credentials grant.
func ClientCredentialsAuthorizationID(serviceName, clientID string) string {
	return serviceName + "-" + clientID
}

// ExpiresWithin reports whether the access token expires inside the given
// window from now. A nil Expires never expires.
func (a *Authorization) ExpiresWithin(window time.Duration) bool {
	if a.Expires == nil {
		return false
	}
	return time.Now().Add(window).After(*a.Expires)
}

// Expired reports whether the token should no longer be used, applying
// the buffer so requests in flight don't ride a token that dies
// mid-request.
func (a *Authorization) Expired(buffer time.Duration) bool {
	return a.ExpiresWithin(buffer)
}

// PendingAuthorization is the transient context of an authorization-code
// flow between start and callback. It lives only in the state cache,
// keyed by the state identifier, and is never persisted durably.
type PendingAuthorization struct {
	StateIdentifier string `json:"stateIdentifier"`
	ClientID        string `json:"clientId"`
	ClientSecret    string `json:"clientSecret"`
	ReturnToURI     string `json:"returnToUri"`
}
