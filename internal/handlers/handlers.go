// Package handlers exposes the authorization manager over HTTP: starting
// and finishing interactive flows, running client-credentials exchanges
// and inspecting authorization status. Token material never leaves the
// API; status responses carry metadata only.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/christophengelmayer/flow-oauth2-client/internal/common/errors"
	"github.com/christophengelmayer/flow-oauth2-client/internal/common/logging"
	"github.com/christophengelmayer/flow-oauth2-client/internal/config"
	"github.com/christophengelmayer/flow-oauth2-client/internal/oauth"
)

type Handlers struct {
	manager *oauth.Manager
	config  *config.Config
	logger  logging.Logger
}

func New(manager *oauth.Manager, cfg *config.Config, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handlers{
		manager: manager,
		config:  cfg,
		logger:  logger,
	}
}

// RegisterRoutes attaches all handler routes to the router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/oauth2/authorize", h.StartAuthorization).Methods(http.MethodGet)
	router.HandleFunc("/oauth2/callback", h.FinishAuthorization).Methods(http.MethodGet)
	router.HandleFunc("/oauth2/client-credentials", h.AddClientCredentials).Methods(http.MethodPost)
	router.HandleFunc("/oauth2/authorizations/{id}", h.GetAuthorization).Methods(http.MethodGet)
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
}

// RenderCallbackURI builds the redirect URI the provider sends the
// browser back to, from the externally reachable base URL.
func RenderCallbackURI(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/oauth2/callback"
}

// StartAuthorization begins an interactive flow and redirects the
// browser to the provider's authorize URL. Client credentials and scope
// default to the configured provider settings; return_to is required.
func (h *Handlers) StartAuthorization(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	clientID := query.Get("client_id")
	clientSecret := query.Get("client_secret")
	if clientID == "" {
		clientID = h.config.ClientID
		clientSecret = h.config.ClientSecret
	}

	returnTo := query.Get("return_to")
	if returnTo == "" {
		h.sendJSONError(w, nil, "Missing return_to parameter", "The return_to query parameter is required", http.StatusBadRequest)
		return
	}

	scopes := strings.Fields(h.config.Scopes)
	if scope := query.Get("scope"); scope != "" {
		scopes = strings.Fields(scope)
	}

	authorizeURL, err := h.manager.StartAuthorization(r.Context(), clientID, clientSecret, returnTo, scopes)
	if err != nil {
		h.sendJSONError(w, err, "Failed to start authorization", "Could not start the authorization", statusForError(err))
		return
	}

	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// FinishAuthorization handles the provider's redirect back. On success
// the browser is sent on to the original return URI with the state
// identifier appended.
func (h *Handlers) FinishAuthorization(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.sendJSONError(w, nil, "Missing code or state on callback", "The code and state query parameters are required", http.StatusBadRequest)
		return
	}

	returnTo, err := h.manager.FinishAuthorization(r.Context(), code, state, query.Get("scope"))
	if err != nil {
		h.sendJSONError(w, err, "Failed to finish authorization", "Could not complete the authorization", statusForError(err))
		return
	}

	http.Redirect(w, r, returnTo, http.StatusFound)
}

type clientCredentialsRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
}

type clientCredentialsResponse struct {
	AuthorizationID string `json:"authorization_id"`
}

// AddClientCredentials runs a client-credentials exchange and persists
// the resulting authorization. Credentials default to the configured
// provider settings when the body omits them.
func (h *Handlers) AddClientCredentials(w http.ResponseWriter, r *http.Request) {
	var req clientCredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.sendJSONError(w, err, "Invalid client credentials request body", "The request body must be valid JSON", http.StatusBadRequest)
		return
	}

	if req.ClientID == "" {
		req.ClientID = h.config.ClientID
		req.ClientSecret = h.config.ClientSecret
	}
	if req.Scope == "" {
		req.Scope = h.config.Scopes
	}

	authorizationID, err := h.manager.AddClientCredentials(r.Context(), req.ClientID, req.ClientSecret, req.Scope)
	if err != nil {
		h.sendJSONError(w, err, "Failed to add client credentials", "The client credentials exchange failed", statusForError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(clientCredentialsResponse{AuthorizationID: authorizationID})
}

type authorizationResponse struct {
	AuthorizationID string     `json:"authorization_id"`
	ClientID        string     `json:"client_id"`
	ServiceName     string     `json:"service_name"`
	GrantType       string     `json:"grant_type"`
	Scope           string     `json:"scope,omitempty"`
	Expires         *time.Time `json:"expires,omitempty"`
	Expired         bool       `json:"expired"`
	HasRefreshToken bool       `json:"has_refresh_token"`
}

// GetAuthorization returns the status of a stored authorization. Tokens
// and client secrets are deliberately absent from the response.
func (h *Handlers) GetAuthorization(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	authorizationID := vars["id"]

	authorization, err := h.manager.GetAuthorization(r.Context(), authorizationID)
	if err != nil {
		h.sendJSONError(w, err, "Failed to load authorization", "Could not load the authorization", statusForError(err))
		return
	}
	if authorization == nil {
		h.sendJSONError(w, nil, "Authorization not found", "No authorization exists with this id", http.StatusNotFound)
		return
	}

	response := authorizationResponse{
		AuthorizationID: authorization.AuthorizationID,
		ClientID:        authorization.ClientID,
		ServiceName:     authorization.ServiceName,
		GrantType:       string(authorization.GrantType),
		Scope:           authorization.Scope,
		Expires:         authorization.Expires,
		Expired:         authorization.Expired(0),
		HasRefreshToken: authorization.RefreshToken != "",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"service": h.config.ServiceName,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// sendJSONError logs the underlying error and sends a JSON error body
// with a user-facing message.
func (h *Handlers) sendJSONError(w http.ResponseWriter, err error, logMsg, userMsg string, status int) {
	if err != nil {
		h.logger.Error(logMsg, err)
	} else {
		h.logger.Warn(logMsg)
	}

	response := errorResponse{Error: userMsg}
	if appErr, ok := err.(*errors.AppError); ok && appErr.Code != "" {
		response.Code = appErr.Code
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// statusForError maps error types to HTTP status codes.
func statusForError(err error) int {
	switch errors.GetType(err) {
	case errors.ErrTypeOAuthClient, errors.ErrTypeValidation:
		return http.StatusBadRequest
	case errors.ErrTypeIdentityProvider:
		return http.StatusBadGateway
	case errors.ErrTypeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
