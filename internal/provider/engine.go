package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"authbroker/internal/token"
	"authbroker/pkg/oauth"
)

// DefaultHTTPTimeout is the default timeout for HTTP requests.
const DefaultHTTPTimeout = 30 * time.Second

// DefaultCallbackTimeout bounds how long a flow waits for the user to
// complete authorization in the browser. There is no technical upper bound
// on user response time, so the wait must be bounded explicitly.
const DefaultCallbackTimeout = 5 * time.Minute

var (
	// ErrNoRegistrationEndpoint is returned when no client id was supplied
	// and the server does not support dynamic client registration.
	ErrNoRegistrationEndpoint = errors.New("no client_id supplied and server advertises no registration endpoint")

	// ErrNoTokenEndpoint is returned when a token exchange is attempted
	// against a server with no token endpoint.
	ErrNoTokenEndpoint = errors.New("server metadata has no token endpoint")

	// ErrNoAuthorizationEndpoint is returned when an authorization flow is
	// attempted against a server with no authorization endpoint.
	ErrNoAuthorizationEndpoint = errors.New("server metadata has no authorization endpoint")

	// ErrNoAuthorizationCode is returned when the callback arrives without a
	// code parameter.
	ErrNoAuthorizationCode = errors.New("no authorization code received")
)

// FlowState tracks where an authorization flow currently is.
type FlowState int

const (
	// FlowIdle means no flow is running.
	FlowIdle FlowState = iota

	// FlowAwaitingUserAuthorization means the browser has been opened and
	// the flow is waiting for the redirect.
	FlowAwaitingUserAuthorization

	// FlowExchangingCode means the authorization code is being exchanged
	// for tokens.
	FlowExchangingCode

	// FlowIssued means the last flow completed and issued a session.
	FlowIssued

	// FlowFailed means the last flow failed.
	FlowFailed
)

// String returns the string representation of the flow state.
func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowAwaitingUserAuthorization:
		return "awaiting_user_authorization"
	case FlowExchangingCode:
		return "exchanging_code"
	case FlowIssued:
		return "issued"
	case FlowFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionChange describes a change to an engine's session set. A refreshed
// session appears in both Added (its replacement) and Removed (its stale
// predecessor) within the same event, never across two events.
type SessionChange struct {
	Added   []oauth.Session
	Removed []oauth.Session
}

// Config configures a flow engine.
type Config struct {
	// Metadata is the authorization server description. Immutable once the
	// engine is constructed.
	Metadata oauth.ServerMetadata

	// ClientID is the pre-registered client id. When empty, the engine
	// performs dynamic client registration at construction time.
	ClientID string

	// Store holds this engine's tokens. Required. The engine takes
	// ownership and closes it on Close.
	Store *token.Store

	// Opener hands authorization URLs to the browser. Required for
	// CreateSession.
	Opener URLOpener

	// Callback resolves authorization redirects. Required for CreateSession
	// and, when ClientID is empty, for registration (its redirect URI is
	// what gets registered).
	Callback CallbackAwaiter

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// CallbackTimeout bounds the wait for the user to authorize.
	// Defaults to DefaultCallbackTimeout.
	CallbackTimeout time.Duration
}

// Engine drives the Authorization Code + PKCE flow for one authorization
// server and maintains the sessions derived from its token store.
type Engine struct {
	metadata oauth.ServerMetadata
	client   oauth.ClientRegistration

	store           *token.Store
	opener          URLOpener
	callback        CallbackAwaiter
	httpClient      *http.Client
	callbackTimeout time.Duration

	mu        sync.Mutex
	flowState FlowState
	listeners map[int]func(SessionChange)
	nextID    int
	closed    bool
}

// New constructs a flow engine. If cfg.ClientID is empty and the server
// advertises a registration endpoint, the client is registered dynamically;
// the resulting registration is available via ClientRegistration so callers
// can persist it and skip registration next time. Without either a client id
// or a registration endpoint, construction fails.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("token store is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	callbackTimeout := cfg.CallbackTimeout
	if callbackTimeout == 0 {
		callbackTimeout = DefaultCallbackTimeout
	}

	clientID := cfg.ClientID
	if clientID == "" {
		if cfg.Metadata.RegistrationEndpoint == "" {
			return nil, ErrNoRegistrationEndpoint
		}
		if cfg.Callback == nil {
			return nil, errors.New("callback collaborator is required for dynamic registration")
		}

		registered, err := registerClient(ctx, httpClient, cfg.Metadata.RegistrationEndpoint, cfg.Callback.RedirectURI())
		if err != nil {
			return nil, fmt.Errorf("dynamic client registration failed: %w", err)
		}
		clientID = registered

		slog.Info("registered OAuth client dynamically",
			"issuer", cfg.Metadata.Issuer,
		)
	}

	return &Engine{
		metadata:        cfg.Metadata,
		client:          oauth.ClientRegistration{ClientID: clientID},
		store:           cfg.Store,
		opener:          cfg.Opener,
		callback:        cfg.Callback,
		httpClient:      httpClient,
		callbackTimeout: callbackTimeout,
		listeners:       make(map[int]func(SessionChange)),
	}, nil
}

// Metadata returns the server metadata this engine was constructed with.
func (e *Engine) Metadata() oauth.ServerMetadata {
	return e.metadata
}

// ClientRegistration returns the client identity in use, whether supplied or
// obtained via dynamic registration.
func (e *Engine) ClientRegistration() oauth.ClientRegistration {
	return e.client
}

// FlowState returns the state of the most recent authorization flow.
func (e *Engine) FlowState() FlowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flowState
}

// OnSessionsChanged registers a session-change listener and returns its
// unsubscribe function.
func (e *Engine) OnSessionsChanged(fn func(SessionChange)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.listeners[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// CreateSession runs one Authorization Code + PKCE flow for the given scopes
// and returns the issued session. A fresh PKCE pair and state value are
// generated per attempt, so a failed call can simply be retried.
func (e *Engine) CreateSession(ctx context.Context, scopes []string) (oauth.Session, error) {
	if e.metadata.AuthorizationEndpoint == "" {
		return oauth.Session{}, ErrNoAuthorizationEndpoint
	}
	if e.metadata.TokenEndpoint == "" {
		return oauth.Session{}, ErrNoTokenEndpoint
	}
	if e.opener == nil || e.callback == nil {
		return oauth.Session{}, errors.New("browser opener and callback collaborators are required")
	}

	pkce, err := oauth.GeneratePKCE()
	if err != nil {
		return oauth.Session{}, e.failFlow(fmt.Errorf("failed to generate PKCE: %w", err))
	}

	state, err := oauth.GenerateState()
	if err != nil {
		return oauth.Session{}, e.failFlow(fmt.Errorf("failed to generate state: %w", err))
	}

	redirectURI := e.callback.RedirectURI()
	authURL, err := e.buildAuthorizationURL(scopes, state, redirectURI, pkce)
	if err != nil {
		return oauth.Session{}, e.failFlow(fmt.Errorf("failed to build authorization URL: %w", err))
	}

	e.setFlowState(FlowAwaitingUserAuthorization)

	if err := e.opener.OpenURL(ctx, authURL); err != nil {
		return oauth.Session{}, e.failFlow(fmt.Errorf("failed to open authorization URL: %w", err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.callbackTimeout)
	defer cancel()

	rawQuery, err := e.callback.Await(waitCtx, state)
	if err != nil {
		return oauth.Session{}, e.failFlow(fmt.Errorf("authorization callback failed: %w", err))
	}

	// The code is pulled out of the still-percent-encoded query: codes may
	// contain characters a form decoder would unescape incorrectly.
	code, ok := oauth.ExtractAuthorizationCode(rawQuery)
	if !ok {
		return oauth.Session{}, e.failFlow(ErrNoAuthorizationCode)
	}

	e.setFlowState(FlowExchangingCode)

	tok, err := e.exchangeCode(ctx, code, redirectURI, pkce.CodeVerifier)
	if err != nil {
		return oauth.Session{}, e.failFlow(fmt.Errorf("token exchange failed: %w", err))
	}

	// Servers may omit the granted scope; fall back to what was requested.
	if tok.Scope == "" {
		tok.Scope = strings.Join(scopes, " ")
	}

	e.store.Update(token.Change{Added: []oauth.Token{tok}})
	session := oauth.SessionFromToken(tok)

	e.setFlowState(FlowIssued)
	e.emit(SessionChange{Added: []oauth.Session{session}})

	slog.Info("authorization flow completed",
		"issuer", e.metadata.Issuer,
		"session_id", session.ID,
		"account", session.Account.Label,
	)

	return session, nil
}

// Sessions returns the engine's current sessions, filtered by scope set when
// a filter is given. Matching is exact space-joined equality in request
// order. Tokens within the refresh window are renewed first when a refresh
// token is available; a failed renewal is logged and the stale session is
// returned as-is.
func (e *Engine) Sessions(ctx context.Context, scopes []string) ([]oauth.Session, error) {
	sessions := e.store.Sessions()

	if scopes != nil {
		wanted := strings.Join(scopes, " ")
		matched := sessions[:0:0]
		for _, s := range sessions {
			if strings.Join(s.Scopes, " ") == wanted {
				matched = append(matched, s)
			}
		}
		sessions = matched
	}

	return e.refreshExpiring(ctx, sessions), nil
}

// refreshExpiring applies the refresh-ahead policy to the given sessions and
// returns the list with refreshed replacements substituted in place. All
// successful renewals are applied as one store update and one change event,
// so observers never see a session vanish without its replacement.
func (e *Engine) refreshExpiring(ctx context.Context, sessions []oauth.Session) []oauth.Session {
	now := time.Now()

	var (
		added           []oauth.Token
		removed         []oauth.Token
		addedSessions   []oauth.Session
		removedSessions []oauth.Session
		replacements    = make(map[string]oauth.Session)
	)

	for _, backing := range e.store.SessionTokens(sessions) {
		if !backing.NeedsRefresh(now) {
			continue
		}
		if backing.RefreshToken == "" {
			continue
		}

		refreshed, err := e.refreshToken(ctx, backing)
		if err != nil {
			// Soft failure: the stale session stays in the result rather
			// than failing the whole read.
			slog.Warn("token refresh failed, returning stale session",
				"issuer", e.metadata.Issuer,
				"session_id", oauth.SessionID(backing.AccessToken),
				"error", err.Error(),
			)
			continue
		}

		if refreshed.Scope == "" {
			refreshed.Scope = backing.Scope
		}

		added = append(added, refreshed)
		removed = append(removed, backing)
		addedSessions = append(addedSessions, oauth.SessionFromToken(refreshed))
		removedSessions = append(removedSessions, oauth.SessionFromToken(backing))
		replacements[oauth.SessionID(backing.AccessToken)] = oauth.SessionFromToken(refreshed)
	}

	if len(added) == 0 {
		return sessions
	}

	e.store.Update(token.Change{Added: added, Removed: removed})
	e.emit(SessionChange{Added: addedSessions, Removed: removedSessions})

	result := make([]oauth.Session, len(sessions))
	for i, s := range sessions {
		if replacement, ok := replacements[s.ID]; ok {
			result[i] = replacement
			continue
		}
		result[i] = s
	}

	return result
}

// RemoveSession removes the session with the given id. Removing an unknown
// session is an idempotent no-op, modeling "already removed".
func (e *Engine) RemoveSession(ctx context.Context, sessionID string) error {
	backing, ok := e.store.FindBySessionID(sessionID)
	if !ok {
		slog.Debug("session to remove not found, treating as already removed",
			"issuer", e.metadata.Issuer,
			"session_id", sessionID,
		)
		return nil
	}

	session := oauth.SessionFromToken(backing)
	e.store.Update(token.Change{Removed: []oauth.Token{backing}})
	e.emit(SessionChange{Removed: []oauth.Session{session}})

	return nil
}

// Close releases the engine's listeners and closes its token store.
// Safe to call multiple times.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.listeners = make(map[int]func(SessionChange))
	e.mu.Unlock()

	e.store.Close()
	return nil
}

func (e *Engine) setFlowState(state FlowState) {
	e.mu.Lock()
	e.flowState = state
	e.mu.Unlock()
}

// failFlow marks the flow failed and passes the error through.
func (e *Engine) failFlow(err error) error {
	e.setFlowState(FlowFailed)
	return err
}

func (e *Engine) emit(change SessionChange) {
	e.mu.Lock()
	listeners := make([]func(SessionChange), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}

// buildAuthorizationURL constructs the browser-navigated authorization URL.
func (e *Engine) buildAuthorizationURL(scopes []string, state, redirectURI string, pkce *oauth.PKCEChallenge) (string, error) {
	authURL, err := url.Parse(e.metadata.AuthorizationEndpoint)
	if err != nil {
		return "", err
	}

	params := url.Values{
		"client_id":             {e.client.ClientID},
		"response_type":         {"code"},
		"scope":                 {strings.Join(scopes, " ")},
		"state":                 {state},
		"code_challenge":        {pkce.CodeChallenge},
		"code_challenge_method": {pkce.CodeChallengeMethod},
		"redirect_uri":          {redirectURI},
	}

	authURL.RawQuery = params.Encode()
	return authURL.String(), nil
}

// exchangeCode exchanges an authorization code for tokens.
func (e *Engine) exchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (oauth.Token, error) {
	return e.tokenRequest(ctx, url.Values{
		"client_id":     {e.client.ClientID},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {codeVerifier},
	})
}

// refreshToken exchanges a refresh token for a new token set.
func (e *Engine) refreshToken(ctx context.Context, stale oauth.Token) (oauth.Token, error) {
	if e.metadata.TokenEndpoint == "" {
		return oauth.Token{}, ErrNoTokenEndpoint
	}

	return e.tokenRequest(ctx, url.Values{
		"client_id":     {e.client.ClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {stale.RefreshToken},
	})
}

// tokenRequest POSTs to the token endpoint and parses the token response.
// The returned token is stamped with the local receipt time.
func (e *Engine) tokenRequest(ctx context.Context, form url.Values) (oauth.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.metadata.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return oauth.Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return oauth.Token{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return oauth.Token{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return oauth.Token{}, fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		IDToken      string `json:"id_token"`
		Scope        string `json:"scope"`
		ExpiresIn    int    `json:"expires_in"`
	}

	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return oauth.Token{}, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokenResp.AccessToken == "" {
		return oauth.Token{}, errors.New("token response contains no access_token")
	}

	return oauth.Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		IDToken:      tokenResp.IDToken,
		Scope:        tokenResp.Scope,
		ExpiresIn:    tokenResp.ExpiresIn,
		CreatedAt:    time.Now(),
	}, nil
}
