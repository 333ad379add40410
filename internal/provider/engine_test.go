package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"authbroker/internal/persist"
	"authbroker/internal/token"
	"authbroker/pkg/oauth"
)

// fakeOpener records the authorization URL instead of opening a browser.
type fakeOpener struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (o *fakeOpener) OpenURL(_ context.Context, u string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.urls = append(o.urls, u)
	return nil
}

func (o *fakeOpener) lastURL(t *testing.T) *url.URL {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.urls) == 0 {
		t.Fatal("No authorization URL was opened")
	}
	parsed, err := url.Parse(o.urls[len(o.urls)-1])
	if err != nil {
		t.Fatalf("Failed to parse authorization URL: %v", err)
	}
	return parsed
}

// fakeAwaiter resolves the callback immediately with a query built from the
// expected state.
type fakeAwaiter struct {
	queryFor func(state string) string
	err      error
}

func (a *fakeAwaiter) RedirectURI() string {
	return "http://localhost:3000/callback"
}

func (a *fakeAwaiter) Await(_ context.Context, state string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return a.queryFor(state), nil
}

// tokenEndpoint runs a fake token endpoint returning the given response and
// recording request forms.
type tokenEndpoint struct {
	mu       sync.Mutex
	status   int
	response map[string]interface{}
	requests []url.Values
}

func (te *tokenEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		te.mu.Lock()
		te.requests = append(te.requests, r.PostForm)
		status := te.status
		response := te.response
		te.mu.Unlock()

		if status != 0 && status != http.StatusOK {
			http.Error(w, "token endpoint failure", status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}
}

func (te *tokenEndpoint) requestCount() int {
	te.mu.Lock()
	defer te.mu.Unlock()
	return len(te.requests)
}

func (te *tokenEndpoint) lastRequest(t *testing.T) url.Values {
	t.Helper()
	te.mu.Lock()
	defer te.mu.Unlock()
	if len(te.requests) == 0 {
		t.Fatal("No token endpoint request was made")
	}
	return te.requests[len(te.requests)-1]
}

func newTestEngine(t *testing.T, te *tokenEndpoint, initial []oauth.Token) (*Engine, *fakeOpener) {
	t.Helper()

	server := httptest.NewServer(te.handler())
	t.Cleanup(server.Close)

	opener := &fakeOpener{}
	engine, err := New(context.Background(), Config{
		Metadata: oauth.ServerMetadata{
			Issuer:                "https://idp.example",
			AuthorizationEndpoint: "https://idp.example/authorize",
			TokenEndpoint:         server.URL,
		},
		ClientID: "abc",
		Store:    token.NewStore(initial, persist.NewMemory()),
		Opener:   opener,
		Callback: &fakeAwaiter{queryFor: func(state string) string {
			return "code=xyz&state=" + state
		}},
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	return engine, opener
}

func TestCreateSession_HappyPath(t *testing.T) {
	te := &tokenEndpoint{response: map[string]interface{}{
		"access_token": "T1",
		"expires_in":   3600,
	}}
	engine, opener := newTestEngine(t, te, nil)

	var events []SessionChange
	engine.OnSessionsChanged(func(c SessionChange) {
		events = append(events, c)
	})

	session, err := engine.CreateSession(context.Background(), []string{"read"})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if session.AccessToken != "T1" {
		t.Errorf("Expected access token T1, got %q", session.AccessToken)
	}
	// Server omitted the scope; the requested scope applies.
	if len(session.Scopes) != 1 || session.Scopes[0] != "read" {
		t.Errorf("Expected scopes [read], got %v", session.Scopes)
	}

	if len(events) != 1 {
		t.Fatalf("Expected 1 sessions-changed event, got %d", len(events))
	}
	if len(events[0].Added) != 1 || events[0].Added[0].ID != session.ID {
		t.Errorf("Expected added=[session], got %+v", events[0])
	}

	if state := engine.FlowState(); state != FlowIssued {
		t.Errorf("Expected flow state issued, got %s", state)
	}

	// The exchange must carry the PKCE verifier matching the challenge in
	// the authorization URL, plus code and redirect_uri.
	form := te.lastRequest(t)
	if form.Get("grant_type") != "authorization_code" {
		t.Errorf("Unexpected grant_type %q", form.Get("grant_type"))
	}
	if form.Get("code") != "xyz" {
		t.Errorf("Unexpected code %q", form.Get("code"))
	}
	if form.Get("client_id") != "abc" {
		t.Errorf("Unexpected client_id %q", form.Get("client_id"))
	}
	if form.Get("code_verifier") == "" {
		t.Error("Expected code_verifier in exchange request")
	}

	authURL := opener.lastURL(t)
	params := authURL.Query()
	if params.Get("response_type") != "code" {
		t.Errorf("Unexpected response_type %q", params.Get("response_type"))
	}
	if params.Get("code_challenge_method") != "S256" {
		t.Errorf("Unexpected challenge method %q", params.Get("code_challenge_method"))
	}
	if params.Get("code_challenge") == "" || params.Get("state") == "" {
		t.Error("Expected code_challenge and state in authorization URL")
	}
	if params.Get("scope") != "read" {
		t.Errorf("Unexpected scope %q", params.Get("scope"))
	}
}

func TestCreateSession_FreshPKCEPerAttempt(t *testing.T) {
	te := &tokenEndpoint{response: map[string]interface{}{"access_token": "T1"}}
	engine, opener := newTestEngine(t, te, nil)

	if _, err := engine.CreateSession(context.Background(), []string{"read"}); err != nil {
		t.Fatalf("First CreateSession failed: %v", err)
	}
	first := opener.lastURL(t).Query().Get("code_challenge")

	if _, err := engine.CreateSession(context.Background(), []string{"read"}); err != nil {
		t.Fatalf("Second CreateSession failed: %v", err)
	}
	second := opener.lastURL(t).Query().Get("code_challenge")

	if first == second {
		t.Error("Expected a fresh PKCE challenge per attempt")
	}
}

func TestCreateSession_MissingCode(t *testing.T) {
	te := &tokenEndpoint{response: map[string]interface{}{"access_token": "T1"}}

	server := httptest.NewServer(te.handler())
	t.Cleanup(server.Close)

	store := token.NewStore(nil, persist.NewMemory())
	engine, err := New(context.Background(), Config{
		Metadata: oauth.ServerMetadata{
			Issuer:                "https://idp.example",
			AuthorizationEndpoint: "https://idp.example/authorize",
			TokenEndpoint:         server.URL,
		},
		ClientID: "abc",
		Store:    store,
		Opener:   &fakeOpener{},
		Callback: &fakeAwaiter{queryFor: func(state string) string {
			return "state=" + state + "&error=access_denied"
		}},
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Close()

	eventCount := 0
	engine.OnSessionsChanged(func(SessionChange) { eventCount++ })

	_, err = engine.CreateSession(context.Background(), []string{"read"})
	if !errors.Is(err, ErrNoAuthorizationCode) {
		t.Fatalf("Expected ErrNoAuthorizationCode, got %v", err)
	}
	if !strings.Contains(err.Error(), "no authorization code received") {
		t.Errorf("Error must name the missing code, got %q", err.Error())
	}

	if len(store.Tokens()) != 0 {
		t.Error("Store must not be mutated on a failed flow")
	}
	if eventCount != 0 {
		t.Error("No event must fire on a failed flow")
	}
	if te.requestCount() != 0 {
		t.Error("No token exchange must happen without a code")
	}
	if state := engine.FlowState(); state != FlowFailed {
		t.Errorf("Expected flow state failed, got %s", state)
	}
}

func TestCreateSession_PercentEncodedCodePreserved(t *testing.T) {
	te := &tokenEndpoint{response: map[string]interface{}{"access_token": "T1"}}

	server := httptest.NewServer(te.handler())
	t.Cleanup(server.Close)

	engine, err := New(context.Background(), Config{
		Metadata: oauth.ServerMetadata{
			Issuer:                "https://idp.example",
			AuthorizationEndpoint: "https://idp.example/authorize",
			TokenEndpoint:         server.URL,
		},
		ClientID: "abc",
		Store:    token.NewStore(nil, persist.NewMemory()),
		Opener:   &fakeOpener{},
		Callback: &fakeAwaiter{queryFor: func(state string) string {
			return "code=a%2Fb%2Bc&state=" + state
		}},
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Close()

	if _, err := engine.CreateSession(context.Background(), []string{"read"}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// The code reaches the exchange in its original encoded form. It is
	// form-encoded exactly once on the way out, so the endpoint decodes it
	// back to the raw value.
	if got := te.lastRequest(t).Get("code"); got != "a%2Fb%2Bc" {
		t.Errorf("Expected percent-encoded code preserved, got %q", got)
	}
}

func TestCreateSession_ExchangeFailure(t *testing.T) {
	te := &tokenEndpoint{status: http.StatusBadRequest}
	engine, _ := newTestEngine(t, te, nil)

	_, err := engine.CreateSession(context.Background(), []string{"read"})
	if err == nil {
		t.Fatal("Expected exchange failure")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("Error must carry the response status, got %q", err.Error())
	}
}

func TestCreateSession_CallbackCancelled(t *testing.T) {
	te := &tokenEndpoint{response: map[string]interface{}{"access_token": "T1"}}

	server := httptest.NewServer(te.handler())
	t.Cleanup(server.Close)

	engine, err := New(context.Background(), Config{
		Metadata: oauth.ServerMetadata{
			Issuer:                "https://idp.example",
			AuthorizationEndpoint: "https://idp.example/authorize",
			TokenEndpoint:         server.URL,
		},
		ClientID: "abc",
		Store:    token.NewStore(nil, persist.NewMemory()),
		Opener:   &fakeOpener{},
		Callback: &fakeAwaiter{err: context.Canceled},
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Close()

	if _, err := engine.CreateSession(context.Background(), []string{"read"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestSessions_ScopeFilter(t *testing.T) {
	te := &tokenEndpoint{response: map[string]interface{}{"access_token": "unused"}}
	engine, _ := newTestEngine(t, te, []oauth.Token{
		{AccessToken: "T1", Scope: "read"},
		{AccessToken: "T2", Scope: "read write"},
	})

	all, err := engine.Sessions(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("Expected all 2 sessions without filter, got %d", len(all))
	}

	matched, err := engine.Sessions(context.Background(), []string{"read", "write"})
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(matched) != 1 || matched[0].AccessToken != "T2" {
		t.Fatalf("Expected exact scope match on T2, got %v", matched)
	}

	// Matching is order-sensitive string equality over the joined scopes.
	reordered, err := engine.Sessions(context.Background(), []string{"write", "read"})
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(reordered) != 0 {
		t.Errorf("Expected no match for reordered scopes, got %v", reordered)
	}
}

func TestSessions_RefreshAheadBoundary(t *testing.T) {
	now := time.Now()
	te := &tokenEndpoint{response: map[string]interface{}{
		"access_token":  "T-new",
		"refresh_token": "R-new",
		"expires_in":    600,
	}}

	// 301 seconds of life left: outside the 5-minute window, no refresh.
	engine, _ := newTestEngine(t, te, []oauth.Token{{
		AccessToken:  "T-fresh",
		RefreshToken: "R1",
		Scope:        "read",
		ExpiresIn:    600,
		CreatedAt:    now.Add(-299 * time.Second),
	}})

	sessions, err := engine.Sessions(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if te.requestCount() != 0 {
		t.Fatal("Token outside the refresh window must not be refreshed")
	}
	if len(sessions) != 1 || sessions[0].AccessToken != "T-fresh" {
		t.Fatalf("Unexpected sessions: %v", sessions)
	}

	// 299 seconds of life left: inside the window, refreshed.
	engine2, _ := newTestEngine(t, te, []oauth.Token{{
		AccessToken:  "T-old",
		RefreshToken: "R1",
		Scope:        "read",
		ExpiresIn:    600,
		CreatedAt:    now.Add(-301 * time.Second),
	}})

	var events []SessionChange
	engine2.OnSessionsChanged(func(c SessionChange) { events = append(events, c) })

	sessions, err = engine2.Sessions(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if te.requestCount() != 1 {
		t.Fatalf("Expected exactly one refresh request, got %d", te.requestCount())
	}
	if got := te.lastRequest(t).Get("grant_type"); got != "refresh_token" {
		t.Errorf("Expected refresh_token grant, got %q", got)
	}
	if len(sessions) != 1 || sessions[0].AccessToken != "T-new" {
		t.Fatalf("Expected refreshed session in the result, got %v", sessions)
	}

	// One batched event carrying both the replacement and the removal.
	if len(events) != 1 {
		t.Fatalf("Expected one batched event, got %d", len(events))
	}
	if len(events[0].Added) != 1 || events[0].Added[0].AccessToken != "T-new" {
		t.Errorf("Expected added=[new session], got %+v", events[0].Added)
	}
	if len(events[0].Removed) != 1 || events[0].Removed[0].AccessToken != "T-old" {
		t.Errorf("Expected removed=[old session], got %+v", events[0].Removed)
	}
}

func TestSessions_RefreshFailureIsSoft(t *testing.T) {
	te := &tokenEndpoint{status: http.StatusInternalServerError}
	engine, _ := newTestEngine(t, te, []oauth.Token{{
		AccessToken:  "T-stale",
		RefreshToken: "R1",
		Scope:        "read",
		ExpiresIn:    600,
		CreatedAt:    time.Now().Add(-10 * time.Minute),
	}})

	sessions, err := engine.Sessions(context.Background(), nil)
	if err != nil {
		t.Fatalf("Refresh failure must not fail the read: %v", err)
	}
	if len(sessions) != 1 || sessions[0].AccessToken != "T-stale" {
		t.Fatalf("Expected the stale session to still be returned, got %v", sessions)
	}
}

func TestSessions_NoRefreshWithoutRefreshToken(t *testing.T) {
	te := &tokenEndpoint{response: map[string]interface{}{"access_token": "unused"}}
	engine, _ := newTestEngine(t, te, []oauth.Token{{
		AccessToken: "T-expiring",
		Scope:       "read",
		ExpiresIn:   600,
		CreatedAt:   time.Now().Add(-10 * time.Minute),
	}})

	sessions, err := engine.Sessions(context.Background(), nil)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if te.requestCount() != 0 {
		t.Error("A token without a refresh token must not trigger a refresh")
	}
	if len(sessions) != 1 {
		t.Fatalf("Expected the expiring session returned as-is, got %v", sessions)
	}
}

func TestRemoveSession_Unknown(t *testing.T) {
	te := &tokenEndpoint{response: map[string]interface{}{"access_token": "unused"}}
	engine, _ := newTestEngine(t, te, []oauth.Token{{AccessToken: "T1"}})

	eventCount := 0
	engine.OnSessionsChanged(func(SessionChange) { eventCount++ })

	if err := engine.RemoveSession(context.Background(), "nonexistent"); err != nil {
		t.Fatalf("Removing an unknown session must be a no-op, got %v", err)
	}
	if eventCount != 0 {
		t.Error("No event must fire for an unknown session")
	}
	if len(engine.store.Tokens()) != 1 {
		t.Error("Store must be untouched")
	}
}

func TestRemoveSession_Existing(t *testing.T) {
	te := &tokenEndpoint{response: map[string]interface{}{"access_token": "unused"}}
	engine, _ := newTestEngine(t, te, []oauth.Token{{AccessToken: "T1"}})

	var events []SessionChange
	engine.OnSessionsChanged(func(c SessionChange) { events = append(events, c) })

	if err := engine.RemoveSession(context.Background(), oauth.SessionID("T1")); err != nil {
		t.Fatalf("RemoveSession failed: %v", err)
	}

	if len(engine.store.Tokens()) != 0 {
		t.Error("Expected empty store after removal")
	}
	if len(events) != 1 || len(events[0].Removed) != 1 {
		t.Fatalf("Expected one removed-session event, got %+v", events)
	}
	if events[0].Removed[0].AccessToken != "T1" {
		t.Errorf("Unexpected removed session: %+v", events[0].Removed[0])
	}
}

func TestNew_DynamicRegistration(t *testing.T) {
	registrar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.RedirectURIs) != 1 {
			http.Error(w, "missing redirect_uris", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"client_id": "issued-client"})
	}))
	t.Cleanup(registrar.Close)

	engine, err := New(context.Background(), Config{
		Metadata: oauth.ServerMetadata{
			Issuer:               "https://idp.example",
			RegistrationEndpoint: registrar.URL,
		},
		Store:    token.NewStore(nil, persist.NewMemory()),
		Callback: &fakeAwaiter{},
	})
	if err != nil {
		t.Fatalf("Expected dynamic registration to succeed: %v", err)
	}
	defer engine.Close()

	if got := engine.ClientRegistration().ClientID; got != "issued-client" {
		t.Errorf("Expected issued client id, got %q", got)
	}
}

func TestNew_NoClientIDNoRegistrationEndpoint(t *testing.T) {
	store := token.NewStore(nil, persist.NewMemory())
	defer store.Close()

	_, err := New(context.Background(), Config{
		Metadata: oauth.ServerMetadata{Issuer: "https://idp.example"},
		Store:    store,
		Callback: &fakeAwaiter{},
	})
	if !errors.Is(err, ErrNoRegistrationEndpoint) {
		t.Fatalf("Expected ErrNoRegistrationEndpoint, got %v", err)
	}
}

func TestNew_RegistrationServerError(t *testing.T) {
	registrar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "registration disabled", http.StatusForbidden)
	}))
	t.Cleanup(registrar.Close)

	store := token.NewStore(nil, persist.NewMemory())
	defer store.Close()

	_, err := New(context.Background(), Config{
		Metadata: oauth.ServerMetadata{
			Issuer:               "https://idp.example",
			RegistrationEndpoint: registrar.URL,
		},
		Store:    store,
		Callback: &fakeAwaiter{},
	})
	if err == nil {
		t.Fatal("Expected registration failure")
	}
	if !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "registration disabled") {
		t.Errorf("Error must carry status and body, got %q", err.Error())
	}
}

func TestEngine_CloseIdempotent(t *testing.T) {
	te := &tokenEndpoint{response: map[string]interface{}{"access_token": "unused"}}
	engine, _ := newTestEngine(t, te, nil)

	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Second Close failed: %v", err)
	}
}

// Housekeeping check: a listener unsubscribed mid-lifecycle stops receiving.
func TestEngine_UnsubscribeListener(t *testing.T) {
	te := &tokenEndpoint{response: map[string]interface{}{"access_token": "T1"}}
	engine, _ := newTestEngine(t, te, nil)

	calls := 0
	unsubscribe := engine.OnSessionsChanged(func(SessionChange) { calls++ })
	unsubscribe()

	if _, err := engine.CreateSession(context.Background(), []string{"read"}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if calls != 0 {
		t.Errorf("Unsubscribed listener received %d events", calls)
	}
}
