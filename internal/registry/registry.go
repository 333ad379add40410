// Package registry maps provider ids to authentication providers, fans out
// their session-change events, and coalesces concurrent session requests so
// that one authorization flow serves all identical callers.
package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"authbroker/internal/provider"
	"authbroker/pkg/oauth"
)

// InternalProviderPrefix marks housekeeping providers whose session churn is
// processed internally but suppressed from the external event stream.
const InternalProviderPrefix = "internal-"

// Provider is the capability interface every registered provider satisfies,
// whether supplied externally or created dynamically by the broker.
type Provider interface {
	Sessions(ctx context.Context, scopes []string) ([]oauth.Session, error)
	CreateSession(ctx context.Context, scopes []string) (oauth.Session, error)
	RemoveSession(ctx context.Context, sessionID string) error
	OnSessionsChanged(fn func(provider.SessionChange)) func()
}

// Options carry a provider's capability flags.
type Options struct {
	// SupportsMultipleAccounts indicates the provider can hold sessions for
	// several accounts at once.
	SupportsMultipleAccounts bool

	// SupportedIssuers restricts which issuers the provider serves.
	SupportedIssuers []string
}

// Event is a provider's session change republished by the registry, tagged
// with the provider id.
type Event struct {
	ProviderID string
	Change     provider.SessionChange
}

// NotFoundError is returned when an operation names an unregistered
// provider.
type NotFoundError struct {
	ProviderID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no authentication provider with id %q registered", e.ProviderID)
}

// entry is one registry row. The registry exclusively owns its entries and
// tears them down in reverse-of-acquisition order.
type entry struct {
	id       string
	label    string
	provider Provider
	options  Options
	teardown []func()
}

func (e *entry) dispose() {
	for i := len(e.teardown) - 1; i >= 0; i-- {
		e.teardown[i]()
	}
	e.teardown = nil
}

type listener struct {
	fn     func(Event)
	filter func(Event) bool
}

// Registry holds the registered authentication providers.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	listeners map[int]listener
	nextID    int

	flights coalescer
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries:   make(map[string]*entry),
		listeners: make(map[int]listener),
	}
}

// Register adds a provider under the given id. A duplicate id is a
// programming error and fails loudly. The returned disposer unregisters the
// provider; it is equivalent to calling Unregister(id).
func (r *Registry) Register(id, label string, p Provider, opts Options) (func(), error) {
	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("authentication provider %q is already registered", id)
	}

	ent := &entry{
		id:       id,
		label:    label,
		provider: p,
		options:  opts,
	}
	r.entries[id] = ent
	r.mu.Unlock()

	// Subscribe after the entry is visible so event republishing can find
	// it; the subscription is the first teardown acquired, released last.
	unsubscribe := p.OnSessionsChanged(func(change provider.SessionChange) {
		r.publish(Event{ProviderID: id, Change: change})
	})

	r.mu.Lock()
	ent.teardown = append(ent.teardown, unsubscribe)
	if closer, ok := p.(io.Closer); ok {
		ent.teardown = append(ent.teardown, func() {
			if err := closer.Close(); err != nil {
				slog.Warn("failed to close authentication provider",
					"provider_id", id,
					"error", err.Error(),
				)
			}
		})
	}
	r.mu.Unlock()

	slog.Debug("authentication provider registered", "provider_id", id, "label", label)

	return func() { r.Unregister(id) }, nil
}

// RegisterDynamic registers a broker-created flow engine. When id is empty a
// unique one is generated.
func (r *Registry) RegisterDynamic(id, label string, engine *provider.Engine, opts Options) (string, func(), error) {
	if id == "" {
		id = "dynamic-" + uuid.NewString()
	}

	disposer, err := r.Register(id, label, engine, opts)
	if err != nil {
		return "", nil, err
	}

	return id, disposer, nil
}

// Unregister removes a provider and releases its resources in reverse
// order of acquisition. Unregistering an unknown id is a no-op, so teardown
// is safe even when a provider never finished initializing.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	ent, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	ent.dispose()
	slog.Debug("authentication provider unregistered", "provider_id", id)
}

// Providers returns the ids and labels of all registered providers.
func (r *Registry) Providers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.entries))
	for id, ent := range r.entries {
		out[id] = ent.label
	}
	return out
}

// ProviderOptions returns the capability flags of a provider.
func (r *Registry) ProviderOptions(id string) (Options, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.entries[id]
	if !ok {
		return Options{}, &NotFoundError{ProviderID: id}
	}
	return ent.options, nil
}

// Subscribe registers a session-event listener. Events from providers whose
// id carries InternalProviderPrefix are suppressed from this stream; they
// are still fully processed inside the registry. When providerIDs are given
// the subscription is additionally scoped to those providers.
func (r *Registry) Subscribe(fn func(Event), providerIDs ...string) func() {
	filter := func(ev Event) bool {
		if strings.HasPrefix(ev.ProviderID, InternalProviderPrefix) {
			return false
		}
		if len(providerIDs) == 0 {
			return true
		}
		for _, id := range providerIDs {
			if ev.ProviderID == id {
				return true
			}
		}
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.listeners[id] = listener{fn: fn, filter: filter}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Registry) publish(ev Event) {
	r.mu.Lock()
	listeners := make([]listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		if l.filter(ev) {
			l.fn(ev)
		}
	}
}

func (r *Registry) lookup(id string) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent, ok := r.entries[id]
	if !ok {
		return nil, &NotFoundError{ProviderID: id}
	}
	return ent.provider, nil
}

// GetSession resolves a session for (requester, provider, scopes, options).
// Concurrent requests with the same key share one underlying flow: the
// second caller transparently receives the first caller's result, success
// or failure. Returns nil without error when no session exists and the
// options do not allow creating one.
func (r *Registry) GetSession(ctx context.Context, requester, providerID string, scopes []string, opts GetSessionOptions) (*oauth.Session, error) {
	key := RequestKey(requester, providerID, scopes, opts)

	result, err := r.flights.do(key, func() (interface{}, error) {
		return r.resolveSession(ctx, providerID, scopes, opts)
	})
	if err != nil {
		return nil, err
	}

	session, _ := result.(*oauth.Session)
	return session, nil
}

func (r *Registry) resolveSession(ctx context.Context, providerID string, scopes []string, opts GetSessionOptions) (*oauth.Session, error) {
	p, err := r.lookup(providerID)
	if err != nil {
		return nil, err
	}

	if !opts.ForceNewSession {
		sessions, err := p.Sessions(ctx, scopes)
		if err != nil {
			return nil, err
		}
		if len(sessions) > 0 {
			return &sessions[0], nil
		}
	}

	if opts.Silent || (!opts.CreateIfNone && !opts.ForceNewSession) {
		return nil, nil
	}

	session, err := p.CreateSession(ctx, scopes)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSessions returns a provider's sessions, optionally filtered by scopes.
func (r *Registry) GetSessions(ctx context.Context, providerID string, scopes []string) ([]oauth.Session, error) {
	p, err := r.lookup(providerID)
	if err != nil {
		return nil, err
	}
	return p.Sessions(ctx, scopes)
}

// GetAccounts returns the distinct accounts across a provider's sessions.
func (r *Registry) GetAccounts(ctx context.Context, providerID string) ([]oauth.Account, error) {
	sessions, err := r.GetSessions(ctx, providerID, nil)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(sessions))
	var accounts []oauth.Account
	for _, s := range sessions {
		if seen[s.Account.ID] {
			continue
		}
		seen[s.Account.ID] = true
		accounts = append(accounts, s.Account)
	}

	return accounts, nil
}

// RemoveSession removes a session from the named provider.
func (r *Registry) RemoveSession(ctx context.Context, providerID, sessionID string) error {
	p, err := r.lookup(providerID)
	if err != nil {
		return err
	}
	return p.RemoveSession(ctx, sessionID)
}

// Close unregisters every provider, releasing all resources.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Unregister(id)
	}
}
