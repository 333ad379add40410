// Package token implements the reactive, persisted token store backing one
// provider engine. The store owns the authoritative token set, derives the
// session list from it, publishes changes to a persistence sink, and applies
// externally-pushed replacement snapshots (how another process's writes are
// observed here).
package token

import (
	"io"
	"log/slog"
	"sync"

	"authbroker/pkg/oauth"
)

// Sink is the persistence collaborator for a Store. Implementations persist
// the full token set on Set and push replacement snapshots written by other
// actors through Subscribe callbacks.
//
// Set is best-effort: the store does not await completion and persistence
// failures must not surface to store callers.
type Sink interface {
	Set(tokens []oauth.Token)
	Subscribe(fn func([]oauth.Token)) (unsubscribe func())
}

// Change describes a token set mutation. Removed entries are matched and
// deleted by access token equality before Added entries are upserted.
type Change struct {
	Added   []oauth.Token
	Removed []oauth.Token
}

// Store holds the current token set for one provider+client pair and the
// session list derived from it.
//
// A Store is exclusively owned by the engine it belongs to and must never be
// shared across providers.
type Store struct {
	mu     sync.Mutex
	tokens []oauth.Token

	// sessions caches the derived session list; dirty marks it stale.
	// Recomputation is lazy, on the next Sessions read.
	sessions []oauth.Session
	dirty    bool

	sink        Sink
	unsubscribe func()
	closed      bool
}

// NewStore creates a store with an initial token set and a persistence sink.
// The store subscribes to the sink for external replacement pushes and takes
// ownership of the sink: Close severs the subscription and, when the sink
// implements io.Closer, closes it.
func NewStore(initial []oauth.Token, sink Sink) *Store {
	s := &Store{
		tokens: append([]oauth.Token(nil), initial...),
		dirty:  true,
		sink:   sink,
	}

	if sink != nil {
		s.unsubscribe = sink.Subscribe(s.replace)
	}

	return s
}

// Tokens returns a copy of the current authoritative token set.
func (s *Store) Tokens() []oauth.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]oauth.Token(nil), s.tokens...)
}

// Sessions returns the session list derived from the current token set.
// The derivation is cached and recomputed only after the token set changed,
// and is always consistent with the token set at the time of the read.
func (s *Store) Sessions() []oauth.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty {
		s.sessions = make([]oauth.Session, len(s.tokens))
		for i, t := range s.tokens {
			s.sessions[i] = oauth.SessionFromToken(t)
		}
		s.dirty = false
	}

	return append([]oauth.Session(nil), s.sessions...)
}

// SessionTokens resolves sessions back to their backing tokens by access
// token equality. Sessions without a backing token are skipped.
func (s *Store) SessionTokens(sessions []oauth.Session) []oauth.Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens []oauth.Token
	for _, session := range sessions {
		for _, t := range s.tokens {
			if t.AccessToken == session.AccessToken {
				tokens = append(tokens, t)
				break
			}
		}
	}

	return tokens
}

// FindBySessionID returns the token backing the session with the given id.
func (s *Store) FindBySessionID(sessionID string) (oauth.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens {
		if oauth.SessionID(t.AccessToken) == sessionID {
			return t, true
		}
	}

	return oauth.Token{}, false
}

// Update applies a change to the token set: removals first (matched by
// access token), then additions as upserts (replace in place when an access
// token is already present, append otherwise). The mutation is atomic with
// respect to concurrent readers; they never observe only the removals or
// only the additions.
//
// If the change is non-empty, the resulting full token set is published to
// the persistence sink.
func (s *Store) Update(change Change) {
	if len(change.Added) == 0 && len(change.Removed) == 0 {
		return
	}

	s.mu.Lock()

	next := make([]oauth.Token, 0, len(s.tokens)+len(change.Added))
	for _, t := range s.tokens {
		if !containsAccessToken(change.Removed, t.AccessToken) {
			next = append(next, t)
		}
	}

	for _, added := range change.Added {
		replaced := false
		for i, t := range next {
			if t.AccessToken == added.AccessToken {
				next[i] = added
				replaced = true
				break
			}
		}
		if !replaced {
			next = append(next, added)
		}
	}

	s.tokens = next
	s.dirty = true

	sink := s.sink
	snapshot := append([]oauth.Token(nil), next...)
	s.mu.Unlock()

	if sink != nil {
		sink.Set(snapshot)
	}
}

// replace installs an externally-pushed snapshot as the new token set.
// External pushes always replace wholesale rather than merge; a local Update
// racing with an incoming snapshot loses to it.
func (s *Store) replace(tokens []oauth.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	slog.Debug("token store replaced by external snapshot",
		"previous_count", len(s.tokens),
		"new_count", len(tokens),
	)

	s.tokens = append([]oauth.Token(nil), tokens...)
	s.dirty = true
}

// Close severs the sink subscription and closes the sink when it implements
// io.Closer. Pending sink writes are not guaranteed to complete. Safe to
// call multiple times.
func (s *Store) Close() {
	s.mu.Lock()
	alreadyClosed := s.closed
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.closed = true
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if !alreadyClosed {
		if closer, ok := s.sink.(io.Closer); ok {
			closer.Close()
		}
	}
}

func containsAccessToken(tokens []oauth.Token, accessToken string) bool {
	for _, t := range tokens {
		if t.AccessToken == accessToken {
			return true
		}
	}
	return false
}
