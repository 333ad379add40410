package persist

import (
	"sync"

	"authbroker/pkg/oauth"
)

// Memory is an in-memory persistence sink. It holds the last written token
// set and lets embedding hosts push replacement snapshots to subscribers.
type Memory struct {
	mu        sync.Mutex
	tokens    []oauth.Token
	listeners map[int]func([]oauth.Token)
	nextID    int
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{listeners: make(map[int]func([]oauth.Token))}
}

// Set records the token set. Memory writes cannot fail.
func (m *Memory) Set(tokens []oauth.Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append([]oauth.Token(nil), tokens...)
}

// Subscribe registers a replacement-snapshot listener.
func (m *Memory) Subscribe(fn func([]oauth.Token)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Push delivers an external replacement snapshot to all subscribers, as if
// another actor had rewritten the persisted token set.
func (m *Memory) Push(tokens []oauth.Token) {
	m.mu.Lock()
	m.tokens = append([]oauth.Token(nil), tokens...)
	listeners := make([]func([]oauth.Token), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(append([]oauth.Token(nil), tokens...))
	}
}

// Tokens returns the last written token set.
func (m *Memory) Tokens() []oauth.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]oauth.Token(nil), m.tokens...)
}
