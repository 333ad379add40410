package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// CallbackAwaiter resolves the authorization redirect for a flow. Await
// blocks until the redirect carrying the expected state arrives, returning
// the query string in its original percent-encoded form, or until the
// context is cancelled. Abandoned waits must not leak their registration.
type CallbackAwaiter interface {
	RedirectURI() string
	Await(ctx context.Context, state string) (rawQuery string, err error)
}

// DefaultCallbackPort is the default port for the local callback server.
const DefaultCallbackPort = 3000

const callbackSuccessHTML = `<!DOCTYPE html>
<html>
<head><title>Authentication complete</title></head>
<body>
<h1>Authentication complete</h1>
<p>You have been signed in. You can close this window and return to the application.</p>
</body>
</html>`

const callbackErrorHTML = `<!DOCTYPE html>
<html>
<head><title>Authentication failed</title></head>
<body>
<h1>Authentication failed</h1>
<p>The authorization server reported an error. You can close this window and retry from the application.</p>
</body>
</html>`

// Loopback is a temporary local HTTP server that receives OAuth redirects.
// Redirects are routed to waiting flows by their state parameter, so several
// flows can share one server.
type Loopback struct {
	mu       sync.Mutex
	port     int
	server   *http.Server
	listener net.Listener
	waiters  map[string]chan string
	baseURL  string
}

// NewLoopback creates a callback server on the specified port.
// If port is 0, an ephemeral port is chosen at Start.
func NewLoopback(port int) *Loopback {
	return &Loopback{
		port:    port,
		waiters: make(map[string]chan string),
	}
}

// Start binds the listener and begins serving callbacks. The server stops
// when the context is cancelled or Stop is called.
func (l *Loopback) Start(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", l.port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start callback server on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", l.handleCallback)

	l.mu.Lock()
	l.listener = listener
	l.port = listener.Addr().(*net.TCPAddr).Port
	l.baseURL = fmt.Sprintf("http://localhost:%d", l.port)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := l.server
	l.mu.Unlock()

	go func() {
		_ = server.Serve(listener)
	}()

	go func() {
		<-ctx.Done()
		l.Stop()
	}()

	return nil
}

// RedirectURI returns the redirect URI flows register and send to the server.
func (l *Loopback) RedirectURI() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.baseURL == "" {
		// Not started yet; the URI the server will use once bound.
		return fmt.Sprintf("http://localhost:%d/callback", l.port)
	}
	return l.baseURL + "/callback"
}

// Await blocks until the redirect carrying the given state arrives and
// returns its raw query string. The registration is removed when the wait
// settles, whether by delivery or cancellation.
func (l *Loopback) Await(ctx context.Context, state string) (string, error) {
	ch := make(chan string, 1)

	l.mu.Lock()
	l.waiters[state] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.waiters, state)
		l.mu.Unlock()
	}()

	select {
	case rawQuery := <-ch:
		return rawQuery, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *Loopback) handleCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	state := query.Get("state")

	l.mu.Lock()
	ch, ok := l.waiters[state]
	if ok {
		delete(l.waiters, state)
	}
	l.mu.Unlock()

	if !ok {
		http.Error(w, "Unknown or expired authorization state", http.StatusBadRequest)
		return
	}

	// Hand over the query in its raw form; the flow extracts the code from
	// the percent-encoded string itself.
	ch <- r.URL.RawQuery

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if query.Get("error") != "" {
		_, _ = w.Write([]byte(callbackErrorHTML))
		return
	}
	_, _ = w.Write([]byte(callbackSuccessHTML))
}

// Stop gracefully shuts down the callback server.
func (l *Loopback) Stop() {
	l.mu.Lock()
	server := l.server
	listener := l.listener
	l.server = nil
	l.listener = nil
	l.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
	if listener != nil {
		_ = listener.Close()
	}
}

// Port returns the port the server is listening on.
func (l *Loopback) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}
