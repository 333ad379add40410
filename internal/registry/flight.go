package registry

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"
)

// GetSessionOptions influence how the registry resolves a session request.
// The options are part of the coalescing key, so semantically identical
// requests collapse into one flow regardless of arrival order.
type GetSessionOptions struct {
	// CreateIfNone starts an authorization flow when no matching session
	// exists.
	CreateIfNone bool

	// ForceNewSession always starts a fresh authorization flow, ignoring
	// existing sessions.
	ForceNewSession bool

	// Silent never starts a flow; a missing session resolves to nil.
	Silent bool
}

// flags flattens the option set into sorted name=value pairs.
func (o GetSessionOptions) flags() string {
	pairs := []string{
		fmt.Sprintf("createIfNone=%t", o.CreateIfNone),
		fmt.Sprintf("forceNewSession=%t", o.ForceNewSession),
		fmt.Sprintf("silent=%t", o.Silent),
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// RequestKey builds the deterministic coalescing key for a session request.
// Scopes are sorted before joining and options are flattened sorted by name,
// so requests that differ only in ordering still share a key.
func RequestKey(requester, providerID string, scopes []string, opts GetSessionOptions) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)

	return strings.Join([]string{
		requester,
		providerID,
		strings.Join(sorted, " "),
		opts.flags(),
	}, "\x00")
}

// coalescer deduplicates concurrent session requests sharing a key: at most
// one underlying flow runs per key, and every caller observes that flow's
// result. Entries are dropped when the flight settles, success or failure,
// so a failed attempt does not poison the next one.
type coalescer struct {
	group singleflight.Group
}

func (c *coalescer) do(key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := c.group.Do(key, fn)
	return v, err
}
