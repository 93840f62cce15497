package backend

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// OpenFunc constructs a Backend from a parsed ticket URL. Each
// concrete backend package registers itself under the scheme(s) it
// handles via Register, avoiding an import cycle between this package
// (which ticketstore depends on) and the backend implementations
// (which depend on this package for the Backend interface).
type OpenFunc func(ctx context.Context, rawURL string) (Backend, error)

var openers = map[string]OpenFunc{}

// Register associates scheme (e.g. "file", "nbd", "https") with an
// OpenFunc. Called from each backend implementation's init().
func Register(scheme string, fn OpenFunc) {
	openers[scheme] = fn
}

// Open dispatches rawURL (a ticket's "url" field, spec §3/§6) to the
// registered backend for its scheme.
func Open(ctx context.Context, rawURL string) (Backend, error) {
	scheme, _, ok := strings.Cut(rawURL, ":")
	if !ok {
		return nil, fmt.Errorf("backend: %q has no URL scheme", rawURL)
	}

	fn, ok := openers[scheme]
	if !ok {
		return nil, fmt.Errorf("backend: no backend registered for scheme %q", scheme)
	}
	return fn(ctx, rawURL)
}

// ParseFileURL extracts the filesystem path from a "file://" ticket
// URL.
func ParseFileURL(rawURL string) (path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("backend: %q is not a file:// URL", rawURL)
	}
	return u.Path, nil
}
