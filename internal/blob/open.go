package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var ErrUnknownScheme = errors.New("unknown blob store scheme")

// Opener creates a Store from its address.
type Opener func(context.Context, *url.URL) (Store, error)

var openers = map[string]Opener{
	"s3":   openS3,
	"file": openFile,
	"mem":  openMem,
}

// Register makes a store backend available to Open under the given URL scheme.
func Register(scheme string, o Opener) {
	openers[scheme] = o
}

// Open returns the store behind addr, e.g. "s3://bucket?region=eu-west-1",
// "file:///srv/portal" or "mem://session".
func Open(ctx context.Context, addr string) (Store, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse blob address %q: %w", addr, err)
	}

	o, ok := openers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
	return o(ctx, u)
}
