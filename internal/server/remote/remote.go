// Package remote abstracts the backing blob store that holds the current
// opaque payload for each synced entity. The server only moves ciphertext
// in and out of it; content is never inspected.
package remote

import (
	"context"
	"errors"
)

// ErrNotFound reports that no blob exists at the requested path. It is
// distinct from transport failures: a missing blob is a normal condition for
// entities that have never been pushed.
var ErrNotFound = errors.New("remote blob not found")

// RemoteStore is the push/fetch interface to the backing store. Put returns
// the new entity tag for the stored blob; when etag is non-empty it is the
// caller's last known tag and implementations may use it for a conditional
// write.
type RemoteStore interface {
	Put(ctx context.Context, path string, blob string, etag string) (string, error)
	Get(ctx context.Context, path string) (blob string, etag string, err error)
}
