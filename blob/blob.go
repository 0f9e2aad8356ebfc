package blob

import "context"

// BlobStore persists generated artifacts. Store returns an opaque handle;
// URLFor turns a handle into a URL clients can fetch, or reports false if the
// handle cannot be resolved.
type BlobStore interface {
	Store(ctx context.Context, data []byte, contentType string) (string, error)
	URLFor(ctx context.Context, handle string) (string, bool)
}
