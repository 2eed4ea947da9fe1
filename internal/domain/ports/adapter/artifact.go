package adapter

import "context"

// ArtifactStore persists finished artifacts. The core only stores and forwards
// the returned reference; artifact bytes never live in the job record.
type ArtifactStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (ref string, err error)
	Get(ctx context.Context, ref string) ([]byte, error)
}
