package mapping

import "context"

// Archive stores exported mapping snapshots as opaque objects
type Archive interface {
	// Put writes body under objectKey, replacing any existing object
	Put(ctx context.Context, objectKey string, body []byte, contentType string) error
}
