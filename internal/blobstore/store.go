// Package blobstore defines the content-addressed store that holds encrypted
// record payloads.
package blobstore

import "context"

// Store is a content-addressed blob store. It never sees plaintext.
type Store interface {
	// Put stores blob and returns its content pointer.
	Put(ctx context.Context, blob []byte) (string, error)
	// Get returns the blob stored under pointer.
	Get(ctx context.Context, pointer string) ([]byte, error)
}
