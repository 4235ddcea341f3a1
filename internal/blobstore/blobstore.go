// Package blobstore is the audio blob contract: opaque bytes in, blob id
// out. The engine never interprets the audio it stores.
package blobstore

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("blobstore: not found")

type Store interface {
	// Put stores data and returns the blob id used to retrieve it.
	Put(ctx context.Context, data []byte, filename string, metadata map[string]string) (string, error)
	Get(ctx context.Context, id string) ([]byte, map[string]string, error)
}
