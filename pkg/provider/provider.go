// Package provider defines read access to the objects a run consumes:
// sequence files, GFF3 annotations and sideload documents.
//
// Providers implement a minimal surface area: metadata lookup and streaming
// reads. Authentication uses SDK default credential chains; providers should
// not implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider reads input objects.
//
// Implementations should be safe for concurrent use.
type Provider interface {
	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// GetObject opens an object for streaming. The caller closes the body.
	GetObject(ctx context.Context, key string) (body io.ReadCloser, contentLength int64, err error)

	// Close releases any resources held by the provider.
	Close() error
}

// ObjectMeta contains metadata for a single object.
type ObjectMeta struct {
	// Key is the full object key (path).
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag, when the provider has one.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time

	// ContentType is the MIME type of the object.
	ContentType string
}

// ProviderType identifies a storage provider.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents the local filesystem.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}
