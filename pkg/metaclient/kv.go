package metaclient

import "context"

// ResponseHeader is common response header
type ResponseHeader struct {
	// ClusterID is the ID of the cluster which sent the response.
	ClusterID string
	// Revision is the key-value store revision when the request was applied.
	Revision int64
}

// KeyValue is a single entry returned by Get.
type KeyValue struct {
	Key   []byte
	Value []byte
	// ModRevision is the revision of last modification on this key.
	ModRevision int64
}

// PutResponse is the response of Put
type PutResponse struct {
	Header *ResponseHeader
}

// GetResponse is the response of Get
type GetResponse struct {
	Header *ResponseHeader
	// Kvs is the list of key-value pairs matched by the range request,
	// sorted by key.
	Kvs []*KeyValue
}

// DeleteResponse is the response of Delete
type DeleteResponse struct {
	Header  *ResponseHeader
	Deleted int64
}

// KV is the minimal key-value interface used to persist placement state.
type KV interface {
	// Put puts a key-value pair into metastore.
	Put(ctx context.Context, key, val string) (*PutResponse, error)

	// Get retrieves keys with the given options.
	// By default, Get will return the value for "key", if any.
	// When passed WithPrefix(), Get will return the keys with the prefix "key".
	Get(ctx context.Context, key string, opts ...OpOption) (*GetResponse, error)

	// Delete deletes a key, or optionally using WithPrefix(), the keys with
	// the prefix "key".
	Delete(ctx context.Context, key string, opts ...OpOption) (*DeleteResponse, error)

	// Close releases the underlying connection.
	Close() error
}
