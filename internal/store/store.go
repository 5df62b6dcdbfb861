package store

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store
var ErrNotFound = errors.New("store: not found")

// separator joins key segments; segments must not contain it
const separator = ':'

// Key is a hierarchical path, e.g. Key{"transcript", "alice", "00000000000000000042"}
type Key []string

// String returns the encoded form of the key
func (k Key) String() string {
	return strings.Join(k, string(separator))
}

func (k Key) encode() []byte {
	return []byte(k.String())
}

// prefix returns the encoded key followed by the separator, so that listing
// "a:b" does not match "a:bc". An empty key matches everything.
func (k Key) prefix() []byte {
	if len(k) == 0 {
		return nil
	}
	return append(k.encode(), separator)
}

func decodeKey(b []byte) Key {
	return Key(strings.Split(string(b), string(separator)))
}

// Entry is a key-value pair returned by List
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store with path-based keys
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// List iterates over entries under prefix in lexicographic key order
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchDelete atomically removes multiple keys
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases any resources held by the store
	Close() error
}
