// Package kvstore provides a table-oriented durable key-value store.
//
// Records are JSON documents addressed by (table, key). Keys are usually built from a
// partition and a row with Key, which gives prefix queries the same shape as
// partition scans. Query results are ordered lexicographically by key, so offset/limit
// pagination is stable as long as the key set does not change between calls.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrExists is returned by Insert when the key is already present.
	ErrExists = errors.New("record already exists")
)

// Entry is one stored record.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// Decode unmarshals the entry value into dest.
func (e Entry) Decode(dest any) error {
	return json.Unmarshal(e.Value, dest)
}

// Query selects a window of keys in lexicographic order.
type Query struct {
	// Prefix restricts results to keys starting with it (empty means all keys).
	Prefix string

	// Offset skips that many matching keys.
	Offset int

	// Limit caps the result size; <= 0 returns every remaining key.
	Limit int
}

// Store is the durable key-value store contract.
type Store interface {
	// Upsert writes value under key, replacing any previous record.
	Upsert(ctx context.Context, table, key string, value any) error

	// Insert writes value only if key is absent and returns ErrExists otherwise.
	Insert(ctx context.Context, table, key string, value any) error

	// Get decodes the record stored under key into dest.
	Get(ctx context.Context, table, key string, dest any) error

	// Query returns the records matching q.
	Query(ctx context.Context, table string, q Query) ([]Entry, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, table, key string) error
}

// Key joins a partition and a row into a store key.
func Key(partition, row string) string {
	return partition + "/" + row
}

// SplitKey is the inverse of Key. ok is false when key has no partition separator.
func SplitKey(key string) (partition, row string, ok bool) {
	return strings.Cut(key, "/")
}
