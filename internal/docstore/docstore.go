// Package docstore exposes the handful of document-store primitives the replication engine
// needs: create, bulk insert, upsert by key, atomic rename, drop and count.
package docstore

import (
	"context"
	"errors"
)

var (
	// ErrNamespaceNotFound is returned by Rename when the source collection does not exist.
	ErrNamespaceNotFound = errors.New("collection does not exist")
	// ErrNamespaceExists is returned by Rename when the target exists and dropTarget is false.
	ErrNamespaceExists = errors.New("target collection already exists")
)

// Document is a schemaless record.
type Document map[string]interface{}

type UpsertResult struct {
	Created int64
	Updated int64
}

type Store interface {
	// Create makes an empty collection; creating an existing one is not an error.
	Create(ctx context.Context, collection string) error
	InsertMany(ctx context.Context, collection string, docs []Document) error
	// UpsertMany replaces-or-inserts every document keyed by keyField.
	UpsertMany(ctx context.Context, collection, keyField string, docs []Document) (UpsertResult, error)
	// Rename atomically renames from to to. With dropTarget an existing target is replaced
	// in the same operation.
	Rename(ctx context.Context, from, to string, dropTarget bool) error
	DropIfExists(ctx context.Context, collection string) error
	Count(ctx context.Context, collection string) (int64, error)
	ListCollections(ctx context.Context) ([]string, error)
}
