// Package cloud is the remote store adapter: record-level reads,
// owner-scoped pagination with stable ordering, and atomic multi-
// document batches. The production implementation speaks libsql; the
// engines depend only on the Store contract.
package cloud

import (
	"context"
	"time"
)

// Doc is a single remote document. Payload is either legacy plaintext
// JSON or a version-1 encryption envelope; EncVersion mirrors the
// envelope version (0 for legacy).
type Doc struct {
	ID          string
	Collection  string
	OwnerID     string
	IdentityKey string
	Payload     []byte
	EncVersion  int
	UpdatedAt   time.Time
}

// Page is one page of an owner-scoped scan. NextCursor is empty on the
// final page.
type Page struct {
	Docs       []Doc
	NextCursor string
}

// Store is the remote store contract consumed by the merge and
// migration engines.
type Store interface {
	// ExistsByIdentityKey probes for a document with the given composite
	// identity key under the owner.
	ExistsByIdentityKey(ctx context.Context, ownerID, collection, identityKey string) (bool, error)

	// PageByOwner scans the owner's documents in stable id order,
	// starting after cursor. A missing composite index surfaces as
	// *IndexMissingError.
	PageByOwner(ctx context.Context, ownerID, collection, cursor string, limit int) (*Page, error)

	// Get reads a single document.
	Get(ctx context.Context, collection, id string) (*Doc, error)

	// BatchPut writes all docs atomically: either every document lands
	// or none do.
	BatchPut(ctx context.Context, docs []Doc) error

	// BatchOverwrite atomically replaces payload and encryption version
	// for existing docs, keyed by (collection, id).
	BatchOverwrite(ctx context.Context, docs []Doc) error
}
