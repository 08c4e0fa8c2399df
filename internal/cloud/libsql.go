package cloud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql" // Turso driver
)

// LibSQLStore is the libsql-backed remote store. All documents live in a
// single table partitioned by collection; the owner-scoped scans rely on
// per-collection composite indexes that operators create out-of-band.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore connects to the remote database and ensures the
// document table exists. It does not create the per-collection scan
// indexes; those are provisioned through the operator console, and
// their absence surfaces as IndexMissingError at scan time.
func NewLibSQLStore(url string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", url)
	if err != nil {
		return nil, fmt.Errorf("open remote database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			identity_key TEXT NOT NULL,
			payload BLOB NOT NULL,
			enc_version INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure documents table: %w", err)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the remote connection.
func (s *LibSQLStore) Close() error {
	return s.db.Close()
}

// ownerScanIndex is the composite index each owner-scoped scan requires.
func ownerScanIndex(collection string) string {
	return "idx_documents_owner_" + collection
}

// ExistsByIdentityKey probes for a document with the composite key.
func (s *LibSQLStore) ExistsByIdentityKey(ctx context.Context, ownerID, collection, identityKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM documents
		WHERE collection = ? AND owner_id = ? AND identity_key = ?
		LIMIT 1
	`, collection, ownerID, identityKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe identity key: %w", err)
	}
	return true, nil
}

// PageByOwner scans the owner's documents in stable id order. The query
// names the collection's composite index explicitly so a missing index
// fails loudly and classifiably instead of degrading to a full scan.
func (s *LibSQLStore) PageByOwner(ctx context.Context, ownerID, collection, cursor string, limit int) (*Page, error) {
	index := ownerScanIndex(collection)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, owner_id, identity_key, payload, enc_version, updated_at
		FROM documents INDEXED BY %s
		WHERE collection = ? AND owner_id = ? AND id > ?
		ORDER BY id
		LIMIT ?
	`, index), collection, ownerID, cursor, limit)
	if err != nil {
		return nil, classifyQueryError(err, collection, ownerID, index)
	}
	defer rows.Close()

	page := &Page{}
	for rows.Next() {
		doc := Doc{Collection: collection}
		var updatedAt string
		if err := rows.Scan(&doc.ID, &doc.OwnerID, &doc.IdentityKey, &doc.Payload, &doc.EncVersion, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		page.Docs = append(page.Docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyQueryError(err, collection, ownerID, index)
	}

	if len(page.Docs) == limit {
		page.NextCursor = page.Docs[len(page.Docs)-1].ID
	}
	return page, nil
}

// Get reads a single document.
func (s *LibSQLStore) Get(ctx context.Context, collection, id string) (*Doc, error) {
	doc := Doc{Collection: collection}
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, identity_key, payload, enc_version, updated_at
		FROM documents WHERE collection = ? AND id = ?
	`, collection, id).Scan(&doc.ID, &doc.OwnerID, &doc.IdentityKey, &doc.Payload, &doc.EncVersion, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	doc.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &doc, nil
}

// BatchPut writes all docs in a single transaction.
func (s *LibSQLStore) BatchPut(ctx context.Context, docs []Doc) error {
	return s.batch(ctx, docs, `
		INSERT INTO documents (collection, id, owner_id, identity_key, payload, enc_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO NOTHING
	`, func(stmt *sql.Stmt, doc Doc, now string) error {
		_, err := stmt.ExecContext(ctx, doc.Collection, doc.ID, doc.OwnerID, doc.IdentityKey, doc.Payload, doc.EncVersion, now)
		return err
	})
}

// BatchOverwrite replaces payload and encryption version atomically.
func (s *LibSQLStore) BatchOverwrite(ctx context.Context, docs []Doc) error {
	return s.batch(ctx, docs, `
		UPDATE documents SET payload = ?, enc_version = ?, updated_at = ?
		WHERE collection = ? AND id = ?
	`, func(stmt *sql.Stmt, doc Doc, now string) error {
		_, err := stmt.ExecContext(ctx, doc.Payload, doc.EncVersion, now, doc.Collection, doc.ID)
		return err
	})
}

func (s *LibSQLStore) batch(ctx context.Context, docs []Doc, query string, exec func(*sql.Stmt, Doc, string) error) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, doc := range docs {
		if err := exec(stmt, doc, now); err != nil {
			return fmt.Errorf("batch write %s/%s: %w", doc.Collection, doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}
