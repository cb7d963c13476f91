package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PostgresStore holds the documents table. Every query is scoped by document
// ID AND the caller's allowed team scopes — never by ID alone. That filter is
// the tenant-isolation boundary, so a conditional update that matches zero
// rows is reported as sql.ErrNoRows, never as silent success.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const documentColumns = `id, team_scope, title, document_kind, storage_path, storage_size_bytes, sync_version, last_sync_at, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var doc Document
	err := row.Scan(
		&doc.ID,
		&doc.TeamScope,
		&doc.Title,
		&doc.DocumentKind,
		&doc.StoragePath,
		&doc.StorageSizeBytes,
		&doc.SyncVersion,
		&doc.LastSyncAt,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	return doc, err
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, team_scope, title, document_kind, storage_path)
		VALUES ($1, $2, $3, $4, $5)
	`, doc.ID, doc.TeamScope, doc.Title, doc.DocumentKind, doc.StoragePath)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string, scopes []string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id = $1 AND team_scope = ANY($2)
	`, documentID, scopes)
	doc, err := scanDocument(row)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, scopes []string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE team_scope = ANY($1)
		ORDER BY updated_at DESC
	`, scopes)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var items []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// UpdateDocumentState advances the sync record after a confirmed blob upload:
// version +1, size, sync timestamp. RETURNING makes the increment and the
// row-matched check a single atomic statement; sql.ErrNoRows means the scope
// filter excluded the row (raced or revoked), never success.
func (s *PostgresStore) UpdateDocumentState(ctx context.Context, documentID string, scopes []string, sizeBytes int64, now time.Time) (int64, error) {
	var syncVersion int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET sync_version = sync_version + 1,
			storage_size_bytes = $3,
			last_sync_at = $4,
			updated_at = $4
		WHERE id = $1 AND team_scope = ANY($2)
		RETURNING sync_version
	`, documentID, scopes, sizeBytes, now).Scan(&syncVersion)
	if err != nil {
		return 0, err
	}
	return syncVersion, nil
}

// UpdateDocumentMetadata changes only the allow-listed non-binary attributes.
func (s *PostgresStore) UpdateDocumentMetadata(ctx context.Context, documentID string, scopes []string, patch MetadataPatch, now time.Time) error {
	assignments := []string{"updated_at = $3"}
	args := []any{documentID, scopes, now}

	if patch.Title != nil {
		args = append(args, *patch.Title)
		assignments = append(assignments, fmt.Sprintf("title = $%d", len(args)))
	}
	if patch.DocumentKind != nil {
		args = append(args, *patch.DocumentKind)
		assignments = append(assignments, fmt.Sprintf("document_kind = $%d", len(args)))
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET `+strings.Join(assignments, ", ")+`
		WHERE id = $1 AND team_scope = ANY($2)
	`, args...)
	if err != nil {
		return fmt.Errorf("update document metadata: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("metadata rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string, scopes []string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM documents
		WHERE id = $1 AND team_scope = ANY($2)
	`, documentID, scopes)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
