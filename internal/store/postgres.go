package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ConflictError reports a failed concurrency-token compare-and-swap. It
// carries the token currently stored on the document so the caller can decide
// whether to refetch and retry; the server never merges.
type ConflictError struct {
	CurrentToken string
}

func (e *ConflictError) Error() string {
	return "concurrency token mismatch"
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, current_version, concurrency_token, updated_by)
		VALUES ($1, $2, 0, $3, $4)
	`, doc.ID, doc.Title, doc.ConcurrencyToken, doc.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, current_version, concurrency_token, search_text, preview_key, updated_by, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(
		&item.ID,
		&item.Title,
		&item.CurrentVersion,
		&item.ConcurrencyToken,
		&item.SearchText,
		&item.PreviewKey,
		&item.UpdatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, current_version, concurrency_token, search_text, preview_key, updated_by, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(
			&item.ID,
			&item.Title,
			&item.CurrentVersion,
			&item.ConcurrencyToken,
			&item.SearchText,
			&item.PreviewKey,
			&item.UpdatedBy,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

// DeleteDocument removes a document head; version rows go with it via the
// foreign-key cascade. Unknown ids report sql.ErrNoRows.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AppendVersion is the save transaction: it locks the document row, checks
// the concurrency token, appends the next version, and advances the pointer,
// token, and derived search text — all or nothing. The loser of a concurrent
// save observes ConflictError, never a partial write.
func (s *PostgresStore) AppendVersion(ctx context.Context, in AppendVersionInput) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin save tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	var storedToken string
	err = tx.QueryRowContext(ctx, `
		SELECT current_version, concurrency_token
		FROM documents
		WHERE id=$1
		FOR UPDATE
	`, in.DocumentID).Scan(&current, &storedToken)
	if errors.Is(err, sql.ErrNoRows) {
		return Version{}, err
	}
	if err != nil {
		return Version{}, fmt.Errorf("lock document: %w", err)
	}

	if in.ExpectedToken != "" && in.ExpectedToken != storedToken {
		return Version{}, &ConflictError{CurrentToken: storedToken}
	}

	next := current + 1
	previewKey := ""
	if in.HasPreview {
		previewKey = fmt.Sprintf("previews/%s/%d.png", in.DocumentID, next)
	}

	version := Version{
		DocumentID:   in.DocumentID,
		Version:      next,
		Author:       in.Author,
		Label:        in.Label,
		Payload:      in.Payload,
		PreviewKey:   previewKey,
		PayloadBytes: int64(len(in.Payload)),
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO versions (document_id, version, author, label, payload, preview_key, payload_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, version.DocumentID, version.Version, version.Author, version.Label, []byte(version.Payload), version.PreviewKey, version.PayloadBytes).Scan(&version.CreatedAt)
	if err != nil {
		return Version{}, fmt.Errorf("insert version: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE documents
		SET current_version=$2,
			concurrency_token=$3,
			search_text=$4,
			preview_key=CASE WHEN $5 <> '' THEN $5 ELSE preview_key END,
			updated_by=$6,
			updated_at=NOW()
		WHERE id=$1
	`, in.DocumentID, next, in.NewToken, in.SearchText, previewKey, in.Author)
	if err != nil {
		return Version{}, fmt.Errorf("advance document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit save tx: %w", err)
	}
	return version, nil
}

// ListVersions returns version metadata newest-first, without payloads, plus
// the total count.
func (s *PostgresStore) ListVersions(ctx context.Context, documentID string, limit, offset int) ([]Version, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM versions WHERE document_id=$1`, documentID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count versions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version, author, label, preview_key, payload_bytes, created_at
		FROM versions
		WHERE document_id=$1
		ORDER BY version DESC
		LIMIT $2 OFFSET $3
	`, documentID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		var item Version
		if err := rows.Scan(
			&item.DocumentID,
			&item.Version,
			&item.Author,
			&item.Label,
			&item.PreviewKey,
			&item.PayloadBytes,
			&item.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate versions: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, documentID string, number int64) (Version, error) {
	var item Version
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, version, author, label, payload, preview_key, payload_bytes, created_at
		FROM versions
		WHERE document_id=$1 AND version=$2
	`, documentID, number).Scan(
		&item.DocumentID,
		&item.Version,
		&item.Author,
		&item.Label,
		&payload,
		&item.PreviewKey,
		&item.PayloadBytes,
		&item.CreatedAt,
	)
	if err != nil {
		return Version{}, err
	}
	item.Payload = payload
	return item, nil
}

// GetLatestVersion fetches the version the document's pointer names.
func (s *PostgresStore) GetLatestVersion(ctx context.Context, documentID string) (Version, error) {
	var number int64
	err := s.db.QueryRowContext(ctx, `SELECT current_version FROM documents WHERE id=$1`, documentID).Scan(&number)
	if err != nil {
		return Version{}, err
	}
	if number == 0 {
		return Version{}, sql.ErrNoRows
	}
	return s.GetVersion(ctx, documentID, number)
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
