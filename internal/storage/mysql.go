package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sharechat/media-upload/internal/models"
)

// SQLStore is the durable record of published assets, one row per
// completed upload session.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens the uploads database and verifies connectivity.
func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &SQLStore{db: db}, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the uploads table if it does not exist yet.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS uploads (
		session_id   VARCHAR(128) PRIMARY KEY,
		owner        VARCHAR(128) NOT NULL,
		file_name    VARCHAR(512) NOT NULL,
		object_key   VARCHAR(512) NOT NULL,
		public_url   VARCHAR(1024) NOT NULL,
		content_type VARCHAR(128) NOT NULL,
		size         BIGINT NOT NULL,
		is_video     BOOLEAN NOT NULL,
		created_at   DATETIME NOT NULL,
		INDEX idx_uploads_owner (owner)
	)`

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to ensure uploads schema: %w", err)
	}
	return nil
}

// RecordAsset inserts (or refreshes, on completion retry) the published
// asset row for a session.
func (s *SQLStore) RecordAsset(ctx context.Context, asset *models.PublishedAsset) error {
	ctx, span := tracer.Start(ctx, "mysql.record_asset",
		trace.WithAttributes(
			attribute.String("session_id", asset.SessionID),
			attribute.String("object_key", asset.ObjectKey),
			attribute.Int64("size_bytes", asset.Size),
		),
	)
	defer span.End()

	query := `INSERT INTO uploads (session_id, owner, file_name, object_key, public_url, content_type, size, is_video, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE object_key = VALUES(object_key), public_url = VALUES(public_url)`

	_, err := s.db.ExecContext(ctx, query,
		asset.SessionID,
		asset.Owner,
		asset.FileName,
		asset.ObjectKey,
		asset.PublicURL,
		asset.ContentType,
		asset.Size,
		asset.IsVideo,
		asset.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert upload record: %w", err)
	}

	span.SetAttributes(attribute.Bool("insert_success", true))
	return nil
}

// GetAssetBySession retrieves the published asset for a session id.
// Returns (nil, nil) when no record exists.
func (s *SQLStore) GetAssetBySession(ctx context.Context, sessionID string) (*models.PublishedAsset, error) {
	ctx, span := tracer.Start(ctx, "mysql.get_asset",
		trace.WithAttributes(attribute.String("session_id", sessionID)),
	)
	defer span.End()

	query := `SELECT session_id, owner, file_name, object_key, public_url, content_type, size, is_video, created_at
			  FROM uploads WHERE session_id = ?`

	var asset models.PublishedAsset
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&asset.SessionID,
		&asset.Owner,
		&asset.FileName,
		&asset.ObjectKey,
		&asset.PublicURL,
		&asset.ContentType,
		&asset.Size,
		&asset.IsVideo,
		&asset.CreatedAt,
	)
	if err == sql.ErrNoRows {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, nil
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query upload record: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &asset, nil
}
