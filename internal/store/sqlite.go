package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements ConversationRepository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		expert_id TEXT,
		data_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_expert ON conversations(expert_id, updated_at) WHERE expert_id IS NOT NULL;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const selectConversation = `
	SELECT id, owner_id, expert_id, data_type, payload, version, created_at, updated_at
	FROM conversations`

// FindByID returns the record with the given id.
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*ConversationRecord, error) {
	row := s.db.QueryRowContext(ctx, selectConversation+` WHERE id = ?`, id)
	return scanConversation(row)
}

// FindOne returns the newest record matching filter.
func (s *SQLiteStore) FindOne(ctx context.Context, filter ConversationFilter) (*ConversationRecord, error) {
	var row *sql.Row
	if filter.ExpertID == nil {
		row = s.db.QueryRowContext(ctx, selectConversation+`
			WHERE owner_id = ? AND data_type = ? AND expert_id IS NULL
			ORDER BY created_at DESC LIMIT 1`,
			filter.OwnerID, filter.DataType)
	} else {
		row = s.db.QueryRowContext(ctx, selectConversation+`
			WHERE owner_id = ? AND data_type = ? AND expert_id = ?
			ORDER BY created_at DESC LIMIT 1`,
			filter.OwnerID, filter.DataType, *filter.ExpertID)
	}
	return scanConversation(row)
}

// ListByParticipant returns records owned by or assigned to userID.
func (s *SQLiteStore) ListByParticipant(ctx context.Context, userID string, limit int) ([]*ConversationRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectConversation+`
		WHERE owner_id = ? OR expert_id = ?
		ORDER BY updated_at DESC LIMIT ?`,
		userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []*ConversationRecord
	for rows.Next() {
		rec, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// Create inserts a new record.
func (s *SQLiteStore) Create(ctx context.Context, rec *ConversationRecord) error {
	now := time.Now().UTC()
	rec.ID = uuid.Must(uuid.NewV7()).String()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	var expertID interface{}
	if rec.ExpertID != nil {
		expertID = *rec.ExpertID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, owner_id, expert_id, data_type, payload, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, expertID, rec.DataType, rec.Payload, rec.Version,
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// Save replaces the payload when the stored version still equals rec.Version.
func (s *SQLiteStore) Save(ctx context.Context, rec *ConversationRecord) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET payload = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		rec.Payload, now.UnixNano(), rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, rec.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check conversation: %w", err)
		}
		return ErrVersionConflict
	}

	rec.Version++
	rec.UpdatedAt = now
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close(ctx context.Context) error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*ConversationRecord, error) {
	var rec ConversationRecord
	var expertID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.ID, &rec.OwnerID, &expertID, &rec.DataType,
		&rec.Payload, &rec.Version, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	if expertID.Valid {
		rec.ExpertID = &expertID.String
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &rec, nil
}
