// Package attachments stores files referenced by tool results and
// script actions. Bytes live on disk under the data directory;
// metadata lives in a table sharing the main store's database
// connection. Every lookup is conversation-scoped: asking for another
// conversation's attachment reads as not-found, never as forbidden,
// so the API cannot leak which IDs exist.
package attachments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/werdnum/family-assistant/internal/events"
	"github.com/werdnum/family-assistant/internal/sandbox"
	"github.com/werdnum/family-assistant/internal/store"
)

// Attachment sources.
const (
	SourceUser = "user"
	SourceTool = "tool"
)

// Attachment is the stored metadata for one file.
type Attachment struct {
	ID             string    `json:"attachment_id"`
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name"`
	MimeType       string    `json:"mime_type"`
	Size           int64     `json:"size"`
	StoragePath    string    `json:"-"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists attachments. It shares the main store's [sql.DB]
// and creates its own table on initialization.
type Store struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger
}

// NewStore creates an attachment store writing files under dir.
func NewStore(db *sql.DB, dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	s := &Store{db: db, dir: dir, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("attachment store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS attachments (
			attachment_id   TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			name            TEXT NOT NULL,
			mime_type       TEXT NOT NULL,
			size            INTEGER NOT NULL,
			storage_path    TEXT NOT NULL,
			source          TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attachments_conversation
			ON attachments(conversation_id, created_at DESC);
	`)
	return err
}

// Save writes the bytes to disk and records the metadata.
func (s *Store) Save(ctx context.Context, conversationID, name, mimeType, source string, data []byte) (*Attachment, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", store.ErrInvalidArgument)
	}
	if name == "" {
		name = "attachment"
	}

	id := events.NewID()
	path := filepath.Join(s.dir, id)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}

	a := &Attachment{
		ID:             id,
		ConversationID: conversationID,
		Name:           name,
		MimeType:       mimeType,
		Size:           int64(len(data)),
		StoragePath:    path,
		Source:         source,
		CreatedAt:      time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (attachment_id, conversation_id, name, mime_type, size, storage_path, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ConversationID, a.Name, a.MimeType, a.Size, a.StoragePath, a.Source,
		a.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("insert attachment: %w", err)
	}

	s.logger.Debug("attachment saved",
		"attachment_id", a.ID, "conversation_id", conversationID, "size", a.Size)
	return a, nil
}

// Get returns one attachment's metadata, scoped to the conversation.
func (s *Store) Get(ctx context.Context, id, conversationID string) (*Attachment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT attachment_id, conversation_id, name, mime_type, size, storage_path, source, created_at
		FROM attachments WHERE attachment_id = ?`, id)

	var a Attachment
	var createdAt string
	err := row.Scan(&a.ID, &a.ConversationID, &a.Name, &a.MimeType, &a.Size,
		&a.StoragePath, &a.Source, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if conversationID != "" && a.ConversationID != conversationID {
		return nil, store.ErrNotFound
	}
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		a.CreatedAt = ts.UTC()
	}
	return &a, nil
}

// Open returns the attachment bytes, scoped to the conversation.
func (s *Store) Open(ctx context.Context, id, conversationID string) (*Attachment, []byte, error) {
	a, err := s.Get(ctx, id, conversationID)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(a.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("read attachment: %w", err)
	}
	return a, data, nil
}

// List returns a conversation's attachments, newest first.
func (s *Store) List(ctx context.Context, conversationID string) ([]*Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attachment_id, conversation_id, name, mime_type, size, storage_path, source, created_at
		FROM attachments WHERE conversation_id = ? ORDER BY created_at DESC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		var a Attachment
		var createdAt string
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.Name, &a.MimeType, &a.Size,
			&a.StoragePath, &a.Source, &createdAt); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			a.CreatedAt = ts.UTC()
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Delete removes an attachment and its file, scoped to the
// conversation.
func (s *Store) Delete(ctx context.Context, id, conversationID string) error {
	a, err := s.Get(ctx, id, conversationID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE attachment_id = ?`, a.ID); err != nil {
		return err
	}
	if err := os.Remove(a.StoragePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove attachment file", "path", a.StoragePath, "error", err)
	}
	return nil
}

// DeliverAttachment stores a script-produced attachment descriptor
// for its conversation. This satisfies the processor's sink.
func (s *Store) DeliverAttachment(ctx context.Context, conversationID string, att *sandbox.AttachmentDescriptor) error {
	_, err := s.Save(ctx, conversationID, att.Name, att.MimeType, SourceTool, []byte(att.Data))
	return err
}
