// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists conversations, messages and events with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			state             TEXT NOT NULL,
			flow_control      TEXT NOT NULL,
			participants_json TEXT NOT NULL,
			metadata_json     TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(state);

		CREATE TABLE IF NOT EXISTS messages (
			id                TEXT NOT NULL,
			conversation_id   TEXT NOT NULL,
			sequence          INTEGER NOT NULL,
			sender_id         TEXT NOT NULL,
			recipients_json   TEXT NOT NULL,
			content           TEXT NOT NULL,
			format            TEXT NOT NULL,
			priority          TEXT NOT NULL,
			strategy          TEXT NOT NULL,
			parent_message_id TEXT,
			restricted        INTEGER NOT NULL DEFAULT 0,
			visible_to_json   TEXT,
			metadata_json     TEXT,
			created_at        TEXT NOT NULL,

			PRIMARY KEY (conversation_id, id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_sequence
			ON messages(conversation_id, sequence);
		CREATE INDEX IF NOT EXISTS idx_messages_sender
			ON messages(conversation_id, sender_id);

		CREATE TABLE IF NOT EXISTS events (
			event_id        TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			type            TEXT NOT NULL,
			actor_id        TEXT,
			message_id      TEXT,
			recipient_id    TEXT,
			from_value      TEXT,
			to_value        TEXT,
			detail          TEXT,
			timestamp       TEXT NOT NULL,

			CHECK (type IN (
				'state_changed',
				'participant_added',
				'participant_removed',
				'flow_control_changed',
				'delivery_status'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_events_conversation ON events(conversation_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_events_message ON events(message_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveConversation inserts or replaces a conversation snapshot
func (s *SQLiteStore) SaveConversation(ctx context.Context, c *Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encoding participants: %w", err)
	}
	metadata, err := marshalOptional(c.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	query := `
		INSERT INTO conversations (id, name, state, flow_control, participants_json, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			flow_control = excluded.flow_control,
			participants_json = excluded.participants_json,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		c.ID,
		c.Name,
		c.State,
		c.FlowControl,
		string(participants),
		metadata,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation snapshot by ID
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, name, state, flow_control, participants_json, metadata_json, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns conversations in creation order, optionally
// restricted to one state.
func (s *SQLiteStore) ListConversations(ctx context.Context, state string) ([]*Conversation, error) {
	query := `
		SELECT id, name, state, flow_control, participants_json, metadata_json, created_at, updated_at
		FROM conversations
	`
	var args []any
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, state)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	c := &Conversation{}
	var participants string
	var metadata sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&c.ID, &c.Name, &c.State, &c.FlowControl, &participants, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

// SaveMessage persists a delivered message. Saving the same message twice is
// a no-op.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	recipients, err := json.Marshal(nonNil(msg.Recipients))
	if err != nil {
		return fmt.Errorf("encoding recipients: %w", err)
	}
	visibleTo, err := marshalOptional(msg.VisibleTo)
	if err != nil {
		return fmt.Errorf("encoding visibility: %w", err)
	}
	metadata, err := marshalOptional(msg.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	query := `
		INSERT INTO messages (
			id, conversation_id, sequence, sender_id, recipients_json, content, format,
			priority, strategy, parent_message_id, restricted, visible_to_json, metadata_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		int64(msg.Sequence),
		msg.SenderID,
		string(recipients),
		msg.Content,
		msg.Format,
		msg.Priority,
		msg.Strategy,
		nullString(msg.ParentMessageID),
		msg.Restricted,
		visibleTo,
		metadata,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sequence", msg.Sequence,
	)
	return nil
}

// QueryMessages returns a conversation's messages in sequence order
func (s *SQLiteStore) QueryMessages(ctx context.Context, conversationID string, f MessageFilter) ([]*Message, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, conversation_id, sequence, sender_id, recipients_json, content, format,
		       priority, strategy, parent_message_id, restricted, visible_to_json, metadata_json, created_at
		FROM messages
		WHERE conversation_id = ? AND sequence > ?`)
	args := []any{conversationID, int64(f.AfterSequence)}

	if f.SenderID != "" {
		sb.WriteString(" AND sender_id = ?")
		args = append(args, f.SenderID)
	}
	if f.Since != nil {
		sb.WriteString(" AND created_at >= ?")
		args = append(args, formatTime(*f.Since))
	}
	sb.WriteString(" ORDER BY sequence ASC LIMIT ?")
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg := &Message{}
		var seq int64
		var recipients, createdAt string
		var parent, visibleTo, metadata sql.NullString

		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&seq,
			&msg.SenderID,
			&recipients,
			&msg.Content,
			&msg.Format,
			&msg.Priority,
			&msg.Strategy,
			&parent,
			&msg.Restricted,
			&visibleTo,
			&metadata,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.Sequence = uint64(seq)
		msg.ParentMessageID = parent.String
		if err := json.Unmarshal([]byte(recipients), &msg.Recipients); err != nil {
			return nil, fmt.Errorf("decoding recipients: %w", err)
		}
		if visibleTo.Valid {
			if err := json.Unmarshal([]byte(visibleTo.String), &msg.VisibleTo); err != nil {
				return nil, fmt.Errorf("decoding visibility: %w", err)
			}
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata: %w", err)
			}
		}
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return out, nil
}

// SaveEvent appends a conversation event
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (
			event_id, conversation_id, type, actor_id, message_id, recipient_id,
			from_value, to_value, detail, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ConversationID,
		string(event.Type),
		nullString(event.ActorID),
		nullString(event.MessageID),
		nullString(event.RecipientID),
		nullString(event.From),
		nullString(event.To),
		nullString(event.Detail),
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("saved event",
		"event_id", event.ID,
		"conversation_id", event.ConversationID,
		"type", event.Type,
	)
	return nil
}

// QueryEvents returns a conversation's events in the order they were recorded
func (s *SQLiteStore) QueryEvents(ctx context.Context, conversationID string, f EventFilter) ([]*Event, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT event_id, conversation_id, type, actor_id, message_id, recipient_id,
		       from_value, to_value, detail, timestamp
		FROM events
		WHERE conversation_id = ?`)
	args := []any{conversationID}

	if len(f.Types) > 0 {
		sb.WriteString(" AND type IN (?" + strings.Repeat(", ?", len(f.Types)-1) + ")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if f.MessageID != "" {
		sb.WriteString(" AND message_id = ?")
		args = append(args, f.MessageID)
	}
	if f.Since != nil {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, formatTime(*f.Since))
	}
	sb.WriteString(" ORDER BY timestamp ASC, rowid ASC LIMIT ?")
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		var eventType, timestamp string
		var actor, messageID, recipient, from, to, detail sql.NullString

		if err := rows.Scan(
			&e.ID,
			&e.ConversationID,
			&eventType,
			&actor,
			&messageID,
			&recipient,
			&from,
			&to,
			&detail,
			&timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}

		e.Type = EventType(eventType)
		e.ActorID = actor.String
		e.MessageID = messageID.String
		e.RecipientID = recipient.String
		e.From = from.String
		e.To = to.String
		e.Detail = detail.String
		if e.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalOptional[T any](v T) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
