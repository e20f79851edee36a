// Package store persists conversation history in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskassist/featuredev/internal/diffmetrics"
	"github.com/taskassist/featuredev/internal/session"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Conversation is one stored conversation.
type Conversation struct {
	ID         string
	TabID      string
	Approach   string
	RetryLimit int
	StartedAt  time.Time
	ClosedAt   *time.Time
	Accepted   int
	Generated  int
	// Abandoned is set when the conversation was closed by a repair pass
	// instead of by its own session.
	Abandoned bool
}

// Iteration is one stored submission or outcome.
type Iteration struct {
	ID             string
	ConversationID string
	Iteration      int
	Stage          string
	Task           string
	Message        string
	JobID          string
	Succeeded      bool
	Reason         string
	Remaining      int
	Total          int
	Files          int
	RecordedAt     time.Time
}

// Decision is the latest reviewer verdict on one path.
type Decision struct {
	ID             string
	ConversationID string
	Path           string
	Accepted       bool
	DecidedAt      time.Time
}

// ConversationDetail is a conversation with its iterations and decisions.
type ConversationDetail struct {
	Conversation
	Iterations []Iteration
	Decisions  []Decision
}

// SQLiteStore implements session.Recorder using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Open opens the store and applies migrations.
func Open(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- session.Recorder ---

// ConversationStarted implements session.Recorder.
func (s *SQLiteStore) ConversationStarted(ctx context.Context, record session.ConversationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, tab_id, approach, retry_limit, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		record.ConversationID, record.TabID, record.Approach, record.RetryLimit, record.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record conversation start: %w", err)
	}
	return nil
}

// IterationRecorded implements session.Recorder.
func (s *SQLiteStore) IterationRecorded(ctx context.Context, record session.IterationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO iterations (id, conversation_id, iteration, stage, task, message, job_id, succeeded, reason, remaining, total, files, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newULID(), record.ConversationID, record.Iteration, record.Stage, record.Task, record.Message,
		record.JobID, boolToInt(record.Succeeded), record.Reason, record.Remaining, record.Total, record.Files,
		record.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record iteration: %w", err)
	}
	return nil
}

// DecisionRecorded implements session.Recorder. A later verdict on the same
// path replaces the earlier one.
func (s *SQLiteStore) DecisionRecorded(ctx context.Context, record session.DecisionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, conversation_id, path, accepted, decided_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, path) DO UPDATE SET accepted = excluded.accepted, decided_at = excluded.decided_at`,
		newULID(), record.ConversationID, record.Path, boolToInt(record.Accepted), record.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// ConversationClosed implements session.Recorder.
func (s *SQLiteStore) ConversationClosed(ctx context.Context, conversationID string, processed diffmetrics.Processed) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET closed_at = ?, accepted_count = ?, generated_count = ? WHERE id = ?`,
		time.Now().UTC(), len(processed.Accepted), len(processed.Generated), conversationID,
	)
	if err != nil {
		return fmt.Errorf("record conversation close: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record conversation close %s: %w", conversationID, ErrNotFound)
	}
	return nil
}

// --- queries ---

// ListConversations returns the most recent conversations first.
func (s *SQLiteStore) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tab_id, approach, retry_limit, started_at, closed_at, accepted_count, generated_count, abandoned
		FROM conversations ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// OpenConversations returns conversations that were never closed and started
// before the given time, oldest first.
func (s *SQLiteStore) OpenConversations(ctx context.Context, startedBefore time.Time) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tab_id, approach, retry_limit, started_at, closed_at, accepted_count, generated_count, abandoned
		FROM conversations WHERE closed_at IS NULL AND started_at < ? ORDER BY started_at, id`, startedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list open conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkAbandoned closes a conversation whose session never did.
func (s *SQLiteStore) MarkAbandoned(ctx context.Context, conversationID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET closed_at = ?, abandoned = 1 WHERE id = ? AND closed_at IS NULL`,
		at.UTC(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("mark conversation abandoned: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("mark conversation abandoned %s: %w", conversationID, ErrNotFound)
	}
	return nil
}

// GetConversation returns one conversation with its iterations and decisions.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*ConversationDetail, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tab_id, approach, retry_limit, started_at, closed_at, accepted_count, generated_count, abandoned
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	detail := &ConversationDetail{Conversation: c}
	if detail.Iterations, err = s.listIterations(ctx, id); err != nil {
		return nil, err
	}
	if detail.Decisions, err = s.listDecisions(ctx, id); err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *SQLiteStore) listIterations(ctx context.Context, conversationID string) ([]Iteration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, iteration, stage, task, message, job_id, succeeded, reason, remaining, total, files, recorded_at
		FROM iterations WHERE conversation_id = ? ORDER BY recorded_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	var out []Iteration
	for rows.Next() {
		var it Iteration
		if err := rows.Scan(&it.ID, &it.ConversationID, &it.Iteration, &it.Stage, &it.Task, &it.Message,
			&it.JobID, &it.Succeeded, &it.Reason, &it.Remaining, &it.Total, &it.Files, &it.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) listDecisions(ctx context.Context, conversationID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, path, accepted, decided_at
		FROM decisions WHERE conversation_id = ? ORDER BY path`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.ConversationID, &d.Path, &d.Accepted, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var closedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.TabID, &c.Approach, &c.RetryLimit, &c.StartedAt, &closedAt, &c.Accepted, &c.Generated, &c.Abandoned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, err
		}
		return Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	if closedAt.Valid {
		t := closedAt.Time
		c.ClosedAt = &t
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newULID() string {
	return ulid.Make().String()
}

var _ session.Recorder = (*SQLiteStore)(nil)
