package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/ralph/internal/types"
)

// TranscriptDB archives every recorded message in SQLite so transcripts of
// earlier runs survive restarts and Recorder resets.
type TranscriptDB struct {
	db *sql.DB
}

// OpenTranscriptDB opens or creates the database at path and applies migrations.
func OpenTranscriptDB(path string) (*TranscriptDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create transcript db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	// One writer at a time; the loop and the HTTP server share the handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	t := &TranscriptDB{db: db}
	if err := t.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript db: %w", err)
	}
	return t, nil
}

func (t *TranscriptDB) Close() error { return t.db.Close() }

func (t *TranscriptDB) migrate() error {
	if _, err := t.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var version int
	if err := t.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return fmt.Errorf("get migration version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, transcriptsV1},
	}
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if _, err := t.db.Exec(m.sql); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
		if _, err := t.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

const transcriptsV1 = `
CREATE TABLE IF NOT EXISTS transcript_messages (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    target TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    iteration INTEGER NOT NULL DEFAULT 0,
    story_id TEXT,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    tokens INTEGER NOT NULL DEFAULT 0,
    tool_calls TEXT,
    tool_results TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcript_run ON transcript_messages(run_id, conversation_id, created_at);
`

// SaveMessage implements TranscriptSink.
func (t *TranscriptDB) SaveMessage(ctx context.Context, rec TranscriptRecord) error {
	calls, err := marshalOptional(rec.Message.ToolCalls)
	if err != nil {
		return err
	}
	results, err := marshalOptional(rec.Message.ToolResults)
	if err != nil {
		return err
	}
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO transcript_messages
			(id, run_id, target, conversation_id, kind, iteration, story_id, role, content, tokens, tool_calls, tool_results, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Message.ID), string(rec.RunID), string(rec.Target), string(rec.ConversationID),
		string(rec.Kind), rec.Iteration, rec.StoryID, string(rec.Message.Role), rec.Message.Content,
		rec.Message.Tokens, calls, results, rec.Message.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert transcript message: %w", err)
	}
	return nil
}

func marshalOptional(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case []types.ToolCall:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case []types.ToolResult:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal tool data: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// RunConversations rebuilds the conversations of a past run, orchestrator first
// and subagents ordered by iteration.
func (t *TranscriptDB) RunConversations(ctx context.Context, runID types.RunID) ([]types.Conversation, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, conversation_id, kind, iteration, COALESCE(story_id, ''), role, content, tokens,
		       COALESCE(tool_calls, ''), COALESCE(tool_results, ''), created_at
		FROM transcript_messages
		WHERE run_id = ?
		ORDER BY kind ASC, iteration ASC, created_at ASC`, string(runID))
	if err != nil {
		return nil, fmt.Errorf("query transcripts: %w", err)
	}
	defer rows.Close()

	var out []types.Conversation
	index := make(map[types.ConversationID]int)
	for rows.Next() {
		var id, convID, kind, storyID, role, content, calls, results, created string
		var iteration, tokens int
		if err := rows.Scan(&id, &convID, &kind, &iteration, &storyID, &role, &content, &tokens, &calls, &results, &created); err != nil {
			return nil, fmt.Errorf("scan transcript row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse transcript timestamp: %w", err)
		}
		m := types.Message{
			ID:        types.MessageID(id),
			Role:      types.Role(role),
			Content:   content,
			Timestamp: ts,
			Tokens:    tokens,
		}
		if calls != "" {
			if err := json.Unmarshal([]byte(calls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if results != "" {
			if err := json.Unmarshal([]byte(results), &m.ToolResults); err != nil {
				return nil, fmt.Errorf("unmarshal tool results: %w", err)
			}
		}

		i, ok := index[types.ConversationID(convID)]
		if !ok {
			conv := types.Conversation{
				ID:        types.ConversationID(convID),
				Type:      types.ConversationKind(kind),
				RunID:     runID,
				StoryID:   storyID,
				Messages:  []types.Message{},
				CreatedAt: ts,
			}
			if conv.Type == types.ConversationSubagent {
				it := iteration
				conv.Iteration = &it
			}
			out = append(out, conv)
			i = len(out) - 1
			index[conv.ID] = i
		}
		out[i].Messages = append(out[i].Messages, m)
		out[i].UpdatedAt = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcripts: %w", err)
	}
	return out, nil
}
