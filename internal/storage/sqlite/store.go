package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage"
)

const allowlistKey = "tool_policy_allowlist"

// Store is a SQLite implementation of AdminStore and EventStore
type Store struct {
	db *sql.DB
}

var (
	_ storage.AdminStore = (*Store)(nil)
	_ storage.EventStore = (*Store)(nil)
)

// New creates a new SQLite store
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS experts (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_layers (
			project_id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS profile_layers (
			user_id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_policies (
			id TEXT PRIMARY KEY,
			backend TEXT NOT NULL,
			tool TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 0,
			safety_note TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL,
			UNIQUE (backend, tool)
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS output_templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			instructions TEXT NOT NULL,
			required_sections TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_credentials (
			user_id TEXT NOT NULL,
			backend TEXT NOT NULL,
			api_key TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, backend)
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			request_id TEXT PRIMARY KEY,
			user_id TEXT,
			model TEXT NOT NULL,
			backend TEXT NOT NULL,
			streaming INTEGER NOT NULL DEFAULT 0,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			usage_estimated INTEGER NOT NULL DEFAULT 0,
			executed_tools TEXT,
			outcome TEXT NOT NULL,
			error_message TEXT,
			duration_ns INTEGER NOT NULL,
			created_at_ns INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_policies_backend ON tool_policies(backend)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at_ns)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

func (s *Store) text(ctx context.Context, query, key string) (string, error) {
	var out string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query: %w", err)
	}
	return out, nil
}

func (s *Store) ExpertPrompt(ctx context.Context, expertID string) (string, error) {
	return s.text(ctx, `SELECT prompt FROM experts WHERE id = ?`, expertID)
}

func (s *Store) KnowledgeLayer(ctx context.Context, projectID string) (string, error) {
	return s.text(ctx, `SELECT content FROM knowledge_layers WHERE project_id = ?`, projectID)
}

func (s *Store) ProfileLayer(ctx context.Context, userID string) (string, error) {
	return s.text(ctx, `SELECT content FROM profile_layers WHERE user_id = ?`, userID)
}

func (s *Store) ListToolPolicies(ctx context.Context, backend domain.Backend) ([]domain.ToolPolicy, error) {
	query := `SELECT id, tool, enabled, safety_note
	          FROM tool_policies WHERE backend = ?
	          ORDER BY tool ASC`

	rows, err := s.db.QueryContext(ctx, query, backend.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query tool policies: %w", err)
	}
	defer rows.Close()

	var policies []domain.ToolPolicy
	for rows.Next() {
		p := domain.ToolPolicy{Backend: backend}
		if err := rows.Scan(&p.ID, &p.Tool, &p.Enabled, &p.SafetyNote); err != nil {
			return nil, fmt.Errorf("failed to scan tool policy: %w", err)
		}
		policies = append(policies, p)
	}

	return policies, rows.Err()
}

func (s *Store) ActiveToolPolicyAllowlist(ctx context.Context) (map[string]struct{}, error) {
	raw, err := s.text(ctx, `SELECT value FROM settings WHERE key = ?`, allowlistKey)
	if err != nil || raw == "" {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("failed to unmarshal allowlist: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *Store) OutputTemplate(ctx context.Context, id string) (*storage.OutputTemplate, error) {
	query := `SELECT id, name, instructions, required_sections
	          FROM output_templates WHERE id = ?`

	var t storage.OutputTemplate
	var sections string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Name, &t.Instructions, &sections)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	if err := json.Unmarshal([]byte(sections), &t.RequiredSections); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sections: %w", err)
	}
	return &t, nil
}

func (s *Store) UserCredential(ctx context.Context, userID string, backend domain.Backend) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM user_credentials WHERE user_id = ? AND backend = ?`,
		userID, backend.String()).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get credential: %w", err)
	}
	return key, nil
}

func (s *Store) SetExpertPrompt(ctx context.Context, expertID, prompt string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experts (id, prompt, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET prompt = excluded.prompt, updated_at = excluded.updated_at`,
		expertID, prompt, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save expert: %w", err)
	}
	return nil
}

func (s *Store) SetKnowledgeLayer(ctx context.Context, projectID, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_layers (project_id, content, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		projectID, text, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save knowledge layer: %w", err)
	}
	return nil
}

func (s *Store) SetProfileLayer(ctx context.Context, userID, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profile_layers (user_id, content, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		userID, text, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save profile layer: %w", err)
	}
	return nil
}

func (s *Store) UpsertToolPolicy(ctx context.Context, p domain.ToolPolicy) (domain.ToolPolicy, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return p, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tool_policies WHERE backend = ? AND tool = ?`,
		p.Backend.String(), p.Tool).Scan(&existing)
	switch {
	case err == nil:
		p.ID = existing
	case errors.Is(err, sql.ErrNoRows):
		if p.ID == "" {
			p.ID = storage.PolicyID(p.Backend, p.Tool)
		}
	default:
		return p, fmt.Errorf("failed to look up tool policy: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tool_policies (id, backend, tool, enabled, safety_note, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   enabled = excluded.enabled,
		   safety_note = excluded.safety_note,
		   updated_at = excluded.updated_at`,
		p.ID, p.Backend.String(), p.Tool, p.Enabled, p.SafetyNote, time.Now())
	if err != nil {
		return p, fmt.Errorf("failed to save tool policy: %w", err)
	}

	return p, tx.Commit()
}

func (s *Store) SetToolPolicyAllowlist(ctx context.Context, ids []string) error {
	if ids == nil {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, allowlistKey); err != nil {
			return fmt.Errorf("failed to clear allowlist: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal allowlist: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		allowlistKey, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save allowlist: %w", err)
	}
	return nil
}

func (s *Store) PutOutputTemplate(ctx context.Context, t *storage.OutputTemplate) error {
	if t.ID == "" {
		return fmt.Errorf("template id is required")
	}
	sections := t.RequiredSections
	if sections == nil {
		sections = []string{}
	}
	raw, err := json.Marshal(sections)
	if err != nil {
		return fmt.Errorf("failed to marshal sections: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO output_templates (id, name, instructions, required_sections, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   instructions = excluded.instructions,
		   required_sections = excluded.required_sections,
		   updated_at = excluded.updated_at`,
		t.ID, t.Name, t.Instructions, string(raw), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

func (s *Store) SetUserCredential(ctx context.Context, userID string, backend domain.Backend, apiKey string) error {
	if apiKey == "" {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM user_credentials WHERE user_id = ? AND backend = ?`,
			userID, backend.String())
		if err != nil {
			return fmt.Errorf("failed to delete credential: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_credentials (user_id, backend, api_key, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, backend) DO UPDATE SET api_key = excluded.api_key, updated_at = excluded.updated_at`,
		userID, backend.String(), apiKey, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

func (s *Store) SaveInteraction(ctx context.Context, in *domain.Interaction) error {
	tools, err := json.Marshal(in.ExecutedTools)
	if err != nil {
		return fmt.Errorf("failed to marshal executed tools: %w", err)
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interactions (
			request_id, user_id, model, backend, streaming,
			prompt_tokens, completion_tokens, total_tokens, usage_estimated,
			executed_tools, outcome, error_message, duration_ns, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.RequestID, in.UserID, in.Model, in.Backend.String(), in.Streaming,
		in.Usage.PromptTokens, in.Usage.CompletionTokens, in.Usage.TotalTokens, in.Usage.Estimated,
		string(tools), string(in.Outcome), in.Error, int64(in.Duration), createdAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save interaction: %w", err)
	}
	return nil
}

func (s *Store) ListInteractions(ctx context.Context, opts storage.ListOptions) ([]*domain.Interaction, error) {
	limit := opts.Limit
	if limit == 0 {
		limit = 100 // default limit
	}
	var since int64
	if !opts.Since.IsZero() {
		since = opts.Since.UnixNano()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, user_id, model, backend, streaming,
		        prompt_tokens, completion_tokens, total_tokens, usage_estimated,
		        executed_tools, outcome, error_message, duration_ns, created_at_ns
		 FROM interactions
		 WHERE (? = '' OR user_id = ?) AND created_at_ns >= ?
		 ORDER BY created_at_ns DESC
		 LIMIT ?`,
		opts.UserID, opts.UserID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()

	var result []*domain.Interaction
	for rows.Next() {
		var (
			in        domain.Interaction
			userID    sql.NullString
			backend   string
			tools     sql.NullString
			outcome   string
			errMsg    sql.NullString
			duration  int64
			createdAt int64
		)
		if err := rows.Scan(&in.RequestID, &userID, &in.Model, &backend, &in.Streaming,
			&in.Usage.PromptTokens, &in.Usage.CompletionTokens, &in.Usage.TotalTokens, &in.Usage.Estimated,
			&tools, &outcome, &errMsg, &duration, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}

		in.UserID = userID.String
		in.Outcome = domain.InteractionOutcome(outcome)
		in.Error = errMsg.String
		in.Duration = time.Duration(duration)
		in.CreatedAt = time.Unix(0, createdAt)
		if in.Backend, err = domain.ParseBackend(backend); err != nil {
			return nil, err
		}
		if tools.Valid && tools.String != "" {
			if err := json.Unmarshal([]byte(tools.String), &in.ExecutedTools); err != nil {
				return nil, fmt.Errorf("failed to unmarshal executed tools: %w", err)
			}
		}
		result = append(result, &in)
	}

	return result, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
