package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// DATABASE/SQL IMPLEMENTATION
// ============================================================================

// SQLStore implements the persistence contracts over database/sql. It works
// against sqlite3, postgres, and mysql drivers; queries are written with `?`
// placeholders and rebound for postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore opens a database handle and bootstraps the schema.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLStore{db: db, driver: driver}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(128) PRIMARY KEY,
			agent_name VARCHAR(255) NOT NULL,
			user_id VARCHAR(128),
			current_crew_member VARCHAR(255),
			metadata TEXT,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			conversation_id VARCHAR(128) NOT NULL,
			seq INTEGER NOT NULL,
			role VARCHAR(32) NOT NULL,
			content TEXT,
			created_at TIMESTAMP,
			PRIMARY KEY (conversation_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS context_documents (
			user_id VARCHAR(128) NOT NULL,
			conversation_id VARCHAR(128) NOT NULL DEFAULT '',
			namespace VARCHAR(255) NOT NULL,
			document TEXT,
			PRIMARY KEY (user_id, conversation_id, namespace)
		)`,
		`CREATE TABLE IF NOT EXISTS crew_prompts (
			agent_name VARCHAR(255) NOT NULL,
			crew_name VARCHAR(255) NOT NULL,
			prompt TEXT,
			transition_system_prompt TEXT,
			active INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (agent_name, crew_name, version)
		)`,
		`CREATE TABLE IF NOT EXISTS crew_configs (
			agent_name VARCHAR(255) NOT NULL,
			crew_name VARCHAR(255) NOT NULL,
			config TEXT,
			PRIMARY KEY (agent_name, crew_name)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema bootstrap failed: %w", err)
		}
	}
	return nil
}

// rebind converts `?` placeholders to `$N` for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
		} else {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// GetOrCreate loads a conversation, creating it when absent.
func (s *SQLStore) GetOrCreate(ctx context.Context, id, agentName string) (*Conversation, error) {
	conv, err := s.getConversation(ctx, id)
	if err == nil {
		return conv, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO conversations (id, agent_name, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		id, agentName, "{}", now, now)
	if err != nil {
		// Lost a create race; the row exists now.
		if conv, selErr := s.getConversation(ctx, id); selErr == nil {
			return conv, nil
		}
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return &Conversation{
		ID:        id,
		AgentName: agentName,
		Metadata:  make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLStore) getConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, agent_name, COALESCE(user_id, ''), COALESCE(current_crew_member, ''), COALESCE(metadata, '{}'), created_at, updated_at
		 FROM conversations WHERE id = ?`), id)

	var conv Conversation
	var metadata string
	if err := row.Scan(&conv.ID, &conv.AgentName, &conv.UserID, &conv.CurrentCrewMember, &metadata, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	conv.Metadata = make(map[string]any)
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode conversation metadata: %w", err)
		}
	}

	return &conv, nil
}

// History returns the most recent messages, oldest first.
func (s *SQLStore) History(ctx context.Context, id string, limit int) ([]StoredMessage, error) {
	query := `SELECT role, content, created_at FROM conversation_messages WHERE conversation_id = ? ORDER BY seq DESC`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var history []StoredMessage
	for rows.Next() {
		var msg StoredMessage
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		history = append(history, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// AppendMessage appends one message to the conversation history.
func (s *SQLStore) AppendMessage(ctx context.Context, id, role, content string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO conversation_messages (conversation_id, seq, role, content, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(m.seq), 0) + 1 FROM conversation_messages m WHERE m.conversation_id = ?), ?, ?, ?)`),
		id, id, role, content, time.Now())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// SetCurrentCrew updates the conversation's current crew member.
func (s *SQLStore) SetCurrentCrew(ctx context.Context, id, crewName string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE conversations SET current_crew_member = ?, updated_at = ? WHERE id = ?`),
		crewName, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update current crew: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMetadata shallow-merges patch into the conversation metadata.
func (s *SQLStore) UpdateMetadata(ctx context.Context, id string, patch map[string]any) error {
	conv, err := s.getConversation(ctx, id)
	if err != nil {
		return err
	}

	for key, value := range patch {
		conv.Metadata[key] = value
	}
	encoded, err := json.Marshal(conv.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE conversations SET metadata = ?, updated_at = ? WHERE id = ?`),
		string(encoded), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	return nil
}

// GetDocument returns a namespaced context document.
func (s *SQLStore) GetDocument(ctx context.Context, userID, conversationID, namespace string) (map[string]any, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT document FROM context_documents WHERE user_id = ? AND conversation_id = ? AND namespace = ?`),
		userID, conversationID, namespace)

	var encoded string
	if err := row.Scan(&encoded); err != nil {
		if err == sql.ErrNoRows {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to load context document: %w", err)
	}

	doc := make(map[string]any)
	if err := json.Unmarshal([]byte(encoded), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode context document: %w", err)
	}
	return doc, nil
}

// PutDocument stores a namespaced context document.
func (s *SQLStore) PutDocument(ctx context.Context, userID, conversationID, namespace string, doc map[string]any) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode context document: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM context_documents WHERE user_id = ? AND conversation_id = ? AND namespace = ?`),
		userID, conversationID, namespace); err != nil {
		return fmt.Errorf("failed to replace context document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO context_documents (user_id, conversation_id, namespace, document) VALUES (?, ?, ?, ?)`),
		userID, conversationID, namespace, string(encoded)); err != nil {
		return fmt.Errorf("failed to store context document: %w", err)
	}

	return tx.Commit()
}

// ActiveVersion returns the active stored prompt version for a crew.
func (s *SQLStore) ActiveVersion(ctx context.Context, agentName, crewName string) (*PromptVersion, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT prompt, COALESCE(transition_system_prompt, '') FROM crew_prompts
		 WHERE agent_name = ? AND crew_name = ? AND active = 1
		 ORDER BY version DESC LIMIT 1`),
		agentName, crewName)

	var version PromptVersion
	if err := row.Scan(&version.Prompt, &version.TransitionSystemPrompt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load prompt version: %w", err)
	}
	return &version, nil
}

// CrewConfigs returns the database-sourced crew envelopes for an agent.
func (s *SQLStore) CrewConfigs(ctx context.Context, agentName string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT config FROM crew_configs WHERE agent_name = ?`), agentName)
	if err != nil {
		return nil, fmt.Errorf("failed to load crew configs: %w", err)
	}
	defer rows.Close()

	var envelopes []map[string]any
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("failed to scan crew config: %w", err)
		}
		envelope := make(map[string]any)
		if err := json.Unmarshal([]byte(encoded), &envelope); err != nil {
			// Malformed envelopes are skipped, not fatal.
			continue
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, rows.Err()
}
