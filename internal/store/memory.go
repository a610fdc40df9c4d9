package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MemoryStore persists per-(persona, project) memory text. Reads are
// best-effort: callers must never block a reply on them.
type MemoryStore struct {
	db *sql.DB
}

// Get returns the persona's memory for a project, or "" when absent.
func (m *MemoryStore) Get(ctx context.Context, personaName, projectSlug string) (string, error) {
	var memory string
	err := m.db.QueryRowContext(ctx, `
		SELECT memory FROM agent_memories
		WHERE persona_name = ? AND project_slug = ?`, personaName, projectSlug).Scan(&memory)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get memory %s/%s: %w", personaName, projectSlug, err)
	}
	return memory, nil
}

// Set overwrites the persona's memory for a project.
func (m *MemoryStore) Set(ctx context.Context, personaName, projectSlug, memory string) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO agent_memories (persona_name, project_slug, memory, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(persona_name, project_slug) DO UPDATE SET
			memory = excluded.memory, updated_at = excluded.updated_at`,
		personaName, projectSlug, memory, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: set memory %s/%s: %w", personaName, projectSlug, err)
	}
	return nil
}
