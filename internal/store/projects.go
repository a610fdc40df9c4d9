package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Project is a registered repository the bot watches and works in.
type Project struct {
	Path      string // absolute working directory
	Name      string // short slug used in hints and prompts
	ChannelID string // home chat channel
	Repo      string // "<owner>/<repo>" on the code host
}

// ProjectStore persists the project registry.
type ProjectStore struct {
	db *sql.DB
}

// All returns every registered project.
func (p *ProjectStore) All(ctx context.Context) ([]Project, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT path, name, channel_id, repo FROM project_registry ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: query projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var pr Project
		if err := rows.Scan(&pr.Path, &pr.Name, &pr.ChannelID, &pr.Repo); err != nil {
			return nil, fmt.Errorf("store: scan project: %w", err)
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

// Upsert inserts or refreshes a project row.
func (p *ProjectStore) Upsert(ctx context.Context, pr Project) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO project_registry (path, name, channel_id, repo, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name = excluded.name, channel_id = excluded.channel_id,
			repo = excluded.repo, updated_at = excluded.updated_at`,
		pr.Path, pr.Name, pr.ChannelID, pr.Repo, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: upsert project %s: %w", pr.Path, err)
	}
	return nil
}
