package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Discussion statuses.
const (
	StatusActive    = "active"
	StatusConsensus = "consensus"
	StatusBlocked   = "blocked"
)

// Consensus results.
const (
	ResultApproved         = "approved"
	ResultChangesRequested = "changes_requested"
	ResultHumanNeeded      = "human_needed"
)

// Discussion is a multi-round persona conversation anchored on one chat
// thread. Rows are never deleted; terminal rows back the replay guard.
type Discussion struct {
	ID              string
	ProjectPath     string
	TriggerType     string
	TriggerRef      string
	ChannelID       string
	ThreadAnchor    string
	Status          string
	Round           int
	Participants    []string // persona ids, in speaking order
	ConsensusResult string   // empty until terminal
	RepliesUsed     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Terminal reports whether the discussion has left the active state.
func (d *Discussion) Terminal() bool { return d.Status != StatusActive }

// HasParticipant reports whether the persona already contributed.
func (d *Discussion) HasParticipant(personaID string) bool {
	for _, id := range d.Participants {
		if id == personaID {
			return true
		}
	}
	return false
}

// DiscussionStore persists discussions.
type DiscussionStore struct {
	db *sql.DB
}

const discussionCols = `id, project_path, trigger_type, trigger_ref, channel_id, thread_anchor,
	status, round, participants, consensus_result, replies_used, created_at, updated_at`

// Create inserts a new discussion row.
func (ds *DiscussionStore) Create(ctx context.Context, d *Discussion) error {
	participants, err := json.Marshal(d.Participants)
	if err != nil {
		return fmt.Errorf("store: marshal participants: %w", err)
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err = ds.db.ExecContext(ctx, `
		INSERT INTO slack_discussions (`+discussionCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ProjectPath, d.TriggerType, d.TriggerRef, d.ChannelID, d.ThreadAnchor,
		d.Status, d.Round, string(participants), nullable(d.ConsensusResult), d.RepliesUsed,
		d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create discussion: %w", err)
	}
	return nil
}

// Update rewrites the mutable discussion fields.
func (ds *DiscussionStore) Update(ctx context.Context, d *Discussion) error {
	participants, err := json.Marshal(d.Participants)
	if err != nil {
		return fmt.Errorf("store: marshal participants: %w", err)
	}
	d.UpdatedAt = time.Now().UTC()
	_, err = ds.db.ExecContext(ctx, `
		UPDATE slack_discussions SET
			thread_anchor = ?, status = ?, round = ?, participants = ?,
			consensus_result = ?, replies_used = ?, updated_at = ?
		WHERE id = ?`,
		d.ThreadAnchor, d.Status, d.Round, string(participants),
		nullable(d.ConsensusResult), d.RepliesUsed, d.UpdatedAt, d.ID)
	if err != nil {
		return fmt.Errorf("store: update discussion %s: %w", d.ID, err)
	}
	return nil
}

// Get returns a discussion by id, or nil when absent.
func (ds *DiscussionStore) Get(ctx context.Context, id string) (*Discussion, error) {
	row := ds.db.QueryRowContext(ctx,
		`SELECT `+discussionCols+` FROM slack_discussions WHERE id = ?`, id)
	return scanDiscussion(row)
}

// Latest returns the most recent discussion for a trigger key, or nil.
func (ds *DiscussionStore) Latest(ctx context.Context, projectPath, triggerType, triggerRef string) (*Discussion, error) {
	row := ds.db.QueryRowContext(ctx, `
		SELECT `+discussionCols+` FROM slack_discussions
		WHERE project_path = ? AND trigger_type = ? AND trigger_ref = ?
		ORDER BY created_at DESC LIMIT 1`,
		projectPath, triggerType, triggerRef)
	return scanDiscussion(row)
}

// ActiveByAnchor returns the active discussion anchored on a thread, or nil.
func (ds *DiscussionStore) ActiveByAnchor(ctx context.Context, channelID, threadAnchor string) (*Discussion, error) {
	row := ds.db.QueryRowContext(ctx, `
		SELECT `+discussionCols+` FROM slack_discussions
		WHERE channel_id = ? AND thread_anchor = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		channelID, threadAnchor, StatusActive)
	return scanDiscussion(row)
}

func scanDiscussion(row *sql.Row) (*Discussion, error) {
	var (
		d            Discussion
		participants string
		result       sql.NullString
	)
	err := row.Scan(&d.ID, &d.ProjectPath, &d.TriggerType, &d.TriggerRef, &d.ChannelID,
		&d.ThreadAnchor, &d.Status, &d.Round, &participants, &result, &d.RepliesUsed,
		&d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan discussion: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &d.Participants); err != nil {
		return nil, fmt.Errorf("store: discussion %s participants: %w", d.ID, err)
	}
	d.ConsensusResult = result.String
	return &d, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
