// Package board integrates with the team's issue board. The concrete
// provider shells out to the gh CLI; everything else programs against the
// Provider interface so tests inject fakes.
package board

import (
	"context"
	"errors"
)

// Issue is a board-tracked issue.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Column string `json:"column"`
}

// Provider creates and moves board issues.
type Provider interface {
	CreateIssue(ctx context.Context, title, body, column string) (Issue, error)
	MoveIssue(ctx context.Context, number int, column string) error
}

// ErrNotConfigured is returned when no board is set up.
var ErrNotConfigured = errors.New("board: not configured")

// Columns used by the orchestration layer.
const (
	ColumnReady      = "Ready"
	ColumnInProgress = "In Progress"
)
