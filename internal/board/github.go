package board

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// commandTimeout bounds every gh invocation used for board side effects.
const commandTimeout = 15 * time.Second

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w\noutput: %s", name, strings.Join(args, " "), err, out)
	}
	return out, nil
}

// GitHub drives a GitHub Projects (v2) board through the gh CLI.
type GitHub struct {
	owner         string
	repo          string // owner/repo for issue creation
	projectNumber int
	run           commandRunner
}

// NewGitHub creates a gh-CLI board client. repo is "owner/repo".
func NewGitHub(owner, repo string, projectNumber int) *GitHub {
	return &GitHub{owner: owner, repo: repo, projectNumber: projectNumber, run: execRunner}
}

var issueURLNumRe = regexp.MustCompile(`/issues/(\d+)\s*$`)

// CreateIssue files a repo issue, adds it to the project, and tries to
// place it in the requested column. A failed column move is logged, not
// fatal; the caller sees the column the issue actually landed in.
func (g *GitHub) CreateIssue(ctx context.Context, title, body, column string) (Issue, error) {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := g.run(cctx, "gh", "issue", "create", "-R", g.repo, "--title", title, "--body", body)
	if err != nil {
		return Issue{}, fmt.Errorf("board: create issue: %w", err)
	}
	url := strings.TrimSpace(string(out))
	m := issueURLNumRe.FindStringSubmatch(url)
	if m == nil {
		return Issue{}, fmt.Errorf("board: unexpected gh issue create output: %q", url)
	}
	number, _ := strconv.Atoi(m[1])
	issue := Issue{Number: number, Title: title, URL: url}

	actx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if _, err := g.run(actx, "gh", "project", "item-add", strconv.Itoa(g.projectNumber),
		"--owner", g.owner, "--url", url); err != nil {
		return issue, fmt.Errorf("board: add issue %d to project: %w", number, err)
	}

	if column != "" {
		if err := g.MoveIssue(ctx, number, column); err != nil {
			slog.Warn("board column move failed after create", "issue", number, "column", column, "error", err)
			return issue, nil
		}
		issue.Column = column
	}
	return issue, nil
}

// MoveIssue sets the Status single-select of the project item tracking the
// issue. Three gh calls: resolve the item, resolve the Status option, edit.
func (g *GitHub) MoveIssue(ctx context.Context, number int, column string) error {
	itemID, projectID, err := g.findItem(ctx, number)
	if err != nil {
		return err
	}
	fieldID, optionID, err := g.findStatusOption(ctx, column)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	_, err = g.run(cctx, "gh", "project", "item-edit",
		"--id", itemID,
		"--project-id", projectID,
		"--field-id", fieldID,
		"--single-select-option-id", optionID)
	if err != nil {
		return fmt.Errorf("board: move issue %d to %q: %w", number, column, err)
	}
	return nil
}

func (g *GitHub) findItem(ctx context.Context, number int) (itemID, projectID string, err error) {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := g.run(cctx, "gh", "project", "item-list", strconv.Itoa(g.projectNumber),
		"--owner", g.owner, "--format", "json", "--limit", "200")
	if err != nil {
		return "", "", fmt.Errorf("board: list project items: %w", err)
	}

	var payload struct {
		Items []struct {
			ID      string `json:"id"`
			Content struct {
				Number int `json:"number"`
			} `json:"content"`
		} `json:"items"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return "", "", fmt.Errorf("board: parse item list: %w", err)
	}
	for _, item := range payload.Items {
		if item.Content.Number == number {
			pid, err := g.projectID(ctx)
			if err != nil {
				return "", "", err
			}
			return item.ID, pid, nil
		}
	}
	return "", "", fmt.Errorf("board: issue %d not on project %d", number, g.projectNumber)
}

func (g *GitHub) projectID(ctx context.Context) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := g.run(cctx, "gh", "project", "view", strconv.Itoa(g.projectNumber),
		"--owner", g.owner, "--format", "json")
	if err != nil {
		return "", fmt.Errorf("board: view project: %w", err)
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return "", fmt.Errorf("board: parse project view: %w", err)
	}
	return payload.ID, nil
}

func (g *GitHub) findStatusOption(ctx context.Context, column string) (fieldID, optionID string, err error) {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := g.run(cctx, "gh", "project", "field-list", strconv.Itoa(g.projectNumber),
		"--owner", g.owner, "--format", "json")
	if err != nil {
		return "", "", fmt.Errorf("board: list fields: %w", err)
	}

	var payload struct {
		Fields []struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Options []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"options"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return "", "", fmt.Errorf("board: parse field list: %w", err)
	}
	for _, field := range payload.Fields {
		if !strings.EqualFold(field.Name, "Status") {
			continue
		}
		for _, opt := range field.Options {
			if strings.EqualFold(opt.Name, column) {
				return field.ID, opt.ID, nil
			}
		}
		return "", "", fmt.Errorf("board: column %q not on Status field", column)
	}
	return "", "", fmt.Errorf("board: project %d has no Status field", g.projectNumber)
}

// CloseIssue closes a repo issue via gh. repo is "owner/repo".
func CloseIssue(ctx context.Context, run commandRunner, repo string, number int) error {
	if run == nil {
		run = execRunner
	}
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if _, err := run(cctx, "gh", "issue", "close", strconv.Itoa(number), "-R", repo); err != nil {
		return fmt.Errorf("board: close issue %d: %w", number, err)
	}
	return nil
}
