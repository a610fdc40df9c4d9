package board

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nightwatchhq/nightwatch/internal/chat"
	"github.com/nightwatchhq/nightwatch/internal/humanize"
	"github.com/nightwatchhq/nightwatch/internal/parse"
)

// Poster is the slice of the chat transport the integration needs.
type Poster interface {
	PostAs(ctx context.Context, channel, text string, persona chat.PersonaIdentity, threadTS string) (chat.PostRef, error)
}

// Completer produces one LLM completion; used for audit triage.
type Completer func(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)

const inlineWriteupLimit = 1200

// Integration couples board writes to the chat surface: every board
// mutation ends with exactly one user-visible line, and a failed create
// degrades to an inline writeup so the finding is not lost.
type Integration struct {
	provider Provider // nil when no board is configured
	poster   Poster
	selfExe  string // path to this binary, for the move-issue CLI fallback
	run      commandRunner
}

// NewIntegration wires the board. provider may be nil.
func NewIntegration(provider Provider, poster Poster, selfExe string) *Integration {
	return &Integration{provider: provider, poster: poster, selfExe: selfExe, run: execRunner}
}

// Configured reports whether a board provider is wired.
func (i *Integration) Configured() bool { return i.provider != nil }

// OpenIssueFromTrigger files the finding of an approved code-watch
// discussion as a board issue in the In Progress column. If issue creation
// fails (or no board is configured) the writeup is posted inline instead,
// truncated to keep the thread readable.
func (i *Integration) OpenIssueFromTrigger(ctx context.Context, triggerContext, channel, threadTS string, persona chat.PersonaIdentity) {
	title := parse.CodeWatchIssueTitle(triggerContext)

	if i.provider == nil {
		i.postInlineWriteup(ctx, title, triggerContext, channel, threadTS, persona)
		return
	}

	issue, err := i.provider.CreateIssue(ctx, title, triggerContext, ColumnInProgress)
	if err != nil {
		slog.Warn("board issue create failed, posting inline", "title", title, "error", err)
		i.postInlineWriteup(ctx, title, triggerContext, channel, threadTS, persona)
		return
	}
	if issue.Column != ColumnInProgress {
		if err := i.provider.MoveIssue(ctx, issue.Number, ColumnInProgress); err != nil {
			slog.Warn("board column move failed", "issue", issue.Number, "error", err)
		}
	}

	line := fmt.Sprintf("Filed it: %s (#%d) %s", issue.Title, issue.Number, issue.URL)
	if _, err := i.poster.PostAs(ctx, channel, line, persona, threadTS); err != nil {
		slog.Warn("board issue post failed", "issue", issue.Number, "error", err)
	}
}

func (i *Integration) postInlineWriteup(ctx context.Context, title, body, channel, threadTS string, persona chat.PersonaIdentity) {
	text := fmt.Sprintf("Couldn't open the issue automatically, so here's the writeup.\n%s\n\n%s", title, body)
	if len(text) > inlineWriteupLimit {
		text = text[:inlineWriteupLimit-3] + "..."
	}
	if _, err := i.poster.PostAs(ctx, channel, text, persona, threadTS); err != nil {
		slog.Warn("inline writeup post failed", "error", err)
	}
}

// HandleAuditReport triages an audit report. The triage model answers with
// a single line: "FILE: <one-line finding>" to file an issue, or "SKIP".
func (i *Integration) HandleAuditReport(ctx context.Context, projectName, report, channel string, persona chat.PersonaIdentity, triage Completer) {
	verdict, err := triage(ctx, auditTriageSystemPrompt, auditTriageUserPrompt(projectName, report), 200)
	if err != nil {
		slog.Warn("audit triage failed", "project", projectName, "error", err)
		return
	}
	verdict = strings.TrimSpace(verdict)

	line, ok := firstFileLine(verdict)
	if !ok {
		slog.Info("audit triage skipped", "project", projectName)
		return
	}

	if i.provider == nil {
		text := humanize.Humanize(line, humanize.Options{MaxSentences: 1, MaxChars: 300, AllowEmoji: false})
		if text == "" || humanize.IsSkip(text) {
			return
		}
		if _, err := i.poster.PostAs(ctx, channel, text, persona, ""); err != nil {
			slog.Warn("audit finding post failed", "project", projectName, "error", err)
		}
		return
	}

	title := parse.AuditIssueTitle(line)
	body := report
	if len(body) > 4000 {
		body = body[:4000]
	}
	issue, err := i.provider.CreateIssue(ctx, title, body, ColumnReady)
	if err != nil {
		slog.Warn("audit issue create failed", "project", projectName, "error", err)
		return
	}
	chatLine := fmt.Sprintf("Caught something in %s — filed %s (#%d) %s", projectName, issue.Title, issue.Number, issue.URL)
	if _, err := i.poster.PostAs(ctx, channel, chatLine, persona, ""); err != nil {
		slog.Warn("audit issue post failed", "issue", issue.Number, "error", err)
	}
}

// firstFileLine finds the first "FILE:" line of a triage verdict.
func firstFileLine(verdict string) (string, bool) {
	for _, raw := range strings.Split(verdict, "\n") {
		line := strings.TrimSpace(raw)
		upper := strings.ToUpper(line)
		if strings.HasPrefix(upper, "FILE:") {
			return strings.TrimSpace(line[len("FILE:"):]), true
		}
		if strings.HasPrefix(upper, "SKIP") {
			return "", false
		}
	}
	return "", false
}

// CreateIssueDirect files an issue in Ready; used by the LLM board tools.
func (i *Integration) CreateIssueDirect(ctx context.Context, title, body string) (Issue, error) {
	if i.provider == nil {
		return Issue{}, ErrNotConfigured
	}
	return i.provider.CreateIssue(ctx, title, body, ColumnReady)
}

// MoveIssueWithFallback tries the provider first, then shells out to this
// binary's board subcommand so an unconfigured or failing provider still
// gets the move done through whatever credentials the CLI holds.
func (i *Integration) MoveIssueWithFallback(ctx context.Context, number int, column string) error {
	if i.provider != nil {
		err := i.provider.MoveIssue(ctx, number, column)
		if err == nil {
			return nil
		}
		slog.Warn("board move failed, trying CLI fallback", "issue", number, "error", err)
	}
	if i.selfExe == "" {
		return ErrNotConfigured
	}
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if _, err := i.run(cctx, i.selfExe, "board", "move-issue", strconv.Itoa(number), "--column", column); err != nil {
		return fmt.Errorf("board: move-issue fallback: %w", err)
	}
	return nil
}

// CloseIssueCLI closes an issue via gh; used by the issue-review branch.
func (i *Integration) CloseIssueCLI(ctx context.Context, repo string, number int) error {
	return CloseIssue(ctx, i.run, repo, number)
}

const auditTriageSystemPrompt = "You triage automated code-audit reports for an engineering team. " +
	"If the report contains one finding worth tracking, answer with exactly one line: " +
	"FILE: <one short sentence naming the worst finding>. " +
	"If nothing is worth a ticket, answer SKIP."

func auditTriageUserPrompt(projectName, report string) string {
	if len(report) > 6000 {
		report = report[:6000]
	}
	return fmt.Sprintf("Project: %s\n\nAudit report:\n%s", projectName, report)
}
