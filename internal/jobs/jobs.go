// Package jobs forks detached worker subprocesses (reviewer, auditor,
// direct LLM invocations), captures their output in a rolling buffer, and
// reports completion back to the thread that asked.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nightwatchhq/nightwatch/internal/chat"
	"github.com/nightwatchhq/nightwatch/internal/store"
	"github.com/nightwatchhq/nightwatch/internal/threadstate"
)

// Job kinds understood by the nested CLI.
const (
	KindRun    = "run"
	KindReview = "review"
	KindQA     = "qa"
	KindAudit  = "audit"
)

// Env hooks the worker subcommands honor.
const (
	EnvExecutionContext = "NW_EXECUTION_CONTEXT"
	EnvTargetPR         = "NW_TARGET_PR"
	EnvTargetIssue      = "NW_TARGET_ISSUE"
	EnvSlackFeedback    = "NW_SLACK_FEEDBACK"
)

// Poster is the slice of the chat transport the spawner needs.
type Poster interface {
	PostAs(ctx context.Context, channel, text string, persona chat.PersonaIdentity, threadTS string) (chat.PostRef, error)
}

// Anchor is where a job reports back. An empty channel means silent.
type Anchor struct {
	Channel string
	Thread  string
}

// Options carries the optional parts of a job request.
type Options struct {
	PRNumber     string
	IssueNumber  string
	FixConflicts bool
	// FeedbackChanges carries review asks from a changes_requested
	// consensus into the refinement run.
	FeedbackChanges string
	// OnExit fires after the child exits and the chat report is posted.
	// nil error means exit status 0.
	OnExit func(exitErr error)
}

// slackFeedback is the JSON blob handed to review jobs fixing conflicts.
type slackFeedback struct {
	Source   string `json:"source"`
	Kind     string `json:"kind"`
	PRNumber string `json:"prNumber"`
	Changes  string `json:"changes"`
}

func feedbackFor(opts Options) (slackFeedback, bool) {
	switch {
	case opts.FixConflicts:
		return slackFeedback{
			Source:   "slack",
			Kind:     "merge_conflict_resolution",
			PRNumber: opts.PRNumber,
			Changes:  "Resolve merge conflicts and stabilize the PR for re-review.",
		}, true
	case opts.FeedbackChanges != "":
		return slackFeedback{
			Source:   "slack",
			Kind:     "review_refinement",
			PRNumber: opts.PRNumber,
			Changes:  opts.FeedbackChanges,
		}, true
	}
	return slackFeedback{}, false
}

// Spawner forks worker subprocesses. Children are detached: the parent
// never blocks on them, and shutdown leaves them running.
type Spawner struct {
	poster  Poster
	state   *threadstate.Manager
	selfExe string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// process hooks, swapped in tests
	start func(*exec.Cmd) error
	wait  func(*exec.Cmd) error
}

// NewSpawner creates a spawner. selfExe may be "" when the binary path
// could not be resolved; spawns will then post a can't-start line.
func NewSpawner(poster Poster, state *threadstate.Manager, selfExe string) *Spawner {
	return &Spawner{
		poster:   poster,
		state:    state,
		selfExe:  selfExe,
		limiters: make(map[string]*rate.Limiter),
		start:    (*exec.Cmd).Start,
		wait:     (*exec.Cmd).Wait,
	}
}

// limiter allows a burst of 3 jobs per project, refilling every 30 s. The
// chat platform is the real rate limiter; this only stops tight loops.
func (s *Spawner) limiter(projectPath string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[projectPath]
	if !ok {
		lim = rate.NewLimiter(rate.Every(30*time.Second), 3)
		s.limiters[projectPath] = lim
	}
	return lim
}

// SpawnJob re-invokes this binary as `<self> <kind>` against the project.
func (s *Spawner) SpawnJob(ctx context.Context, kind string, project store.Project, anchor Anchor, persona chat.PersonaIdentity, opts Options) {
	if s.selfExe == "" {
		slog.Warn("job spawn skipped, self executable unresolved", "kind", kind, "project", project.Name)
		s.post(ctx, anchor, persona, "Can't start that right now, something's off with my runner.")
		s.finish(anchor, persona, opts, fmt.Errorf("self executable unresolved"))
		return
	}
	if !s.limiter(project.Path).Allow() {
		slog.Warn("job spawn throttled", "kind", kind, "project", project.Name)
		s.post(ctx, anchor, persona, fmt.Sprintf("Already juggling a few jobs on %s, give it a minute.", project.Name))
		s.finish(anchor, persona, opts, fmt.Errorf("throttled"))
		return
	}

	cmd := exec.Command(s.selfExe, kind)
	cmd.Dir = project.Path
	cmd.Env = append(os.Environ(), EnvExecutionContext+"=agent")
	if opts.PRNumber != "" {
		cmd.Env = append(cmd.Env, EnvTargetPR+"="+opts.PRNumber)
	}
	if opts.IssueNumber != "" {
		cmd.Env = append(cmd.Env, EnvTargetIssue+"="+opts.IssueNumber)
	}
	if fb, ok := feedbackFor(opts); ok {
		if blob, err := json.Marshal(fb); err == nil {
			cmd.Env = append(cmd.Env, EnvSlackFeedback+"="+string(blob))
		}
	}

	s.launch(ctx, cmd, kind, project, anchor, persona, opts)
}

// SpawnDirectProviderRequest executes the external claude or codex binary
// with a one-shot prompt.
func (s *Spawner) SpawnDirectProviderRequest(ctx context.Context, provider string, project store.Project, anchor Anchor, persona chat.PersonaIdentity, prompt string) {
	var cmd *exec.Cmd
	switch provider {
	case "claude":
		cmd = exec.Command("claude", "-p", prompt, "--dangerously-skip-permissions")
	case "codex":
		cmd = exec.Command("codex", "--quiet", "--yolo", "--prompt", prompt)
	default:
		slog.Warn("unknown provider for direct request", "provider", provider)
		s.post(ctx, anchor, persona, "I don't know how to run that one.")
		return
	}
	cmd.Dir = project.Path
	cmd.Env = append(os.Environ(), EnvExecutionContext+"=agent")

	s.launch(ctx, cmd, "provider", project, anchor, persona, Options{})
}

func (s *Spawner) launch(ctx context.Context, cmd *exec.Cmd, kind string, project store.Project, anchor Anchor, persona chat.PersonaIdentity, opts Options) {
	buf := &rollingBuffer{}
	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := s.start(cmd); err != nil {
		slog.Warn("job spawn failed", "kind", kind, "project", project.Name, "error", err)
		s.post(ctx, anchor, persona, fmt.Sprintf("Couldn't kick off %s on %s, sorry.", kind, project.Name))
		s.finish(anchor, persona, opts, err)
		return
	}
	slog.Info("job spawned", "kind", kind, "project", project.Name, "pid", cmd.Process.Pid)

	go s.watch(cmd, buf, kind, project, anchor, persona, opts)
}

// watch runs detached from the triggering event's context on purpose:
// children outlive shutdown.
func (s *Spawner) watch(cmd *exec.Cmd, buf *rollingBuffer, kind string, project store.Project, anchor Anchor, persona chat.PersonaIdentity, opts Options) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job watcher panicked", "kind", kind, "panic", r)
		}
	}()

	err := s.wait(cmd)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err != nil {
		slog.Warn("job failed", "kind", kind, "project", project.Name, "error", err, "tail", buf.Tail(2000))
		s.post(ctx, anchor, persona, failureLine(kind, project.Name, opts))
	} else {
		slog.Info("job finished", "kind", kind, "project", project.Name)
		if line := completionLine(kind, project.Name, opts); line != "" {
			s.post(ctx, anchor, persona, line)
		}
	}
	s.finish(anchor, persona, opts, err)
}

// finish records activity and cooldown on every terminal path, then fires
// the caller's exit hook.
func (s *Spawner) finish(anchor Anchor, persona chat.PersonaIdentity, opts Options, exitErr error) {
	if anchor.Channel != "" {
		s.state.TouchChannel(anchor.Channel)
		s.state.MarkReplied(anchor.Channel, anchor.Thread, persona.ID)
	}
	if opts.OnExit != nil {
		opts.OnExit(exitErr)
	}
}

func (s *Spawner) post(ctx context.Context, anchor Anchor, persona chat.PersonaIdentity, text string) {
	if anchor.Channel == "" {
		return
	}
	if _, err := s.poster.PostAs(ctx, anchor.Channel, text, persona, anchor.Thread); err != nil {
		slog.Warn("job report post failed", "channel", anchor.Channel, "error", err)
	}
}

func completionLine(kind, projectName string, opts Options) string {
	switch kind {
	case KindReview:
		if opts.PRNumber != "" {
			return fmt.Sprintf("Finished the review pass on PR #%s.", opts.PRNumber)
		}
		return fmt.Sprintf("Review's done on %s.", projectName)
	case KindQA:
		return fmt.Sprintf("QA pass finished on %s.", projectName)
	case KindRun:
		if opts.IssueNumber != "" {
			return fmt.Sprintf("Wrapped up #%s on %s.", opts.IssueNumber, projectName)
		}
		return fmt.Sprintf("Wrapped up the task on %s.", projectName)
	case KindAudit:
		// Audits report through the proactive loop, not chat.
		return ""
	default:
		return fmt.Sprintf("Done with that %s run on %s.", kind, projectName)
	}
}

func failureLine(kind, projectName string, opts Options) string {
	if kind == KindReview && opts.PRNumber != "" {
		return fmt.Sprintf("Hit a snag running review on #%s, taking a look at the logs.", opts.PRNumber)
	}
	return fmt.Sprintf("Hit a snag running %s on %s, taking a look at the logs.", kind, projectName)
}
