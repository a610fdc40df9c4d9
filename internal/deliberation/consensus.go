package deliberation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nightwatchhq/nightwatch/internal/humanize"
	"github.com/nightwatchhq/nightwatch/internal/jobs"
	"github.com/nightwatchhq/nightwatch/internal/parse"
	"github.com/nightwatchhq/nightwatch/internal/personas"
	"github.com/nightwatchhq/nightwatch/internal/providers"
	"github.com/nightwatchhq/nightwatch/internal/store"
)

// verdictOpts keeps consensus verdicts to a single plain sentence.
var verdictOpts = humanize.Options{MaxSentences: 1, MaxChars: 300, AllowEmoji: false}

// runConsensus is the single-threaded evaluator loop for one discussion.
// It never recurses: CHANGES rounds loop back here.
func (e *Engine) runConsensus(ctx context.Context, discussionID string, trigger Trigger) {
	for {
		d, err := e.discussions.Get(ctx, discussionID)
		if err != nil || d == nil {
			slog.Warn("consensus: discussion load failed", "id", discussionID, "error", err)
			return
		}
		if d.Status != store.StatusActive {
			return
		}

		if d.TriggerType == parse.TriggerIssueReview {
			e.issueReview(ctx, d)
			return
		}

		history, err := e.transport.ThreadReplies(ctx, d.ChannelID, d.ThreadAnchor, 20)
		if err != nil {
			slog.Warn("consensus: history fetch failed", "id", d.ID, "error", err)
		}

		if maxAgentThreadReplies-d.RepliesUsed <= 0 {
			e.closeDiscussion(ctx, d, store.StatusBlocked, store.ResultHumanNeeded)
			return
		}

		lead, provider, ok := e.leadProvider(ctx)
		if !ok {
			e.closeDiscussion(ctx, d, store.StatusBlocked, store.ResultHumanNeeded)
			return
		}

		raw, err := e.completeTraced(ctx, provider, personaSystemPrompt(lead, "verdict")+"\n"+verdictSystem,
			verdictPrompt(trigger, history), 300)
		if err != nil {
			slog.Warn("consensus: verdict completion failed", "id", d.ID, "error", err)
			e.postVerdictLine(ctx, d, lead, "Going to need a human eye on this one.")
			e.closeDiscussion(ctx, d, store.StatusBlocked, store.ResultHumanNeeded)
			return
		}

		verdict, detail := parseVerdict(raw)
		repliesLeft := maxAgentThreadReplies - d.RepliesUsed

		switch {
		case verdict == "APPROVE":
			e.postVerdictLine(ctx, d, lead, approveLine(detail))
			e.closeDiscussion(ctx, d, store.StatusConsensus, store.ResultApproved)
			if d.TriggerType == parse.TriggerCodeWatch {
				e.board.OpenIssueFromTrigger(ctx, trigger.Context, d.ChannelID, d.ThreadAnchor, identity(lead))
			}
			return

		case verdict == "CHANGES" && d.Round < maxRounds && repliesLeft >= 3:
			e.postVerdictLine(ctx, d, lead, changesAskLine(detail))
			d.Round++
			d.RepliesUsed++
			if err := e.discussions.Update(ctx, d); err != nil {
				slog.Warn("consensus: round bump failed", "id", d.ID, "error", err)
				return
			}
			candidates, err := e.pickParticipants(ctx, d.TriggerType)
			if err != nil {
				slog.Warn("consensus: participants load failed", "id", d.ID, "error", err)
				return
			}
			if dev, ok := personas.ByName(candidates, "Dev"); ok {
				candidates = withoutPersona(candidates, dev.ID)
			}
			e.contributionRound(ctx, d, trigger, candidates)
			continue

		case verdict == "CHANGES":
			e.postVerdictLine(ctx, d, lead, changesSummaryLine(detail))
			e.closeDiscussion(ctx, d, store.StatusConsensus, store.ResultChangesRequested)
			if d.TriggerType == parse.TriggerPRReview {
				e.spawnRefinement(ctx, d, detail, lead)
			}
			return

		default: // HUMAN or unrecognized
			e.postVerdictLine(ctx, d, lead, humanNeededLine(detail))
			e.closeDiscussion(ctx, d, store.StatusBlocked, store.ResultHumanNeeded)
			return
		}
	}
}

// issueReview triages an issue_review discussion: READY, CLOSE, or DRAFT.
func (e *Engine) issueReview(ctx context.Context, d *store.Discussion) {
	owner, repo, numberStr, ok := parse.ParseIssueRef(d.TriggerRef)
	if !ok {
		slog.Warn("issue review: malformed ref", "ref", d.TriggerRef)
		return
	}
	number, _ := strconv.Atoi(numberStr)

	history, err := e.transport.ThreadReplies(ctx, d.ChannelID, d.ThreadAnchor, 20)
	if err != nil {
		slog.Warn("issue review: history fetch failed", "id", d.ID, "error", err)
	}

	lead, provider, lok := e.leadProvider(ctx)
	if !lok {
		e.closeDiscussion(ctx, d, store.StatusBlocked, store.ResultHumanNeeded)
		return
	}

	raw, err := e.completeTraced(ctx, provider, personaSystemPrompt(lead, "verdict")+"\n"+issueVerdictSystem,
		issueVerdictPrompt(d.TriggerRef, history), 300)
	if err != nil {
		slog.Warn("issue review: verdict failed", "id", d.ID, "error", err)
		e.closeDiscussion(ctx, d, store.StatusBlocked, store.ResultHumanNeeded)
		return
	}

	verdict, detail := parseIssueVerdict(raw)
	speaker := e.issueSpeaker(ctx)

	switch verdict {
	case "READY":
		if err := e.board.MoveIssueWithFallback(ctx, number, "Ready"); err != nil {
			slog.Warn("issue review: move failed", "issue", number, "error", err)
		} else {
			e.postVerdictLine(ctx, d, speaker, fmt.Sprintf("Moved #%d to Ready.", number))
		}
		e.closeDiscussion(ctx, d, store.StatusConsensus, store.ResultApproved)

	case "CLOSE":
		if err := e.board.CloseIssueCLI(ctx, owner+"/"+repo, number); err != nil {
			slog.Warn("issue review: close failed", "issue", number, "error", err)
		} else {
			e.postVerdictLine(ctx, d, speaker, fmt.Sprintf("Closed #%d.", number))
		}
		e.closeDiscussion(ctx, d, store.StatusConsensus, store.ResultChangesRequested)

	default: // DRAFT or unrecognized: leave the issue where it is
		line := detail
		if line == "" {
			line = fmt.Sprintf("Leaving #%d as a draft for now.", number)
		}
		e.postVerdictLine(ctx, d, speaker, line)
		e.closeDiscussion(ctx, d, store.StatusConsensus, store.ResultChangesRequested)
	}
}

// HandleHumanMessage debounces human traffic in an active discussion
// thread: each message (re)arms a 60 s resume timer.
func (e *Engine) HandleHumanMessage(ctx context.Context, channel, thread, text, userID string) {
	d, err := e.discussions.ActiveByAnchor(ctx, channel, thread)
	if err != nil || d == nil {
		return
	}

	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.closed {
		return
	}
	if old, ok := e.timers[d.ID]; ok {
		old.Stop()
	}
	id := d.ID
	trigger, ok := e.lastTrigger(id)
	if !ok {
		// Discussion predates this process; the context is gone.
		trigger = Trigger{Type: d.TriggerType, ProjectPath: d.ProjectPath, Ref: d.TriggerRef}
	}
	e.timers[id] = time.AfterFunc(e.resumeWait, func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("resume timer panicked", "discussion", id, "panic", r)
			}
		}()
		e.timersMu.Lock()
		delete(e.timers, id)
		closed := e.closed
		e.timersMu.Unlock()
		if closed {
			return
		}

		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		fresh, err := e.discussions.Get(rctx, id)
		if err != nil || fresh == nil || fresh.Status != store.StatusActive {
			return
		}
		if lead, _, ok := e.leadProvider(rctx); ok {
			e.postVerdictLine(rctx, fresh, lead, resumeLine())
		}
		e.runConsensus(rctx, id, trigger)
	})
	slog.Debug("human pause debounce armed", "discussion", d.ID, "user", userID, "chars", len(text))
}

// leadProvider resolves Carlos (or the first persona) and their LLM.
func (e *Engine) leadProvider(ctx context.Context) (personas.Persona, providers.Provider, bool) {
	roster, err := e.roster(ctx)
	if err != nil || len(roster) == 0 {
		slog.Warn("lead resolution failed", "error", err)
		return personas.Persona{}, nil, false
	}
	lead := leadOrFirst(roster, "Carlos")
	provider, err := e.providerFor(lead)
	if err != nil {
		slog.Warn("lead provider resolution failed", "persona", lead.Name, "error", err)
		return personas.Persona{}, nil, false
	}
	return lead, provider, true
}

// issueSpeaker picks who announces issue-review outcomes: Dev first, then
// Carlos, then anyone.
func (e *Engine) issueSpeaker(ctx context.Context) personas.Persona {
	roster, err := e.roster(ctx)
	if err != nil || len(roster) == 0 {
		return personas.Persona{Name: "Dev"}
	}
	for _, name := range []string{"Dev", "Carlos"} {
		if p, ok := personas.ByName(roster, name); ok {
			return p
		}
	}
	return roster[0]
}

func (e *Engine) postVerdictLine(ctx context.Context, d *store.Discussion, p personas.Persona, line string) {
	text := humanize.Humanize(line, verdictOpts)
	if text == "" || humanize.IsSkip(text) {
		return
	}
	if _, err := e.transport.PostAs(ctx, d.ChannelID, text, identity(p), d.ThreadAnchor); err != nil {
		slog.Warn("verdict post failed", "discussion", d.ID, "error", err)
	}
	e.state.MarkReplied(d.ChannelID, d.ThreadAnchor, p.ID)
}

func (e *Engine) closeDiscussion(ctx context.Context, d *store.Discussion, status, result string) {
	d.Status = status
	d.ConsensusResult = result
	if err := e.discussions.Update(ctx, d); err != nil {
		slog.Warn("discussion close failed", "id", d.ID, "error", err)
	}
	e.forgetTrigger(d.ID)
	slog.Info("discussion closed", "id", d.ID, "status", status, "result", result)
}

// spawnRefinement hands a changes_requested PR review back to the
// reviewer subprocess with the asks attached.
func (e *Engine) spawnRefinement(ctx context.Context, d *store.Discussion, asks string, lead personas.Persona) {
	project, ok := e.registry.ByPath(d.ProjectPath)
	if !ok {
		slog.Warn("refinement skipped, project unregistered", "path", d.ProjectPath)
		return
	}
	e.spawner.SpawnJob(ctx, jobs.KindReview, project,
		jobs.Anchor{Channel: d.ChannelID, Thread: d.ThreadAnchor}, identity(lead),
		jobs.Options{
			PRNumber:        strings.TrimPrefix(d.TriggerRef, "#"),
			FeedbackChanges: asks,
		})
}

// parseVerdict extracts APPROVE/CHANGES/HUMAN and the trailing detail.
func parseVerdict(raw string) (verdict, detail string) {
	line := firstNonEmptyLine(raw)
	for _, v := range []string{"APPROVE", "CHANGES", "HUMAN"} {
		if strings.HasPrefix(strings.ToUpper(line), v) {
			rest := line[len(v):]
			rest = strings.TrimLeft(rest, ":- ")
			return v, strings.TrimSpace(rest)
		}
	}
	return "", strings.TrimSpace(line)
}

func parseIssueVerdict(raw string) (verdict, detail string) {
	line := firstNonEmptyLine(raw)
	for _, v := range []string{"READY", "CLOSE", "DRAFT"} {
		if strings.HasPrefix(strings.ToUpper(line), v) {
			rest := line[len(v):]
			rest = strings.TrimLeft(rest, ":- ")
			return v, strings.TrimSpace(rest)
		}
	}
	return "", strings.TrimSpace(line)
}

func firstNonEmptyLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}

func approveLine(detail string) string {
	if detail == "" {
		return "Looks good, shipping it."
	}
	return detail
}

func changesAskLine(detail string) string {
	if detail == "" {
		return "A few things to tighten up before this goes in."
	}
	return detail
}

func changesSummaryLine(detail string) string {
	if detail == "" {
		return "We want changes here; summarizing the asks on the PR."
	}
	return "Wrapping up: " + detail
}

func humanNeededLine(detail string) string {
	if detail == "" {
		return "This one needs a human call."
	}
	return detail
}
