package deliberation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nightwatchhq/nightwatch/internal/chat"
	"github.com/nightwatchhq/nightwatch/internal/humanize"
	"github.com/nightwatchhq/nightwatch/internal/personas"
	"github.com/nightwatchhq/nightwatch/internal/providers"
	"github.com/nightwatchhq/nightwatch/internal/store"
)

// contributionRound runs one pass through the candidates, respecting the
// thread reply budget. Mutates and persists d.
func (e *Engine) contributionRound(ctx context.Context, d *store.Discussion, trigger Trigger, candidates []personas.Persona) {
	ctx, span := e.tracer.Start(ctx, "discussion.round",
		trace.WithAttributes(attribute.Int("round", d.Round)))
	defer span.End()

	budget := maxContributionsPerRound
	if left := maxAgentThreadReplies - d.RepliesUsed - 1; left < budget {
		budget = left
	}
	if budget <= 0 {
		return
	}

	contributors := selectContributors(candidates, budget)
	roster, err := e.roster(ctx)
	if err != nil {
		slog.Warn("round roster load failed", "discussion", d.ID, "error", err)
		return
	}

	for _, p := range contributors {
		if e.contributeOnce(ctx, d, trigger, roster, p) {
			e.sleep(e.humanDelay())
		}
	}
}

// selectContributors drops the lead when enough others can speak, then
// takes the first budget personas.
func selectContributors(candidates []personas.Persona, budget int) []personas.Persona {
	nonLead := make([]personas.Persona, 0, len(candidates))
	for _, p := range candidates {
		if personas.NormalizeName(p.Name) != "carlos" {
			nonLead = append(nonLead, p)
		}
	}
	picked := candidates
	if len(nonLead) >= 2 {
		picked = nonLead
	}
	if len(picked) > budget {
		picked = picked[:budget]
	}
	return picked
}

// contributeOnce is one contribution slot. Reports whether a message was
// actually posted.
func (e *Engine) contributeOnce(ctx context.Context, d *store.Discussion, trigger Trigger, roster []personas.Persona, p personas.Persona) bool {
	if d.RepliesUsed >= maxAgentThreadReplies {
		return false
	}

	history, err := e.transport.ThreadReplies(ctx, d.ChannelID, d.ThreadAnchor, 10)
	if err != nil {
		slog.Warn("thread history fetch failed", "discussion", d.ID, "error", err)
		history = nil
	}

	memoryText := e.memory.Recall(ctx, p.Name, projectSlug(d.ProjectPath))
	finalRound := d.Round >= maxRounds

	provider, err := e.providerFor(p)
	if err != nil {
		slog.Warn("no provider for persona", "persona", p.Name, "error", err)
		return false
	}

	raw, err := e.completeTraced(ctx, provider, personaSystemPrompt(p, "discussion"),
		contributionPrompt(trigger, roster, p, history, d.Round, finalRound, memoryText), 700)
	if err != nil {
		// Contribution turns are skipped silently on LLM failure.
		slog.Warn("contribution completion failed", "persona", p.Name, "discussion", d.ID, "error", err)
		return false
	}

	text := humanize.Humanize(raw, humanize.Defaults())
	if text == "" || humanize.IsSkip(text) {
		return false
	}
	if threadContains(history, text) {
		slog.Debug("contribution duplicates thread, dropped", "persona", p.Name)
		return false
	}

	if _, err := e.transport.PostAs(ctx, d.ChannelID, text, identity(p), d.ThreadAnchor); err != nil {
		slog.Warn("contribution post failed", "persona", p.Name, "discussion", d.ID, "error", err)
		return false
	}

	if !d.HasParticipant(p.ID) {
		d.Participants = append(d.Participants, p.ID)
	}
	d.RepliesUsed++
	if err := e.discussions.Update(ctx, d); err != nil {
		slog.Warn("discussion update failed", "discussion", d.ID, "error", err)
	}
	e.state.MarkReplied(d.ChannelID, d.ThreadAnchor, p.ID)
	e.state.TouchChannel(d.ChannelID)

	e.memory.Reflect(p, projectSlug(d.ProjectPath),
		fmt.Sprintf("In a %s discussion (%s) you said: %s", d.TriggerType, d.TriggerRef, text),
		func(rctx context.Context, sys, user string, maxTokens int) (string, error) {
			return provider.Complete(rctx, sys, user, maxTokens)
		})
	return true
}

// ContributeAsAgent is the router's path for an explicit mention inside an
// active discussion: one contribution slot, no round advancement.
func (e *Engine) ContributeAsAgent(ctx context.Context, discussionID string, p personas.Persona) {
	d, err := e.discussions.Get(ctx, discussionID)
	if err != nil || d == nil {
		slog.Warn("contributeAsAgent: discussion not found", "id", discussionID, "error", err)
		return
	}
	if d.Terminal() {
		return
	}
	trigger := Trigger{Type: d.TriggerType, ProjectPath: d.ProjectPath, Ref: d.TriggerRef}
	roster, err := e.roster(ctx)
	if err != nil {
		slog.Warn("contributeAsAgent roster load failed", "error", err)
		return
	}
	e.contributeOnce(ctx, d, trigger, roster, p)
}

// threadContains applies the thread-dedup equality against messages
// already visible.
func threadContains(history []chat.Message, text string) bool {
	want := normalizeMsg(text)
	for _, m := range history {
		if normalizeMsg(m.Text) == want {
			return true
		}
	}
	return false
}

func projectSlug(projectPath string) string {
	if projectPath == "" {
		return "general"
	}
	return filepath.Base(projectPath)
}

func (e *Engine) completeTraced(ctx context.Context, provider providers.Provider, system, user string, maxTokens int) (string, error) {
	ctx, span := e.tracer.Start(ctx, "llm.complete",
		trace.WithAttributes(
			attribute.String("provider", provider.Name()),
			attribute.Int("max_tokens", maxTokens),
		))
	defer span.End()
	out, err := provider.Complete(ctx, system, user, maxTokens)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
	}
	span.SetAttributes(attribute.Int("response_chars", len(out)))
	return out, err
}
