package deliberation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nightwatchhq/nightwatch/internal/chat"
	"github.com/nightwatchhq/nightwatch/internal/humanize"
	"github.com/nightwatchhq/nightwatch/internal/personas"
	"github.com/nightwatchhq/nightwatch/internal/providers"
)

// ReplyAsAgent is the discussion-free conversational reply. It returns
// the posted text ("" when the persona chose not to speak) so the reply
// handler can fan out follow-up mentions.
func (e *Engine) ReplyAsAgent(ctx context.Context, channel, thread, incomingText string, p personas.Persona, opts humanize.Options) (string, error) {
	var history []chat.Message
	if thread != "" {
		msgs, err := e.transport.ThreadReplies(ctx, channel, thread, 10)
		if err != nil {
			slog.Warn("reply history fetch failed", "channel", channel, "error", err)
		} else {
			history = msgs
		}
	}

	casual := isCasual(incomingText)
	project, hasProject := e.registry.ByChannel(channel)
	projectContext := ""
	slug := "general"
	if hasProject {
		projectContext = fmt.Sprintf("%s (%s)", project.Name, project.Repo)
		slug = projectSlug(project.Path)
	}

	memoryText := ""
	if !casual {
		memoryText = e.memory.Recall(ctx, p.Name, slug)
	}

	provider, err := e.providerFor(p)
	if err != nil {
		return "", fmt.Errorf("deliberation: provider for %s: %w", p.Name, err)
	}

	mode := "reply"
	if casual {
		mode = "casual"
	}
	system := personaSystemPrompt(p, mode)
	user := replyPrompt(incomingText, history, projectContext, memoryText, casual)

	raw, err := e.completeWithOptionalTools(ctx, provider, system, user, casual, hasProject, project.Path)
	if err != nil {
		// Ad-hoc paths substitute a placeholder instead of going silent.
		slog.Warn("reply completion failed", "persona", p.Name, "error", err)
		raw = "[" + p.Name + " is unavailable right now]"
	}

	text := humanize.Humanize(raw, opts)
	if text == "" || humanize.IsSkip(text) {
		return "", nil
	}
	if threadContains(history, text) {
		return "", nil
	}

	if _, err := e.transport.PostAs(ctx, channel, text, identity(p), thread); err != nil {
		return "", fmt.Errorf("deliberation: post reply: %w", err)
	}

	if !casual {
		e.memory.Reflect(p, slug,
			fmt.Sprintf("Asked: %s\nYou answered: %s", incomingText, text),
			func(rctx context.Context, sys, usr string, maxTokens int) (string, error) {
				return provider.Complete(rctx, sys, usr, maxTokens)
			})
	}
	return text, nil
}

// completeWithOptionalTools enables query_codebase and the board tools
// when the conversation is technical and the provider can run tools.
func (e *Engine) completeWithOptionalTools(ctx context.Context, provider providers.Provider, system, user string, casual, hasProject bool, projectPath string) (string, error) {
	var tools []providers.ToolDefinition
	registry := providers.ToolRegistry{}

	if !casual && hasProject && provider.Name() == "anthropic" {
		tools = append(tools, providers.ToolDefinition{
			Name:        "query_codebase",
			Description: "Search the project source for lines matching a query string.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
		})
		registry["query_codebase"] = func(_ context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			return e.search(projectPath, query), nil
		}
	}
	if !casual && e.board.Configured() {
		tools = append(tools, providers.ToolDefinition{
			Name:        "create_board_issue",
			Description: "File a new issue on the team board.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{"type": "string"},
					"body":  map[string]any{"type": "string"},
				},
				"required": []string{"title"},
			},
		})
		registry["create_board_issue"] = func(tctx context.Context, args map[string]any) (string, error) {
			title, _ := args["title"].(string)
			body, _ := args["body"].(string)
			issue, err := e.board.CreateIssueDirect(tctx, title, body)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("created #%d %s", issue.Number, issue.URL), nil
		}
		tools = append(tools, providers.ToolDefinition{
			Name:        "move_board_issue",
			Description: "Move an existing board issue to a column.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"number": map[string]any{"type": "integer"},
					"column": map[string]any{"type": "string"},
				},
				"required": []string{"number", "column"},
			},
		})
		registry["move_board_issue"] = func(tctx context.Context, args map[string]any) (string, error) {
			num, _ := args["number"].(float64)
			column, _ := args["column"].(string)
			if err := e.board.MoveIssueWithFallback(tctx, int(num), column); err != nil {
				return "", err
			}
			return fmt.Sprintf("moved #%d to %s", int(num), column), nil
		}
	}

	if len(tools) == 0 {
		return e.completeTraced(ctx, provider, system, user, 700)
	}

	out, err := provider.CompleteWithTools(ctx, system, user, tools, registry, 700)
	if errors.Is(err, providers.ErrToolsUnsupported) {
		return e.completeTraced(ctx, provider, system, user, 700)
	}
	return out, err
}

// PostProactiveMessage drops one unprompted message in an idle channel,
// then lets 1-2 other personas thread-reply once each.
func (e *Engine) PostProactiveMessage(ctx context.Context, channel string, p personas.Persona, projectCtx, roadmapCtx, slug string) {
	if slug == "" {
		slug = "general"
	}
	memoryText := e.memory.Recall(ctx, p.Name, slug)

	provider, err := e.providerFor(p)
	if err != nil {
		slog.Warn("proactive: provider resolution failed", "persona", p.Name, "error", err)
		return
	}

	raw, err := e.completeTraced(ctx, provider, personaSystemPrompt(p, "reply"),
		proactivePrompt(projectCtx, roadmapCtx, memoryText), 400)
	if err != nil {
		// Proactive turns are skipped silently.
		slog.Warn("proactive completion failed", "persona", p.Name, "error", err)
		return
	}
	text := humanize.Humanize(raw, humanize.Options{MaxSentences: 2, MaxChars: 440, AllowEmoji: true})
	if text == "" || humanize.IsSkip(text) {
		return
	}

	ref, err := e.transport.PostAs(ctx, channel, text, identity(p), "")
	if err != nil {
		slog.Warn("proactive post failed", "channel", channel, "error", err)
		return
	}
	e.state.MarkReplied(channel, ref.TS, p.ID)
	e.state.TouchChannel(channel)

	e.memory.Reflect(p, slug, "You proactively raised: "+text,
		func(rctx context.Context, sys, usr string, maxTokens int) (string, error) {
			return provider.Complete(rctx, sys, usr, maxTokens)
		})

	go e.proactiveThreadReplies(channel, ref.TS, text, p)
}

// proactiveThreadReplies has 1-2 random teammates respond in the new
// thread. Depth is one: their replies trigger nothing further.
func (e *Engine) proactiveThreadReplies(channel, thread, text string, author personas.Persona) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("proactive thread replies panicked", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	roster, err := e.roster(ctx)
	if err != nil {
		return
	}
	others := withoutPersona(roster, author.ID)
	if len(others) == 0 {
		return
	}

	e.randMu.Lock()
	e.rnd.Shuffle(len(others), func(i, j int) { others[i], others[j] = others[j], others[i] })
	n := 1 + e.rnd.Intn(2)
	e.randMu.Unlock()
	if n > len(others) {
		n = len(others)
	}

	for _, p := range others[:n] {
		e.sleep(e.humanDelay())
		if _, err := e.ReplyAsAgent(ctx, channel, thread, text, p, humanize.Defaults()); err != nil {
			slog.Warn("proactive thread reply failed", "persona", p.Name, "error", err)
		}
	}
}
