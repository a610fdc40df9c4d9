// Package router classifies inbound chat events and dispatches them to
// the job spawner, the reply handler, or the deliberation engine. The
// stages run in a fixed order; the first stage whose grammar parses and
// whose gate passes consumes the event.
package router

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nightwatchhq/nightwatch/internal/chat"
	"github.com/nightwatchhq/nightwatch/internal/deliberation"
	"github.com/nightwatchhq/nightwatch/internal/jobs"
	"github.com/nightwatchhq/nightwatch/internal/parse"
	"github.com/nightwatchhq/nightwatch/internal/personas"
	"github.com/nightwatchhq/nightwatch/internal/registry"
	"github.com/nightwatchhq/nightwatch/internal/store"
	"github.com/nightwatchhq/nightwatch/internal/threadstate"
)

// Classification tags returned by Route, for logging and tests.
const (
	TagDropped         = "dropped"
	TagIssueReviewScan = "issue_review_scan"
	TagDuplicate       = "duplicate"
	TagProviderRequest = "provider_request"
	TagJobRequest      = "job_request"
	TagIssuePickup     = "issue_pickup"
	TagExplicitMention = "explicit_mention"
	TagPlainMention    = "plain_mention"
	TagDiscussionPause = "discussion_pause"
	TagRememberedReply = "remembered_reply"
	TagHistoryRecovery = "history_recovery"
	TagAmbientChatter  = "ambient_chatter"
	TagMentionFallback = "mention_fallback"
	TagAmbientSprinkle = "ambient_sprinkle"
	TagFallbackReply   = "fallback_reply"
)

const (
	sprinkleProbability = 0.25
	historyFetchLimit   = 50
)

var (
	handleRe = regexp.MustCompile(`@([a-z0-9._-]{2,32})`)

	sprinkleEmoji = []string{"eyes", "thumbsup", "raised_hands", "thinking_face", "rocket"}
)

// Transport is the slice of the chat surface the router needs.
type Transport interface {
	BotUserID() string
	PostAs(ctx context.Context, channel, text string, persona chat.PersonaIdentity, threadTS string) (chat.PostRef, error)
	AddReaction(ctx context.Context, channel, ts, emoji string) error
	ThreadReplies(ctx context.Context, channel, ts string, limit int) ([]chat.Message, error)
}

// Engine is the deliberation surface the router dispatches into.
type Engine interface {
	StartDiscussion(ctx context.Context, trigger deliberation.Trigger) (*store.Discussion, error)
	ActiveByAnchor(ctx context.Context, channel, threadAnchor string) (*store.Discussion, error)
	ContributeAsAgent(ctx context.Context, discussionID string, p personas.Persona)
	HandleHumanMessage(ctx context.Context, channel, thread, text, userID string)
}

// ReplyScheduler is the ad-hoc reply surface.
type ReplyScheduler interface {
	Reply(ctx context.Context, channel, thread, text string, persona personas.Persona)
	EngageMultiple(ctx context.Context, channel, thread, text string)
	ChoosePersona(ctx context.Context, channel, thread, text string) (personas.Persona, bool)
}

// JobRunner is the spawner surface.
type JobRunner interface {
	SpawnJob(ctx context.Context, kind string, project store.Project, anchor jobs.Anchor, persona chat.PersonaIdentity, opts jobs.Options)
	SpawnDirectProviderRequest(ctx context.Context, provider string, project store.Project, anchor jobs.Anchor, persona chat.PersonaIdentity, prompt string)
}

// BoardMover moves issues between board columns.
type BoardMover interface {
	MoveIssueWithFallback(ctx context.Context, number int, column string) error
}

// Router dispatches inbound events.
type Router struct {
	transport   Transport
	engine      Engine
	replies     ReplyScheduler
	spawner     JobRunner
	board       BoardMover
	registry    *registry.Service
	state       *threadstate.Manager
	roster      func(ctx context.Context) []personas.Persona
	mainChannel string

	mu  sync.Mutex
	rnd *rand.Rand
}

// Config wires the router's collaborators.
type Config struct {
	Transport   Transport
	Engine      Engine
	Replies     ReplyScheduler
	Spawner     JobRunner
	Board       BoardMover
	Registry    *registry.Service
	State       *threadstate.Manager
	Roster      func(ctx context.Context) []personas.Persona
	MainChannel string
}

// New creates the router.
func New(cfg Config) *Router {
	return &Router{
		transport:   cfg.Transport,
		engine:      cfg.Engine,
		replies:     cfg.Replies,
		spawner:     cfg.Spawner,
		board:       cfg.Board,
		registry:    cfg.Registry,
		state:       cfg.State,
		roster:      cfg.Roster,
		mainChannel: cfg.MainChannel,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Route classifies one inbound event and dispatches it. Returns the tag of
// the stage that consumed the event.
func (r *Router) Route(ctx context.Context, ev chat.Event) string {
	// Stage 1: self/system filter.
	if ev.Channel == "" || ev.TS == "" {
		return TagDropped
	}
	if ev.BotSenderID != "" || ev.Subtype != "" || ev.UserID == "" {
		// Bot output is otherwise invisible to the router; the one read is
		// scanning our own main-channel posts for freshly filed issues.
		if ev.BotSenderID != "" && !ev.InThread() && ev.Channel == r.mainChannel {
			if refs := issueRefsIn(ev.Text); len(refs) > 0 {
				go r.startIssueReviews(ev.Channel, refs)
				return TagIssueReviewScan
			}
		}
		return TagDropped
	}

	// Stage 2: duplicate delivery.
	evType := ev.Type
	if evType == "" {
		evType = "message"
	}
	if !r.state.RememberMessageKey(ev.Channel + ":" + ev.TS + ":" + evType) {
		return TagDuplicate
	}
	r.state.TouchChannel(ev.Channel)

	botAddressed := ev.Type == "app_mention"
	anchor := ev.ThreadAnchor()

	// Stage 3: direct LLM-provider invocation. Checked before job requests
	// so "run claude on billing" never reads as a bare run job.
	if req := parse.ParseProviderRequest(ev.Text); req != nil && (botAddressed || req.LeadingCommand) {
		return r.routeProvider(ctx, ev, anchor, req)
	}

	// Stage 4: job request.
	if req := parse.ParseJobRequest(ev.Text); req != nil &&
		(botAddressed || req.PRNumber != "" || req.LeadingCommand || parse.IsTeamRequest(ev.Text)) {
		return r.routeJob(ctx, ev, anchor, req)
	}

	// Stage 5: issue pickup.
	if p := parse.ParseIssuePickup(ev.Text); p != nil && (botAddressed || parse.IsTeamRequest(ev.Text)) {
		return r.routePickup(ctx, ev, anchor, p)
	}

	roster := r.roster(ctx)

	// Stage 6: explicit @persona handles.
	if mentioned := r.handleMentions(roster, ev.Text); len(mentioned) > 0 {
		r.dispatchMentions(ctx, ev, anchor, mentioned)
		return TagExplicitMention
	}

	// Stage 7: plain persona names, with user-mention tokens stripped.
	if mentioned := personas.MentionedIn(roster, parse.NormalizeForParsing(ev.Text)); len(mentioned) > 0 {
		r.dispatchMentions(ctx, ev, anchor, mentioned)
		return TagPlainMention
	}

	// Stage 8: human traffic inside an active discussion thread.
	if ev.InThread() {
		if d, err := r.engine.ActiveByAnchor(ctx, ev.Channel, ev.ThreadTS); err == nil && d != nil {
			r.engine.HandleHumanMessage(ctx, ev.Channel, ev.ThreadTS, ev.Text, ev.UserID)
			return TagDiscussionPause
		}
	}

	// Stage 9: remembered ad-hoc persona, with handoff.
	if _, ok := r.state.RememberedPersona(ev.Channel, anchor); ok {
		if p, ok := r.replies.ChoosePersona(ctx, ev.Channel, anchor, ev.Text); ok {
			r.replies.Reply(ctx, ev.Channel, anchor, ev.Text, p)
			return TagRememberedReply
		}
	}

	// Stage 10: thread continuity lost on restart; recover from history.
	if ev.InThread() {
		if p, ok := r.recoverFromHistory(ctx, ev, roster); ok {
			r.state.RememberPersona(ev.Channel, anchor, p.ID)
			if chosen, ok := r.replies.ChoosePersona(ctx, ev.Channel, anchor, ev.Text); ok {
				p = chosen
			}
			r.replies.Reply(ctx, ev.Channel, anchor, ev.Text, p)
			return TagHistoryRecovery
		}
	}

	// Stage 11: ambient team chatter.
	if parse.IsAmbientChatter(ev.Text) {
		r.replies.EngageMultiple(ctx, ev.Channel, anchor, ev.Text)
		return TagAmbientChatter
	}

	// Stage 12: direct mention of the bot with no persona match.
	if botAddressed {
		if p, ok := r.randomAvailable(roster, ev.Channel, anchor); ok {
			r.replies.Reply(ctx, ev.Channel, anchor, ev.Text, p)
			return TagMentionFallback
		}
	}

	// Stage 13: ambient sprinkle, reactions only. Reactions are exempt from
	// the reply cooldown.
	sprinkled := false
	for i := range roster {
		r.mu.Lock()
		roll := r.rnd.Float64()
		r.mu.Unlock()
		if roll >= sprinkleProbability {
			continue
		}
		sprinkled = true
		emoji := sprinkleEmoji[i%len(sprinkleEmoji)]
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.transport.AddReaction(rctx, ev.Channel, ev.TS, emoji); err != nil {
				slog.Debug("reaction failed", "channel", ev.Channel, "error", err)
			}
		}()
	}
	if sprinkled {
		return TagAmbientSprinkle
	}

	// Stage 14: guaranteed fallback.
	if p, ok := r.randomAvailable(roster, ev.Channel, anchor); ok {
		r.replies.Reply(ctx, ev.Channel, anchor, ev.Text, p)
		return TagFallbackReply
	}
	slog.Debug("no persona available for fallback", "channel", ev.Channel)
	return TagDropped
}

// startIssueReviews kicks off one issue_review discussion per issue URL
// found in a bot-authored main-channel post.
func (r *Router) startIssueReviews(channel string, refs []string) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("issue review scan panicked", "panic", rec)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	for _, ref := range refs {
		projectPath := ""
		if _, repo, _, ok := parse.ParseIssueRef(ref); ok {
			if project, ok := r.registry.ByHint(repo); ok {
				projectPath = project.Path
			}
		}
		_, err := r.engine.StartDiscussion(ctx, deliberation.Trigger{
			Type:        parse.TriggerIssueReview,
			ProjectPath: projectPath,
			Ref:         ref,
			Context:     "Issue " + ref + " was just filed and needs a triage pass.",
			ChannelID:   channel,
		})
		if err != nil {
			slog.Warn("issue review start failed", "ref", ref, "error", err)
		}
	}
}

func (r *Router) routeProvider(ctx context.Context, ev chat.Event, anchor string, req *parse.ProviderRequest) string {
	roster := r.roster(ctx)
	persona := preferName(roster, "Dev")

	project, ok := r.registry.Resolve(req.ProjectHint, ev.Channel)
	if !ok {
		r.postAck(ctx, ev.Channel, anchor, persona, "Not sure which project you mean, name one and I'll run it.")
		return TagProviderRequest
	}

	r.postAck(ctx, ev.Channel, anchor, persona,
		"Asking "+req.Provider+" now, give it a minute.")
	r.spawner.SpawnDirectProviderRequest(ctx, req.Provider, project,
		jobs.Anchor{Channel: ev.Channel, Thread: anchor}, identity(persona), req.Prompt)
	return TagProviderRequest
}

func (r *Router) routeJob(ctx context.Context, ev chat.Event, anchor string, req *parse.JobRequest) string {
	kind := req.Job
	if kind == "" {
		// A bare PR reference reads as a review request.
		kind = jobs.KindReview
	}

	roster := r.roster(ctx)
	var persona personas.Persona
	switch kind {
	case jobs.KindReview:
		persona = preferName(roster, "Carlos")
	case jobs.KindQA:
		persona = preferName(roster, "Priya")
	case jobs.KindRun:
		persona = preferName(roster, "Dev")
	default:
		persona, _ = r.randomAvailable(roster, ev.Channel, anchor)
	}

	project, ok := r.registry.Resolve(req.ProjectHint, ev.Channel)
	if !ok {
		r.postAck(ctx, ev.Channel, anchor, persona, "Not sure which project you mean, name one and I'll get going.")
		return TagJobRequest
	}

	r.postAck(ctx, ev.Channel, anchor, persona, jobAckLine(kind, project.Name, req))
	r.spawner.SpawnJob(ctx, kind, project,
		jobs.Anchor{Channel: ev.Channel, Thread: anchor}, identity(persona),
		jobs.Options{PRNumber: req.PRNumber, FixConflicts: req.FixConflicts})
	return TagJobRequest
}

func (r *Router) routePickup(ctx context.Context, ev chat.Event, anchor string, pickup *parse.IssuePickup) string {
	roster := r.roster(ctx)
	persona := preferName(roster, "Dev")

	if number, err := strconv.Atoi(pickup.Number); err == nil {
		if err := r.board.MoveIssueWithFallback(ctx, number, "In Progress"); err != nil {
			slog.Warn("pickup board move failed", "issue", pickup.Number, "error", err)
		}
	}

	project, ok := r.registry.Resolve(pickup.Repo, ev.Channel)
	if !ok {
		r.postAck(ctx, ev.Channel, anchor, persona, "I don't have "+pickup.Repo+" registered, can't pick that one up.")
		return TagIssuePickup
	}

	r.postAck(ctx, ev.Channel, anchor, persona, "Picking up #"+pickup.Number+", starting now.")
	r.spawner.SpawnJob(ctx, jobs.KindRun, project,
		jobs.Anchor{Channel: ev.Channel, Thread: anchor}, identity(persona),
		jobs.Options{IssueNumber: pickup.Number})
	return TagIssuePickup
}

// handleMentions extracts @handle tokens and matches them against persona
// names, preserving roster order.
func (r *Router) handleMentions(roster []personas.Persona, text string) []personas.Persona {
	matches := handleRe.FindAllStringSubmatch(strings.ToLower(text), -1)
	if len(matches) == 0 {
		return nil
	}
	handles := make(map[string]bool, len(matches))
	for _, m := range matches {
		handles[m[1]] = true
	}
	var out []personas.Persona
	for _, p := range roster {
		if p.IsActive && handles[personas.NormalizeName(p.Name)] {
			out = append(out, p)
		}
	}
	return out
}

// dispatchMentions routes mentioned personas into the active discussion
// when one anchors the thread, or to sequential ad-hoc replies otherwise.
func (r *Router) dispatchMentions(ctx context.Context, ev chat.Event, anchor string, mentioned []personas.Persona) {
	d, err := r.engine.ActiveByAnchor(ctx, ev.Channel, anchor)
	if err != nil {
		slog.Warn("discussion lookup failed", "channel", ev.Channel, "error", err)
	}
	for _, p := range mentioned {
		if d != nil {
			r.engine.ContributeAsAgent(ctx, d.ID, p)
			continue
		}
		r.replies.Reply(ctx, ev.Channel, anchor, ev.Text, p)
	}
}

// recoverFromHistory rebuilds lost ad-hoc continuity: the most recent
// thread reply authored under a persona name wins.
func (r *Router) recoverFromHistory(ctx context.Context, ev chat.Event, roster []personas.Persona) (personas.Persona, bool) {
	msgs, err := r.transport.ThreadReplies(ctx, ev.Channel, ev.ThreadTS, historyFetchLimit)
	if err != nil {
		slog.Warn("history recovery fetch failed", "channel", ev.Channel, "error", err)
		return personas.Persona{}, false
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if p, ok := personas.ByName(roster, msgs[i].Author); ok {
			return p, true
		}
	}
	return personas.Persona{}, false
}

func (r *Router) randomAvailable(roster []personas.Persona, channel, thread string) (personas.Persona, bool) {
	var candidates []personas.Persona
	for _, p := range roster {
		if p.IsActive && !r.state.IsOnCooldown(channel, thread, p.ID) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return personas.Persona{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return candidates[r.rnd.Intn(len(candidates))], true
}

func (r *Router) postAck(ctx context.Context, channel, thread string, persona personas.Persona, text string) {
	if _, err := r.transport.PostAs(ctx, channel, text, identity(persona), thread); err != nil {
		slog.Warn("ack post failed", "channel", channel, "error", err)
		return
	}
	r.state.MarkReplied(channel, thread, persona.ID)
	r.state.TouchChannel(channel)
}

func jobAckLine(kind, projectName string, req *parse.JobRequest) string {
	switch {
	case req.PRNumber != "" && req.FixConflicts:
		return "On it — PR #" + req.PRNumber + ", including the conflicts."
	case req.PRNumber != "":
		return "On it — PR #" + req.PRNumber + "."
	default:
		return "On it, starting the " + kind + " pass on " + projectName + "."
	}
}

func preferName(roster []personas.Persona, name string) personas.Persona {
	if p, ok := personas.ByName(roster, name); ok {
		return p
	}
	if len(roster) > 0 {
		return roster[0]
	}
	return personas.Persona{Name: name}
}

func identity(p personas.Persona) chat.PersonaIdentity {
	return chat.PersonaIdentity{ID: p.ID, Name: p.Name, IconURL: p.AvatarURL}
}

func issueRefsIn(text string) []string {
	var refs []string
	for _, u := range parse.ExtractGitHubIssueURLs(text) {
		if ref, ok := parse.IssueRefFromURL(u); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}
