// Package deliberation owns the discussion lifecycle: trigger-anchored
// multi-round persona threads, the consensus evaluator, the human-pause
// debounce, and the ad-hoc single-persona reply path.
package deliberation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nightwatchhq/nightwatch/internal/board"
	"github.com/nightwatchhq/nightwatch/internal/chat"
	"github.com/nightwatchhq/nightwatch/internal/jobs"
	"github.com/nightwatchhq/nightwatch/internal/memory"
	"github.com/nightwatchhq/nightwatch/internal/parse"
	"github.com/nightwatchhq/nightwatch/internal/personas"
	"github.com/nightwatchhq/nightwatch/internal/providers"
	"github.com/nightwatchhq/nightwatch/internal/registry"
	"github.com/nightwatchhq/nightwatch/internal/store"
	"github.com/nightwatchhq/nightwatch/internal/threadstate"
)

const (
	maxRounds                = 2
	maxContributionsPerRound = 2
	maxAgentThreadReplies    = 4

	humanDelayMin = 20 * time.Second
	humanDelayMax = 60 * time.Second

	resumeDelay = 60 * time.Second
	replayGuard = 30 * time.Minute
)

// Trigger seeds a discussion.
type Trigger struct {
	Type        string // parse.TriggerPRReview etc.
	ProjectPath string
	Ref         string
	Context     string
	ChannelID   string // optional pre-resolved channel
	ThreadTS    string // optional externally-anchored thread
	Opening     string // optional custom opening message
}

func (t Trigger) key() string {
	return t.Type + "|" + t.ProjectPath + "|" + t.Ref
}

// Transport is the slice of the chat surface the engine needs.
type Transport interface {
	PostAs(ctx context.Context, channel, text string, persona chat.PersonaIdentity, threadTS string) (chat.PostRef, error)
	ThreadReplies(ctx context.Context, channel, ts string, limit int) ([]chat.Message, error)
}

// ErrNoPersonas is returned when no active personas are configured.
var ErrNoPersonas = errors.New("deliberation: no active personas")

// inflight coalesces concurrent startDiscussion calls per trigger key.
type inflight struct {
	done chan struct{}
	d    *store.Discussion
	err  error
}

// Engine runs discussions.
type Engine struct {
	transport   Transport
	discussions *store.DiscussionStore
	roster      func(ctx context.Context) ([]personas.Persona, error)
	providerFor func(personas.Persona) (providers.Provider, error)
	memory      *memory.Service
	board       *board.Integration
	spawner     *jobs.Spawner
	registry    *registry.Service
	state       *threadstate.Manager

	defaultChannel string
	tracer         trace.Tracer

	futuresMu sync.Mutex
	futures   map[string]*inflight

	timersMu sync.Mutex
	timers   map[string]*time.Timer
	closed   bool

	// triggers keeps the full trigger, context included, per open
	// discussion; the resume path re-evaluates against it.
	triggersMu sync.Mutex
	triggers   map[string]Trigger

	randMu sync.Mutex
	rnd    *rand.Rand

	// hooks swapped in tests
	sleep      func(time.Duration)
	runGit     commandRunner
	search     func(projectPath, query string) string
	resumeWait time.Duration
}

// Config wires the engine's collaborators.
type Config struct {
	Transport      Transport
	Discussions    *store.DiscussionStore
	Roster         func(ctx context.Context) ([]personas.Persona, error)
	ProviderFor    func(personas.Persona) (providers.Provider, error)
	Memory         *memory.Service
	Board          *board.Integration
	Spawner        *jobs.Spawner
	Registry       *registry.Service
	State          *threadstate.Manager
	DefaultChannel string
}

// New creates the engine.
func New(cfg Config) *Engine {
	return &Engine{
		transport:      cfg.Transport,
		discussions:    cfg.Discussions,
		roster:         cfg.Roster,
		providerFor:    cfg.ProviderFor,
		memory:         cfg.Memory,
		board:          cfg.Board,
		spawner:        cfg.Spawner,
		registry:       cfg.Registry,
		state:          cfg.State,
		defaultChannel: cfg.DefaultChannel,
		tracer:         otel.Tracer("nightwatch/deliberation"),
		futures:        make(map[string]*inflight),
		timers:         make(map[string]*time.Timer),
		triggers:       make(map[string]Trigger),
		resumeWait:     resumeDelay,
		rnd:            rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:          time.Sleep,
		runGit:         execCommand,
		search:         searchProject,
	}
}

// StartDiscussion is idempotent per trigger key: concurrent callers share
// one execution, a re-fired trigger within the replay guard returns the
// existing row.
func (e *Engine) StartDiscussion(ctx context.Context, trigger Trigger) (*store.Discussion, error) {
	key := trigger.key()

	e.futuresMu.Lock()
	if fut, ok := e.futures[key]; ok {
		e.futuresMu.Unlock()
		select {
		case <-fut.done:
			return fut.d, fut.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fut := &inflight{done: make(chan struct{})}
	e.futures[key] = fut
	e.futuresMu.Unlock()

	defer func() {
		close(fut.done)
		e.futuresMu.Lock()
		delete(e.futures, key)
		e.futuresMu.Unlock()
	}()

	fut.d, fut.err = e.startDiscussion(ctx, trigger)
	return fut.d, fut.err
}

func (e *Engine) startDiscussion(ctx context.Context, trigger Trigger) (*store.Discussion, error) {
	ctx, span := e.tracer.Start(ctx, "discussion.start",
		trace.WithAttributes(
			attribute.String("trigger.type", trigger.Type),
			attribute.String("trigger.ref", trigger.Ref),
		))
	defer span.End()

	existing, err := e.discussions.Latest(ctx, trigger.ProjectPath, trigger.Type, trigger.Ref)
	if err != nil {
		return nil, fmt.Errorf("deliberation: lookup discussion: %w", err)
	}
	if existing != nil {
		if existing.Status == store.StatusActive {
			return existing, nil
		}
		if time.Since(existing.UpdatedAt) < replayGuard {
			slog.Info("trigger replay within guard, coalescing",
				"type", trigger.Type, "ref", trigger.Ref, "discussion", existing.ID)
			return existing, nil
		}
	}

	participants, err := e.pickParticipants(ctx, trigger.Type)
	if err != nil {
		return nil, err
	}

	if trigger.Type == parse.TriggerPRReview && !hasCodeEvidence(trigger.Context) {
		if diff := e.fetchPRDiff(ctx, trigger.ProjectPath, trigger.Ref); diff != "" {
			trigger.Context = diff + "\n\n" + trigger.Context
		}
	}

	channel := e.resolveChannel(trigger)
	if channel == "" {
		return nil, fmt.Errorf("deliberation: no channel for %s trigger on %s", trigger.Type, trigger.ProjectPath)
	}

	d := &store.Discussion{
		ID:          uuid.NewString(),
		ProjectPath: trigger.ProjectPath,
		TriggerType: trigger.Type,
		TriggerRef:  trigger.Ref,
		ChannelID:   channel,
		Status:      store.StatusActive,
		Round:       1,
	}

	var roundCandidates []personas.Persona
	if trigger.ThreadTS != "" {
		d.ThreadAnchor = trigger.ThreadTS
		roundCandidates = participants
	} else {
		dev := leadOrFirst(participants, "Dev")
		opening := trigger.Opening
		if opening == "" {
			opening = parse.OpeningMessage(trigger.Type, trigger.Ref, trigger.Context, "")
		}
		ref, err := e.transport.PostAs(ctx, channel, opening, identity(dev), "")
		if err != nil {
			return nil, fmt.Errorf("deliberation: post opening: %w", err)
		}
		d.ThreadAnchor = ref.TS
		d.Participants = []string{dev.ID}
		d.RepliesUsed = 1
		e.state.MarkReplied(channel, ref.TS, dev.ID)
		roundCandidates = withoutPersona(participants, dev.ID)
	}

	if err := e.discussions.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("deliberation: persist discussion: %w", err)
	}
	e.rememberTrigger(d.ID, trigger)
	slog.Info("discussion started", "id", d.ID, "type", d.TriggerType, "ref", d.TriggerRef, "channel", channel)

	e.contributionRound(ctx, d, trigger, roundCandidates)
	e.runConsensus(ctx, d.ID, trigger)

	final, err := e.discussions.Get(ctx, d.ID)
	if err != nil || final == nil {
		return d, nil
	}
	return final, nil
}

// pickParticipants selects the roster slice for a trigger type.
func (e *Engine) pickParticipants(ctx context.Context, triggerType string) ([]personas.Persona, error) {
	roster, err := e.roster(ctx)
	if err != nil {
		return nil, fmt.Errorf("deliberation: load personas: %w", err)
	}
	if len(roster) == 0 {
		return nil, ErrNoPersonas
	}

	switch triggerType {
	case parse.TriggerBuildFailure, parse.TriggerPRDKickoff:
		var out []personas.Persona
		for _, name := range []string{"Dev", "Carlos"} {
			if p, ok := personas.ByName(roster, name); ok {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			out = roster
		}
		return out, nil
	default:
		// pr_review, code_watch, issue_review: everyone weighs in.
		return roster, nil
	}
}

func (e *Engine) resolveChannel(trigger Trigger) string {
	if trigger.ChannelID != "" {
		return trigger.ChannelID
	}
	if p, ok := e.registry.ByPath(trigger.ProjectPath); ok && p.ChannelID != "" {
		return p.ChannelID
	}
	return e.defaultChannel
}

// ActiveByAnchor exposes the anchored-discussion lookup to the router.
func (e *Engine) ActiveByAnchor(ctx context.Context, channel, threadAnchor string) (*store.Discussion, error) {
	return e.discussions.ActiveByAnchor(ctx, channel, threadAnchor)
}

// Shutdown stops rearming debounce timers.
func (e *Engine) Shutdown() {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	e.closed = true
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) humanDelay() time.Duration {
	e.randMu.Lock()
	defer e.randMu.Unlock()
	return humanDelayMin + time.Duration(e.rnd.Int63n(int64(humanDelayMax-humanDelayMin)))
}

func (e *Engine) rememberTrigger(id string, t Trigger) {
	e.triggersMu.Lock()
	e.triggers[id] = t
	e.triggersMu.Unlock()
}

func (e *Engine) lastTrigger(id string) (Trigger, bool) {
	e.triggersMu.Lock()
	defer e.triggersMu.Unlock()
	t, ok := e.triggers[id]
	return t, ok
}

func (e *Engine) forgetTrigger(id string) {
	e.triggersMu.Lock()
	delete(e.triggers, id)
	e.triggersMu.Unlock()
}

func identity(p personas.Persona) chat.PersonaIdentity {
	return chat.PersonaIdentity{ID: p.ID, Name: p.Name, IconURL: p.AvatarURL}
}

func leadOrFirst(list []personas.Persona, name string) personas.Persona {
	if p, ok := personas.ByName(list, name); ok {
		return p
	}
	return list[0]
}

func withoutPersona(list []personas.Persona, id string) []personas.Persona {
	out := make([]personas.Persona, 0, len(list))
	for _, p := range list {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}

// normalizeMsg is the thread-dedup equality: lowercase, whitespace runs
// collapsed.
func normalizeMsg(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
