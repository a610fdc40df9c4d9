package router

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nightwatchhq/nightwatch/internal/chat"
	"github.com/nightwatchhq/nightwatch/internal/config"
	"github.com/nightwatchhq/nightwatch/internal/deliberation"
	"github.com/nightwatchhq/nightwatch/internal/jobs"
	"github.com/nightwatchhq/nightwatch/internal/personas"
	"github.com/nightwatchhq/nightwatch/internal/registry"
	"github.com/nightwatchhq/nightwatch/internal/store"
	"github.com/nightwatchhq/nightwatch/internal/threadstate"
)

type fakeTransport struct {
	mu        sync.Mutex
	posts     []string // "<persona>: <text>"
	reactions []string
	history   []chat.Message
}

func (f *fakeTransport) BotUserID() string { return "B1" }

func (f *fakeTransport) PostAs(_ context.Context, _, text string, persona chat.PersonaIdentity, _ string) (chat.PostRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, persona.Name+": "+text)
	return chat.PostRef{TS: "1.1"}, nil
}

func (f *fakeTransport) AddReaction(_ context.Context, _, _, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, emoji)
	return nil
}

func (f *fakeTransport) ThreadReplies(context.Context, string, string, int) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Message(nil), f.history...), nil
}

type fakeEngine struct {
	mu            sync.Mutex
	started       []deliberation.Trigger
	active        map[string]*store.Discussion // "channel|anchor"
	contributions []string                     // "discussionID:persona"
	paused        []string
}

func (f *fakeEngine) StartDiscussion(_ context.Context, trigger deliberation.Trigger) (*store.Discussion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, trigger)
	return &store.Discussion{ID: "d-new"}, nil
}

func (f *fakeEngine) ActiveByAnchor(_ context.Context, channel, anchor string) (*store.Discussion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[channel+"|"+anchor], nil
}

func (f *fakeEngine) ContributeAsAgent(_ context.Context, discussionID string, p personas.Persona) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contributions = append(f.contributions, discussionID+":"+p.Name)
}

func (f *fakeEngine) HandleHumanMessage(_ context.Context, _, thread, text, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, thread+":"+text)
}

type fakeReplies struct {
	mu       sync.Mutex
	replies  []string
	engaged  []string
	choose   personas.Persona
	chooseOK bool
}

func (f *fakeReplies) Reply(_ context.Context, _, _, _ string, persona personas.Persona) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, persona.Name)
}

func (f *fakeReplies) EngageMultiple(_ context.Context, _, _, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engaged = append(f.engaged, text)
}

func (f *fakeReplies) ChoosePersona(context.Context, string, string, string) (personas.Persona, bool) {
	return f.choose, f.chooseOK
}

type spawnedJob struct {
	kind    string
	project string
	opts    jobs.Options
}

type fakeSpawner struct {
	mu     sync.Mutex
	jobs   []spawnedJob
	direct []string // "<provider>|<project>|<prompt>"
}

func (f *fakeSpawner) SpawnJob(_ context.Context, kind string, project store.Project, _ jobs.Anchor, _ chat.PersonaIdentity, opts jobs.Options) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, spawnedJob{kind: kind, project: project.Name, opts: opts})
}

func (f *fakeSpawner) SpawnDirectProviderRequest(_ context.Context, provider string, project store.Project, _ jobs.Anchor, _ chat.PersonaIdentity, prompt string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.direct = append(f.direct, provider+"|"+project.Name+"|"+prompt)
}

type fakeBoard struct {
	mu    sync.Mutex
	moves []string // "<number>-><column>"
}

func (f *fakeBoard) MoveIssueWithFallback(_ context.Context, number int, column string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, fmt.Sprintf("%d->%s", number, column))
	return nil
}

// fixedSource makes the router's random rolls deterministic.
type fixedSource struct{ v int64 }

func (s *fixedSource) Int63() int64 { return s.v }
func (s *fixedSource) Seed(int64)  {}

type env struct {
	router  *Router
	tr      *fakeTransport
	engine  *fakeEngine
	replies *fakeReplies
	spawner *fakeSpawner
	board   *fakeBoard
	state   *threadstate.Manager
	seq     int
}

func newTestRouter(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg, err := registry.New(ctx, st.Projects)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	err = reg.Seed(ctx, []config.ProjectConfig{
		{Path: "/srv/billing", Name: "billing", Channel: "C1", Repo: "org/billing"},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	e := &env{
		tr:      &fakeTransport{},
		engine:  &fakeEngine{active: make(map[string]*store.Discussion)},
		replies: &fakeReplies{},
		spawner: &fakeSpawner{},
		board:   &fakeBoard{},
		state:   threadstate.NewManager(),
	}
	roster := personas.SeedRoster()
	e.router = New(Config{
		Transport:   e.tr,
		Engine:      e.engine,
		Replies:     e.replies,
		Spawner:     e.spawner,
		Board:       e.board,
		Registry:    reg,
		State:       e.state,
		Roster:      func(context.Context) []personas.Persona { return roster },
		MainChannel: "C1",
	})
	// High roll: the ambient sprinkle never fires unless a test wants it.
	// (1<<62 gives Float64() == 0.5; the max int63 value rounds to 1.0,
	// which rand.Float64 rejects in an infinite retry loop.)
	e.router.rnd = rand.New(&fixedSource{v: 1 << 62})
	return e
}

func (e *env) event(text string) chat.Event {
	e.seq++
	return chat.Event{
		Type:    "message",
		UserID:  "U1",
		Text:    text,
		Channel: "C1",
		TS:      fmt.Sprintf("500.%03d", e.seq),
	}
}

func TestRouteDropsSelfAndSystem(t *testing.T) {
	e := newTestRouter(t)
	ctx := context.Background()

	cases := []struct {
		name string
		ev   chat.Event
	}{
		{"no channel", chat.Event{Type: "message", UserID: "U1", Text: "hi", TS: "1.1"}},
		{"no ts", chat.Event{Type: "message", UserID: "U1", Text: "hi", Channel: "C1"}},
		{"subtype edit", chat.Event{Type: "message", Subtype: "message_changed", UserID: "U1", Text: "hi", Channel: "C1", TS: "1.2"}},
		{"no user", chat.Event{Type: "message", Text: "hi", Channel: "C1", TS: "1.3"}},
		{"own bot post", chat.Event{Type: "message", BotSenderID: "B1", Text: "hi", Channel: "C2", TS: "1.4"}},
	}
	for _, tc := range cases {
		if tag := e.router.Route(ctx, tc.ev); tag != TagDropped {
			t.Errorf("%s: tag = %s, want dropped", tc.name, tag)
		}
	}
	if len(e.replies.replies) != 0 || len(e.spawner.jobs) != 0 {
		t.Error("dropped events reached a dispatcher")
	}
}

func TestRouteBotOutputStartsIssueReview(t *testing.T) {
	e := newTestRouter(t)

	ev := chat.Event{
		Type: "message", BotSenderID: "B1", Channel: "C1", TS: "2.1",
		Text: "Caught something in billing — filed fix: a race (#12) https://github.com/org/billing/issues/12",
	}
	if tag := e.router.Route(context.Background(), ev); tag != TagIssueReviewScan {
		t.Fatalf("tag = %s, want issue_review_scan", tag)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		e.engine.mu.Lock()
		n := len(e.engine.started)
		e.engine.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.engine.mu.Lock()
	defer e.engine.mu.Unlock()
	if len(e.engine.started) != 1 {
		t.Fatalf("started %d discussions, want 1", len(e.engine.started))
	}
	got := e.engine.started[0]
	if got.Type != "issue_review" || got.Ref != "org/billing#12" {
		t.Errorf("trigger = %+v", got)
	}
	if got.ProjectPath != "/srv/billing" {
		t.Errorf("project path = %q, want the registered path for the repo", got.ProjectPath)
	}
}

func TestRouteDeduplicatesDeliveries(t *testing.T) {
	e := newTestRouter(t)
	ctx := context.Background()

	ev := e.event("hey team, morning")
	first := e.router.Route(ctx, ev)
	second := e.router.Route(ctx, ev)

	if first == TagDuplicate {
		t.Errorf("first delivery tagged duplicate")
	}
	if second != TagDuplicate {
		t.Errorf("second delivery tag = %s, want duplicate", second)
	}
}

func TestRouteProviderRequestPreemptsJobGrammar(t *testing.T) {
	e := newTestRouter(t)

	// "run" alone would read as a job verb; the provider keyword wins.
	tag := e.router.Route(context.Background(), e.event("run claude on billing check the retry logic"))
	if tag != TagProviderRequest {
		t.Fatalf("tag = %s, want provider_request", tag)
	}
	if len(e.spawner.jobs) != 0 {
		t.Errorf("provider request also spawned a job: %+v", e.spawner.jobs)
	}
	if len(e.spawner.direct) != 1 || e.spawner.direct[0] != "claude|billing|check the retry logic" {
		t.Errorf("direct = %v", e.spawner.direct)
	}
	if len(e.tr.posts) != 1 || !strings.HasPrefix(e.tr.posts[0], "Dev: ") {
		t.Errorf("ack = %v, want one Dev line", e.tr.posts)
	}
}

func TestRouteReviewRequestWithMergeConflicts(t *testing.T) {
	e := newTestRouter(t)

	tag := e.router.Route(context.Background(),
		e.event("Can someone review https://github.com/org/billing/pull/42 ? It has merge conflicts again."))
	if tag != TagJobRequest {
		t.Fatalf("tag = %s, want job_request", tag)
	}

	if len(e.spawner.jobs) != 1 {
		t.Fatalf("jobs = %+v", e.spawner.jobs)
	}
	job := e.spawner.jobs[0]
	if job.kind != "review" || job.project != "billing" {
		t.Errorf("job = %+v", job)
	}
	if job.opts.PRNumber != "42" || !job.opts.FixConflicts {
		t.Errorf("opts = %+v, want PR 42 with conflicts flagged", job.opts)
	}

	want := "Carlos: On it — PR #42, including the conflicts."
	if len(e.tr.posts) != 1 || e.tr.posts[0] != want {
		t.Errorf("ack = %v, want %q", e.tr.posts, want)
	}
}

func TestRouteBarePRReferenceReadsAsReview(t *testing.T) {
	e := newTestRouter(t)

	tag := e.router.Route(context.Background(), e.event("anyone seen pr #51 yet"))
	if tag != TagJobRequest {
		t.Fatalf("tag = %s, want job_request", tag)
	}
	if len(e.spawner.jobs) != 1 || e.spawner.jobs[0].kind != "review" || e.spawner.jobs[0].opts.PRNumber != "51" {
		t.Errorf("jobs = %+v", e.spawner.jobs)
	}
}

func TestRouteHashInsideURLIsNotPR(t *testing.T) {
	e := newTestRouter(t)

	tag := e.router.Route(context.Background(), e.event("docs moved to https://example.com/page#42 btw"))
	if tag == TagJobRequest {
		t.Fatal("URL fragment routed as a PR reference")
	}
	if len(e.spawner.jobs) != 0 {
		t.Errorf("jobs = %+v", e.spawner.jobs)
	}
}

func TestRouteIssuePickup(t *testing.T) {
	e := newTestRouter(t)

	tag := e.router.Route(context.Background(),
		e.event("can someone pick up https://github.com/org/billing/issues/7 ?"))
	if tag != TagIssuePickup {
		t.Fatalf("tag = %s, want issue_pickup", tag)
	}

	e.board.mu.Lock()
	moves := append([]string(nil), e.board.moves...)
	e.board.mu.Unlock()
	if len(moves) != 1 || moves[0] != "7->In Progress" {
		t.Errorf("board moves = %v", moves)
	}
	if len(e.spawner.jobs) != 1 || e.spawner.jobs[0].kind != "run" || e.spawner.jobs[0].opts.IssueNumber != "7" {
		t.Errorf("jobs = %+v", e.spawner.jobs)
	}
	if len(e.tr.posts) != 1 || !strings.Contains(e.tr.posts[0], "Picking up #7") {
		t.Errorf("ack = %v", e.tr.posts)
	}
}

func TestRouteExplicitMentionInsideDiscussion(t *testing.T) {
	e := newTestRouter(t)
	e.engine.active["C1|600.1"] = &store.Discussion{ID: "d9"}

	ev := e.event("@maya what do you think about the token handling?")
	ev.ThreadTS = "600.1"

	if tag := e.router.Route(context.Background(), ev); tag != TagExplicitMention {
		t.Fatalf("tag = %s, want explicit_mention", tag)
	}
	e.engine.mu.Lock()
	defer e.engine.mu.Unlock()
	if len(e.engine.contributions) != 1 || e.engine.contributions[0] != "d9:Maya" {
		t.Errorf("contributions = %v", e.engine.contributions)
	}
	if len(e.replies.replies) != 0 {
		t.Errorf("in-discussion mention fell through to ad-hoc reply: %v", e.replies.replies)
	}
}

func TestRoutePlainNameMentionReplies(t *testing.T) {
	e := newTestRouter(t)

	tag := e.router.Route(context.Background(), e.event("maya might know what this cert error means"))
	if tag != TagPlainMention {
		t.Fatalf("tag = %s, want plain_mention", tag)
	}
	if len(e.replies.replies) != 1 || e.replies.replies[0] != "Maya" {
		t.Errorf("replies = %v", e.replies.replies)
	}
}

func TestRouteDiscussionThreadPausesConsensus(t *testing.T) {
	e := newTestRouter(t)
	e.engine.active["C1|700.1"] = &store.Discussion{ID: "d7"}

	ev := e.event("hold on, I want to loop in finance first")
	ev.ThreadTS = "700.1"

	if tag := e.router.Route(context.Background(), ev); tag != TagDiscussionPause {
		t.Fatalf("tag = %s, want discussion_pause", tag)
	}
	e.engine.mu.Lock()
	defer e.engine.mu.Unlock()
	if len(e.engine.paused) != 1 || !strings.HasPrefix(e.engine.paused[0], "700.1:") {
		t.Errorf("paused = %v", e.engine.paused)
	}
}

func TestRouteRememberedPersonaContinues(t *testing.T) {
	e := newTestRouter(t)
	roster := personas.SeedRoster()
	dev, _ := personas.ByName(roster, "Dev")
	e.replies.choose, e.replies.chooseOK = dev, true

	ev := e.event("how does the cache invalidation work here")
	e.state.RememberPersona("C1", ev.TS, dev.ID)

	if tag := e.router.Route(context.Background(), ev); tag != TagRememberedReply {
		t.Fatalf("tag = %s, want remembered_reply", tag)
	}
	if len(e.replies.replies) != 1 || e.replies.replies[0] != "Dev" {
		t.Errorf("replies = %v", e.replies.replies)
	}
}

func TestRouteHistoryRecoveryAfterRestart(t *testing.T) {
	e := newTestRouter(t)
	e.tr.history = []chat.Message{
		{TS: "800.1", Author: "someone", Text: "original question"},
		{TS: "800.2", Author: "Priya", Text: "repro'd it on staging"},
	}

	ev := e.event("did that repro hold up?")
	ev.ThreadTS = "800.1"

	if tag := e.router.Route(context.Background(), ev); tag != TagHistoryRecovery {
		t.Fatalf("tag = %s, want history_recovery", tag)
	}
	if len(e.replies.replies) != 1 || e.replies.replies[0] != "Priya" {
		t.Errorf("replies = %v, want the persona recovered from history", e.replies.replies)
	}
	roster := personas.SeedRoster()
	priya, _ := personas.ByName(roster, "Priya")
	if id, ok := e.state.RememberedPersona("C1", "800.1"); !ok || id != priya.ID {
		t.Errorf("remembered = %q ok=%v, want Priya re-remembered", id, ok)
	}
}

func TestRouteAmbientChatterEngagesTeam(t *testing.T) {
	e := newTestRouter(t)

	tag := e.router.Route(context.Background(), e.event("hey folks, happy friday"))
	if tag != TagAmbientChatter {
		t.Fatalf("tag = %s, want ambient_chatter", tag)
	}
	if len(e.replies.engaged) != 1 {
		t.Errorf("engaged = %v", e.replies.engaged)
	}
}

func TestRouteAppMentionFallback(t *testing.T) {
	e := newTestRouter(t)

	ev := e.event("what's the plan for next quarter")
	ev.Type = "app_mention"

	if tag := e.router.Route(context.Background(), ev); tag != TagMentionFallback {
		t.Fatalf("tag = %s, want mention_fallback", tag)
	}
	if len(e.replies.replies) != 1 {
		t.Errorf("replies = %v", e.replies.replies)
	}
}

func TestRouteAmbientSprinkleReactsOnly(t *testing.T) {
	e := newTestRouter(t)
	// Low roll: every persona sprinkles.
	e.router.rnd = rand.New(&fixedSource{v: 0})

	tag := e.router.Route(context.Background(), e.event("pushed the migration to staging"))
	if tag != TagAmbientSprinkle {
		t.Fatalf("tag = %s, want ambient_sprinkle", tag)
	}
	if len(e.replies.replies) != 0 {
		t.Errorf("sprinkle must not reply: %v", e.replies.replies)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		e.tr.mu.Lock()
		n := len(e.tr.reactions)
		e.tr.mu.Unlock()
		if n >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no reaction added")
}

func TestRouteGuaranteedFallbackReplies(t *testing.T) {
	e := newTestRouter(t)

	tag := e.router.Route(context.Background(), e.event("pushed the migration to staging"))
	if tag != TagFallbackReply {
		t.Fatalf("tag = %s, want fallback_reply", tag)
	}
	if len(e.replies.replies) != 1 {
		t.Errorf("replies = %v", e.replies.replies)
	}
}
