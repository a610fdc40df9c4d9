package replies

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nightwatchhq/nightwatch/internal/humanize"
	"github.com/nightwatchhq/nightwatch/internal/personas"
	"github.com/nightwatchhq/nightwatch/internal/threadstate"
)

type fakeReplier struct {
	mu      sync.Mutex
	replies []string // persona names, in post order
	text    string
}

func (f *fakeReplier) ReplyAsAgent(_ context.Context, _, _, _ string, p personas.Persona, _ humanize.Options) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, p.Name)
	if f.text != "" {
		return f.text, nil
	}
	return "sounds good", nil
}

func (f *fakeReplier) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replies...)
}

func testRoster() []personas.Persona {
	return personas.SeedRoster()
}

func newHandler(replier Replier) (*Handler, *threadstate.Manager) {
	state := threadstate.NewManager()
	roster := testRoster()
	h := NewHandler(state, replier, func(context.Context) []personas.Persona { return roster })
	h.sleep = func(time.Duration) {}
	return h, state
}

func waitLen(t *testing.T, f *fakeReplier, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.order()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("only %d replies, want %d", len(f.order()), n)
}

func TestReplySkipsOnCooldown(t *testing.T) {
	f := &fakeReplier{}
	h, state := newHandler(f)
	roster := testRoster()
	dev, _ := personas.ByName(roster, "Dev")

	state.MarkReplied("C1", "1.1", dev.ID)
	h.Reply(context.Background(), "C1", "1.1", "hey dev", dev)

	if got := f.order(); len(got) != 0 {
		t.Errorf("replies = %v, want none", got)
	}
}

func TestReplyRemembersPersona(t *testing.T) {
	f := &fakeReplier{}
	h, state := newHandler(f)
	dev, _ := personas.ByName(testRoster(), "Dev")

	h.Reply(context.Background(), "C1", "1.1", "hey dev", dev)
	waitLen(t, f, 1)

	if id, ok := state.RememberedPersona("C1", "1.1"); !ok || id != dev.ID {
		t.Errorf("remembered = %q ok=%v", id, ok)
	}
	if !state.IsOnCooldown("C1", "1.1", dev.ID) {
		t.Error("reply should start the cooldown")
	}
}

func TestCadenceSampling(t *testing.T) {
	h, _ := newHandler(&fakeReplier{})

	emojiAllowed := 0
	for i := 1; i <= 9; i++ {
		opts := h.NextOptions("C1", "1.1", "p1")
		if opts.AllowEmoji {
			emojiAllowed++
		}
		if opts.AllowNonFacial && i%9 != 0 {
			t.Errorf("post %d: non-facial allowed off-cadence", i)
		}
		if opts.MaxSentences < 1 || opts.MaxSentences > 3 {
			t.Errorf("MaxSentences = %d", opts.MaxSentences)
		}
		if opts.MaxChars < 280 || opts.MaxChars > 440 {
			t.Errorf("MaxChars = %d", opts.MaxChars)
		}
	}
	if emojiAllowed != 3 {
		t.Errorf("emoji allowed %d times in 9 posts, want 3", emojiAllowed)
	}
}

func TestFollowMentionsDepthOne(t *testing.T) {
	// Dev's reply names Maya; Maya's reply names Priya, but cascades stop
	// at depth one, so Priya never posts.
	f := &fakeReplier{text: "maya should take a look at priya's point"}
	h, _ := newHandler(f)
	roster := testRoster()
	dev, _ := personas.ByName(roster, "Dev")

	h.Reply(context.Background(), "C1", "1.1", "anything", dev)
	waitLen(t, f, 2)
	time.Sleep(50 * time.Millisecond)

	got := f.order()
	if got[0] != "Dev" {
		t.Errorf("first reply by %q", got[0])
	}
	// Dev + mentioned personas (maya, priya both named in Dev's text) may
	// reply, but none of THEIR mentions fire: every reply after the first
	// was directly named in Dev's post.
	for _, name := range got[1:] {
		if name == "Dev" {
			t.Errorf("self-mention must not trigger a follow reply: %v", got)
		}
	}
	// Piggyback may add at most one more; bounded well below a cascade.
	if len(got) > 4 {
		t.Errorf("replies cascaded: %v", got)
	}
}

func TestEngageMultipleRepliesInOrder(t *testing.T) {
	f := &fakeReplier{}
	h, _ := newHandler(f)

	h.EngageMultiple(context.Background(), "C1", "1.1", "hey team, happy friday")
	waitLen(t, f, 2)
	time.Sleep(50 * time.Millisecond)

	got := f.order()
	if len(got) < 2 || len(got) > 3 {
		t.Errorf("engaged %d personas, want 2-3: %v", len(got), got)
	}
	seen := map[string]bool{}
	for _, name := range got {
		if seen[name] {
			t.Errorf("persona %q replied twice: %v", name, got)
		}
		seen[name] = true
	}
}

func TestHandoffSwitchesOnStrongTopicFit(t *testing.T) {
	f := &fakeReplier{}
	h, state := newHandler(f)
	roster := testRoster()
	dev, _ := personas.ByName(roster, "Dev")
	maya, _ := personas.ByName(roster, "Maya")

	state.RememberPersona("C1", "1.1", dev.ID)

	p, ok := h.ChoosePersona(context.Background(), "C1", "1.1", "what's the weather like")
	if !ok || p.ID != dev.ID {
		t.Errorf("neutral text should keep Dev, got %q ok=%v", p.Name, ok)
	}

	p, ok = h.ChoosePersona(context.Background(), "C1", "1.1",
		"is this auth token handling a security vulnerability? worried about injection")
	if !ok || p.ID != maya.ID {
		t.Errorf("security question should hand off to Maya, got %q ok=%v", p.Name, ok)
	}
}

func TestChoosePersonaWithoutMemory(t *testing.T) {
	h, _ := newHandler(&fakeReplier{})
	if _, ok := h.ChoosePersona(context.Background(), "C1", "9.9", "hello"); ok {
		t.Error("no remembered persona: expected not-found")
	}
}

func TestScoreTopicFit(t *testing.T) {
	maya := personas.Persona{
		Role: "security engineer",
		Skill: personas.Skill{
			Expertise: []string{"security", "auth"},
			Interests: []string{"threat modeling"},
		},
	}
	if got := ScoreTopicFit("let's talk lunch", maya); got != 0 {
		t.Errorf("score = %d, want 0", got)
	}
	if got := ScoreTopicFit("auth security review please", maya); got < 4 {
		t.Errorf("score = %d, want >= 4", got)
	}
	if got := ScoreTopicFit("threat modeling session for the new service", maya); got < 1 {
		t.Errorf("multi-word interest should hit: %d", got)
	}
}
