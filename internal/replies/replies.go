// Package replies schedules persona replies in ad-hoc threads: cadence
// (emoji and length sampling), cascading follow-mentions, piggyback posts,
// topic handoff, and multi-persona engagement for ambient chatter.
package replies

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/nightwatchhq/nightwatch/internal/humanize"
	"github.com/nightwatchhq/nightwatch/internal/personas"
	"github.com/nightwatchhq/nightwatch/internal/threadstate"
)

// Replier produces one persona reply in a thread. Implemented by the
// deliberation engine's ad-hoc path.
type Replier interface {
	ReplyAsAgent(ctx context.Context, channel, thread, incomingText string, persona personas.Persona, opts humanize.Options) (string, error)
}

const (
	piggybackProbability = 0.4
	handoffThreshold     = 2

	followDelayMin = 1400 * time.Millisecond
	followDelayMax = 10 * time.Second

	piggybackDelayMin = 4 * time.Second
	piggybackDelayMax = 15 * time.Second
)

// Handler owns reply scheduling for threads without an active discussion.
type Handler struct {
	state   *threadstate.Manager
	replier Replier
	roster  func(ctx context.Context) []personas.Persona

	mu    sync.Mutex
	rnd   *rand.Rand
	sleep func(time.Duration) // swapped in tests
}

// NewHandler creates the reply handler. roster returns the active personas.
func NewHandler(state *threadstate.Manager, replier Replier, roster func(ctx context.Context) []personas.Persona) *Handler {
	return &Handler{
		state:   state,
		replier: replier,
		roster:  roster,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   time.Sleep,
	}
}

// Reply has the persona respond once, then fans out follow-mentions and a
// possible piggyback in the background. Cooldown skips are silent.
func (h *Handler) Reply(ctx context.Context, channel, thread, text string, persona personas.Persona) {
	final, ok := h.replyOnce(ctx, channel, thread, text, persona)
	if !ok {
		return
	}
	go h.followMentions(channel, thread, final, persona)
	go h.maybePiggyback(channel, thread, final, persona)
}

// replyOnce is one reply slot: cooldown gate, cadence sampling, post,
// bookkeeping. Returns the posted text.
func (h *Handler) replyOnce(ctx context.Context, channel, thread, text string, persona personas.Persona) (string, bool) {
	if h.state.IsOnCooldown(channel, thread, persona.ID) {
		slog.Debug("reply skipped, persona on cooldown", "persona", persona.Name, "channel", channel)
		return "", false
	}

	final, err := h.replier.ReplyAsAgent(ctx, channel, thread, text, persona, h.NextOptions(channel, thread, persona.ID))
	if err != nil {
		slog.Warn("persona reply failed", "persona", persona.Name, "channel", channel, "error", err)
		return "", false
	}
	if final == "" {
		return "", false
	}

	h.state.MarkReplied(channel, thread, persona.ID)
	h.state.RememberPersona(channel, thread, persona.ID)
	h.state.TouchChannel(channel)
	return final, true
}

// NextOptions samples the humanization envelope for a persona's next post
// in a thread. Every 3rd post may carry an emoji, every 9th a non-facial
// pictograph; most posts are one or two sentences.
func (h *Handler) NextOptions(channel, thread, personaID string) humanize.Options {
	count := h.state.NextCadence(channel, thread, personaID)

	opts := humanize.Options{
		AllowEmoji:     count%3 == 0,
		AllowNonFacial: count%9 == 0,
	}

	h.mu.Lock()
	roll := h.rnd.Float64()
	opts.MaxChars = 280 + h.rnd.Intn(161)
	h.mu.Unlock()

	switch {
	case roll < 0.35:
		opts.MaxSentences = 1
	case roll < 0.60:
		opts.MaxSentences = 2
	default:
		opts.MaxSentences = 3
	}
	return opts
}

// followMentions lets personas named in a reply respond once. Depth is
// strictly one: their replies never cascade further.
func (h *Handler) followMentions(channel, thread, replyText string, self personas.Persona) {
	defer recoverHandler("follow mentions")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, p := range personas.MentionedIn(h.roster(ctx), replyText) {
		if p.ID == self.ID || h.state.IsOnCooldown(channel, thread, p.ID) {
			continue
		}
		h.sleep(h.randomDelay(followDelayMin, followDelayMax))
		h.replyOnce(ctx, channel, thread, replyText, p)
	}
}

// maybePiggyback sometimes has a second persona chime in after a reply.
func (h *Handler) maybePiggyback(channel, thread, replyText string, self personas.Persona) {
	defer recoverHandler("piggyback")

	h.mu.Lock()
	roll := h.rnd.Float64()
	h.mu.Unlock()
	if roll >= piggybackProbability {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	candidates := h.available(ctx, channel, thread, self.ID)
	if len(candidates) == 0 {
		return
	}
	h.mu.Lock()
	pick := candidates[h.rnd.Intn(len(candidates))]
	h.mu.Unlock()

	h.sleep(h.randomDelay(piggybackDelayMin, piggybackDelayMax))
	h.replyOnce(ctx, channel, thread, replyText, pick)
}

// EngageMultiple answers ambient chatter with 2-3 personas, serialized so
// the thread reads in order.
func (h *Handler) EngageMultiple(ctx context.Context, channel, thread, text string) {
	candidates := h.available(ctx, channel, thread, "")
	if len(candidates) == 0 {
		return
	}

	h.mu.Lock()
	h.rnd.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	n := 2
	if len(candidates) > 2 && h.rnd.Intn(2) == 1 {
		n = 3
	}
	h.mu.Unlock()
	if n > len(candidates) {
		n = len(candidates)
	}

	go func() {
		defer recoverHandler("engage multiple")
		bctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		for i, p := range candidates[:n] {
			if i > 0 {
				h.sleep(h.randomDelay(piggybackDelayMin, piggybackDelayMax))
			}
			h.replyOnce(bctx, channel, thread, text, p)
		}
	}()
}

// ChoosePersona resolves who answers in a remembered ad-hoc thread: the
// remembered persona keeps the thread unless another persona's domain
// clearly fits the new message better.
func (h *Handler) ChoosePersona(ctx context.Context, channel, thread, text string) (personas.Persona, bool) {
	roster := h.roster(ctx)
	if len(roster) == 0 {
		return personas.Persona{}, false
	}

	rememberedID, ok := h.state.RememberedPersona(channel, thread)
	if !ok {
		return personas.Persona{}, false
	}
	remembered, ok := personas.ByID(roster, rememberedID)
	if !ok {
		return personas.Persona{}, false
	}

	best := remembered
	bestScore := ScoreTopicFit(text, remembered)
	for _, p := range roster {
		if p.ID == remembered.ID {
			continue
		}
		if score := ScoreTopicFit(text, p); score >= bestScore+handoffThreshold {
			best, bestScore = p, score
		}
	}
	if best.ID != remembered.ID {
		slog.Info("thread handoff", "from", remembered.Name, "to", best.Name)
	}
	return best, true
}

func (h *Handler) available(ctx context.Context, channel, thread, excludeID string) []personas.Persona {
	var out []personas.Persona
	for _, p := range h.roster(ctx) {
		if p.ID == excludeID || h.state.IsOnCooldown(channel, thread, p.ID) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (h *Handler) randomDelay(min, max time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return min + time.Duration(h.rnd.Int63n(int64(max-min)))
}

func recoverHandler(what string) {
	if r := recover(); r != nil {
		slog.Error("background reply task panicked", "task", what, "panic", r)
	}
}
