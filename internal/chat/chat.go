// Package chat defines the transport seam between the chat platform and
// the orchestration core. Implementations live in subpackages (slack,
// discord); the core only sees normalized events and these operations.
package chat

import "context"

// Event is a normalized inbound chat event.
type Event struct {
	Type        string // "message", "app_mention", ...
	Subtype     string // platform subtype; non-empty means edit/join/bot post
	BotSenderID string // set when the sender is a bot
	UserID      string
	Text        string
	Channel     string
	TS          string // platform message id / timestamp
	ThreadTS    string // empty for root messages
}

// InThread reports whether the event happened inside a thread.
func (e Event) InThread() bool { return e.ThreadTS != "" && e.ThreadTS != e.TS }

// ThreadAnchor is the thread the event belongs to: the parent ts for
// replies, the event's own ts otherwise.
func (e Event) ThreadAnchor() string {
	if e.InThread() {
		return e.ThreadTS
	}
	return e.TS
}

// PersonaIdentity is what a transport needs to render a persona. ID ties
// posts back to cooldown bookkeeping; transports don't use it.
type PersonaIdentity struct {
	ID      string
	Name    string
	IconURL string
}

// PostRef identifies a posted message.
type PostRef struct {
	Channel string
	TS      string
}

// Message is one message from thread history.
type Message struct {
	TS     string
	Text   string
	Author string // display name when the platform exposes one
}

// User is a workspace member.
type User struct {
	ID   string
	Name string
}

// Handler consumes normalized inbound events.
type Handler func(ctx context.Context, ev Event)

// Transport is the pluggable chat platform.
type Transport interface {
	// BotUserID returns the bot's own sender id, used for self-filtering.
	BotUserID() string

	// PostAs posts text impersonating a persona. threadTS may be empty.
	PostAs(ctx context.Context, channel, text string, persona PersonaIdentity, threadTS string) (PostRef, error)

	// PostAsBot posts under the bot's default identity.
	PostAsBot(ctx context.Context, channel, text, threadTS string) (PostRef, error)

	// AddReaction adds an emoji reaction to a message.
	AddReaction(ctx context.Context, channel, ts, emoji string) error

	// JoinChannel joins a channel by id.
	JoinChannel(ctx context.Context, id string) error

	// ThreadReplies returns up to limit messages from a thread, oldest first.
	ThreadReplies(ctx context.Context, channel, ts string, limit int) ([]Message, error)

	// ListUsers returns workspace members.
	ListUsers(ctx context.Context) ([]User, error)

	// Run connects and delivers events to handler until ctx is canceled.
	Run(ctx context.Context, handler Handler) error
}
