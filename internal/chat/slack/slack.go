// Package slack implements chat.Transport on the Slack Web API plus a
// Socket Mode event stream.
package slack

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nightwatchhq/nightwatch/internal/chat"
)

// Transport talks to one Slack workspace.
type Transport struct {
	api       *goslack.Client
	sock      *socketmode.Client
	botUserID string
}

// Option customizes the transport.
type Option func(*options)

type options struct {
	apiURL string
	debug  bool
}

// WithAPIURL points the client at a mock server (tests).
func WithAPIURL(url string) Option {
	return func(o *options) { o.apiURL = url }
}

// WithDebug enables slack-go's own debug logging.
func WithDebug() Option {
	return func(o *options) { o.debug = true }
}

// New builds a Socket Mode transport. botToken is the xoxb token,
// appToken the xapp token that carries the connections:write scope.
func New(botToken, appToken string, opts ...Option) (*Transport, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	clientOpts := []goslack.Option{
		goslack.OptionAppLevelToken(appToken),
		goslack.OptionDebug(o.debug),
	}
	if o.apiURL != "" {
		clientOpts = append(clientOpts, goslack.OptionAPIURL(o.apiURL))
	}
	api := goslack.New(botToken, clientOpts...)

	auth, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	return &Transport{
		api:       api,
		sock:      socketmode.New(api),
		botUserID: auth.UserID,
	}, nil
}

// BotUserID returns the bot's own user id.
func (t *Transport) BotUserID() string { return t.botUserID }

// PostAs posts as a persona by overriding username and icon.
func (t *Transport) PostAs(ctx context.Context, channel, text string, persona chat.PersonaIdentity, threadTS string) (chat.PostRef, error) {
	opts := []goslack.MsgOption{
		goslack.MsgOptionText(text, false),
		goslack.MsgOptionUsername(persona.Name),
	}
	if persona.IconURL != "" {
		opts = append(opts, goslack.MsgOptionIconURL(persona.IconURL))
	}
	if threadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(threadTS))
	}
	ch, ts, err := t.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return chat.PostRef{}, fmt.Errorf("slack: post as %s: %w", persona.Name, err)
	}
	return chat.PostRef{Channel: ch, TS: ts}, nil
}

// PostAsBot posts under the app's default identity.
func (t *Transport) PostAsBot(ctx context.Context, channel, text, threadTS string) (chat.PostRef, error) {
	opts := []goslack.MsgOption{goslack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(threadTS))
	}
	ch, ts, err := t.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return chat.PostRef{}, fmt.Errorf("slack: post: %w", err)
	}
	return chat.PostRef{Channel: ch, TS: ts}, nil
}

// AddReaction reacts to a message.
func (t *Transport) AddReaction(ctx context.Context, channel, ts, emoji string) error {
	err := t.api.AddReactionContext(ctx, emoji, goslack.ItemRef{Channel: channel, Timestamp: ts})
	if err != nil {
		return fmt.Errorf("slack: add reaction %s: %w", emoji, err)
	}
	return nil
}

// JoinChannel joins a public channel.
func (t *Transport) JoinChannel(ctx context.Context, id string) error {
	if _, _, _, err := t.api.JoinConversationContext(ctx, id); err != nil {
		return fmt.Errorf("slack: join %s: %w", id, err)
	}
	return nil
}

// ThreadReplies fetches up to limit messages of a thread, oldest first.
func (t *Transport) ThreadReplies(ctx context.Context, channel, ts string, limit int) ([]chat.Message, error) {
	msgs, _, _, err := t.api.GetConversationRepliesContext(ctx, &goslack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: ts,
		Limit:     limit,
	})
	if err != nil {
		return nil, fmt.Errorf("slack: thread replies: %w", err)
	}
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		author := m.Username
		if author == "" {
			author = m.User
		}
		out = append(out, chat.Message{TS: m.Timestamp, Text: m.Text, Author: author})
	}
	return out, nil
}

// ListUsers returns workspace members.
func (t *Transport) ListUsers(ctx context.Context) ([]chat.User, error) {
	users, err := t.api.GetUsersContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack: list users: %w", err)
	}
	out := make([]chat.User, 0, len(users))
	for _, u := range users {
		out = append(out, chat.User{ID: u.ID, Name: u.Name})
	}
	return out, nil
}

// Run pumps Socket Mode events into handler until ctx is canceled.
// Each events-API payload is acked before handling; Slack redelivers
// unacked events, and the core's dedup LRU absorbs any overlap.
func (t *Transport) Run(ctx context.Context, handler chat.Handler) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-t.sock.Events:
				if !ok {
					return
				}
				t.dispatch(ctx, evt, handler)
			}
		}
	}()
	return t.sock.RunContext(ctx)
}

func (t *Transport) dispatch(ctx context.Context, evt socketmode.Event, handler chat.Handler) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		slog.Info("slack socket connected")
	case socketmode.EventTypeConnectionError:
		slog.Warn("slack socket connection error")
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			t.sock.Ack(*evt.Request)
		}
		if ev, ok := normalize(apiEvent); ok {
			handler(ctx, ev)
		}
	}
}

// normalize converts Slack's inner event types into a chat.Event.
func normalize(apiEvent slackevents.EventsAPIEvent) (chat.Event, bool) {
	switch inner := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		return chat.Event{
			Type:        "message",
			Subtype:     inner.SubType,
			BotSenderID: inner.BotID,
			UserID:      inner.User,
			Text:        inner.Text,
			Channel:     inner.Channel,
			TS:          inner.TimeStamp,
			ThreadTS:    inner.ThreadTimeStamp,
		}, true
	case *slackevents.AppMentionEvent:
		return chat.Event{
			Type:     "app_mention",
			UserID:   inner.User,
			Text:     inner.Text,
			Channel:  inner.Channel,
			TS:       inner.TimeStamp,
			ThreadTS: inner.ThreadTimeStamp,
		}, true
	}
	return chat.Event{}, false
}
