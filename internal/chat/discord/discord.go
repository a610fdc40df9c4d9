// Package discord implements chat.Transport on the Discord gateway. It is
// the secondary transport; persona identity is rendered as a bold name
// prefix because Discord only allows per-message identity via webhooks.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nightwatchhq/nightwatch/internal/chat"
)

// Transport is a Discord-backed chat transport.
type Transport struct {
	session   *discordgo.Session
	botUserID string
}

// New creates a Discord transport from a bot token.
func New(token string) (*Transport, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	return &Transport{session: session}, nil
}

// BotUserID returns the bot's own user id (set after Run connects).
func (t *Transport) BotUserID() string { return t.botUserID }

// PostAs renders the persona as a bold name prefix.
func (t *Transport) PostAs(ctx context.Context, channel, text string, persona chat.PersonaIdentity, threadTS string) (chat.PostRef, error) {
	return t.send(ctx, channel, fmt.Sprintf("**%s**: %s", persona.Name, text), threadTS)
}

// PostAsBot posts without a persona prefix.
func (t *Transport) PostAsBot(ctx context.Context, channel, text, threadTS string) (chat.PostRef, error) {
	return t.send(ctx, channel, text, threadTS)
}

func (t *Transport) send(ctx context.Context, channel, text, threadTS string) (chat.PostRef, error) {
	msg := &discordgo.MessageSend{Content: text}
	if threadTS != "" {
		msg.Reference = &discordgo.MessageReference{MessageID: threadTS, ChannelID: channel}
	}
	sent, err := t.session.ChannelMessageSendComplex(channel, msg, discordgo.WithContext(ctx))
	if err != nil {
		return chat.PostRef{}, fmt.Errorf("discord: send: %w", err)
	}
	return chat.PostRef{Channel: channel, TS: sent.ID}, nil
}

// AddReaction adds a unicode emoji reaction.
func (t *Transport) AddReaction(ctx context.Context, channel, ts, emoji string) error {
	if err := t.session.MessageReactionAdd(channel, ts, emoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: react: %w", err)
	}
	return nil
}

// JoinChannel is a no-op: Discord bots see every channel their role allows.
func (t *Transport) JoinChannel(context.Context, string) error { return nil }

// ThreadReplies returns the reply chain rooted at ts, oldest first.
// Discord has no server-side thread query for plain reply chains, so this
// scans recent channel messages and follows references.
func (t *Transport) ThreadReplies(ctx context.Context, channel, ts string, limit int) ([]chat.Message, error) {
	msgs, err := t.session.ChannelMessages(channel, 100, "", ts, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: channel messages: %w", err)
	}

	inThread := map[string]bool{ts: true}
	var out []chat.Message

	if root, err := t.session.ChannelMessage(channel, ts, discordgo.WithContext(ctx)); err == nil {
		out = append(out, chat.Message{TS: root.ID, Text: root.Content, Author: root.Author.Username})
	}
	// ChannelMessages returns newest first.
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		m := msgs[i]
		if m.MessageReference == nil || !inThread[m.MessageReference.MessageID] {
			continue
		}
		inThread[m.ID] = true
		out = append(out, chat.Message{TS: m.ID, Text: m.Content, Author: m.Author.Username})
	}
	return out, nil
}

// ListUsers is approximated by the bot's cached guild members.
func (t *Transport) ListUsers(ctx context.Context) ([]chat.User, error) {
	var out []chat.User
	for _, guild := range t.session.State.Guilds {
		members, err := t.session.GuildMembers(guild.ID, "", 1000, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("discord: guild members: %w", err)
		}
		for _, m := range members {
			out = append(out, chat.User{ID: m.User.ID, Name: m.User.Username})
		}
	}
	return out, nil
}

// Run opens the gateway and forwards message-create events until ctx ends.
func (t *Transport) Run(ctx context.Context, handler chat.Handler) error {
	remove := t.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		ev := chat.Event{
			Type:    "message",
			UserID:  m.Author.ID,
			Text:    m.Content,
			Channel: m.ChannelID,
			TS:      m.ID,
		}
		if m.Author.Bot {
			ev.BotSenderID = m.Author.ID
		}
		if m.MessageReference != nil {
			ev.ThreadTS = m.MessageReference.MessageID
		}
		handler(ctx, ev)
	})
	defer remove()

	if err := t.session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	user, err := t.session.User("@me")
	if err != nil {
		t.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	t.botUserID = user.ID
	slog.Info("discord connected", "username", user.Username, "id", user.ID)

	<-ctx.Done()
	return t.session.Close()
}
