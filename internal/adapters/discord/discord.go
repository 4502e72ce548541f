// Package discord implements a Dispatcher Shell adapter (§6.1) over the
// Discord gateway, normalizing discordgo events into protocol.InboundMessage
// and satisfying protocol.Adapter for Reply/Send/SendFile.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/relaykit/pkg/protocol"
)

const maxMessageLen = 2000

// Config tunes the adapter from the recognized §6.5 options it owns.
type Config struct {
	Token             string
	AllowedGuilds     map[string]bool
	AllowedChannels   map[string]bool
	ThreadAutoRespond bool
}

// Adapter implements protocol.Adapter over a discordgo session.
type Adapter struct {
	cfg     Config
	session *discordgo.Session
	botID   string

	mu      sync.RWMutex
	running bool
}

// New creates an Adapter without opening the gateway connection yet.
func New(cfg Config) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Adapter{cfg: cfg, session: session}, nil
}

func (a *Adapter) Name() string { return "discord" }

func (a *Adapter) BotUserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botID
}

// Start opens the gateway connection and registers onMessage as the
// normalized inbound callback (§6.1).
func (a *Adapter) Start(ctx context.Context, onMessage func(protocol.InboundMessage)) error {
	a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m, onMessage)
	})

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	user, err := a.session.User("@me")
	if err != nil {
		a.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}

	a.mu.Lock()
	a.botID = user.ID
	a.running = true
	a.mu.Unlock()

	slog.Info("discord adapter connected", "username", user.Username, "id", user.ID)
	return nil
}

func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	return a.session.Close()
}

func (a *Adapter) isRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

func (a *Adapter) handleMessage(m *discordgo.MessageCreate, onMessage func(protocol.InboundMessage)) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == a.BotUserID() {
		return
	}

	isDM := m.GuildID == ""
	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == a.BotUserID() {
			mentioned = true
			break
		}
	}

	content := m.Content
	var attachments []protocol.Attachment
	for _, att := range m.Attachments {
		attachments = append(attachments, protocol.Attachment{
			Name:        att.Filename,
			ContentType: att.ContentType,
			Size:        int64(att.Size),
			URL:         att.URL,
		})
	}

	onMessage(protocol.InboundMessage{
		ID:      m.ID,
		Content: content,
		Author:  protocol.Author{ID: m.Author.ID, Bot: m.Author.Bot},
		GuildID: m.GuildID,
		Channel: protocol.Channel{
			ID:       m.ChannelID,
			IsDM:     isDM,
			IsThread: false,
		},
		Attachments: attachments,
		Mentioned:   mentioned || isDM,
	})
}

// Reply sends text as a new message to the inbound message's channel,
// returning an editable handle for the Progress Reporter (§4.3).
func (a *Adapter) Reply(ctx context.Context, msg protocol.InboundMessage, text string) (protocol.PendingMessage, error) {
	return a.Send(ctx, msg.Channel.ID, text)
}

func (a *Adapter) Send(ctx context.Context, channelID string, text string) (protocol.PendingMessage, error) {
	if !a.isRunning() {
		return nil, fmt.Errorf("discord: adapter not running")
	}
	chunks := chunk(text, maxMessageLen)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	sent, err := a.session.ChannelMessageSend(channelID, chunks[0])
	if err != nil {
		return nil, fmt.Errorf("discord: send: %w", err)
	}
	for _, c := range chunks[1:] {
		if _, err := a.session.ChannelMessageSend(channelID, c); err != nil {
			return nil, fmt.Errorf("discord: send follow-up: %w", err)
		}
	}
	return &pendingMessage{session: a.session, channelID: channelID, messageID: sent.ID}, nil
}

func (a *Adapter) SendFile(ctx context.Context, channelID string, path string, caption string) error {
	if !a.isRunning() {
		return fmt.Errorf("discord: adapter not running")
	}
	f, err := openForSend(path)
	if err != nil {
		return fmt.Errorf("discord: open attachment: %w", err)
	}
	defer f.Close()
	_, err = a.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: caption,
		Files:   []*discordgo.File{{Name: fileName(path), Reader: f}},
	})
	if err != nil {
		return fmt.Errorf("discord: send file: %w", err)
	}
	return nil
}

func (a *Adapter) FetchAttachment(ctx context.Context, att protocol.Attachment, maxBytes int64) ([]byte, error) {
	return fetchURL(ctx, att.URL, maxBytes)
}

func (a *Adapter) AllowedGuild(guildID string) bool {
	if len(a.cfg.AllowedGuilds) == 0 {
		return true
	}
	return a.cfg.AllowedGuilds[guildID]
}

func (a *Adapter) AllowedChannel(channelID string) bool {
	if len(a.cfg.AllowedChannels) == 0 {
		return true
	}
	return a.cfg.AllowedChannels[channelID]
}

func (a *Adapter) ThreadAutoRespond() bool { return a.cfg.ThreadAutoRespond }

// pendingMessage implements protocol.PendingMessage via Discord message edit.
type pendingMessage struct {
	session   *discordgo.Session
	channelID string
	messageID string
}

func (p *pendingMessage) Edit(ctx context.Context, text string) error {
	chunks := chunk(text, maxMessageLen)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	if _, err := p.session.ChannelMessageEdit(p.channelID, p.messageID, chunks[0]); err != nil {
		return fmt.Errorf("discord: edit: %w", err)
	}
	for _, c := range chunks[1:] {
		if _, err := p.session.ChannelMessageSend(p.channelID, c); err != nil {
			return fmt.Errorf("discord: edit overflow send: %w", err)
		}
	}
	return nil
}

// chunk splits text into Discord's message-length budget, preferring to
// break on a newline past the halfway point (teacher's sendChunked rule).
func chunk(text string, maxLen int) []string {
	var out []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			out = append(out, text)
			break
		}
		cut := maxLen
		if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
			cut = idx + 1
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	return out
}
