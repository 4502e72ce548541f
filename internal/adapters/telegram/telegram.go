// Package telegram implements a Dispatcher Shell adapter (§6.1) over the
// Telegram Bot API using long polling, normalizing telego updates into
// protocol.InboundMessage and satisfying protocol.Adapter.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/relaykit/pkg/protocol"
)

const maxMessageLen = 4096

// Config tunes the adapter from the recognized §6.5 options it owns.
type Config struct {
	Token             string
	AllowedGuilds     map[string]bool // Telegram has no guild concept; unused, kept for interface symmetry
	AllowedChannels   map[string]bool // chat IDs as strings
	ThreadAutoRespond bool
	MediaMaxBytes     int64
}

// Adapter implements protocol.Adapter over a long-polling telego.Bot.
type Adapter struct {
	cfg Config
	bot *telego.Bot

	mu         sync.RWMutex
	running    bool
	botID      string
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates an Adapter without starting long polling yet.
func New(cfg Config) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Adapter{cfg: cfg, bot: bot}, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) BotUserID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botID
}

// Start begins long polling and normalizes each inbound message into
// onMessage (§6.1), grounded on the teacher's Channel.Start polling loop.
func (a *Adapter) Start(ctx context.Context, onMessage func(protocol.InboundMessage)) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	a.mu.Lock()
	a.botID = fmt.Sprintf("%d", a.bot.ID())
	a.running = true
	a.mu.Unlock()

	slog.Info("telegram adapter connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					a.handleMessage(update.Message, onMessage)
				}
			}
		}
	}()

	return nil
}

func (a *Adapter) Stop(_ context.Context) error {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram adapter: polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (a *Adapter) isRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

func (a *Adapter) handleMessage(m *telego.Message, onMessage func(protocol.InboundMessage)) {
	if m.From == nil || m.From.IsBot || fmt.Sprintf("%d", m.From.ID) == a.BotUserID() {
		return
	}

	isDM := m.Chat.Type == "private"
	mentioned := isDM
	if m.Entities != nil {
		for _, e := range m.Entities {
			if e.Type == "mention" || e.Type == "text_mention" {
				mentioned = true
				break
			}
		}
	}

	var attachments []protocol.Attachment
	if m.Document != nil {
		attachments = append(attachments, protocol.Attachment{
			Name:        m.Document.FileName,
			ContentType: m.Document.MimeType,
			Size:        int64(m.Document.FileSize),
			URL:         m.Document.FileID,
		})
	}
	if len(m.Photo) > 0 {
		largest := m.Photo[len(m.Photo)-1]
		attachments = append(attachments, protocol.Attachment{
			Name:        "photo.jpg",
			ContentType: "image/jpeg",
			Size:        int64(largest.FileSize),
			URL:         largest.FileID,
		})
	}

	onMessage(protocol.InboundMessage{
		ID:      fmt.Sprintf("%d", m.MessageID),
		Content: m.Text,
		Author:  protocol.Author{ID: fmt.Sprintf("%d", m.From.ID), Bot: m.From.IsBot},
		Channel: protocol.Channel{
			ID:   fmt.Sprintf("%d", m.Chat.ID),
			IsDM: isDM,
		},
		Attachments: attachments,
		Mentioned:   mentioned,
	})
}

func (a *Adapter) Reply(ctx context.Context, msg protocol.InboundMessage, text string) (protocol.PendingMessage, error) {
	return a.Send(ctx, msg.Channel.ID, text)
}

func (a *Adapter) Send(ctx context.Context, channelID string, text string) (protocol.PendingMessage, error) {
	if !a.isRunning() {
		return nil, fmt.Errorf("telegram: adapter not running")
	}
	chatID, err := parseChatID(channelID)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat id %q: %w", channelID, err)
	}
	chunks := chunk(text, maxMessageLen)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	sent, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunks[0]))
	if err != nil {
		return nil, fmt.Errorf("telegram: send: %w", err)
	}
	for _, c := range chunks[1:] {
		if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), c)); err != nil {
			return nil, fmt.Errorf("telegram: send follow-up: %w", err)
		}
	}
	return &pendingMessage{bot: a.bot, chatID: chatID, messageID: sent.MessageID}, nil
}

func (a *Adapter) SendFile(ctx context.Context, channelID string, path string, caption string) error {
	if !a.isRunning() {
		return fmt.Errorf("telegram: adapter not running")
	}
	chatID, err := parseChatID(channelID)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", channelID, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("telegram: open attachment: %w", err)
	}
	defer f.Close()
	doc := tu.Document(tu.ID(chatID), tu.File(f))
	doc.Caption = caption
	if _, err := a.bot.SendDocument(ctx, doc); err != nil {
		return fmt.Errorf("telegram: send document: %w", err)
	}
	return nil
}

func (a *Adapter) FetchAttachment(ctx context.Context, att protocol.Attachment, maxBytes int64) ([]byte, error) {
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: att.URL})
	if err != nil {
		return nil, fmt.Errorf("telegram: get file info: %w", err)
	}
	if int64(file.FileSize) > maxBytes {
		return nil, fmt.Errorf("telegram: attachment exceeds max size (%d bytes)", maxBytes)
	}
	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", a.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram: download file: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("telegram: read file: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("telegram: attachment exceeds max size during download (%d bytes)", maxBytes)
	}
	return data, nil
}

func (a *Adapter) AllowedGuild(guildID string) bool { return true }

func (a *Adapter) AllowedChannel(channelID string) bool {
	if len(a.cfg.AllowedChannels) == 0 {
		return true
	}
	return a.cfg.AllowedChannels[channelID]
}

func (a *Adapter) ThreadAutoRespond() bool { return a.cfg.ThreadAutoRespond }

type pendingMessage struct {
	bot       *telego.Bot
	chatID    int64
	messageID int
}

func (p *pendingMessage) Edit(ctx context.Context, text string) error {
	chunks := chunk(text, maxMessageLen)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	_, err := p.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(p.chatID),
		MessageID: p.messageID,
		Text:      chunks[0],
	})
	if err != nil {
		return fmt.Errorf("telegram: edit: %w", err)
	}
	for _, c := range chunks[1:] {
		if _, err := p.bot.SendMessage(ctx, tu.Message(tu.ID(p.chatID), c)); err != nil {
			return fmt.Errorf("telegram: edit overflow send: %w", err)
		}
	}
	return nil
}

func parseChatID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}

// chunk splits text into Telegram's message-length budget, preferring to
// break on a newline past the halfway point (mirrors the Discord adapter).
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
