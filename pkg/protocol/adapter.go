package protocol

import "context"

// Attachment describes a chat-platform file attachment on an inbound message.
type Attachment struct {
	Name        string
	ContentType string
	Size        int64
	URL         string
}

// Channel describes the chat context a message arrived on or should be
// posted to (§6.1).
type Channel struct {
	ID         string
	IsThread   bool
	ParentID   string // parent channel ID, if IsThread
	IsDM       bool
}

// Author identifies the sender of an inbound message.
type Author struct {
	ID  string
	Bot bool
}

// InboundMessage is the shape every Dispatcher Shell adapter normalizes
// platform-native events into before handing them to the Command
// Dispatcher / core pipeline.
type InboundMessage struct {
	ID        string
	Content   string
	Author    Author
	GuildID   string // empty outside guilds
	Channel   Channel
	Attachments []Attachment
	Mentioned bool // true if the bot's user ID is mentioned
}

// PendingMessage is the editable handle returned by Reply/Send, used by
// the Progress Reporter to edit one message in place (§4.3).
type PendingMessage interface {
	Edit(ctx context.Context, text string) error
}

// Adapter is the contract an external chat-platform collaborator presents
// to the core (§6.1). Non-goal: the wire protocol itself is out of scope —
// only this contract is specified.
type Adapter interface {
	Name() string
	BotUserID() string
	Start(ctx context.Context, onMessage func(InboundMessage)) error
	Stop(ctx context.Context) error

	Reply(ctx context.Context, msg InboundMessage, text string) (PendingMessage, error)
	Send(ctx context.Context, channelID string, text string) (PendingMessage, error)
	SendFile(ctx context.Context, channelID string, path string, caption string) error

	// FetchAttachment downloads an inbound attachment's bytes, capped at maxBytes.
	FetchAttachment(ctx context.Context, a Attachment, maxBytes int64) ([]byte, error)

	// AllowedGuild / AllowedChannel report allowlist membership (§6.5 allowedGuilds/allowedChannels).
	AllowedGuild(guildID string) bool
	AllowedChannel(channelID string) bool
	// ThreadAutoRespond reports whether the bot may respond unmentioned in
	// a thread whose parent channel is allowlisted (§6.1).
	ThreadAutoRespond() bool
}
