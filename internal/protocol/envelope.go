// Package protocol defines the wire envelope exchanged with the chat relay
// and the codec that turns it into bytes and back.
package protocol

import (
	"errors"

	"github.com/google/uuid"
)

type Type string

const (
	TypeChatMessage Type = "CHAT_MESSAGE"
	TypeUserJoined  Type = "USER_JOINED"
	TypeUserLeft    Type = "USER_LEFT"
	TypeTyping      Type = "TYPING"
	TypeFileMessage Type = "FILE_MESSAGE"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrUnknownType       = errors.New("unknown envelope type")
)

// Envelope is one discrete relay message. Which optional fields are set
// depends on Type: Message only for CHAT_MESSAGE, Filename/FileData only for
// FILE_MESSAGE. Envelopes are immutable once built; use the constructors.
type Envelope struct {
	ID        string `json:"id" validate:"required"`
	ChannelID string `json:"channelId" validate:"required"`
	Type      Type   `json:"type" validate:"required,oneof=CHAT_MESSAGE USER_JOINED USER_LEFT TYPING FILE_MESSAGE"`
	Nickname  string `json:"nickname" validate:"required"`
	Message   string `json:"message,omitempty" validate:"required_if=Type CHAT_MESSAGE"`
	Filename  string `json:"filename,omitempty" validate:"required_if=Type FILE_MESSAGE"`
	FileData  string `json:"fileData,omitempty" validate:"required_if=Type FILE_MESSAGE"`
}

// NewID returns a correlation id for one envelope. UUIDv4 replaces the short
// random strings older clients used, which were not collision resistant.
func NewID() string {
	return uuid.NewString()
}

func NewChatMessage(channelID, nickname, message string) Envelope {
	return Envelope{
		ID:        NewID(),
		ChannelID: channelID,
		Type:      TypeChatMessage,
		Nickname:  nickname,
		Message:   message,
	}
}

func NewUserJoined(channelID, nickname string) Envelope {
	return Envelope{
		ID:        NewID(),
		ChannelID: channelID,
		Type:      TypeUserJoined,
		Nickname:  nickname,
	}
}

func NewUserLeft(channelID, nickname string) Envelope {
	return Envelope{
		ID:        NewID(),
		ChannelID: channelID,
		Type:      TypeUserLeft,
		Nickname:  nickname,
	}
}

func NewTyping(channelID, nickname string) Envelope {
	return Envelope{
		ID:        NewID(),
		ChannelID: channelID,
		Type:      TypeTyping,
		Nickname:  nickname,
	}
}

// NewFileMessage wraps an already inline-encoded payload. Encoding and size
// gating live in the attachment encoder, not here.
func NewFileMessage(channelID, nickname, filename, fileData string) Envelope {
	return Envelope{
		ID:        NewID(),
		ChannelID: channelID,
		Type:      TypeFileMessage,
		Nickname:  nickname,
		Filename:  filename,
		FileData:  fileData,
	}
}
