// Package domain contains entities without logic, just meta-data.
package domain

import "errors"

const (
	MaxNicknameLen  = 36
	DefaultNickname = "Anonymous"
)

var (
	ErrNicknameTooLong = errors.New("nickname too long")
	ErrChannelEmpty    = errors.New("channel id empty")
)

type ChannelID string

// Session is the identity of one chat participation: who we are and which
// channel scopes every envelope we send. Immutable for its lifetime.
type Session struct {
	Nickname  string
	ChannelID ChannelID
}

// NewSession is a tiny helper to avoid ad-hoc struct literals in callers.
// An empty nickname falls back to DefaultNickname.
func NewSession(nickname string, channelID ChannelID) (*Session, error) {
	if channelID == "" {
		return nil, ErrChannelEmpty
	}
	if nickname == "" {
		nickname = DefaultNickname
	}
	if len(nickname) > MaxNicknameLen {
		return nil, ErrNicknameTooLong
	}
	return &Session{Nickname: nickname, ChannelID: channelID}, nil
}
