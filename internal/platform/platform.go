// Package platform adapts the team-messaging platforms messages are posted to.
package platform

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

type SendResult struct {
	Channel   string `json:"channel"`
	Timestamp string `json:"ts"`
}

// MessageSender posts one message with a user's access token.
type MessageSender interface {
	Send(ctx context.Context, channel, text, token string) (SendResult, error)
}

type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Platform is everything the HTTP layer needs from a messaging platform.
type Platform interface {
	MessageSender
	// Channels lists the public channels visible with token.
	Channels(ctx context.Context, token string) ([]Channel, error)
	// Identify returns the platform user id the token was issued to.
	Identify(ctx context.Context, tok *oauth2.Token) (string, error)
	Endpoint() oauth2.Endpoint
	Scopes() []string
}

type Category int

const (
	Other Category = iota
	ChannelNotFound
	NotInChannel
	InvalidAuth
)

func (c Category) String() string {
	switch c {
	case ChannelNotFound:
		return "channel_not_found"
	case NotInChannel:
		return "not_in_channel"
	case InvalidAuth:
		return "invalid_auth"
	default:
		return "other"
	}
}

// SendError is a failed post, categorized for the caller.
type SendError struct {
	Category Category
	// Code is the platform's own error code or HTTP status.
	Code string
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send message: %s (%s): %v", e.Category, e.Code, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Describe is the message shown to a user whose synchronous send failed.
func (e *SendError) Describe() string {
	switch e.Category {
	case ChannelNotFound:
		return "The specified channel does not exist or the app is not a member of it."
	case NotInChannel:
		return "The app is not in the specified channel. Please invite it."
	case InvalidAuth:
		return "Invalid authentication token. Please authorize again."
	default:
		return fmt.Sprintf("An API error occurred: %s", e.Code)
	}
}

// Retryable reports whether repeating a failed send may help. Missing channels,
// membership and authentication problems do not go away on their own.
func Retryable(err error) bool {
	var serr *SendError
	if errors.As(err, &serr) {
		return serr.Category == Other
	}
	return true
}
