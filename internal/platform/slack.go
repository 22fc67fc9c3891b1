package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
	"golang.org/x/oauth2"
)

var slackEndpoint = oauth2.Endpoint{
	AuthURL:   "https://slack.com/oauth/v2/authorize",
	TokenURL:  "https://slack.com/api/oauth.v2.access",
	AuthStyle: oauth2.AuthStyleInParams,
}

// Slack posts to a Slack workspace.
type Slack struct {
	// APIURL overrides https://slack.com/api/ (must end with a slash).
	APIURL     string
	HTTPClient *http.Client
}

var _ Platform = (*Slack)(nil)

func (s *Slack) client(token string) *slack.Client {
	var opts []slack.Option
	if s.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(s.APIURL))
	}
	if s.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(s.HTTPClient))
	}
	return slack.New(token, opts...)
}

func (s *Slack) Send(ctx context.Context, channel, text, token string) (SendResult, error) {
	ch, ts, err := s.client(token).PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return SendResult{}, slackSendError(err)
	}

	return SendResult{Channel: ch, Timestamp: ts}, nil
}

func (s *Slack) Channels(ctx context.Context, token string) ([]Channel, error) {
	api := s.client(token)
	params := &slack.GetConversationsParameters{
		Types:           []string{"public_channel"},
		ExcludeArchived: true,
		Limit:           200,
	}

	var channels []Channel
	for {
		page, cursor, err := api.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		for _, c := range page {
			channels = append(channels, Channel{ID: c.ID, Name: c.Name})
		}
		if cursor == "" {
			return channels, nil
		}
		params.Cursor = cursor
	}
}

// Identify prefers the authed_user of an oauth.v2.access response and falls
// back to auth.test.
func (s *Slack) Identify(ctx context.Context, tok *oauth2.Token) (string, error) {
	if user, ok := tok.Extra("authed_user").(map[string]any); ok {
		if id, ok := user["id"].(string); ok && id != "" {
			return id, nil
		}
	}

	resp, err := s.client(tok.AccessToken).AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("auth test: %w", err)
	}

	return resp.UserID, nil
}

func (s *Slack) Endpoint() oauth2.Endpoint {
	return slackEndpoint
}

func (s *Slack) Scopes() []string {
	return []string{"chat:write", "channels:read", "team:read", "users:read"}
}

func slackSendError(err error) *SendError {
	code := "request_failed"
	var serr slack.SlackErrorResponse
	if errors.As(err, &serr) {
		code = serr.Err
	}

	category := Other
	switch code {
	case "channel_not_found":
		category = ChannelNotFound
	case "not_in_channel":
		category = NotInChannel
	case "invalid_auth", "not_authed", "token_revoked", "token_expired":
		category = InvalidAuth
	}

	return &SendError{Category: category, Code: code, Err: err}
}
