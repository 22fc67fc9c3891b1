package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/traPtitech/go-traq"
	traqoauth2 "github.com/traPtitech/go-traq-oauth2"
	"golang.org/x/oauth2"
)

// Traq posts to traQ (https://github.com/traPtitech/traQ).
type Traq struct {
	APIClient *traq.APIClient
	// OAuth2Endpoint defaults to traqoauth2.Prod.
	OAuth2Endpoint *oauth2.Endpoint
}

var _ Platform = (*Traq)(nil)

func (t *Traq) Send(ctx context.Context, channel, text, token string) (SendResult, error) {
	ctx = context.WithValue(ctx, traq.ContextAccessToken, token)
	msg, resp, err := t.APIClient.MessageApi.PostMessage(ctx, channel).
		PostMessageRequest(traq.PostMessageRequest{Content: text}).
		Execute()
	if err != nil {
		return SendResult{}, traqSendError(resp, err)
	}
	if resp.StatusCode != http.StatusCreated {
		return SendResult{}, traqSendError(resp, fmt.Errorf("invalid status (%d %s)", resp.StatusCode, resp.Status))
	}

	return SendResult{
		Channel:   msg.ChannelId,
		Timestamp: msg.CreatedAt.Format(time.RFC3339Nano),
	}, nil
}

func (t *Traq) Channels(ctx context.Context, token string) ([]Channel, error) {
	ctx = context.WithValue(ctx, traq.ContextAccessToken, token)
	list, resp, err := t.APIClient.ChannelApi.GetChannels(ctx).Execute()
	if err != nil {
		return nil, fmt.Errorf("get channels: %w", err)
	} else if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get channels: invalid status (%d %s)", resp.StatusCode, resp.Status)
	}

	channels := make([]Channel, 0, len(list.Public))
	for _, c := range list.Public {
		if c.Archived {
			continue
		}
		channels = append(channels, Channel{ID: c.Id, Name: c.Name})
	}

	return channels, nil
}

func (t *Traq) Identify(ctx context.Context, tok *oauth2.Token) (string, error) {
	ctx = context.WithValue(ctx, traq.ContextAccessToken, tok.AccessToken)
	me, resp, err := t.APIClient.MeApi.GetMe(ctx).Execute()
	if err != nil {
		return "", fmt.Errorf("get my user info: %w", err)
	} else if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get my user info: invalid status (%d %s)", resp.StatusCode, resp.Status)
	}

	return me.Id, nil
}

func (t *Traq) Endpoint() oauth2.Endpoint {
	if t.OAuth2Endpoint != nil {
		return *t.OAuth2Endpoint
	}
	return traqoauth2.Prod
}

func (t *Traq) Scopes() []string {
	return []string{traqoauth2.ScopeRead, traqoauth2.ScopeWrite}
}

func traqSendError(resp *http.Response, err error) *SendError {
	if resp == nil {
		return &SendError{Category: Other, Code: "request_failed", Err: err}
	}

	category := Other
	switch resp.StatusCode {
	case http.StatusNotFound:
		category = ChannelNotFound
	case http.StatusForbidden:
		category = NotInChannel
	case http.StatusUnauthorized:
		category = InvalidAuth
	}

	var apiErr *traq.GenericOpenAPIError
	if errors.As(err, &apiErr) && len(apiErr.Body()) > 0 {
		err = fmt.Errorf("%w: %s", err, apiErr.Body())
	}

	return &SendError{Category: category, Code: fmt.Sprintf("http_%d", resp.StatusCode), Err: err}
}
