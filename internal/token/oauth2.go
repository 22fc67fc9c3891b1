package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// OAuth2Exchanger talks to the platform's OAuth2 token endpoint.
type OAuth2Exchanger struct {
	Config *oauth2.Config
}

var _ Refresher = (*OAuth2Exchanger)(nil)

// Refresh performs the refresh_token grant.
func (e *OAuth2Exchanger) Refresh(ctx context.Context, refreshToken string) (Grant, error) {
	// an already-expired token makes the source go straight to the token endpoint
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := e.Config.TokenSource(ctx, expired).Token()
	if err != nil {
		return Grant{}, err
	}

	return GrantFromToken(tok, time.Now()), nil
}

// Exchange performs the authorization_code grant with a PKCE verifier.
func (e *OAuth2Exchanger) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	tok, err := e.Config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	return tok, nil
}

func GrantFromToken(tok *oauth2.Token, now time.Time) Grant {
	g := Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		g.ExpiresIn = tok.Expiry.Sub(now).Round(time.Second)
	}

	return g
}

// missingAccessToken is what x/oauth2 reports for a 2xx body without a token.
// Slack answers a revoked refresh token that way ({"ok":false,...} with 200).
const missingAccessToken = "server response missing access_token"

// Retryable reports whether a refresh failure may be transient. A response from
// the token endpoint (revoked or invalid grant) is final.
func Retryable(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return false
	}
	return !strings.Contains(err.Error(), missingAccessToken)
}
