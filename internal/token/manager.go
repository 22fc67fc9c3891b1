package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ras0q/traq-scheduled-send/internal/repository"
	"github.com/ras0q/traq-scheduled-send/internal/retry"
	"golang.org/x/sync/singleflight"
)

// ErrUnauthenticated means the user has to go through the OAuth flow again.
var ErrUnauthenticated = errors.New("unauthenticated")

// defaultExpiresIn is assumed when the provider does not report a lifetime on
// the authorization-code exchange.
const defaultExpiresIn = time.Hour

// DefaultRefreshTimeout bounds one shared refresh, retries included.
const DefaultRefreshTimeout = 30 * time.Second

type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Grant, error)
}

type Store interface {
	Get(userID string) (repository.CredentialRecord, bool)
	Put(ctx context.Context, record repository.CredentialRecord) error
	Delete(ctx context.Context, userID string) error
}

// Manager hands out access tokens that are valid at the time of the call.
type Manager struct {
	Tokens    Store
	Refresher Refresher
	// RetryPolicy applies to the refresh exchange. The zero value attempts once.
	RetryPolicy retry.Policy
	// RefreshTimeout bounds a refresh, DefaultRefreshTimeout if zero.
	RefreshTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger

	group singleflight.Group
}

// Resolve returns a usable access token for userID, refreshing an expired one.
// A missing record or a failed refresh yields ErrUnauthenticated, and the failed
// record is deleted.
func (m *Manager) Resolve(ctx context.Context, userID string) (string, error) {
	record, ok := m.Tokens.Get(userID)
	if !ok {
		return "", ErrUnauthenticated
	}
	if !record.Expired(m.now()) {
		return record.AccessToken, nil
	}

	// concurrent callers share one refresh, so a rotated refresh token is used once.
	// The refresh is detached from ctx: a caller that gives up must not revoke
	// the credential for the others waiting on it.
	ch := m.group.DoChan(userID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout())
		defer cancel()
		return m.refresh(refreshCtx, userID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("wait for token refresh: %w", ctx.Err())
	}
}

// Register stores the credential obtained from an authorization-code exchange.
func (m *Manager) Register(ctx context.Context, userID string, grant Grant) error {
	if grant.AccessToken == "" {
		return errors.New("register token: missing access token")
	}
	if grant.ExpiresIn <= 0 {
		grant.ExpiresIn = defaultExpiresIn
	}

	record := repository.CredentialRecord{
		UserID:       userID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    m.now().Add(grant.ExpiresIn),
	}
	if err := m.Tokens.Put(ctx, record); err != nil {
		return fmt.Errorf("register token: %w", err)
	}

	return nil
}

func (m *Manager) refresh(ctx context.Context, userID string) (string, error) {
	record, ok := m.Tokens.Get(userID)
	if !ok {
		return "", ErrUnauthenticated
	}
	if !record.Expired(m.now()) {
		return record.AccessToken, nil
	}
	if !record.CanRefresh() {
		return "", m.revoke(ctx, userID, errors.New("no refresh token"))
	}

	var grant Grant
	err := m.RetryPolicy.Do(ctx, func() error {
		g, err := m.Refresher.Refresh(ctx, record.RefreshToken)
		if err != nil {
			return err
		}
		grant = g
		return nil
	})
	if err == nil {
		err = grant.validate()
	}
	if err != nil {
		return "", m.revoke(ctx, userID, fmt.Errorf("refresh token: %w", err))
	}

	next := repository.CredentialRecord{
		UserID:       userID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    m.now().Add(grant.ExpiresIn),
	}
	if err := m.Tokens.Put(ctx, next); err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}

	m.logger().InfoContext(ctx, "token refreshed", "userID", userID, "expiresAt", next.ExpiresAt)

	return next.AccessToken, nil
}

func (m *Manager) revoke(ctx context.Context, userID string, cause error) error {
	m.logger().WarnContext(ctx, "delete credential", "userID", userID, "err", cause)

	// the refresh deadline may be what failed; the delete still has to land
	if err := m.Tokens.Delete(context.WithoutCancel(ctx), userID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	return fmt.Errorf("%w: %w", ErrUnauthenticated, cause)
}

func (g Grant) validate() error {
	switch {
	case g.AccessToken == "":
		return errors.New("missing access token")
	case g.RefreshToken == "":
		return errors.New("missing refresh token")
	case g.ExpiresIn <= 0:
		return errors.New("missing expires_in")
	}
	return nil
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) refreshTimeout() time.Duration {
	if m.RefreshTimeout > 0 {
		return m.RefreshTimeout
	}
	return DefaultRefreshTimeout
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
