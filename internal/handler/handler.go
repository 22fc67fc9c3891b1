package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/sessions"
	"github.com/ras0q/traq-scheduled-send/internal/platform"
	"github.com/ras0q/traq-scheduled-send/internal/repository"
	"github.com/ras0q/traq-scheduled-send/internal/token"
	"golang.org/x/oauth2"
)

const (
	sessionKeyUserID       = "user_id"
	sessionKeyState        = "state"
	sessionKeyCodeVerifier = "code_verifier"
)

type Exchanger interface {
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)
}

type TokenManager interface {
	Resolve(ctx context.Context, userID string) (string, error)
	Register(ctx context.Context, userID string, grant token.Grant) error
}

type Queue interface {
	Schedule(ctx context.Context, channel, text string, sendAt time.Time, userID string) (repository.ScheduledMessage, error)
	Cancel(ctx context.Context, id string) error
	Get(id string) (repository.ScheduledMessage, bool)
	ListByUser(userID string) []repository.ScheduledMessage
}

type Handler struct {
	SessionName  string
	StateLength  int
	SessionStore sessions.Store
	OAuth2Config *oauth2.Config
	Exchanger    Exchanger
	Tokens       TokenManager
	Queue        Queue
	Platform     platform.Platform
	// FrontendURL receives ?userId=... after a successful authorization.
	FrontendURL string
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /oauth2/authorize", h.Authorize)
	mux.HandleFunc("GET /oauth2/callback", h.Callback)
	mux.HandleFunc("GET /api/channels", h.Channels)
	mux.HandleFunc("POST /api/messages", h.SendMessage)
	mux.HandleFunc("POST /api/scheduled-messages", h.ScheduleMessage)
	mux.HandleFunc("GET /api/scheduled-messages", h.ListScheduledMessages)
	mux.HandleFunc("DELETE /api/scheduled-messages/{id}", h.CancelScheduledMessage)

	return mux
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	session, err := h.SessionStore.Get(r, h.SessionName)
	if err != nil {
		internalHTTPError(w, err, "failed to get session")
		return
	}

	codeVerifier := oauth2.GenerateVerifier()
	session.Values[sessionKeyCodeVerifier] = codeVerifier

	state := make([]byte, h.StateLength)
	_, _ = rand.Read(state)
	session.Values[sessionKeyState] = hex.EncodeToString(state)

	if err := session.Save(r, w); err != nil {
		internalHTTPError(w, err, "failed to save session")
		return
	}

	// code_challenge_method = S256 is set by S256ChallengeOption
	authCodeURL := h.OAuth2Config.AuthCodeURL(
		hex.EncodeToString(state),
		oauth2.S256ChallengeOption(codeVerifier),
	)

	http.Redirect(w, r, authCodeURL, http.StatusFound)
}

func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	// query parameters
	var (
		code  = r.URL.Query().Get("code")
		state = r.URL.Query().Get("state")
	)

	if code == "" {
		http.Error(w, "code is empty", http.StatusBadRequest)
		return
	}

	session, err := h.SessionStore.Get(r, h.SessionName)
	if err != nil {
		internalHTTPError(w, err, "failed to get session")
		return
	}

	codeVerifier, ok := session.Values[sessionKeyCodeVerifier].(string)
	if !ok {
		http.Error(w, "invalid session", http.StatusBadRequest)
		return
	}

	if storedState, ok := session.Values[sessionKeyState].(string); !ok || storedState != state {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tok, err := h.Exchanger.Exchange(ctx, code, codeVerifier)
	if err != nil {
		internalHTTPError(w, err, "failed to exchange token")
		return
	}

	userID, err := h.Platform.Identify(ctx, tok)
	if err != nil {
		internalHTTPError(w, err, "failed to get my user info")
		return
	}

	if err := h.Tokens.Register(ctx, userID, token.GrantFromToken(tok, time.Now())); err != nil {
		internalHTTPError(w, err, "failed to store token")
		return
	}

	delete(session.Values, sessionKeyCodeVerifier)
	delete(session.Values, sessionKeyState)
	session.Values[sessionKeyUserID] = userID
	if err := session.Save(r, w); err != nil {
		internalHTTPError(w, err, "failed to save session")
		return
	}

	slog.InfoContext(ctx, "user authorized", "userID", userID)

	http.Redirect(w, r, h.frontendURL(userID), http.StatusFound)
}

func (h *Handler) frontendURL(userID string) string {
	u, err := url.Parse(h.FrontendURL)
	if err != nil || h.FrontendURL == "" {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()

	return u.String()
}

// authenticate returns the session's user and a valid access token for them.
// On failure the response has been written and ok is false.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (userID, accessToken string, ok bool) {
	session, err := h.SessionStore.Get(r, h.SessionName)
	if err != nil {
		internalHTTPError(w, err, "failed to get session")
		return "", "", false
	}

	userID, _ = session.Values[sessionKeyUserID].(string)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "user not authenticated")
		return "", "", false
	}

	accessToken, err = h.Tokens.Resolve(r.Context(), userID)
	if errors.Is(err, token.ErrUnauthenticated) {
		writeError(w, http.StatusUnauthorized, "user not authenticated")
		return "", "", false
	}
	if err != nil {
		internalHTTPError(w, err, "failed to resolve token")
		return "", "", false
	}

	return userID, accessToken, true
}

func internalHTTPError(w http.ResponseWriter, err error, msg string) {
	slog.Error("Internal Server Error", "err", err, "msg", msg)
	writeError(w, http.StatusInternalServerError, msg)
}
