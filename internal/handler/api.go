package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ras0q/traq-scheduled-send/internal/platform"
	"github.com/ras0q/traq-scheduled-send/internal/repository"
)

type sendMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type scheduleMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	SendAt  int64  `json:"sendAt"` // unix milliseconds
}

type scheduledMessageResponse struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
	SendAt  int64  `json:"sendAt"`
	UserID  string `json:"userId"`
}

func newScheduledMessageResponse(m repository.ScheduledMessage) scheduledMessageResponse {
	return scheduledMessageResponse{
		ID:      m.ID,
		Channel: m.Channel,
		Text:    m.Text,
		SendAt:  m.SendAt.UnixMilli(),
		UserID:  m.UserID,
	}
}

func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	_, accessToken, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	channels, err := h.Platform.Channels(r.Context(), accessToken)
	if err != nil {
		internalHTTPError(w, err, "failed to get channels")
		return
	}

	writeSuccess(w, map[string]any{"channels": channels})
}

// SendMessage posts immediately and reports a categorized error on failure.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Channel) == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "channel and text are required")
		return
	}

	_, accessToken, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	result, err := h.Platform.Send(r.Context(), req.Channel, req.Text, accessToken)
	var serr *platform.SendError
	if errors.As(err, &serr) {
		logger(r).Warn("send message", "err", err, "category", serr.Category.String())
		writeError(w, http.StatusBadGateway, serr.Describe())
		return
	}
	if err != nil {
		internalHTTPError(w, err, "failed to send message")
		return
	}

	writeSuccess(w, map[string]any{"result": result})
}

func (h *Handler) ScheduleMessage(w http.ResponseWriter, r *http.Request) {
	var req scheduleMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Channel) == "" || req.Text == "" || req.SendAt <= 0 {
		writeError(w, http.StatusBadRequest, "channel, text and sendAt are required")
		return
	}

	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	// a sendAt in the past is accepted and goes out on the next tick
	msg, err := h.Queue.Schedule(r.Context(), req.Channel, req.Text, time.UnixMilli(req.SendAt), userID)
	if err != nil {
		internalHTTPError(w, err, "failed to schedule message")
		return
	}

	writeSuccess(w, map[string]any{"messageId": msg.ID})
}

func (h *Handler) ListScheduledMessages(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	msgs := h.Queue.ListByUser(userID)
	res := make([]scheduledMessageResponse, 0, len(msgs))
	for _, m := range msgs {
		res = append(res, newScheduledMessageResponse(m))
	}

	writeSuccess(w, map[string]any{"messages": res})
}

// CancelScheduledMessage cancels one of the caller's own entries. An id that
// no longer exists is a success; an entry owned by someone else is not found.
func (h *Handler) CancelScheduledMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "message id is required")
		return
	}

	userID, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	if msg, exists := h.Queue.Get(id); exists && msg.UserID != userID {
		writeError(w, http.StatusNotFound, "scheduled message not found")
		return
	}

	if err := h.Queue.Cancel(r.Context(), id); err != nil {
		internalHTTPError(w, err, "failed to cancel message")
		return
	}

	writeSuccess(w, map[string]any{})
}
