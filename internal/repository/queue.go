package repository

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Queue is the scheduled-message half of the Store.
type Queue struct {
	store *Store
}

// Schedule appends a new entry and returns it with its generated id.
// sendAt is not validated; an entry in the past is due on the next tick.
func (q *Queue) Schedule(ctx context.Context, channel, text string, sendAt time.Time, userID string) (ScheduledMessage, error) {
	msg := ScheduledMessage{
		Channel: channel,
		Text:    text,
		SendAt:  sendAt,
		UserID:  userID,
	}

	err := q.store.update(ctx, func(doc *Document) (bool, error) {
		msg.ID = uuid.NewString()
		for doc.indexOf(msg.ID) >= 0 {
			msg.ID = uuid.NewString()
		}
		doc.ScheduledMessages = append(doc.ScheduledMessages, msg)
		return true, nil
	})
	if err != nil {
		return ScheduledMessage{}, err
	}

	return msg, nil
}

// Cancel removes the entry with the given id. An unknown id is a no-op.
// Ownership is not checked here.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	_, _, err := q.Claim(ctx, id)
	return err
}

// Claim removes the entry with the given id and reports whether this call
// was the one that removed it.
func (q *Queue) Claim(ctx context.Context, id string) (ScheduledMessage, bool, error) {
	var (
		claimed ScheduledMessage
		ok      bool
	)
	err := q.store.update(ctx, func(doc *Document) (bool, error) {
		i := doc.indexOf(id)
		if i < 0 {
			return false, nil
		}
		claimed, ok = doc.ScheduledMessages[i], true
		doc.ScheduledMessages = slices.Delete(doc.ScheduledMessages, i, i+1)
		return true, nil
	})
	if err != nil {
		return ScheduledMessage{}, false, err
	}

	return claimed, ok, nil
}

func (q *Queue) Get(id string) (ScheduledMessage, bool) {
	var (
		msg ScheduledMessage
		ok  bool
	)
	q.store.read(func(doc *Document) {
		if i := doc.indexOf(id); i >= 0 {
			msg, ok = doc.ScheduledMessages[i], true
		}
	})

	return msg, ok
}

func (q *Queue) ListByUser(userID string) []ScheduledMessage {
	return q.filter(func(m ScheduledMessage) bool { return m.UserID == userID })
}

// Due returns a snapshot of the entries whose sendAt is at or before now.
func (q *Queue) Due(now time.Time) []ScheduledMessage {
	return q.filter(func(m ScheduledMessage) bool { return m.Due(now) })
}

func (q *Queue) Len() int {
	var n int
	q.store.read(func(doc *Document) {
		n = len(doc.ScheduledMessages)
	})

	return n
}

func (q *Queue) filter(keep func(ScheduledMessage) bool) []ScheduledMessage {
	msgs := []ScheduledMessage{}
	q.store.read(func(doc *Document) {
		for _, m := range doc.ScheduledMessages {
			if keep(m) {
				msgs = append(msgs, m)
			}
		}
	})

	return msgs
}
