package repository

import (
	"slices"
	"time"
)

// CredentialRecord is the OAuth credential of one platform user.
type CredentialRecord struct {
	UserID       string    `json:"userId" bson:"userId"`
	AccessToken  string    `json:"accessToken" bson:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty" bson:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt" bson:"expiresAt"`
}

func (r CredentialRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r CredentialRecord) CanRefresh() bool {
	return r.RefreshToken != ""
}

type ScheduledMessage struct {
	ID      string    `json:"id" bson:"id"`
	Channel string    `json:"channel" bson:"channel"`
	Text    string    `json:"text" bson:"text"`
	SendAt  time.Time `json:"sendAt" bson:"sendAt"`
	UserID  string    `json:"userId" bson:"userId"` // owner
}

func (m ScheduledMessage) Due(now time.Time) bool {
	return !m.SendAt.After(now)
}

// Document is everything the service persists. It is always written as a whole.
type Document struct {
	Credentials       map[string]CredentialRecord `json:"credentials" bson:"credentials"`
	ScheduledMessages []ScheduledMessage          `json:"scheduledMessages" bson:"scheduledMessages"`
}

func NewDocument() *Document {
	return &Document{
		Credentials:       map[string]CredentialRecord{},
		ScheduledMessages: []ScheduledMessage{},
	}
}

func (d *Document) Clone() *Document {
	c := NewDocument()
	for k, v := range d.Credentials {
		c.Credentials[k] = v
	}
	c.ScheduledMessages = append(c.ScheduledMessages, d.ScheduledMessages...)
	return c
}

// normalize fills nil collections left by decoders.
func (d *Document) normalize() *Document {
	if d.Credentials == nil {
		d.Credentials = map[string]CredentialRecord{}
	}
	if d.ScheduledMessages == nil {
		d.ScheduledMessages = []ScheduledMessage{}
	}
	return d
}

func (d *Document) indexOf(id string) int {
	return slices.IndexFunc(d.ScheduledMessages, func(m ScheduledMessage) bool {
		return m.ID == id
	})
}
