package repository

import (
	"context"
	"errors"
)

// TokenStore is the credential half of the Store, keyed by user id.
type TokenStore struct {
	store *Store
}

func (t *TokenStore) Get(userID string) (CredentialRecord, bool) {
	var (
		record CredentialRecord
		ok     bool
	)
	t.store.read(func(doc *Document) {
		record, ok = doc.Credentials[userID]
	})

	return record, ok
}

// Put overwrites the record stored for record.UserID.
func (t *TokenStore) Put(ctx context.Context, record CredentialRecord) error {
	if record.UserID == "" {
		return errors.New("put credential: empty user id")
	}

	return t.store.update(ctx, func(doc *Document) (bool, error) {
		doc.Credentials[record.UserID] = record
		return true, nil
	})
}

// Delete removes the record of userID. Deleting an absent record is a no-op.
func (t *TokenStore) Delete(ctx context.Context, userID string) error {
	return t.store.update(ctx, func(doc *Document) (bool, error) {
		if _, ok := doc.Credentials[userID]; !ok {
			return false, nil
		}
		delete(doc.Credentials, userID)
		return true, nil
	})
}
