package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func TestMongoBackend(t *testing.T) {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	db := client.Database("test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
	})

	backend := NewMongoBackend(db, "documents")

	doc, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc.ScheduledMessages)

	sendAt := time.Now().UTC().Truncate(time.Millisecond)
	doc.Credentials["U1"] = CredentialRecord{UserID: "U1", AccessToken: "A1", RefreshToken: "R1", ExpiresAt: sendAt}
	doc.ScheduledMessages = append(doc.ScheduledMessages, ScheduledMessage{ID: "m1", Channel: "C1", Text: "hi", SendAt: sendAt, UserID: "U1"})
	require.NoError(t, backend.Save(ctx, doc))

	// second save replaces rather than inserts
	doc.ScheduledMessages = doc.ScheduledMessages[:0]
	require.NoError(t, backend.Save(ctx, doc))

	loaded, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.ScheduledMessages)
	assert.Equal(t, "A1", loaded.Credentials["U1"].AccessToken)
	assert.True(t, sendAt.Equal(loaded.Credentials["U1"].ExpiresAt))
}
