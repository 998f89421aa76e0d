package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/storage"
)

func putConversation(t *testing.T, s storage.Store, c *models.Conversation) {
	t.Helper()
	err := s.RunTransaction(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.PutConversation(ctx, c)
	})
	require.NoError(t, err)
}

func TestDeterministicIDIsOrderIndependent(t *testing.T) {
	assert.Equal(t, "conv_alice__bob", DeterministicID("bob", "alice", ""))
	assert.Equal(t, DeterministicID("alice", "bob", ""), DeterministicID("bob", "alice", ""))
	assert.Equal(t, "conv_alice__bob__ride_r9", DeterministicID("alice", "bob", "r9"))
	assert.NotEqual(t, DeterministicID("a", "b", "r1"), DeterministicID("a", "b", "r2"))
}

func TestResolvePrefersSameRide(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Options{})
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	putConversation(t, s, &models.Conversation{ID: "pair", Participants: []string{"d1", "u1"}, UpdatedAt: base.Add(time.Hour)})
	putConversation(t, s, &models.Conversation{ID: "ride", Participants: []string{"d1", "u1"}, RideID: "r1", UpdatedAt: base})
	putConversation(t, s, &models.Conversation{ID: "other", Participants: []string{"d1", "u2"}, RideID: "r1", UpdatedAt: base})

	id := &Identity{Store: s}

	c, err := id.Resolve(ctx, "d1", "u1", "r1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "ride", c.ID)

	c, err = id.Resolve(ctx, "d1", "u1", "r2")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "pair", c.ID, "pair conversation is reused for another ride")

	c, err = id.Resolve(ctx, "d1", "u3", "")
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = id.Resolve(ctx, "", "u1", "")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSendUpdatesSummary(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Options{})
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	putConversation(t, s, &models.Conversation{ID: "c1", Participants: []string{"d1", "u1"}})

	m := &Messenger{Store: s, Now: func() time.Time { return at }}
	msg, err := m.Send(ctx, "c1", "d1", "  see you at 8  ", "Dan")
	require.NoError(t, err)
	assert.Equal(t, "see you at 8", msg.Text)

	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "see you at 8", conv.LastMessage)
	assert.Equal(t, "d1", conv.LastMessageSender)
	assert.True(t, conv.UpdatedAt.Equal(at))

	_, err = m.Send(ctx, "c1", "d1", "   ", "")
	assert.True(t, errors.Is(err, apperr.ErrMissingField))

	_, err = m.Send(ctx, "ghost", "d1", "hi", "")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Options{})
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	putConversation(t, s, &models.Conversation{ID: "c1", Participants: []string{"d1", "u1"}})

	m := &Messenger{Store: s, Now: func() time.Time { return at }}
	require.NoError(t, m.MarkRead(ctx, "c1", "u1"))

	conv, _ := s.GetConversation(ctx, "c1")
	assert.True(t, conv.LastRead["u1"].Equal(at))
	assert.True(t, errors.Is(m.MarkRead(ctx, "c1", ""), apperr.ErrMissingField))
}

func TestDeleteRemovesMessagesInBatches(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Options{})
	putConversation(t, s, &models.Conversation{ID: "c1", Participants: []string{"d1", "u1"}})

	m := &Messenger{Store: s}
	for i := 0; i < deleteBatch+20; i++ {
		require.NoError(t, s.AddMessage(ctx, &models.Message{ID: fmt.Sprintf("m%d", i), ConversationID: "c1", SenderID: "d1", Text: "x"}))
	}

	err := m.Delete(ctx, "c1", "stranger")
	assert.True(t, errors.Is(err, apperr.ErrForbidden))

	require.NoError(t, m.Delete(ctx, "c1", "u1"))

	msgs, err := s.ListMessages(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, err = s.GetConversation(ctx, "c1")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	assert.True(t, errors.Is(m.Delete(ctx, "c1", "u1"), apperr.ErrNotFound))
}
