package conversation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/storage"
)

// deleteBatch is the number of messages removed per round trip by Delete.
const deleteBatch = 500

// Messenger appends messages to conversations and maintains their summary
// fields. Messages are append-only; the summary update is best effort.
type Messenger struct {
	Store  storage.Store
	Logger *zap.Logger
	Now    func() time.Time
}

func (m *Messenger) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

func (m *Messenger) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// Send appends a message and returns it. A failure to update the
// conversation's last message is logged, not returned.
func (m *Messenger) Send(ctx context.Context, convID, senderID, text, senderName string) (*models.Message, error) {
	const op = "conversation.Send"
	text = strings.TrimSpace(text)
	switch {
	case convID == "":
		return nil, apperr.New(apperr.MissingField, op, "conversationId is required")
	case senderID == "":
		return nil, apperr.New(apperr.MissingField, op, "senderId is required")
	case text == "":
		return nil, apperr.New(apperr.MissingField, op, "text is required")
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderID:       senderID,
		SenderName:     senderName,
		Text:           text,
		CreatedAt:      m.now(),
	}
	if err := m.Store.AddMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := m.Store.TouchConversation(ctx, convID, text, senderID, msg.CreatedAt); err != nil {
		m.logger().Warn("conversation summary update failed",
			zap.String("conversation_id", convID), zap.Error(err))
	}
	return msg, nil
}

// MarkRead records that userID has read the conversation up to now.
func (m *Messenger) MarkRead(ctx context.Context, convID, userID string) error {
	if convID == "" || userID == "" {
		return apperr.New(apperr.MissingField, "conversation.MarkRead", "conversationId and userId are required")
	}
	return m.Store.MarkConversationRead(ctx, convID, userID, m.now())
}

// Delete removes a conversation and all of its messages. Only participants
// may delete.
func (m *Messenger) Delete(ctx context.Context, convID, callerID string) error {
	const op = "conversation.Delete"
	if convID == "" {
		return apperr.New(apperr.MissingField, op, "conversationId is required")
	}
	conv, err := m.Store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(callerID) {
		return apperr.New(apperr.Forbidden, op, "caller is not a participant")
	}

	removed := 0
	for {
		batch, err := m.Store.ListMessages(ctx, convID, deleteBatch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}
		ids := make([]string, len(batch))
		for i, msg := range batch {
			ids[i] = msg.ID
		}
		if err := m.Store.DeleteMessages(ctx, convID, ids); err != nil {
			return err
		}
		removed += len(ids)
	}
	if err := m.Store.DeleteConversation(ctx, convID); err != nil {
		return err
	}
	m.logger().Info("conversation deleted",
		zap.String("conversation_id", convID), zap.Int("messages", removed))
	return nil
}

// Conversation returns the conversation if userID takes part in it.
func (m *Messenger) Conversation(ctx context.Context, convID, userID string) (*models.Conversation, error) {
	conv, err := m.Store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, apperr.New(apperr.Forbidden, "conversation.Get", "caller is not a participant")
	}
	return conv, nil
}

// ForUser lists userID's conversations, most recently active first.
func (m *Messenger) ForUser(ctx context.Context, userID string, limit int) ([]*models.Conversation, error) {
	if userID == "" {
		return nil, apperr.New(apperr.MissingField, "conversation.ForUser", "userId is required")
	}
	return m.Store.ConversationsForParticipant(ctx, userID, limit)
}

// Messages lists a conversation's messages in the order they were sent.
func (m *Messenger) Messages(ctx context.Context, convID, userID string, limit int) ([]*models.Message, error) {
	if _, err := m.Conversation(ctx, convID, userID); err != nil {
		return nil, err
	}
	return m.Store.ListMessages(ctx, convID, limit)
}
