package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/dispatch"
	"github.com/example/rideshare-matching/internal/models"
)

// fakeNotifier fails the first failures calls with err.
type fakeNotifier struct {
	failures int
	err      error
	calls    int
	got      []models.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n models.Notification) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	f.got = append(f.got, n)
	return nil
}

func TestDeliverWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeNotifier{failures: 2, err: errors.New("push down")}
	start := time.Now()
	err := deliverWithRetry(context.Background(), f, models.Notification{UserID: "u1"}, 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "backoff doubles between attempts")
}

func TestDeliverWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeNotifier{failures: 5, err: errors.New("push down")}
	err := deliverWithRetry(context.Background(), f, models.Notification{UserID: "u1"}, 3, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 3, f.calls)
}

func TestDeliverWithRetry_NoDeviceIsNotRetried(t *testing.T) {
	f := &fakeNotifier{failures: 5, err: dispatch.ErrNoDevice}
	err := deliverWithRetry(context.Background(), f, models.Notification{UserID: "u1"}, 3, time.Millisecond)
	assert.ErrorIs(t, err, dispatch.ErrNoDevice)
	assert.Equal(t, 1, f.calls)
}

func TestDeliverWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeNotifier{failures: 5, err: errors.New("push down")}
	err := deliverWithRetry(ctx, f, models.Notification{UserID: "u1"}, 3, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, f.calls)
}

func TestHandleMessageNotifiesRider(t *testing.T) {
	ev := models.RequestEvent{
		Type:           models.EventRequestAccepted,
		RequestID:      "r1",
		RiderID:        "u1",
		Status:         models.StatusAccepted,
		ConversationID: "conv_d1__u1",
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	f := &fakeNotifier{}
	handleMessage(context.Background(), zap.NewNop(), f, kafka.Message{Key: []byte("r1"), Value: raw}, 3, time.Millisecond)
	require.Len(t, f.got, 1)
	assert.Equal(t, "u1", f.got[0].UserID)
	assert.Equal(t, "conv_d1__u1", f.got[0].Data["conversation_id"])

	handleMessage(context.Background(), zap.NewNop(), f, kafka.Message{Value: []byte("{not json")}, 3, time.Millisecond)
	assert.Len(t, f.got, 1)
}
