package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/conversation"
	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/profile"
	"github.com/example/rideshare-matching/internal/storage"
)

var fixedNow = time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC)

type fixture struct {
	store *storage.MemoryStore
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore(storage.Options{MaxTxAttempts: 20, TxBackoff: time.Millisecond})
	t.Cleanup(func() { _ = store.Close() })
	clock := func() time.Time { return fixedNow }
	return &fixture{
		store: store,
		svc: &Service{
			Store:    store,
			Identity: &conversation.Identity{Store: store},
			Messages: &conversation.Messenger{Store: store, Now: clock},
			Profiles: profile.NewStatic(models.Profile{ID: "d1", DisplayName: "Dan"}),
			Now:      clock,
		},
	}
}

func intp(v int) *int { return &v }

func (f *fixture) ride(t *testing.T, id string, seats *int) {
	t.Helper()
	require.NoError(t, f.store.SaveRide(context.Background(), &models.Ride{ID: id, DriverID: "d1", Seats: seats}))
}

func (f *fixture) request(t *testing.T, id, rider, rideID string, status models.RequestStatus, passengers int) {
	t.Helper()
	require.NoError(t, f.store.CreateRequest(context.Background(), &models.Request{
		ID:             id,
		UserID:         rider,
		RideID:         rideID,
		Status:         status,
		PassengerCount: passengers,
		CreatedAt:      fixedNow,
	}))
}

func (f *fixture) conversationsFor(t *testing.T, user string) []*models.Conversation {
	t.Helper()
	convs, err := f.store.ConversationsForParticipant(context.Background(), user, 0)
	require.NoError(t, err)
	return convs
}

func TestAcceptBoundRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ride(t, "ride1", intp(3))
	f.request(t, "r1", "u1", "ride1", models.StatusPending, 2)

	res, err := f.svc.Accept(ctx, "r1", "d1", "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, conversation.DeterministicID("d1", "u1", "ride1"), res.ConversationID)

	req, err := f.store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, req.Status)
	assert.Equal(t, "d1", req.DriverID)
	assert.Equal(t, res.ConversationID, req.ConversationID)
	require.NotNil(t, req.AssignedAt)
	assert.True(t, req.AssignedAt.Equal(fixedNow))

	ride, err := f.store.GetRide(ctx, "ride1")
	require.NoError(t, err)
	require.NotNil(t, ride.SeatsAvailable)
	assert.Equal(t, 1, *ride.SeatsAvailable)

	msgs, err := f.store.ListMessages(ctx, res.ConversationID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "Dan", msgs[0].SenderName)

	conv, err := f.store.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "u1"}, conv.Participants)
	assert.Equal(t, "ride1", conv.RideID)
}

func TestAcceptTwiceIsAlreadyAssigned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ride(t, "ride1", intp(3))
	f.request(t, "r1", "u1", "ride1", models.StatusPending, 1)

	_, err := f.svc.Accept(ctx, "r1", "d1", "")
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, "r1", "d1", "")
	assert.True(t, errors.Is(err, apperr.ErrAlreadyAssigned))
	assert.Equal(t, "someone else already took this request", apperr.UserMessage(err))

	ride, _ := f.store.GetRide(ctx, "ride1")
	assert.Equal(t, 2, *ride.SeatsAvailable, "seats decremented once")
	assert.Len(t, f.conversationsFor(t, "d1"), 1)
}

func TestConcurrentAcceptsCommitOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ride(t, "ride1", intp(4))
	f.request(t, "r1", "u1", "ride1", models.StatusPending, 1)

	const drivers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    []string
		losers  int
		strange []error
	)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(driver string) {
			defer wg.Done()
			_, err := f.svc.Accept(ctx, "r1", driver, "on my way")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins = append(wins, driver)
			case errors.Is(err, apperr.ErrAlreadyAssigned):
				losers++
			default:
				strange = append(strange, err)
			}
		}(fmt.Sprintf("driver-%d", i))
	}
	wg.Wait()

	require.Empty(t, strange)
	require.Len(t, wins, 1)
	assert.Equal(t, drivers-1, losers)

	req, _ := f.store.GetRequest(ctx, "r1")
	assert.Equal(t, wins[0], req.DriverID)
	ride, _ := f.store.GetRide(ctx, "ride1")
	assert.Equal(t, 3, *ride.SeatsAvailable)
	assert.Len(t, f.conversationsFor(t, "u1"), 1, "only the winner's conversation exists")
}

func TestAcceptReusesPairConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.request(t, "r1", "u1", "", models.StatusOpen, 1)
	f.request(t, "r2", "u1", "", models.StatusOpen, 1)

	first, err := f.svc.Accept(ctx, "r1", "d1", "")
	require.NoError(t, err)
	second, err := f.svc.Accept(ctx, "r2", "d1", "")
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Len(t, f.conversationsFor(t, "u1"), 1)
}

func TestConcurrentAcceptsSamePairShareConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const n = 6
	for i := 0; i < n; i++ {
		f.request(t, fmt.Sprintf("r%d", i), "u1", "", models.StatusOpen, 1)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Accept(ctx, fmt.Sprintf("r%d", i), "d1", "")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, f.conversationsFor(t, "d1"), 1)
}

func TestAcceptPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.request(t, "cancelled", "u1", "", models.StatusCancelled, 1)
	f.request(t, "rejected", "u1", "", models.StatusRejected, 1)

	_, err := f.svc.Accept(ctx, "cancelled", "d1", "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	_, err = f.svc.Accept(ctx, "rejected", "d1", "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	_, err = f.svc.Accept(ctx, "missing", "d1", "")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = f.svc.Accept(ctx, "cancelled", "", "")
	assert.True(t, errors.Is(err, apperr.ErrMissingField))

	assert.Empty(t, f.conversationsFor(t, "d1"))
}

func TestAcceptLeavesUnknownAndEmptySeatsAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.ride(t, "unknown", nil)
	f.ride(t, "full", intp(0))
	f.request(t, "r1", "u1", "unknown", models.StatusPending, 1)
	f.request(t, "r2", "u2", "full", models.StatusPending, 1)

	_, err := f.svc.Accept(ctx, "r1", "d1", "")
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, "r2", "d1", "")
	require.NoError(t, err)

	ride, _ := f.store.GetRide(ctx, "unknown")
	assert.Nil(t, ride.SeatsAvailable)
	ride, _ = f.store.GetRide(ctx, "full")
	assert.Nil(t, ride.SeatsAvailable)
}

type mockSender struct{ mock.Mock }

func (m *mockSender) Send(ctx context.Context, convID, senderID, text, senderName string) (*models.Message, error) {
	args := m.Called(ctx, convID, senderID, text, senderName)
	msg, _ := args.Get(0).(*models.Message)
	return msg, args.Error(1)
}

func TestInitialMessageFailureKeepsAcceptance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.request(t, "r1", "u1", "", models.StatusOpen, 1)
	sender := &mockSender{}
	sender.On("Send", ctx, conversation.DeterministicID("d1", "u1", ""), "d1", "hi", "Dan").
		Return(nil, errors.New("write failed")).Once()
	f.svc.Messages = sender

	res, err := f.svc.Accept(ctx, "r1", "d1", "hi")
	require.NoError(t, err)
	sender.AssertExpectations(t)

	req, _ := f.store.GetRequest(ctx, "r1")
	assert.Equal(t, models.StatusAccepted, req.Status)
	_, err = f.store.GetConversation(ctx, res.ConversationID)
	require.NoError(t, err)
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.request(t, "r1", "u1", "ride1", models.StatusPending, 1)
	f.request(t, "cancelled", "u1", "", models.StatusCancelled, 1)

	require.NoError(t, f.svc.Reject(ctx, "r1", "d1"))
	req, _ := f.store.GetRequest(ctx, "r1")
	assert.Equal(t, models.StatusRejected, req.Status)
	assert.Equal(t, "d1", req.DriverDeclinedBy)
	require.NotNil(t, req.DriverDeclinedAt)

	require.NoError(t, f.svc.Reject(ctx, "r1", "d1"), "rejecting again is harmless")

	assert.True(t, errors.Is(f.svc.Reject(ctx, "missing", "d1"), apperr.ErrNotFound))
	assert.True(t, errors.Is(f.svc.Reject(ctx, "cancelled", "d1"), apperr.ErrInvalidTransition))
}

func TestRejectRequiresDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.request(t, "r1", "u1", "", models.StatusOpen, 1)

	err := f.svc.Reject(ctx, "r1", "")
	assert.True(t, errors.Is(err, apperr.ErrMissingField))

	req, _ := f.store.GetRequest(ctx, "r1")
	assert.Equal(t, models.StatusOpen, req.Status)
}

func TestRiderCannotAcceptOwnRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.request(t, "r1", "u1", "", models.StatusOpen, 1)

	_, err := f.svc.Accept(ctx, "r1", "u1", "hi")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	req, _ := f.store.GetRequest(ctx, "r1")
	assert.Equal(t, models.StatusOpen, req.Status)
	assert.Empty(t, req.DriverID)
	assert.Empty(t, f.conversationsFor(t, "u1"))
}

func TestRejectDoesNotOverwriteAcceptance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.request(t, "r1", "u1", "", models.StatusOpen, 1)
	_, err := f.svc.Accept(ctx, "r1", "d1", "")
	require.NoError(t, err)

	err = f.svc.Reject(ctx, "r1", "d2")
	assert.True(t, errors.Is(err, apperr.ErrAlreadyAssigned))

	req, _ := f.store.GetRequest(ctx, "r1")
	assert.Equal(t, models.StatusAccepted, req.Status)
	assert.Equal(t, "d1", req.DriverID)
	assert.Empty(t, req.DriverDeclinedBy)
}
