package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/matcher"
	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/profile"
	"github.com/example/rideshare-matching/internal/storage"
)

type mockSearcher struct{ mock.Mock }

func (m *mockSearcher) Search(ctx context.Context, c matcher.Criteria, opts matcher.SearchOptions) ([]*models.Ride, error) {
	args := m.Called(ctx, c, opts)
	rides, _ := args.Get(0).([]*models.Ride)
	return rides, args.Error(1)
}

type capturePublisher struct {
	events []models.RequestEvent
}

func (c *capturePublisher) Publish(_ context.Context, ev models.RequestEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

var fixedNow = time.Date(2026, 6, 1, 7, 30, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *capturePublisher) {
	t.Helper()
	store := storage.NewMemoryStore(storage.Options{TxBackoff: time.Millisecond})
	t.Cleanup(func() { _ = store.Close() })
	pub := &capturePublisher{}
	return &Service{
		Store:    store,
		Profiles: profile.NewStatic(models.Profile{ID: "u1", DisplayName: "Ana"}),
		Events:   pub,
		Now:      func() time.Time { return fixedNow },
	}, pub
}

func TestCreateOpenAndBound(t *testing.T) {
	ctx := context.Background()
	s, pub := newService(t)
	require.NoError(t, s.Store.SaveRide(ctx, &models.Ride{ID: "ride1", DriverID: "d1"}))

	open, err := s.Create(ctx, CreateInput{RiderID: "u1", PassengerCount: 2, Note: " big bag "})
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, open.Status)
	assert.Equal(t, "Ana", open.RequesterName)
	assert.Equal(t, "big bag", open.Note)

	bound, err := s.Create(ctx, CreateInput{RiderID: "u2", PassengerCount: 1, RideID: "ride1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, bound.Status)
	assert.Empty(t, bound.RequesterName, "unknown profile leaves the name empty")

	require.Len(t, pub.events, 2)
	assert.Equal(t, models.EventRequestCreated, pub.events[1].Type)
	assert.Equal(t, "ride1", pub.events[1].RideID)
	assert.Equal(t, "d1", pub.events[1].RideOwnerID)

	_, err = s.Create(ctx, CreateInput{RiderID: "u2", PassengerCount: 1, RideID: "missing"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCreateRequiresRiderAndPassengers(t *testing.T) {
	s, _ := newService(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateInput{PassengerCount: 1})
	assert.True(t, errors.Is(err, apperr.ErrMissingField))

	_, err = s.Create(ctx, CreateInput{RiderID: "u1"})
	assert.True(t, errors.Is(err, apperr.ErrMissingField))

	_, err = s.Create(ctx, CreateInput{RiderID: "u1", PassengerCount: 1, Origin: &models.Coord{Lat: 91}})
	assert.True(t, errors.Is(err, apperr.ErrGeoInvalidInput))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	s, pub := newService(t)
	req, err := s.Create(ctx, CreateInput{RiderID: "u1", PassengerCount: 1})
	require.NoError(t, err)

	got, err := s.Cancel(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.EventRequestCancelled, pub.events[len(pub.events)-1].Type)

	_, err = s.Cancel(ctx, req.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	_, err = s.Cancel(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUpdatePatchesOnlyGivenFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	req, err := s.Create(ctx, CreateInput{RiderID: "u1", PassengerCount: 1, Note: "first"})
	require.NoError(t, err)

	three := 3
	got, err := s.Update(ctx, req.ID, RequestPatch{PassengerCount: &three})
	require.NoError(t, err)
	assert.Equal(t, 3, got.PassengerCount)
	assert.Equal(t, "first", got.Note)
	assert.Equal(t, models.StatusOpen, got.Status)

	zero := 0
	_, err = s.Update(ctx, req.ID, RequestPatch{PassengerCount: &zero})
	assert.True(t, errors.Is(err, apperr.ErrMissingField))

	_, err = s.Cancel(ctx, req.ID)
	require.NoError(t, err)
	note := "late"
	_, err = s.Update(ctx, req.ID, RequestPatch{Note: &note})
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}

func TestCreateWithPrecheck(t *testing.T) {
	ctx := context.Background()
	origin := &models.Coord{Lat: 45, Lng: 4}
	dest := &models.Coord{Lat: 45.2, Lng: 4.1}
	in := CreateInput{RiderID: "u1", PassengerCount: 1, Origin: origin, Destination: dest}
	wantCriteria := matcher.Criteria{Origin: origin, Destination: dest, MaxResults: 10}

	t.Run("matched", func(t *testing.T) {
		s, _ := newService(t)
		search := &mockSearcher{}
		search.On("Search", ctx, wantCriteria, matcher.SearchOptions{PermissiveFallback: true}).
			Return([]*models.Ride{{ID: "ride1"}}, nil).Once()
		s.Search = search

		res, err := s.CreateWithPrecheck(ctx, in, PrecheckOptions{
			PermissiveFallback: true,
			AutoCreateOpen:     true,
			Criteria:           matcher.Criteria{MaxResults: 10},
		})
		require.NoError(t, err)
		assert.True(t, res.Matched)
		assert.Empty(t, res.RequestID)
		search.AssertExpectations(t)

		open, _ := s.Store.ListRequests(ctx, storage.RequestFilter{})
		assert.Empty(t, open)
	})

	t.Run("no match without auto create", func(t *testing.T) {
		s, _ := newService(t)
		search := &mockSearcher{}
		search.On("Search", ctx, wantCriteria, matcher.SearchOptions{}).Return(nil, nil).Once()
		s.Search = search

		res, err := s.CreateWithPrecheck(ctx, in, PrecheckOptions{Criteria: matcher.Criteria{MaxResults: 10}})
		require.NoError(t, err)
		assert.Equal(t, PrecheckResult{}, res)
	})

	t.Run("store failure falls through to open request", func(t *testing.T) {
		s, _ := newService(t)
		search := &mockSearcher{}
		search.On("Search", ctx, wantCriteria, matcher.SearchOptions{}).
			Return(nil, apperr.New(apperr.StoreUnavailable, "storage", "down")).Once()
		s.Search = search

		res, err := s.CreateWithPrecheck(ctx, in, PrecheckOptions{AutoCreateOpen: true, Criteria: matcher.Criteria{MaxResults: 10}})
		require.NoError(t, err)
		assert.False(t, res.Matched)
		require.NotEmpty(t, res.RequestID)

		req, err := s.Get(ctx, res.RequestID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusOpen, req.Status)
	})

	t.Run("invalid input is returned", func(t *testing.T) {
		s, _ := newService(t)
		search := &mockSearcher{}
		search.On("Search", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, apperr.New(apperr.MissingField, "matcher", "origin is required")).Once()
		s.Search = search

		_, err := s.CreateWithPrecheck(ctx, CreateInput{RiderID: "u1", PassengerCount: 1}, PrecheckOptions{AutoCreateOpen: true})
		assert.True(t, errors.Is(err, apperr.ErrMissingField))
	})
}

type snapshots struct {
	ch chan []*models.Request
}

func (s *snapshots) next(t *testing.T) []*models.Request {
	t.Helper()
	select {
	case rows := <-s.ch:
		return rows
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return nil
	}
}

func TestSubscribeOpenFeed(t *testing.T) {
	ctx := context.Background()
	s, _ := newService(t)
	first, err := s.Create(ctx, CreateInput{RiderID: "u1", PassengerCount: 1})
	require.NoError(t, err)

	snaps := &snapshots{ch: make(chan []*models.Request, 16)}
	sub, err := s.Subscribe(Filter{OpenOnly: true}, func(rows []*models.Request) { snaps.ch <- rows }, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Len(t, snaps.next(t), 1, "current snapshot first")

	_, err = s.Create(ctx, CreateInput{RiderID: "u2", PassengerCount: 1})
	require.NoError(t, err)
	assert.Len(t, snaps.next(t), 2)

	_, err = s.Cancel(ctx, first.ID)
	require.NoError(t, err)
	rows := snaps.next(t)
	require.Len(t, rows, 1)
	assert.NotEqual(t, first.ID, rows[0].ID)

	sub.Unsubscribe()
	sub.Unsubscribe()
}

func TestSubscribeRequiresFilter(t *testing.T) {
	s, _ := newService(t)
	_, err := s.Subscribe(Filter{Limit: 5}, func([]*models.Request) {}, nil)
	assert.True(t, errors.Is(err, apperr.ErrMissingField))
}
