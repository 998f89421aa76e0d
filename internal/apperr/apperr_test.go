package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindThroughWrap(t *testing.T) {
	err := fmt.Errorf("accept: %w", New(AlreadyAssigned, "assignment.Accept", "request r1 already has a driver"))

	assert.True(t, errors.Is(err, ErrAlreadyAssigned))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, AlreadyAssigned, KindOf(err))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("boom")))
	assert.Equal(t, Unknown, KindOf(nil))
}

func TestErrorString(t *testing.T) {
	err := Wrap(StoreUnavailable, "storage.GetRide", errors.New("connection refused"))
	assert.Equal(t, "storage.GetRide: store_unavailable: connection refused", err.Error())
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "someone else already took this request", UserMessage(ErrAlreadyAssigned))
	assert.Equal(t, "riderId is required", UserMessage(New(MissingField, "lifecycle.Create", "riderId is required")))
	assert.Equal(t, "something went wrong", UserMessage(errors.New("x")))
}
