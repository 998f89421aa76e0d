// Package conversation owns the single chat thread between a driver and a
// rider: how it is identified, reused and torn down.
package conversation

import (
	"context"
	"sort"
	"strings"

	"github.com/example/rideshare-matching/internal/models"
	"github.com/example/rideshare-matching/internal/storage"
)

// lookupWindow bounds how many of the driver's conversations Resolve scans.
const lookupWindow = 50

// DeterministicID derives the id a new conversation between the two users
// gets. The pair is sorted so the id does not depend on who is the driver.
func DeterministicID(driverID, riderID, rideID string) string {
	pair := []string{driverID, riderID}
	sort.Strings(pair)
	id := "conv_" + strings.Join(pair, "__")
	if rideID != "" {
		id += "__ride_" + rideID
	}
	return id
}

// Identity finds the conversation an accept should reuse.
type Identity struct {
	Store storage.Store
}

// Resolve returns the existing conversation between driverID and riderID, or
// nil when there is none. A conversation bound to rideID wins; otherwise any
// conversation for the pair is reused.
func (i *Identity) Resolve(ctx context.Context, driverID, riderID, rideID string) (*models.Conversation, error) {
	if driverID == "" || riderID == "" {
		return nil, nil
	}
	convs, err := i.Store.ConversationsForParticipant(ctx, driverID, lookupWindow)
	if err != nil {
		return nil, err
	}
	var fallback *models.Conversation
	for _, c := range convs {
		if !c.HasParticipant(riderID) {
			continue
		}
		if rideID != "" && c.RideID == rideID {
			return c, nil
		}
		if fallback == nil {
			fallback = c
		}
	}
	return fallback, nil
}
