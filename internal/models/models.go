package models

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lat   float64 `json:"lat" validate:"latitude"`
	Lng   float64 `json:"lng" validate:"longitude"`
	Label string  `json:"label,omitempty"`
}

// Same reports whether two coordinates designate the same point, ignoring labels.
func (c Coord) Same(o Coord) bool { return c.Lat == o.Lat && c.Lng == o.Lng }

// Ride is a driver-offered trip. Optional fields are pointers: nil means the
// document never carried the value.
type Ride struct {
	ID             string     `json:"id"`
	DriverID       string     `json:"driver_id"`
	Route          []Coord    `json:"route,omitempty"`
	StartLocation  *Coord     `json:"start_location,omitempty"`
	EndLocation    *Coord     `json:"end_location,omitempty"`
	Date           *time.Time `json:"date,omitempty"`
	Seats          *int       `json:"seats,omitempty"`
	SeatsAvailable *int       `json:"seats_available,omitempty"`
	IsActive       *bool      `json:"is_active,omitempty"`
	Price          *float64   `json:"price,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Active is false only when the ride was explicitly deactivated.
func (r *Ride) Active() bool { return r.IsActive == nil || *r.IsActive }

// AvailableSeats prefers SeatsAvailable and falls back to Seats.
func (r *Ride) AvailableSeats() (int, bool) {
	switch {
	case r.SeatsAvailable != nil:
		return *r.SeatsAvailable, true
	case r.Seats != nil:
		return *r.Seats, true
	}
	return 0, false
}

// HasRoute reports whether the route carries at least one non-degenerate
// segment. Empty, single-point and all-identical routes count as no route.
func (r *Ride) HasRoute() bool {
	for i := 1; i < len(r.Route); i++ {
		if !r.Route[i].Same(r.Route[i-1]) {
			return true
		}
	}
	return false
}

func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	if r.Route != nil {
		c.Route = append([]Coord(nil), r.Route...)
	}
	c.StartLocation = clonePtr(r.StartLocation)
	c.EndLocation = clonePtr(r.EndLocation)
	c.Date = clonePtr(r.Date)
	c.Seats = clonePtr(r.Seats)
	c.SeatsAvailable = clonePtr(r.SeatsAvailable)
	c.IsActive = clonePtr(r.IsActive)
	c.Price = clonePtr(r.Price)
	return &c
}

type RequestStatus string

const (
	StatusOpen      RequestStatus = "open"
	StatusPending   RequestStatus = "pending"
	StatusAccepted  RequestStatus = "accepted"
	StatusRejected  RequestStatus = "rejected"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal states have no outgoing transition.
func (s RequestStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected || s == StatusCancelled
}

// Assignable reports whether a driver may still accept the request.
func (s RequestStatus) Assignable() bool { return s == StatusOpen || s == StatusPending }

// Request is a rider's ask for seats. RideID is empty for open requests that
// are broadcast to every driver.
type Request struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	RequesterName    string        `json:"requester_name,omitempty"`
	RideID           string        `json:"ride_id,omitempty"`
	Origin           *Coord        `json:"origin,omitempty"`
	Destination      *Coord        `json:"destination,omitempty"`
	Date             *time.Time    `json:"date,omitempty"`
	PassengerCount   int           `json:"passenger_count"`
	Note             string        `json:"note,omitempty"`
	Price            *float64      `json:"price,omitempty"`
	Status           RequestStatus `json:"status"`
	DriverID         string        `json:"driver_id,omitempty"`
	ConversationID   string        `json:"conversation_id,omitempty"`
	AssignedAt       *time.Time    `json:"assigned_at,omitempty"`
	DriverDeclinedBy string        `json:"driver_declined_by,omitempty"`
	DriverDeclinedAt *time.Time    `json:"driver_declined_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

func (r *Request) Bound() bool { return r.RideID != "" }

// UnmarshalJSON accepts the legacy pickup/dest spellings and normalizes them
// into Origin/Destination.
func (r *Request) UnmarshalJSON(b []byte) error {
	type plain Request
	var aux struct {
		plain
		Pickup *Coord `json:"pickup,omitempty"`
		Dest   *Coord `json:"dest,omitempty"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = Request(aux.plain)
	if r.Origin == nil {
		r.Origin = aux.Pickup
	}
	if r.Destination == nil {
		r.Destination = aux.Dest
	}
	return nil
}

func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Origin = clonePtr(r.Origin)
	c.Destination = clonePtr(r.Destination)
	c.Date = clonePtr(r.Date)
	c.Price = clonePtr(r.Price)
	c.AssignedAt = clonePtr(r.AssignedAt)
	c.DriverDeclinedAt = clonePtr(r.DriverDeclinedAt)
	return &c
}

// Conversation is the single thread between a driver and a rider, optionally
// scoped to one ride.
type Conversation struct {
	ID                string               `json:"id"`
	Participants      []string             `json:"participants"`
	RideID            string               `json:"ride_id,omitempty"`
	LastMessage       string               `json:"last_message,omitempty"`
	LastMessageSender string               `json:"last_message_sender,omitempty"`
	LastRead          map[string]time.Time `json:"last_read,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	if c.LastRead != nil {
		cp.LastRead = make(map[string]time.Time, len(c.LastRead))
		for k, v := range c.LastRead {
			cp.LastRead[k] = v
		}
	}
	return &cp
}

// Message is append-only.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// Profile is the slice of users/{id} the core reads.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Name        string `json:"name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	FCMToken    string `json:"fcm_token,omitempty"`
	Verified    bool   `json:"verified"`
}

// Label is the name shown to other users.
func (p Profile) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

type EventType string

const (
	EventRequestCreated   EventType = "request.created"
	EventRequestAccepted  EventType = "request.accepted"
	EventRequestRejected  EventType = "request.rejected"
	EventRequestCancelled EventType = "request.cancelled"
)

// RequestEvent is published on every request transition.
type RequestEvent struct {
	Type           EventType     `json:"type"`
	RequestID      string        `json:"request_id"`
	RideID         string        `json:"ride_id,omitempty"`
	RiderID        string        `json:"rider_id"`
	DriverID       string        `json:"driver_id,omitempty"`
	RideOwnerID    string        `json:"ride_owner_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Status         RequestStatus `json:"status"`
	At             time.Time     `json:"at"`
}

// Notification is what the dispatch layer delivers to a user's device.
type Notification struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
