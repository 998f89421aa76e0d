package httpapi

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/assignment"
	"github.com/example/rideshare-matching/internal/conversation"
	"github.com/example/rideshare-matching/internal/dispatch"
	"github.com/example/rideshare-matching/internal/lifecycle"
	"github.com/example/rideshare-matching/internal/matcher"
	"github.com/example/rideshare-matching/internal/models"
)

// Deps are the services the API exposes.
type Deps struct {
	Matcher    *matcher.Service
	Lifecycle  *lifecycle.Service
	Assignment *assignment.Service
	Messenger  *conversation.Messenger
	WSReg      *dispatch.WSRegistry
	Logger     *zap.Logger
}

type Server struct {
	Matcher    *matcher.Service
	Lifecycle  *lifecycle.Service
	Assignment *assignment.Service
	Messenger  *conversation.Messenger
	WSReg      *dispatch.WSRegistry

	logger     *zap.Logger
	validate   *validator.Validate
	mux        *mux.Router
	pingPeriod time.Duration
}

func NewServer(d Deps) *Server {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		Matcher:    d.Matcher,
		Lifecycle:  d.Lifecycle,
		Assignment: d.Assignment,
		Messenger:  d.Messenger,
		WSReg:      d.WSReg,
		logger:     log,
		validate:   validator.New(),
		mux:        mux.NewRouter(),
		pingPeriod: defaultPingPeriod,
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides", s.handlePublishRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/search", s.handleSearchRides).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleRemoveRide).Methods(http.MethodDelete)
	api.HandleFunc("/rides/{id}/requests", s.handleRideRequests).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/requests/matching", s.handleMatchingRequests).Methods(http.MethodGet)

	api.HandleFunc("/requests", s.handleListRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/open", s.handleOpenRequests).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}", s.handleUpdateRequest).Methods(http.MethodPatch)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/accept", s.handleAcceptRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/reject", s.handleRejectRequest).Methods(http.MethodPost)

	api.HandleFunc("/conversations", s.handleListConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.handleGetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}", s.handleDeleteConversation).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/messages", s.handleSendMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/read", s.handleMarkRead).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/requests/open", s.handleStreamOpen)
	s.mux.HandleFunc("/ws/requests/{id}", s.handleStreamRequest)
	s.mux.HandleFunc("/ws/rides/{id}/requests", s.handleStreamRideRequests)
	s.mux.HandleFunc("/ws/users/{user_id}", s.handleUserSocket)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type publishRideBody struct {
	ID             string         `json:"id"`
	Route          []models.Coord `json:"route" validate:"omitempty,dive"`
	StartLocation  *models.Coord  `json:"start_location"`
	EndLocation    *models.Coord  `json:"end_location"`
	Date           *time.Time     `json:"date"`
	Seats          *int           `json:"seats" validate:"omitempty,gte=0"`
	SeatsAvailable *int           `json:"seats_available" validate:"omitempty,gte=0"`
	IsActive       *bool          `json:"is_active"`
	Price          *float64       `json:"price" validate:"omitempty,gte=0"`
}

func (s *Server) handlePublishRide(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body publishRideBody
	if !s.decode(w, r, &body) {
		return
	}
	ride, err := s.Matcher.PublishRide(r.Context(), &models.Ride{
		ID:             body.ID,
		DriverID:       driverID,
		Route:          body.Route,
		StartLocation:  body.StartLocation,
		EndLocation:    body.EndLocation,
		Date:           body.Date,
		Seats:          body.Seats,
		SeatsAvailable: body.SeatsAvailable,
		IsActive:       body.IsActive,
		Price:          body.Price,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Matcher.Store.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRemoveRide(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.Matcher.RemoveRide(r.Context(), mux.Vars(r)["id"], driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchBody struct {
	matcher.Criteria
	Permissive         bool `json:"permissive"`
	PermissiveFallback bool `json:"permissive_fallback"`
}

func (s *Server) handleSearchRides(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if !s.decode(w, r, &body) {
		return
	}
	rides, err := s.Matcher.Search(r.Context(), body.Criteria, matcher.SearchOptions{
		Permissive:         body.Permissive,
		PermissiveFallback: body.PermissiveFallback,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": nonNil(rides)})
}

func (s *Server) handleRideRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.Lifecycle.List(r.Context(), lifecycle.Filter{
		RideID: mux.Vars(r)["id"],
		Limit:  cast.ToInt(r.URL.Query().Get("limit")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": nonNil(reqs)})
}

func (s *Server) handleMatchingRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := matcher.RequestMatchOptions{
		DateToleranceHours: cast.ToFloat64(q.Get("date_tolerance_hours")),
		PickupRadiusMeters: cast.ToFloat64(q.Get("pickup_radius_meters")),
		DestRadiusMeters:   cast.ToFloat64(q.Get("dest_radius_meters")),
		MaxResults:         cast.ToInt(q.Get("max_results")),
	}
	reqs, err := s.Matcher.RequestsForRide(r.Context(), mux.Vars(r)["id"], opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": nonNil(reqs)})
}

type createRequestBody struct {
	PassengerCount int                        `json:"passenger_count" validate:"gte=1"`
	Note           string                     `json:"note" validate:"max=500"`
	Origin         *models.Coord              `json:"origin"`
	Destination    *models.Coord              `json:"destination"`
	Pickup         *models.Coord              `json:"pickup"`
	Dest           *models.Coord              `json:"dest"`
	Date           *time.Time                 `json:"date"`
	RideID         string                     `json:"ride_id"`
	Price          *float64                   `json:"price" validate:"omitempty,gte=0"`
	Precheck       *lifecycle.PrecheckOptions `json:"precheck"`
}

func (b createRequestBody) input(riderID string) lifecycle.CreateInput {
	in := lifecycle.CreateInput{
		RiderID:        riderID,
		PassengerCount: b.PassengerCount,
		Note:           b.Note,
		Origin:         b.Origin,
		Destination:    b.Destination,
		Date:           b.Date,
		RideID:         b.RideID,
		Price:          b.Price,
	}
	if in.Origin == nil {
		in.Origin = b.Pickup
	}
	if in.Destination == nil {
		in.Destination = b.Dest
	}
	return in
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	riderID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body createRequestBody
	if !s.decode(w, r, &body) {
		return
	}
	in := body.input(riderID)
	if body.Precheck != nil && body.RideID == "" {
		res, err := s.Lifecycle.CreateWithPrecheck(r.Context(), in, *body.Precheck)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if res.RequestID != "" {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
		return
	}
	req, err := s.Lifecycle.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// handleListRequests lists by ride_id, driver_id or open=true.
func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reqs, err := s.Lifecycle.List(r.Context(), lifecycle.Filter{
		RideID:   q.Get("ride_id"),
		DriverID: q.Get("driver_id"),
		OpenOnly: cast.ToBool(q.Get("open")),
		Limit:    cast.ToInt(q.Get("limit")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": nonNil(reqs)})
}

func (s *Server) handleOpenRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.Lifecycle.List(r.Context(), lifecycle.Filter{
		OpenOnly: true,
		Limit:    cast.ToInt(r.URL.Query().Get("limit")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": nonNil(reqs)})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ownRequest loads the request and checks the caller is its rider.
func (s *Server) ownRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	riderID, ok := s.caller(w, r)
	if !ok {
		return "", false
	}
	id := mux.Vars(r)["id"]
	req, err := s.Lifecycle.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	if req.UserID != riderID {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "you are not allowed to do that"})
		return "", false
	}
	return id, true
}

func (s *Server) handleUpdateRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownRequest(w, r)
	if !ok {
		return
	}
	var patch lifecycle.RequestPatch
	if !s.decode(w, r, &patch) {
		return
	}
	req, err := s.Lifecycle.Update(r.Context(), id, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownRequest(w, r)
	if !ok {
		return
	}
	req, err := s.Lifecycle.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type acceptBody struct {
	Message string `json:"message" validate:"max=1000"`
}

func (s *Server) handleAcceptRequest(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body acceptBody
	if r.ContentLength > 0 && !s.decode(w, r, &body) {
		return
	}
	res, err := s.Assignment.Accept(r.Context(), mux.Vars(r)["id"], driverID, body.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRejectRequest(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.Assignment.Reject(r.Context(), mux.Vars(r)["id"], driverID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
