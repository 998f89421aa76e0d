package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/dispatch"
	"github.com/example/rideshare-matching/internal/lifecycle"
	"github.com/example/rideshare-matching/internal/models"
)

const (
	pongWait          = 60 * time.Second
	writeWait         = 5 * time.Second
	defaultPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type snapshotFrame struct {
	Requests []*models.Request `json:"requests"`
}

type errorFrame struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleStreamRequest(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, lifecycle.Filter{RequestID: mux.Vars(r)["id"]})
}

func (s *Server) handleStreamRideRequests(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, lifecycle.Filter{RideID: mux.Vars(r)["id"]})
}

func (s *Server) handleStreamOpen(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, lifecycle.Filter{OpenOnly: true, Limit: cast.ToInt(r.URL.Query().Get("limit"))})
}

// stream pushes a snapshot of the requests matching f on connect and after
// every change until the client goes away.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, f lifecycle.Filter) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	session := dispatch.NewWSSession(conn)

	sub, err := s.Lifecycle.Subscribe(f,
		func(rows []*models.Request) {
			if err := session.Send(snapshotFrame{Requests: nonNil(rows)}); err != nil {
				s.logger.Debug("stream write failed", zap.Error(err))
			}
		},
		func(err error) {
			_ = session.Send(errorFrame{Error: apperr.KindOf(err).String(), Message: apperr.UserMessage(err)})
		},
	)
	if err != nil {
		_ = session.Send(errorFrame{Error: apperr.KindOf(err).String(), Message: apperr.UserMessage(err)})
		return
	}
	defer sub.Unsubscribe()

	s.readUntilClosed(conn)
}

// handleUserSocket registers the caller's notification socket. Only the
// user themselves may attach to it.
func (s *Server) handleUserSocket(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	if caller != userID {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "you are not allowed to do that"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	session := s.WSReg.Add(userID, conn)
	defer s.WSReg.Remove(userID, session)
	s.logger.Debug("notification socket connected", zap.String("user_id", userID))

	s.readUntilClosed(conn)
}

// readUntilClosed drains client frames so control messages are handled and
// returns once the peer disconnects. A ping goes out every pingPeriod so a
// quiet but live client keeps refreshing the read deadline with its pong.
func (s *Server) readUntilClosed(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					s.logger.Debug("websocket ping failed", zap.Error(err))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}
