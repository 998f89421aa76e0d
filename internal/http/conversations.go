package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/spf13/cast"
)

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	convs, err := s.Messenger.ForUser(r.Context(), userID, cast.ToInt(r.URL.Query().Get("limit")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": nonNil(convs)})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	conv, err := s.Messenger.Conversation(r.Context(), mux.Vars(r)["id"], userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	msgs, err := s.Messenger.Messages(r.Context(), mux.Vars(r)["id"], userID, cast.ToInt(r.URL.Query().Get("limit")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs)})
}

type sendMessageBody struct {
	Text       string `json:"text" validate:"required,max=2000"`
	SenderName string `json:"sender_name" validate:"max=100"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body sendMessageBody
	if !s.decode(w, r, &body) {
		return
	}
	convID := mux.Vars(r)["id"]
	if _, err := s.Messenger.Conversation(r.Context(), convID, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.Messenger.Send(r.Context(), convID, userID, body.Text, body.SenderName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	convID := mux.Vars(r)["id"]
	if _, err := s.Messenger.Conversation(r.Context(), convID, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Messenger.MarkRead(r.Context(), convID, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	if err := s.Messenger.Delete(r.Context(), mux.Vars(r)["id"], userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
