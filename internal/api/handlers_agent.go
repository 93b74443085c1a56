package api

import (
	"net/http"
	"time"

	"github.com/jordanhubbard/loomdesk/pkg/messages"
	"github.com/jordanhubbard/loomdesk/pkg/models"
)

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req models.RespondRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.desk.Respond(r.Context(), caller(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handlePersonalStatus(w http.ResponseWriter, r *http.Request) {
	var req models.PersonalStatusRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	var at time.Time
	if req.Timestamp != nil {
		at = *req.Timestamp
	}
	if err := s.desk.SetPersonalStatus(r.Context(), caller(r), req.AgentID, req.PersonalStatus, at); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	roster, err := s.desk.Roster(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, models.AgentList{Agents: roster})
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, models.SystemModeRequest{Mode: s.desk.Mode()})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req models.SystemModeRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.desk.SetMode(r.Context(), caller(r), req.Mode); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, models.SystemModeRequest{Mode: s.desk.Mode()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.auth.Login(req.AgentID, req.Password)
	if err != nil {
		s.log.WithField("agent", req.AgentID).Warn("failed login")
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleWebSocket upgrades to the realtime channel for the caller
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, caller(r).AgentID)
}

// handleVisitorMessage handles POST /widget/messages from the chat widget
func (s *Server) handleVisitorMessage(w http.ResponseWriter, r *http.Request) {
	var req models.VisitorMessageRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.desk.VisitorMessage(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleVisitorTyping(w http.ResponseWriter, r *http.Request) {
	var req messages.TypingStatus
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.ConversationID == "" {
		s.respondError(w, http.StatusBadRequest, "conversationId is required")
		return
	}
	s.desk.CustomerTyping(r.Context(), req.ConversationID, req.IsTyping)
	w.WriteHeader(http.StatusNoContent)
}
