package api

import (
	"net/http"

	"github.com/jordanhubbard/loomdesk/internal/desk"
	"github.com/jordanhubbard/loomdesk/pkg/models"
)

// handleListConversations handles GET /api/conversations
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	convs, err := s.desk.List(r.Context(), desk.ListQuery{
		ArchiveFilter:    models.ArchiveFilter(q.Get("archiveFilter")),
		AssignmentFilter: models.AssignmentFilter(q.Get("assignmentFilter")),
		AgentID:          q.Get("agentId"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, models.ConversationList{Conversations: convs})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.desk.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, models.MessageList{Messages: msgs})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req models.AssignRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.desk.Assign(r.Context(), caller(r), r.PathValue("id"), req.AgentID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	var req models.UnassignRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.desk.Unassign(r.Context(), caller(r), r.PathValue("id"), req.AgentID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCategory handles PATCH /api/conversations/{id}/category; a null
// category_id clears the category
func (s *Server) handleCategory(w http.ResponseWriter, r *http.Request) {
	var req models.CategoryRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.desk.SetCategory(r.Context(), caller(r), r.PathValue("id"), req.CategoryID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if err := s.desk.Resolve(r.Context(), caller(r), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	if err := s.desk.Reopen(r.Context(), caller(r), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBulkArchive(w http.ResponseWriter, r *http.Request) {
	var req models.BulkArchiveRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.desk.Archive(r.Context(), caller(r), req.ConversationIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, models.BulkResult{Updated: n})
}

func (s *Server) handleBulkUnarchive(w http.ResponseWriter, r *http.Request) {
	var req models.BulkUnarchiveRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	n, err := s.desk.Unarchive(r.Context(), caller(r), req.ConversationIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, models.BulkResult{Updated: n})
}

func (s *Server) handleGenerateSuggestion(w http.ResponseWriter, r *http.Request) {
	sugg, err := s.desk.GenerateSuggestion(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sugg)
}

// handlePendingSuggestion answers 404 while the slot is empty
func (s *Server) handlePendingSuggestion(w http.ResponseWriter, r *http.Request) {
	sugg, err := s.desk.PendingSuggestion(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sugg)
}
