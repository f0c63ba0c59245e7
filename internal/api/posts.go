package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Maciek28675/wifi-scout-backend/internal/httputil"
)

type postRequest struct {
	Content  string  `json:"content"`
	Location *string `json:"location,omitempty"`
}

func (s *Server) createPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		httputil.Unauthorized(w, "missing authenticated user")
		return
	}
	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	p, err := s.db.CreatePost(r.Context(), userID, req.Content, req.Location)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httputil.BadRequest(w, "invalid post id")
		return
	}
	p, err := s.db.GetPost(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, p)
}

func (s *Server) listPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip, limit := 0, 0
	if v := q.Get("skip"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			httputil.BadRequest(w, "skip must be a non-negative integer")
			return
		}
		skip = parsed
	}
	if v := q.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	posts, err := s.db.ListPosts(r.Context(), skip, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, posts)
}

func (s *Server) deletePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		httputil.Unauthorized(w, "missing authenticated user")
		return
	}
	id, err := pathID(r)
	if err != nil {
		httputil.BadRequest(w, "invalid post id")
		return
	}
	if err := s.db.DeletePost(r.Context(), id, userID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) votePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r.Context())
	if !ok {
		httputil.Unauthorized(w, "missing authenticated user")
		return
	}
	id, err := pathID(r)
	if err != nil {
		httputil.BadRequest(w, "invalid post id")
		return
	}
	var req struct {
		Dir int `json:"dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body")
		return
	}
	if err := s.db.VotePost(r.Context(), id, userID, req.Dir); err != nil {
		writeStoreError(w, err)
		return
	}
	p, err := s.db.GetPost(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.WriteJSONOK(w, p)
}
