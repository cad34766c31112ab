package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pureboot/pureboot/pkg/clone"
	"github.com/pureboot/pureboot/pkg/types"
)

type failSessionRequest struct {
	Error string `json:"error"`
}

type stagingStatusRequest struct {
	Status types.StagingStatus `json:"status"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.clones.List(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, sessions)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var opts clone.CreateOptions
	if err := decode(r, &opts); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	session, err := s.clones.Create(r.Context(), opts)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondCreated(w, session)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.clones.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, session)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.clones.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, session)
}

// sessionCerts hands one role its PEM bundle. Repeat fetches return the
// same material; after the post-terminal grace window the answer is Gone.
func (s *Server) sessionCerts(w http.ResponseWriter, r *http.Request) {
	role := types.CloneRole(r.URL.Query().Get("role"))
	bundle, err := s.clones.Certs(r.Context(), chi.URLParam(r, "id"), role)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, bundle)
}

func (s *Server) sourceReady(w http.ResponseWriter, r *http.Request) {
	var info clone.SourceInfo
	if err := decode(r, &info); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	session, err := s.clones.SourceReady(r.Context(), chi.URLParam(r, "id"), info)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, session)
}

func (s *Server) sessionProgress(w http.ResponseWriter, r *http.Request) {
	var update clone.ProgressUpdate
	if err := decode(r, &update); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	session, err := s.clones.Progress(r.Context(), chi.URLParam(r, "id"), update)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, session)
}

func (s *Server) completeSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.clones.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, session)
}

func (s *Server) failSession(w http.ResponseWriter, r *http.Request) {
	var req failSessionRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	if req.Error == "" {
		req.Error = "agent reported failure"
	}
	session, err := s.clones.Fail(r.Context(), chi.URLParam(r, "id"), req.Error)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, session)
}

func (s *Server) stagingInfo(w http.ResponseWriter, r *http.Request) {
	alloc, err := s.clones.StagingInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, alloc)
}

func (s *Server) stagingStatus(w http.ResponseWriter, r *http.Request) {
	var req stagingStatusRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	session, err := s.clones.StagingStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, session)
}

func (s *Server) sourceComplete(w http.ResponseWriter, r *http.Request) {
	session, err := s.clones.SourceComplete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, session)
}

func (s *Server) sessionPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.clones.Plan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, plan)
}
