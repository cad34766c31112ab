package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/state"
	"github.com/pureboot/pureboot/pkg/types"
)

type createNodeRequest struct {
	MAC          string `json:"mac"`
	Hostname     string `json:"hostname,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	BootMode     string `json:"boot_mode,omitempty"`
	Vendor       string `json:"vendor,omitempty"`
	Model        string `json:"model,omitempty"`
	Serial       string `json:"serial,omitempty"`
}

type registerPiRequest struct {
	Serial   string `json:"serial"`
	MAC      string `json:"mac"`
	Hostname string `json:"hostname,omitempty"`
	Model    string `json:"model,omitempty"`
}

type changeStateRequest struct {
	State   string `json:"state"`
	Trigger string `json:"trigger,omitempty"`
}

type tagRequest struct {
	Tag string `json:"tag"`
}

type bulkRequest struct {
	NodeIDs    []string `json:"node_ids"`
	GroupID    string   `json:"group_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	Tag        string   `json:"tag,omitempty"`
	State      string   `json:"state,omitempty"`
	Trigger    string   `json:"trigger,omitempty"`
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.registry.List(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}

	if st := r.URL.Query().Get("state"); st != "" {
		want, err := state.Parse(st)
		if err != nil {
			respondErr(w, err)
			return
		}
		filtered := nodes[:0]
		for _, n := range nodes {
			if n.State == want {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}
	respondOK(w, nodes)
}

func (s *Server) createNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	node, err := s.registry.Create(r.Context(), req.MAC, registry.Attributes{
		Hostname:     req.Hostname,
		Architecture: req.Architecture,
		BootMode:     req.BootMode,
		Vendor:       req.Vendor,
		Model:        req.Model,
		Serial:       req.Serial,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	respondCreated(w, node)
}

func (s *Server) registerPi(w http.ResponseWriter, r *http.Request) {
	var req registerPiRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	node, created, err := s.registry.RegisterPi(r.Context(), req.Serial, req.MAC, registry.Attributes{
		Hostname: req.Hostname,
		Model:    req.Model,
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	if created {
		respondCreated(w, node)
		return
	}
	respondOK(w, node)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, node)
}

func (s *Server) patchNode(w http.ResponseWriter, r *http.Request) {
	var patch registry.Patch
	if err := decode(r, &patch); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	node, err := s.registry.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, node)
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil, "node deleted")
}

func (s *Server) nodeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.registry.Stats(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, stats)
}

func (s *Server) changeState(w http.ResponseWriter, r *http.Request) {
	var req changeStateRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	to, err := state.Parse(req.State)
	if err != nil {
		respondErr(w, err)
		return
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = "api"
	}
	node, err := s.machine.Transition(r.Context(), chi.URLParam(r, "id"), to, trigger, types.SourceController)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, node)
}

func (s *Server) addTag(w http.ResponseWriter, r *http.Request) {
	var req tagRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	node, err := s.registry.AddTag(r.Context(), chi.URLParam(r, "id"), req.Tag)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, node)
}

func (s *Server) removeTag(w http.ResponseWriter, r *http.Request) {
	node, err := s.registry.RemoveTag(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "tag"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, node)
}

// nodeEvents serves the queryable event mirror from the relational store.
func (s *Server) nodeEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	events, err := s.store.ListEventsByNode(r.Context(), id, queryLimit(r, 100))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, events)
}

// nodeHistory serves the append-only journal tail for a node.
func (s *Server) nodeHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	events, err := s.journal.ListByNode(id, queryLimit(r, 100))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, events)
}

// nodeCommand is polled by agents. ?clear=true consumes the command.
func (s *Server) nodeCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.registry.Get(r.Context(), id); err != nil {
		respondErr(w, err)
		return
	}
	clear := r.URL.Query().Get("clear") == "true"
	cmd := s.queue.Command(id, clear)
	respondOK(w, map[string]string{"command": cmd})
}

func (s *Server) bulkAssignGroup(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	respondOK(w, s.registry.BulkAssignGroup(r.Context(), req.NodeIDs, req.GroupID))
}

func (s *Server) bulkAssignWorkflow(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	respondOK(w, s.registry.BulkAssignWorkflow(r.Context(), req.NodeIDs, req.WorkflowID))
}

func (s *Server) bulkAddTag(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	respondOK(w, s.registry.BulkAddTag(r.Context(), req.NodeIDs, req.Tag))
}

func (s *Server) bulkRemoveTag(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	respondOK(w, s.registry.BulkRemoveTag(r.Context(), req.NodeIDs, req.Tag))
}

func (s *Server) bulkChangeState(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	to, err := state.Parse(req.State)
	if err != nil {
		respondErr(w, err)
		return
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = "api-bulk"
	}
	respondOK(w, s.machine.BulkTransition(r.Context(), req.NodeIDs, to, trigger))
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
