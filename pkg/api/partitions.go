package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pureboot/pureboot/pkg/partition"
	"github.com/pureboot/pureboot/pkg/types"
)

type enqueueOpRequest struct {
	Operation types.PartitionOpType `json:"operation"`
	Device    string                `json:"device"`
	Params    map[string]any        `json:"params,omitempty"`
}

type diskReportRequest struct {
	Disks []types.Disk `json:"disks"`
}

type modeStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")
	if _, err := s.registry.Get(r.Context(), nodeID); err != nil {
		respondErr(w, err)
		return
	}
	ops, err := s.queue.List(r.Context(), nodeID, types.OpStatus(r.URL.Query().Get("status")))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, ops)
}

func (s *Server) enqueueOperation(w http.ResponseWriter, r *http.Request) {
	var req enqueueOpRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	op, err := s.queue.Enqueue(r.Context(), chi.URLParam(r, "id"), req.Operation, req.Device, req.Params)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondCreated(w, op)
}

func (s *Server) operationStatus(w http.ResponseWriter, r *http.Request) {
	var report partition.StatusReport
	if err := decode(r, &report); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	nodeID := chi.URLParam(r, "id")
	op, err := s.queue.UpdateStatus(r.Context(), nodeID, chi.URLParam(r, "op"), report)
	if err != nil {
		respondErr(w, err)
		return
	}
	s.registry.Touch(r.Context(), nodeID, remoteIP(r))
	respondOK(w, op)
}

func (s *Server) reportDisks(w http.ResponseWriter, r *http.Request) {
	var req diskReportRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	nodeID := chi.URLParam(r, "id")
	if err := s.queue.ReportDisks(r.Context(), nodeID, req.Disks); err != nil {
		respondErr(w, err)
		return
	}
	s.registry.Touch(r.Context(), nodeID, remoteIP(r))
	respond(w, http.StatusOK, nil, "disk report accepted")
}

func (s *Server) scanStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.queue.ScanStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, report)
}

func (s *Server) partitionModeHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")
	if _, err := s.registry.Get(r.Context(), nodeID); err != nil {
		respondErr(w, err)
		return
	}
	s.queue.ModeHeartbeat(nodeID)
	s.registry.Touch(r.Context(), nodeID, remoteIP(r))
	respondOK(w, s.queue.ModeStatus(nodeID))
}

func (s *Server) partitionModeStatus(w http.ResponseWriter, r *http.Request) {
	var req modeStatusRequest
	if err := decode(r, &req); err != nil {
		respondBadRequest(w, "invalid request body")
		return
	}
	nodeID := chi.URLParam(r, "id")
	if _, err := s.registry.Get(r.Context(), nodeID); err != nil {
		respondErr(w, err)
		return
	}
	s.queue.SetModeStatus(nodeID, req.Status)
	respondOK(w, s.queue.ModeStatus(nodeID))
}
