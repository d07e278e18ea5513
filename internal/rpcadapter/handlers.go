package rpcadapter

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/vanguard/internal/commandbus"
	"github.com/seantiz/vanguard/internal/manager"
	"github.com/seantiz/vanguard/internal/vmm"
)

const maxBodySize = 1 << 20 // 1 MB

// handleRead serves `read`: worker info.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	resp, err := s.bus.Send(r.Context(), commandbus.StatusPayload{})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp.(manager.WorkerInfo))
}

// handleListVMs serves `listVms`: the ordered VM info list.
func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	resp, err := s.bus.Send(r.Context(), commandbus.ListPayload{})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	vms := resp.([]manager.VMInfo)
	if vms == nil {
		vms = []manager.VMInfo{}
	}
	s.writeJSON(w, http.StatusOK, listVMsResponse{VMs: vms})
}

type listVMsResponse struct {
	VMs []manager.VMInfo `json:"vms"`
}

// handleCreateVM serves `createVm`: a VM spec in, a new VM id out.
// Validation happens here, before the request ever reaches the command
// bus — a precondition failure never occupies a command slot.
func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var spec vmm.Spec
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := spec.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.bus.Send(r.Context(), commandbus.CreatePayload{Spec: spec})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, createVMResponse{ID: resp.(vmm.ID)})
}

type createVMResponse struct {
	ID vmm.ID `json:"id"`
}

// handleDeleteVM serves `deleteVm`: a VM id in, an ack out.
func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	id := vmm.ID(chi.URLParam(r, "id"))

	_, err := s.bus.Send(r.Context(), commandbus.DeletePayload{ID: id})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a single free-form diagnostic message. Never a partial
// payload alongside it.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeManagerError maps a commandbus/manager error onto an HTTP status
// and a single diagnostic message.
func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, commandbus.ErrManagerDown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("rpc request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
