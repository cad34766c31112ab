package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// ipxeScript serves the per-node boot script. This is the endpoint every
// machine chains into after the embedded bootloader; unknown MACs are
// auto-registered as discovered.
func (s *Server) ipxeScript(w http.ResponseWriter, r *http.Request) {
	mac := r.URL.Query().Get("mac")
	if mac == "" {
		// Firmware chained in without the mac parameter; hand back a
		// script that retries with it filled in.
		w.Header().Set("Content-Type", "text/x-ipxe")
		fmt.Fprintf(w, "#!ipxe\necho PureBoot: mac parameter missing, retrying\nchain %s/api/v1/ipxe/boot.ipxe?mac=${net0/mac}\n", strings.TrimRight(s.cfg.BaseURL, "/"))
		return
	}

	script, err := s.dispatcher.ScriptForMAC(r.Context(), mac, remoteIP(r))
	if err != nil {
		respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/x-ipxe")
	w.Write([]byte(script))
}

// piBoot serves the Raspberry Pi netboot config keyed by firmware serial.
func (s *Server) piBoot(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		respondBadRequest(w, "serial query parameter is required")
		return
	}

	cfg, err := s.dispatcher.PiConfig(r.Context(), serial)
	if err != nil {
		respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(cfg))
}

// bootInstructions describes the boot chain for a MAC, for operators
// configuring external DHCP servers.
func (s *Server) bootInstructions(w http.ResponseWriter, r *http.Request) {
	mac := r.URL.Query().Get("mac")
	if mac == "" {
		respondBadRequest(w, "mac query parameter is required")
		return
	}

	instructions, err := s.dispatcher.Instructions(r.Context(), mac, r.URL.Query().Get("next_server"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, instructions)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	respondOK(w, s.workflows.List())
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondOK(w, wf)
}

// reloadWorkflows re-reads the workflow directory. On failure the
// previous set stays live.
func (s *Server) reloadWorkflows(w http.ResponseWriter, r *http.Request) {
	if err := s.workflows.Load(r.Context()); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"loaded": len(s.workflows.List())}, "workflows reloaded")
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
