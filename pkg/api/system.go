package api

import (
	"net/http"
	"runtime"

	"github.com/pureboot/pureboot/pkg/version"
)

// dhcpStatusHandler reports whether the proxy-DHCP helper is running and
// how it is configured.
func (s *Server) dhcpStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.dhcpStatus == nil {
		respondOK(w, map[string]any{"enabled": false})
		return
	}
	respondOK(w, s.dhcpStatus())
}

func (s *Server) systemInfo(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]any{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_date": version.BuildDate,
		"go_version": runtime.Version(),
		"base_url":   s.cfg.BaseURL,
	})
}
