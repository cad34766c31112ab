// Package api serves the versioned HTTP interface: the operator API,
// the agent callback endpoints, and the iPXE script source.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pureboot/pureboot/pkg/boot"
	"github.com/pureboot/pureboot/pkg/clone"
	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/events"
	"github.com/pureboot/pureboot/pkg/journal"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/metrics"
	"github.com/pureboot/pureboot/pkg/partition"
	"github.com/pureboot/pureboot/pkg/registry"
	"github.com/pureboot/pureboot/pkg/state"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/workflow"
)

// Server is the HTTP API server.
type Server struct {
	registry   *registry.Registry
	machine    *state.Machine
	workflows  *workflow.Registry
	dispatcher *boot.Dispatcher
	clones     *clone.Manager
	queue      *partition.Queue
	journal    *journal.Journal
	store      storage.Store
	broker     *events.Broker
	cfg        config.HTTPConfig
	dhcpStatus func() map[string]any

	httpServer *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	Registry   *registry.Registry
	Machine    *state.Machine
	Workflows  *workflow.Registry
	Dispatcher *boot.Dispatcher
	Clones     *clone.Manager
	Queue      *partition.Queue
	Journal    *journal.Journal
	Store      storage.Store

	// Broker feeds the live event stream endpoint.
	Broker *events.Broker

	// DHCPStatus reports the proxy-DHCP helper state for /system.
	DHCPStatus func() map[string]any
}

// NewServer creates a Server with all routes mounted.
func NewServer(cfg config.HTTPConfig, deps Deps) *Server {
	s := &Server{
		registry:   deps.Registry,
		machine:    deps.Machine,
		workflows:  deps.Workflows,
		dispatcher: deps.Dispatcher,
		clones:     deps.Clones,
		queue:      deps.Queue,
		journal:    deps.Journal,
		store:      deps.Store,
		broker:     deps.Broker,
		cfg:        cfg,
		dhcpStatus: deps.DHCPStatus,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ControlTimeout,
		WriteTimeout: cfg.ControlTimeout,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadinessHandler())
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/nodes", func(r chi.Router) {
			r.Get("/", s.listNodes)
			r.Post("/", s.createNode)
			r.Get("/stats", s.nodeStats)
			r.Post("/register-pi", s.registerPi)

			r.Route("/bulk", func(r chi.Router) {
				r.Post("/assign-group", s.bulkAssignGroup)
				r.Post("/assign-workflow", s.bulkAssignWorkflow)
				r.Post("/add-tag", s.bulkAddTag)
				r.Post("/remove-tag", s.bulkRemoveTag)
				r.Post("/change-state", s.bulkChangeState)
			})

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getNode)
				r.Patch("/", s.patchNode)
				r.Delete("/", s.deleteNode)
				r.Patch("/state", s.changeState)
				r.Post("/tags", s.addTag)
				r.Delete("/tags/{tag}", s.removeTag)
				r.Get("/events", s.nodeEvents)
				r.Get("/history", s.nodeHistory)
				r.Get("/command", s.nodeCommand)

				r.Route("/disks", func(r chi.Router) {
					r.Post("/report", s.reportDisks)
					r.Get("/scan-status", s.scanStatus)
				})

				r.Route("/partition-operations", func(r chi.Router) {
					r.Get("/", s.listOperations)
					r.Post("/", s.enqueueOperation)
					r.Post("/{op}/status", s.operationStatus)
				})

				r.Route("/partition-mode", func(r chi.Router) {
					r.Post("/status", s.partitionModeStatus)
					r.Post("/heartbeat", s.partitionModeHeartbeat)
				})
			})
		})

		r.Get("/ipxe/boot.ipxe", s.ipxeScript)
		r.Get("/boot/pi", s.piBoot)
		r.Get("/boot/instructions", s.bootInstructions)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.listWorkflows)
			r.Post("/reload", s.reloadWorkflows)
			r.Get("/{id}", s.getWorkflow)
		})

		r.Route("/clone-sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Post("/cancel", s.cancelSession)
				r.Get("/certs", s.sessionCerts)
				r.Post("/source-ready", s.sourceReady)
				r.Post("/progress", s.sessionProgress)
				r.Post("/complete", s.completeSession)
				r.Post("/failed", s.failSession)
				r.Get("/staging-info", s.stagingInfo)
				r.Post("/staging-status", s.stagingStatus)
				r.Post("/source-complete", s.sourceComplete)
				r.Get("/plan", s.sessionPlan)
				r.Get("/resize-plan", s.sessionPlan)
			})
		})

		r.Get("/events/stream", s.eventStream)

		r.Route("/system", func(r chi.Router) {
			r.Get("/dhcp-status", s.dhcpStatusHandler)
			r.Get("/info", s.systemInfo)
		})
	})

	return r
}

// Start begins serving. Blocks until shutdown.
func (s *Server) Start() error {
	log.WithComponent("api").Info().Str("addr", s.cfg.ListenAddr).Msg("api server listening")
	metrics.RegisterComponent("api", true, "")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// instrument records request metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())

		log.WithComponent("api").Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
