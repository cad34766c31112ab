package health

import (
	"context"
	"sync"
	"time"

	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/metrics"
)

// Monitor runs a set of named probes on a shared schedule and reports
// each dependency's health into the component registry behind /healthz.
type Monitor struct {
	cfg    Config
	stopCh chan struct{}

	mu       sync.Mutex
	checks   map[string]Checker
	statuses map[string]*Status
}

// NewMonitor creates a Monitor with the given probe timing.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		checks:   make(map[string]Checker),
		statuses: make(map[string]*Status),
	}
}

// Add registers a probe under a component name.
func (m *Monitor) Add(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = checker
	m.statuses[name] = NewStatus()
	metrics.RegisterComponent(name, true, "")
}

// Start begins probing. The first round runs immediately.
func (m *Monitor) Start() {
	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.probeAll()
		for {
			select {
			case <-ticker.C:
				m.probeAll()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop stops the monitor.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) probeAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.probe(name)
	}
}

func (m *Monitor) probe(name string) {
	m.mu.Lock()
	checker := m.checks[name]
	status := m.statuses[name]
	m.mu.Unlock()
	if checker == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
	defer cancel()

	result := checker.Check(ctx)

	m.mu.Lock()
	wasHealthy := status.Healthy
	status.Update(result, m.cfg)
	nowHealthy := status.Healthy
	message := status.LastResult.Message
	m.mu.Unlock()

	if wasHealthy != nowHealthy {
		logger := log.WithComponent("health")
		if nowHealthy {
			logger.Info().Str("dependency", name).Msg("dependency recovered")
		} else {
			logger.Warn().Str("dependency", name).Str("reason", message).Msg("dependency unhealthy")
		}
	}
	if nowHealthy {
		metrics.RegisterComponent(name, true, "")
	} else {
		metrics.RegisterComponent(name, false, message)
	}
}
