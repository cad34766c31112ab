package security

import (
	"errors"
	"sync"
	"time"

	"github.com/pureboot/pureboot/pkg/log"
)

// ErrNoCerts is returned when a session has no live certificate
// material, either because it never had any or because the grace
// window has elapsed.
var ErrNoCerts = errors.New("no certificates for session")

// Keeper holds the live SessionCAs, keyed by session id. Terminal
// sessions keep their material for a grace window so an agent retrying
// a fetch mid-teardown still succeeds, then the sweeper wipes it.
type Keeper struct {
	mu      sync.Mutex
	cas     map[string]*SessionCA
	retired map[string]time.Time
	grace   time.Duration
}

// NewKeeper creates a Keeper with the given post-terminal grace window.
func NewKeeper(grace time.Duration) *Keeper {
	return &Keeper{
		cas:     make(map[string]*SessionCA),
		retired: make(map[string]time.Time),
		grace:   grace,
	}
}

// Create mints and registers a SessionCA for a session.
func (k *Keeper) Create(sessionID string) (*SessionCA, error) {
	ca, err := NewSessionCA(sessionID)
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.cas[sessionID] = ca
	delete(k.retired, sessionID)
	k.mu.Unlock()
	return ca, nil
}

// Get returns the SessionCA for a session, including retired sessions
// still inside the grace window.
func (k *Keeper) Get(sessionID string) (*SessionCA, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	ca, ok := k.cas[sessionID]
	if !ok {
		return nil, ErrNoCerts
	}
	return ca, nil
}

// Retire marks a session terminal. Material stays fetchable until the
// grace window elapses.
func (k *Keeper) Retire(sessionID string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.cas[sessionID]; ok {
		k.retired[sessionID] = time.Now()
	}
}

// Destroy wipes a session's material immediately.
func (k *Keeper) Destroy(sessionID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.destroyLocked(sessionID)
}

// Sweep wipes every retired session whose grace window has elapsed.
// Returns the number wiped.
func (k *Keeper) Sweep() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	wiped := 0
	for sessionID, retiredAt := range k.retired {
		if time.Since(retiredAt) < k.grace {
			continue
		}
		k.destroyLocked(sessionID)
		wiped++
	}
	if wiped > 0 {
		log.WithComponent("security").Debug().Int("count", wiped).Msg("session certificates wiped")
	}
	return wiped
}

// Live returns the number of sessions with material in memory.
func (k *Keeper) Live() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.cas)
}

func (k *Keeper) destroyLocked(sessionID string) {
	if ca, ok := k.cas[sessionID]; ok {
		ca.Destroy()
		delete(k.cas, sessionID)
	}
	delete(k.retired, sessionID)
}
