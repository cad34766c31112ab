// Package staging allocates intermediate storage for staged clone
// sessions. Brokers are pluggable: NFS and iSCSI ship here, and the
// session manager only ever sees the Broker interface.
package staging

import (
	"context"
	"errors"

	"github.com/pureboot/pureboot/pkg/types"
)

// ErrNotConfigured is returned when a staged clone is requested but no
// broker has backing storage configured.
var ErrNotConfigured = errors.New("no staging backend configured")

// Broker hands out one allocation per session and takes it back on the
// session's terminal transition.
type Broker interface {
	// Type reports which allocation variant this broker produces.
	Type() types.StagingType

	// Allocate reserves staging space for a session. sizeBytes is the
	// source device size, used by block-backed brokers to size the LUN.
	Allocate(ctx context.Context, sessionID string, sizeBytes int64, compress bool) (*types.StagingAllocation, error)

	// Release tears the allocation down. Idempotent; releasing an
	// unknown session is a no-op.
	Release(ctx context.Context, sessionID string, alloc *types.StagingAllocation) error
}

// Select picks the broker for a session: first configured wins, NFS
// before iSCSI. Returns ErrNotConfigured when neither is available.
func Select(brokers []Broker) (Broker, error) {
	if len(brokers) == 0 {
		return nil, ErrNotConfigured
	}
	return brokers[0], nil
}
