package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/types"
)

// NFSBroker parks staged images as files under a configured export.
// Each session gets its own sub-directory named after the session id,
// so paths never collide and cleanup is a single rmdir.
type NFSBroker struct {
	cfg config.NFSStagingConfig

	mu     sync.Mutex
	active map[string]*types.StagingAllocation
}

// NewNFSBroker creates an NFSBroker from configuration.
func NewNFSBroker(cfg config.NFSStagingConfig) *NFSBroker {
	return &NFSBroker{
		cfg:    cfg,
		active: make(map[string]*types.StagingAllocation),
	}
}

// Type implements Broker.
func (b *NFSBroker) Type() types.StagingType {
	return types.StagingNFS
}

// Allocate implements Broker. sizeBytes is ignored: NFS files grow as
// the source uploads.
func (b *NFSBroker) Allocate(ctx context.Context, sessionID string, sizeBytes int64, compress bool) (*types.StagingAllocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.active[sessionID]; ok {
		return existing, nil
	}

	filename := "disk.raw"
	if compress {
		filename = "disk.raw.gz"
	}

	if b.cfg.LocalPath != "" {
		dir := filepath.Join(b.cfg.LocalPath, sessionID)
		if err := os.MkdirAll(dir, 0o770); err != nil {
			return nil, fmt.Errorf("failed to create staging directory: %w", err)
		}
	}

	alloc := &types.StagingAllocation{
		Type:          types.StagingNFS,
		Server:        b.cfg.Server,
		Export:        b.cfg.Export,
		Path:          sessionID,
		MountOptions:  b.cfg.MountOptions,
		ImageFilename: filename,
	}
	b.active[sessionID] = alloc

	log.WithSessionID(sessionID).Info().
		Str("server", b.cfg.Server).
		Str("export", b.cfg.Export).
		Str("path", sessionID).
		Msg("nfs staging allocated")
	return alloc, nil
}

// Release implements Broker. Removes the session directory and the
// image in it.
func (b *NFSBroker) Release(ctx context.Context, sessionID string, alloc *types.StagingAllocation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.active[sessionID]; !ok && alloc == nil {
		return nil
	}
	delete(b.active, sessionID)

	if b.cfg.LocalPath != "" {
		dir := filepath.Join(b.cfg.LocalPath, sessionID)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove staging directory: %w", err)
		}
	}

	log.WithSessionID(sessionID).Info().Msg("nfs staging released")
	return nil
}
