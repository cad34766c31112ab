package staging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/types"
)

// CommandRunner executes a target-service command. Injected so tests
// never shell out.
type CommandRunner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ISCSIBroker provisions a per-session LUN on the local LIO target via
// targetcli. The backing store is a fileio backstore sized to the
// source device.
type ISCSIBroker struct {
	cfg    config.ISCSIStagingConfig
	run    CommandRunner
	mu     sync.Mutex
	active map[string]*types.StagingAllocation
}

// NewISCSIBroker creates an ISCSIBroker from configuration.
func NewISCSIBroker(cfg config.ISCSIStagingConfig) *ISCSIBroker {
	return &ISCSIBroker{
		cfg:    cfg,
		run:    execRunner,
		active: make(map[string]*types.StagingAllocation),
	}
}

// Type implements Broker.
func (b *ISCSIBroker) Type() types.StagingType {
	return types.StagingISCSI
}

// Allocate implements Broker. Creates a fileio backstore of sizeBytes,
// a session-scoped IQN with a single LUN, and CHAP credentials when
// enabled.
func (b *ISCSIBroker) Allocate(ctx context.Context, sessionID string, sizeBytes int64, compress bool) (*types.StagingAllocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.active[sessionID]; ok {
		return existing, nil
	}
	if sizeBytes <= 0 {
		return nil, fmt.Errorf("iscsi staging requires a known source size, got %d", sizeBytes)
	}

	iqn := b.iqn(sessionID)
	backstore := "pureboot-" + sessionID

	steps := [][]string{
		{"/backstores/fileio", "create", backstore, fmt.Sprintf("/var/lib/pureboot/staging/%s.img", sessionID), fmt.Sprintf("%d", sizeBytes)},
		{"/iscsi", "create", iqn},
		{fmt.Sprintf("/iscsi/%s/tpg1/luns", iqn), "create", "/backstores/fileio/" + backstore},
	}

	alloc := &types.StagingAllocation{
		Type:      types.StagingISCSI,
		Portal:    b.cfg.Portal,
		TargetIQN: iqn,
		LUN:       0,
	}

	if b.cfg.CHAP {
		alloc.CHAPUsername = "pb-" + sessionID[:8]
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		alloc.CHAPPassword = secret
		steps = append(steps,
			[]string{fmt.Sprintf("/iscsi/%s/tpg1", iqn), "set", "attribute", "authentication=1"},
			[]string{fmt.Sprintf("/iscsi/%s/tpg1", iqn), "set", "auth", "userid=" + alloc.CHAPUsername, "password=" + alloc.CHAPPassword},
		)
	} else {
		steps = append(steps,
			[]string{fmt.Sprintf("/iscsi/%s/tpg1", iqn), "set", "attribute", "generate_node_acls=1", "demo_mode_write_protect=0"},
		)
	}

	for _, step := range steps {
		if err := b.run(ctx, "targetcli", step...); err != nil {
			b.teardown(ctx, sessionID, iqn, backstore)
			return nil, fmt.Errorf("failed to provision iscsi staging: %w", err)
		}
	}

	b.active[sessionID] = alloc
	log.WithSessionID(sessionID).Info().
		Str("portal", b.cfg.Portal).
		Str("iqn", iqn).
		Int64("size_bytes", sizeBytes).
		Msg("iscsi staging allocated")
	return alloc, nil
}

// Release implements Broker. Drops the target and its backstore.
func (b *ISCSIBroker) Release(ctx context.Context, sessionID string, alloc *types.StagingAllocation) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.active[sessionID]; !ok && alloc == nil {
		return nil
	}
	delete(b.active, sessionID)

	b.teardown(ctx, sessionID, b.iqn(sessionID), "pureboot-"+sessionID)
	log.WithSessionID(sessionID).Info().Msg("iscsi staging released")
	return nil
}

func (b *ISCSIBroker) teardown(ctx context.Context, sessionID, iqn, backstore string) {
	// Best effort: a half-created target must not block session teardown.
	for _, step := range [][]string{
		{"/iscsi", "delete", iqn},
		{"/backstores/fileio", "delete", backstore},
	} {
		if err := b.run(ctx, "targetcli", step...); err != nil {
			log.WithSessionID(sessionID).Warn().Err(err).Msg("iscsi teardown step failed")
		}
	}
}

func (b *ISCSIBroker) iqn(sessionID string) string {
	return fmt.Sprintf("%s:pureboot-%s", b.cfg.IQNPrefix, sessionID)
}

func randomSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate CHAP secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
