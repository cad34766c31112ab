package boot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/config"
)

func TestTFTPResolve(t *testing.T) {
	root := t.TempDir()
	s := NewTFTPServer(config.TFTPConfig{Root: root, ListenAddr: ":0"})

	path, err := s.resolve("bios/undionly.kpxe")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "bios", "undionly.kpxe"), path)

	// Leading slash variants normalize onto the root.
	path, err = s.resolve("/uefi/ipxe.efi")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "uefi", "ipxe.efi"), path)

	for _, bad := range []string{
		"../etc/passwd",
		"bios/../../etc/passwd",
		"..\\windows\\system32",
	} {
		_, err := s.resolve(bad)
		assert.ErrorIs(t, err, ErrAccessViolation, "path %q", bad)
	}
}

func TestEnsureBootloaderTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EnsureBootloaderTree(root))
	assert.DirExists(t, filepath.Join(root, "bios"))
	assert.DirExists(t, filepath.Join(root, "uefi"))
	assert.DirExists(t, filepath.Join(root, "pi"))
	assert.DirExists(t, filepath.Join(root, "boot", "deploy"))
}
