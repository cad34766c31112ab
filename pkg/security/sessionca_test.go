package security

import (
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/types"
)

func parseCert(t *testing.T, pemData string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(pemData))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestSessionCAIssuesVerifiableLeaves(t *testing.T) {
	ca, err := NewSessionCA("s-1")
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(parseCert(t, ca.CAPEM()))

	for _, role := range []types.CloneRole{types.RoleSource, types.RoleTarget} {
		bundle, err := ca.Bundle(role)
		require.NoError(t, err)
		assert.NotEmpty(t, bundle.KeyPEM)
		assert.Equal(t, ca.CAPEM(), bundle.CAPEM)

		leaf := parseCert(t, bundle.CertPEM)
		_, err = leaf.Verify(x509.VerifyOptions{
			Roots:     roots,
			DNSName:   string(role),
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		})
		assert.NoError(t, err, "role %s", role)
	}
}

func TestBundleIsIdempotent(t *testing.T) {
	ca, err := NewSessionCA("s-1")
	require.NoError(t, err)

	first, err := ca.Bundle(types.RoleSource)
	require.NoError(t, err)
	second, err := ca.Bundle(types.RoleSource)
	require.NoError(t, err)

	// Same key material on every fetch, never a reissue.
	assert.Equal(t, first.KeyPEM, second.KeyPEM)
	assert.Equal(t, first.CertPEM, second.CertPEM)
}

func TestSessionCAsAreIndependent(t *testing.T) {
	ca1, err := NewSessionCA("s-1")
	require.NoError(t, err)
	ca2, err := NewSessionCA("s-2")
	require.NoError(t, err)

	// A leaf from one session must not verify against another session's CA.
	roots := x509.NewCertPool()
	roots.AddCert(parseCert(t, ca2.CAPEM()))

	bundle, err := ca1.Bundle(types.RoleSource)
	require.NoError(t, err)
	_, err = parseCert(t, bundle.CertPEM).Verify(x509.VerifyOptions{Roots: roots})
	assert.Error(t, err)
}

func TestKeeperLifecycle(t *testing.T) {
	keeper := NewKeeper(time.Hour)

	_, err := keeper.Get("s-1")
	assert.ErrorIs(t, err, ErrNoCerts)

	_, err = keeper.Create("s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, keeper.Live())

	ca, err := keeper.Get("s-1")
	require.NoError(t, err)
	_, err = ca.Bundle(types.RoleTarget)
	require.NoError(t, err)

	keeper.Destroy("s-1")
	_, err = keeper.Get("s-1")
	assert.ErrorIs(t, err, ErrNoCerts)
	assert.Equal(t, 0, keeper.Live())
}

func TestKeeperGraceWindow(t *testing.T) {
	keeper := NewKeeper(time.Hour)
	_, err := keeper.Create("s-1")
	require.NoError(t, err)

	keeper.Retire("s-1")

	// Inside the grace window the material is still fetchable and the
	// sweeper leaves it alone.
	assert.Equal(t, 0, keeper.Sweep())
	_, err = keeper.Get("s-1")
	assert.NoError(t, err)

	// Collapse the window and sweep again.
	keeper.mu.Lock()
	keeper.retired["s-1"] = time.Now().Add(-2 * time.Hour)
	keeper.mu.Unlock()

	assert.Equal(t, 1, keeper.Sweep())
	_, err = keeper.Get("s-1")
	assert.ErrorIs(t, err, ErrNoCerts)
}
