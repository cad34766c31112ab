// Package security mints the ephemeral mTLS material for direct clone
// sessions. Each session gets its own throwaway CA and one leaf per
// role; nothing is ever written to disk.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/pureboot/pureboot/pkg/types"
)

const (
	// Sessions live minutes to hours; a day of validity is plenty.
	sessionCAValidity = 24 * time.Hour
	leafKeySize       = 2048
	caKeySize         = 2048
)

// SessionCA is the certificate authority for one clone session. Both
// leaves are minted up front so repeated fetches always return the same
// material.
type SessionCA struct {
	sessionID string
	caPEM     string
	bundles   map[types.CloneRole]*types.CertBundle
}

// NewSessionCA mints a CA and the source and target leaf pairs for one
// session.
func NewSessionCA(sessionID string) (*SessionCA, error) {
	caKey, err := rsa.GenerateKey(rand.Reader, caKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session CA key: %w", err)
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	caTemplate := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"PureBoot"},
			CommonName:   fmt.Sprintf("session-ca-%s", sessionID),
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(sessionCAValidity),
		KeyUsage:              x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}

	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create session CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session CA certificate: %w", err)
	}

	ca := &SessionCA{
		sessionID: sessionID,
		caPEM:     encodePEM("CERTIFICATE", caDER),
		bundles:   make(map[types.CloneRole]*types.CertBundle),
	}

	for _, role := range []types.CloneRole{types.RoleSource, types.RoleTarget} {
		bundle, err := ca.issueLeaf(caCert, caKey, role)
		if err != nil {
			return nil, err
		}
		ca.bundles[role] = bundle
	}

	return ca, nil
}

// Bundle returns the PEM material for a role. Calling it twice returns
// the same key, never a reissued one.
func (ca *SessionCA) Bundle(role types.CloneRole) (*types.CertBundle, error) {
	bundle, ok := ca.bundles[role]
	if !ok {
		return nil, fmt.Errorf("no certificate for role %q", role)
	}
	return bundle, nil
}

// CAPEM returns the session CA certificate.
func (ca *SessionCA) CAPEM() string {
	return ca.caPEM
}

// Destroy wipes the key material. The SessionCA is unusable afterwards.
func (ca *SessionCA) Destroy() {
	for role, bundle := range ca.bundles {
		bundle.CertPEM = ""
		bundle.KeyPEM = ""
		bundle.CAPEM = ""
		delete(ca.bundles, role)
	}
	ca.caPEM = ""
}

func (ca *SessionCA) issueLeaf(caCert *x509.Certificate, caKey *rsa.PrivateKey, role types.CloneRole) (*types.CertBundle, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", role, err)
	}

	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	// The source runs the TLS listener and the target dials it, but
	// both leaves carry both usages so the roles stay symmetric.
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"PureBoot"},
			CommonName:   fmt.Sprintf("%s-%s", role, ca.sessionID),
		},
		NotBefore:   time.Now().Add(-time.Minute),
		NotAfter:    time.Now().Add(sessionCAValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{string(role)},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s certificate: %w", role, err)
	}

	return &types.CertBundle{
		CertPEM: encodePEM("CERTIFICATE", certDER),
		KeyPEM:  encodePEM("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key)),
		CAPEM:   ca.caPEM,
	}, nil
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func encodePEM(blockType string, der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}))
}
