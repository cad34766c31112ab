package boot

import (
	"testing"

	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/pureboot/pkg/config"
)

func TestBootfileForArchs(t *testing.T) {
	tests := []struct {
		name  string
		archs []iana.Arch
		want  string
		ok    bool
	}{
		{"bios 00:00", []iana.Arch{iana.INTEL_X86PC}, "bios/undionly.kpxe", true},
		{"uefi 00:07", []iana.Arch{iana.EFI_BC}, "uefi/ipxe.efi", true},
		{"uefi 00:09", []iana.Arch{iana.EFI_X86_64}, "uefi/ipxe.efi", true},
		{"arm64", []iana.Arch{iana.EFI_ARM64}, "uefi/ipxe-arm64.efi", true},
		{"first match wins", []iana.Arch{iana.EFI_X86_64, iana.INTEL_X86PC}, "uefi/ipxe.efi", true},
		{"unsupported", []iana.Arch{iana.DEC_ALPHA}, "", false},
		{"empty", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := bootfileForArchs(tt.archs)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewProxyDHCPValidatesNextServer(t *testing.T) {
	_, err := NewProxyDHCP(config.ProxyDHCPConfig{ListenAddr: ":4011", NextServer: "not-an-ip"})
	assert.Error(t, err)

	p, err := NewProxyDHCP(config.ProxyDHCPConfig{ListenAddr: ":4011", NextServer: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", p.nextServer.String())
}

func TestBootfileForBootMode(t *testing.T) {
	assert.Equal(t, "bios/undionly.kpxe", bootfileFor("bios"))
	assert.Equal(t, "uefi/ipxe.efi", bootfileFor("uefi"))
	assert.Equal(t, "uefi/ipxe.efi", bootfileFor(""))
}
