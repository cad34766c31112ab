package boot

import (
	"fmt"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/log"
)

// Bootloader paths under the TFTP root, keyed by client firmware.
const (
	bootfileBIOS = "bios/undionly.kpxe"
	bootfileUEFI = "uefi/ipxe.efi"
	bootfileARM  = "uefi/ipxe-arm64.efi"
)

// ProxyDHCP answers PXE queries on UDP 4011 with the TFTP server and
// bootfile for the client's architecture. It never assigns addresses;
// the site DHCP stays authoritative for leases.
type ProxyDHCP struct {
	addr       string
	nextServer net.IP
	conn       net.PacketConn
}

// NewProxyDHCP creates a ProxyDHCP from configuration.
func NewProxyDHCP(cfg config.ProxyDHCPConfig) (*ProxyDHCP, error) {
	ip := net.ParseIP(cfg.NextServer)
	if ip == nil {
		return nil, fmt.Errorf("proxy-dhcp next_server %q is not an IP address", cfg.NextServer)
	}
	return &ProxyDHCP{addr: cfg.ListenAddr, nextServer: ip.To4()}, nil
}

// ListenAndServe blocks answering PXE queries.
func (p *ProxyDHCP) ListenAndServe() error {
	conn, err := net.ListenPacket("udp4", p.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.addr, err)
	}
	p.conn = conn
	log.WithComponent("proxydhcp").Info().Str("addr", p.addr).Msg("proxy-dhcp listening")

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		p.handle(buf[:n], peer)
	}
}

// Shutdown stops the listener.
func (p *ProxyDHCP) Shutdown() {
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *ProxyDHCP) handle(pkt []byte, peer net.Addr) {
	req, err := dhcpv4.FromBytes(pkt)
	if err != nil {
		return
	}
	if req.OpCode != dhcpv4.OpcodeBootRequest {
		return
	}

	bootfile, ok := bootfileForArchs(req.ClientArch())
	if !ok {
		log.WithComponent("proxydhcp").Debug().
			Str("mac", req.ClientHWAddr.String()).
			Msg("no bootfile for client architecture")
		return
	}

	resp, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(dhcpv4.MessageTypeAck),
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier("PXEClient")),
	)
	if err != nil {
		return
	}
	resp.ServerIPAddr = p.nextServer
	resp.BootFileName = bootfile

	if _, err := p.conn.WriteTo(resp.ToBytes(), peer); err != nil {
		log.WithComponent("proxydhcp").Warn().Err(err).Msg("failed to send proxy-dhcp reply")
		return
	}
	log.WithComponent("proxydhcp").Info().
		Str("mac", req.ClientHWAddr.String()).
		Str("bootfile", bootfile).
		Msg("answered pxe query")
}

// bootfileForArchs maps the client system architecture option (RFC
// 4578 option 93) to a bootloader path. BIOS gets the undionly chain,
// UEFI x64 gets the iPXE EFI binary.
func bootfileForArchs(archs []iana.Arch) (string, bool) {
	for _, arch := range archs {
		switch arch {
		case iana.INTEL_X86PC:
			return bootfileBIOS, true
		case iana.EFI_BC, iana.EFI_X86_64:
			return bootfileUEFI, true
		case iana.EFI_ARM64:
			return bootfileARM, true
		}
	}
	return "", false
}

// bootfileFor maps a node's recorded boot mode to a bootloader path,
// for the instructions endpoint.
func bootfileFor(bootMode string) string {
	if bootMode == "bios" {
		return bootfileBIOS
	}
	return bootfileUEFI
}
