package boot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pin/tftp/v3"

	"github.com/pureboot/pureboot/pkg/config"
	"github.com/pureboot/pureboot/pkg/log"
)

// ErrAccessViolation is returned for requests outside the TFTP root.
// The tftp library maps it to error code 2 on the wire.
var ErrAccessViolation = errors.New("access violation")

// TFTPServer serves the static bootloader tree read-only.
type TFTPServer struct {
	root   string
	addr   string
	server *tftp.Server
}

// NewTFTPServer creates a TFTPServer from configuration.
func NewTFTPServer(cfg config.TFTPConfig) *TFTPServer {
	s := &TFTPServer{root: cfg.Root, addr: cfg.ListenAddr}
	s.server = tftp.NewServer(s.readHandler, nil)
	s.server.SetTimeout(5 * time.Second)
	return s
}

// ListenAndServe blocks serving TFTP requests.
func (s *TFTPServer) ListenAndServe() error {
	log.WithComponent("tftp").Info().Str("addr", s.addr).Str("root", s.root).Msg("tftp server listening")
	return s.server.ListenAndServe(s.addr)
}

// Shutdown stops the server.
func (s *TFTPServer) Shutdown() {
	s.server.Shutdown()
}

func (s *TFTPServer) readHandler(filename string, rf io.ReaderFrom) error {
	path, err := s.resolve(filename)
	if err != nil {
		log.WithComponent("tftp").Warn().Str("file", filename).Msg("rejected tftp request")
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		if t, ok := rf.(tftp.OutgoingTransfer); ok {
			t.SetSize(info.Size())
		}
	}

	n, err := rf.ReadFrom(f)
	if err != nil {
		return err
	}
	log.WithComponent("tftp").Debug().Str("file", filename).Int64("bytes", n).Msg("tftp transfer complete")
	return nil
}

// resolve maps a request path onto the root, refusing traversal.
func (s *TFTPServer) resolve(filename string) (string, error) {
	clean := filepath.Clean("/" + strings.ReplaceAll(filename, "\\", "/"))
	if strings.Contains(filename, "..") {
		return "", ErrAccessViolation
	}
	path := filepath.Join(s.root, clean)
	if !strings.HasPrefix(path, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", ErrAccessViolation
	}
	return path, nil
}

// EnsureBootloaderTree creates the expected directory skeleton under
// the TFTP root so operators know where to drop artifacts.
func EnsureBootloaderTree(root string) error {
	for _, dir := range []string{"bios", "uefi", "pi", "boot/deploy"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return fmt.Errorf("failed to create tftp directory %s: %w", dir, err)
		}
	}
	return nil
}
