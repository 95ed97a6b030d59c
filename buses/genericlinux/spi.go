//go:build linux

package genericlinux

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"

	"github.com/viam-labs/spiflash/buses"
)

// SPI is an SPI bus backed by a spidev port. The kernel's own chip select
// is disabled (spi.NoCS) so the owning driver can run several transfers
// under one assertion of its GPIO chip select line.
type SPI struct {
	mu        sync.Mutex
	port      spi.PortCloser
	conn      spi.Conn
	asyncBusy bool
	logger    golog.Logger
}

// NewSPI opens the named SPI port, e.g. "SPI0.0" or "/dev/spidev0.0". An
// empty name opens the first available port. The bus must be configured
// before the first transfer.
func NewSPI(name string, logger golog.Logger) (*SPI, error) {
	if err := initHost(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize periph host drivers")
	}
	port, err := spireg.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open SPI port %q", name)
	}
	return &SPI{port: port, logger: logger}, nil
}

// Configure connects to the port with the given clock, mode, and bit order.
func (s *SPI) Configure(ctx context.Context, conf buses.Config) error {
	if conf.BaudHz == 0 {
		return errors.New("baud rate required to configure an SPI bus")
	}
	if conf.Mode > 3 {
		return errors.Errorf("SPI mode must be 0 through 3, got %d", conf.Mode)
	}
	mode := spi.Mode(conf.Mode) | spi.NoCS
	if conf.LSBFirst {
		mode |= spi.LSBFirst
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conn, err := s.port.Connect(physic.Hertz*physic.Frequency(conf.BaudHz), mode, 8)
	if err != nil {
		return errors.Wrap(err, "failed to configure SPI port")
	}
	s.conn = conn
	return nil
}

// Transfer exchanges bytes synchronously.
func (s *SPI) Transfer(ctx context.Context, tx, rx []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("SPI bus is not configured")
	}
	if tx != nil && rx != nil && len(tx) != len(rx) {
		return errors.Errorf("mismatched transfer buffers: %d vs %d bytes", len(tx), len(rx))
	}
	return s.conn.Tx(tx, rx)
}

// TransferAsync queues the exchange on a background goroutine, the host
// Linux stand-in for a DMA engine. notify fires after a successful shift;
// a failed shift is logged and notify never fires, so the submitter's
// pending state is not released.
func (s *SPI) TransferAsync(ctx context.Context, tx, rx []byte, notify func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("SPI bus is not configured")
	}
	if tx != nil && rx != nil && len(tx) != len(rx) {
		return errors.Errorf("mismatched transfer buffers: %d vs %d bytes", len(tx), len(rx))
	}
	if s.asyncBusy {
		return errors.New("an asynchronous transfer is already in flight")
	}
	s.asyncBusy = true
	conn := s.conn
	goutils.PanicCapturingGo(func() {
		err := conn.Tx(tx, rx)
		s.mu.Lock()
		s.asyncBusy = false
		s.mu.Unlock()
		if err != nil {
			s.logger.Errorw("asynchronous SPI transfer failed; completion will not fire", "error", err)
			return
		}
		if notify != nil {
			notify()
		}
	})
	return nil
}

// Close releases the underlying port.
func (s *SPI) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	return s.port.Close()
}
