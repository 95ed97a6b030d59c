//go:build !linux

package genericlinux

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/viam-labs/spiflash/buses"
)

var errUnsupported = errors.New("SPI flash buses are only supported on Linux")

// SPI is implemented in the Linux version. This stub keeps the package
// compiling on other platforms.
type SPI struct{}

// NewSPI is only supported on Linux.
func NewSPI(name string, logger golog.Logger) (*SPI, error) {
	return nil, errUnsupported
}

// Configure is only supported on Linux.
func (s *SPI) Configure(ctx context.Context, conf buses.Config) error {
	return errUnsupported
}

// Transfer is only supported on Linux.
func (s *SPI) Transfer(ctx context.Context, tx, rx []byte) error {
	return errUnsupported
}

// TransferAsync is only supported on Linux.
func (s *SPI) TransferAsync(ctx context.Context, tx, rx []byte, notify func()) error {
	return errUnsupported
}

// Close is only supported on Linux.
func (s *SPI) Close(ctx context.Context) error {
	return errUnsupported
}

// GPIOPin is implemented in the Linux version.
type GPIOPin struct{}

// NewGPIOPin is only supported on Linux.
func NewGPIOPin(name string) (*GPIOPin, error) {
	return nil, errUnsupported
}

// Set is only supported on Linux.
func (p *GPIOPin) Set(ctx context.Context, high bool) error {
	return errUnsupported
}
