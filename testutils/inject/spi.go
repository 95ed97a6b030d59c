// Package inject provides injected implementations of the buses
// interfaces where each method can be overridden per test.
package inject

import (
	"context"

	"github.com/viam-labs/spiflash/buses"
)

// SPI is an injected SPI bus.
type SPI struct {
	buses.SPI
	ConfigureFunc     func(ctx context.Context, conf buses.Config) error
	TransferFunc      func(ctx context.Context, tx, rx []byte) error
	TransferAsyncFunc func(ctx context.Context, tx, rx []byte, notify func()) error
}

// Configure calls the injected Configure or the real version.
func (s *SPI) Configure(ctx context.Context, conf buses.Config) error {
	if s.ConfigureFunc == nil {
		return s.SPI.Configure(ctx, conf)
	}
	return s.ConfigureFunc(ctx, conf)
}

// Transfer calls the injected Transfer or the real version.
func (s *SPI) Transfer(ctx context.Context, tx, rx []byte) error {
	if s.TransferFunc == nil {
		return s.SPI.Transfer(ctx, tx, rx)
	}
	return s.TransferFunc(ctx, tx, rx)
}

// TransferAsync calls the injected TransferAsync or the real version.
func (s *SPI) TransferAsync(ctx context.Context, tx, rx []byte, notify func()) error {
	if s.TransferAsyncFunc == nil {
		return s.SPI.TransferAsync(ctx, tx, rx, notify)
	}
	return s.TransferAsyncFunc(ctx, tx, rx, notify)
}
