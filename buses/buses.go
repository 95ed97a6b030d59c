// Package buses defines the interfaces the flash driver needs from the
// underlying hardware: an SPI transfer engine and a GPIO chip select line.
// Implementations for host Linux live in the genericlinux subpackage; a
// simulated flash chip implementing the same interfaces lives in the fake
// package.
package buses

import (
	"context"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// Config holds the bus settings a device needs applied before it can be
// spoken to: clock rate, SPI mode, and bit order.
type Config struct {
	BaudHz   uint `json:"baud_hz,omitempty"`
	Mode     uint `json:"mode,omitempty"`
	LSBFirst bool `json:"lsb_first,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.Mode > 3 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("SPI mode must be 0 through 3, got %d", conf.Mode))
	}
	return nil
}

// SPI is a full-duplex SPI transfer engine. It moves bytes only; it never
// touches a chip select line, so a device driver can hold its chip selected
// across several transfers within one logical transaction.
type SPI interface {
	// Configure applies clock, mode, and bit-order settings to the bus.
	// Devices on a dedicated bus configure once; devices on a shared bus
	// must reconfigure before every transaction because another device may
	// have changed the settings in between.
	Configure(ctx context.Context, conf Config) error

	// Transfer exchanges max(len(tx), len(rx)) bytes and blocks until the
	// shift completes. A nil tx sends zeros; a nil rx discards received
	// bytes. When both are non-nil they must be the same length; tx and rx
	// may be the same slice.
	Transfer(ctx context.Context, tx, rx []byte) error

	// TransferAsync submits the same exchange as Transfer but returns as
	// soon as the transfer is queued. notify fires exactly once, from the
	// engine's completion context, after the shift finishes; it must do
	// minimal work and must not submit another transfer synchronously.
	// The engine supports at most one asynchronous transfer in flight and
	// rejects overlapping submissions with an error. If the transfer itself
	// fails after submission, notify never fires.
	TransferAsync(ctx context.Context, tx, rx []byte, notify func()) error
}

// GPIOPin is a single output pin, used by the flash driver to drive the
// active-low chip select line.
type GPIOPin interface {
	Set(ctx context.Context, high bool) error
}
