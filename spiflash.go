// Package spiflash implements a driver for 25LQ080-class SPI NOR flash chips
// (8 Mbit, 1 MiB x 8). A datasheet for the reference part is at
// https://www.issi.com/WW/pdf/25LQ080B.pdf
//
// We support JEDEC ID probing, status register access, byte-range reads
// across page boundaries, page programming, and sector/block/chip erase.
// Reads and page programs come in both blocking and asynchronous forms; the
// asynchronous forms hold chip select asserted until the bus engine reports
// completion, and at most one asynchronous operation may be in flight per
// process because the underlying transfer engine has a single completion
// slot.
//
// The chip is wired through two collaborators: a buses.SPI transfer engine
// and a buses.GPIOPin driving the active-low chip select line. When the SPI
// bus is shared with other devices, set Config.SharedBus so every
// transaction reapplies the bus settings before chip select falls; on a
// dedicated bus the settings are applied once in Begin.
//
// Two hardware behaviors are deliberately preserved rather than corrected,
// matching what the silicon does:
//   - Addresses are truncated to 24 bits on the wire, and addresses past the
//     end of the chip alias back onto it.
//   - A page program that runs past the end of a 256-byte page wraps to the
//     start of that same page and overwrites it. See Write and WritePage.
//
// A driver instance is not safe for concurrent use; see the concurrency
// notes on the asynchronous operations.
package spiflash

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/viam-labs/spiflash/buses"
)

// Command opcodes, from the 25LQ080 instruction set. These must match the
// wire protocol exactly.
const (
	opJEDECID     = 0x9F
	opReadStatus  = 0x05
	opWriteStatus = 0x01
	opWriteEnable = 0x06
	opRead        = 0x03
	opPageProgram = 0x02
	opSectorErase = 0xD7
	opBlockErase  = 0xD8
	opChipErase   = 0xC7
)

// Chip geometry. A page is the program granularity, a sector is the
// smallest erasable unit, and a block is 16 sectors.
const (
	PageSize   = 256
	SectorSize = 4096
	NumSectors = 256
	BlockSize  = 65536
	NumBlocks  = 16
)

const (
	// Settle time after reapplying settings to a shared bus, before chip
	// select falls. Chip dependent; this value is known to work.
	sharedBusSettle = time.Millisecond

	// tRES: chip select must stay high this long after a write-enable for
	// the latch to take effect.
	writeEnableSettle = 3 * time.Microsecond

	defaultPollInterval = time.Millisecond
	defaultBaudHz       = 30000000
)

// Config describes how the flash chip is attached.
type Config struct {
	// SharedBus marks the SPI bus as shared with other devices, forcing a
	// reconfigure plus settle delay at the start of every transaction.
	SharedBus bool `json:"shared_bus,omitempty"`

	// Bus holds the clock, mode, and bit-order settings for the chip.
	// Defaults to 30 MHz, mode 0, MSB first.
	Bus buses.Config `json:"bus,omitempty"`

	// PollIntervalMs is the sleep between status register polls while
	// waiting out a program or erase cycle. Defaults to 1 ms.
	PollIntervalMs int `json:"poll_interval_ms,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.PollIntervalMs < 0 {
		return goutils.NewConfigValidationError(path,
			errors.New("poll_interval_ms cannot be negative"))
	}
	if err := conf.Bus.Validate(fmt.Sprintf("%s.%s", path, "bus")); err != nil {
		return err
	}
	return nil
}

// Flash binds one flash chip to one SPI bus and one chip select pin.
type Flash struct {
	bus    buses.SPI
	cs     buses.GPIOPin
	conf   Config
	logger golog.Logger

	clock        clock.Clock
	pollInterval time.Duration
}

// New wires up a driver instance. It performs no I/O; call Begin before the
// first operation.
func New(bus buses.SPI, cs buses.GPIOPin, conf Config, logger golog.Logger) *Flash {
	if conf.Bus.BaudHz == 0 {
		conf.Bus.BaudHz = defaultBaudHz
	}
	pollInterval := defaultPollInterval
	if conf.PollIntervalMs > 0 {
		pollInterval = time.Duration(conf.PollIntervalMs) * time.Millisecond
	}
	return &Flash{
		bus:          bus,
		cs:           cs,
		conf:         conf,
		logger:       logger,
		clock:        clock.New(),
		pollInterval: pollInterval,
	}
}

// Begin parks chip select at its inactive level and, on a dedicated bus,
// applies the bus settings once. Call it once before any other operation.
func (f *Flash) Begin(ctx context.Context) error {
	if err := f.cs.Set(ctx, true); err != nil {
		return errors.Wrap(err, "failed to release chip select")
	}
	if !f.conf.SharedBus {
		if err := f.bus.Configure(ctx, f.conf.Bus); err != nil {
			return err
		}
	}
	f.logger.Debugw("flash driver ready",
		"shared_bus", f.conf.SharedBus,
		"baud_hz", f.conf.Bus.BaudHz,
		"mode", f.conf.Bus.Mode)
	return nil
}

// beginTransaction asserts chip select. On a shared bus the settings are
// reapplied first and given a settle delay, since another device may have
// changed them since our last transaction.
func (f *Flash) beginTransaction(ctx context.Context) error {
	if f.conf.SharedBus {
		if err := f.bus.Configure(ctx, f.conf.Bus); err != nil {
			return err
		}
		if !goutils.SelectContextOrWait(ctx, sharedBusSettle) {
			return ctx.Err()
		}
	}
	return f.cs.Set(ctx, false)
}

// endTransaction deasserts chip select. Every command sequence is bracketed
// by exactly one beginTransaction/endTransaction pair, except asynchronous
// transfers, whose transaction stays open until the completion path closes
// it.
func (f *Flash) endTransaction(ctx context.Context) error {
	return f.cs.Set(ctx, true)
}

// putCommandAddress encodes an opcode plus 24-bit big-endian address into a
// 4-byte command frame. Address bits above the low 24 are discarded here,
// which is where out-of-range addresses silently wrap.
func putCommandAddress(buf []byte, op byte, addr uint32) {
	buf[0] = op
	buf[1] = byte(addr >> 16)
	buf[2] = byte(addr >> 8)
	buf[3] = byte(addr)
}
