package spiflash

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// EraseSector erases the 4 KiB sector containing addr, resetting it to all
// 0xFF, and blocks until the chip finishes. Sectors are the smallest
// erasable unit.
func (f *Flash) EraseSector(ctx context.Context, addr uint32) error {
	var frame [4]byte
	putCommandAddress(frame[:], opSectorErase, addr)
	return f.eraseCommon(ctx, frame[:])
}

// EraseBlock erases the 64 KiB block containing addr (16 sectors) and
// blocks until the chip finishes.
func (f *Flash) EraseBlock(ctx context.Context, addr uint32) error {
	var frame [4]byte
	putCommandAddress(frame[:], opBlockErase, addr)
	return f.eraseCommon(ctx, frame[:])
}

// EraseChip erases the entire chip. This may take a while.
func (f *Flash) EraseChip(ctx context.Context) error {
	return f.eraseCommon(ctx, []byte{opChipErase})
}

// eraseCommon runs the shared erase sequence: wait out any prior write, set
// the write enable latch, issue the command, then wait out the erase
// itself. Erases have no data phase to overlap with other work, so none of
// them has an asynchronous variant; the dominant cost is the internal erase
// time.
func (f *Flash) eraseCommon(ctx context.Context, frame []byte) error {
	if err := f.WaitForWriteComplete(ctx); err != nil {
		return err
	}
	if err := f.writeEnable(ctx); err != nil {
		return err
	}
	if err := f.beginTransaction(ctx); err != nil {
		return err
	}
	if err := f.bus.Transfer(ctx, frame, nil); err != nil {
		return multierr.Combine(err, f.endTransaction(ctx))
	}
	if err := f.endTransaction(ctx); err != nil {
		return err
	}
	return f.WaitForWriteComplete(ctx)
}

// EraseRange erases size bytes starting at addr, using block erases where
// the range covers a whole aligned block and sector erases for the rest.
// Both addr and size must be sector aligned, since the chip cannot erase
// anything smaller.
func (f *Flash) EraseRange(ctx context.Context, addr, size uint32) error {
	if addr%SectorSize != 0 {
		return errors.Errorf("erase address %#x is not sector aligned", addr)
	}
	if size%SectorSize != 0 {
		return errors.Errorf("erase size %#x is not a multiple of the sector size", size)
	}
	for size > 0 {
		if addr%BlockSize == 0 && size >= BlockSize {
			if err := f.EraseBlock(ctx, addr); err != nil {
				return err
			}
			addr += BlockSize
			size -= BlockSize
			continue
		}
		if err := f.EraseSector(ctx, addr); err != nil {
			return err
		}
		addr += SectorSize
		size -= SectorSize
	}
	return nil
}
