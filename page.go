package spiflash

import (
	"context"

	"go.uber.org/multierr"
)

// ReadPage reads up to one page's worth of bytes at addr into buf, blocking
// until the data has been shifted in.
//
// Caller contract: 1 <= len(buf) <= 256. Page boundaries are not checked
// here; a read that runs past one is legal on the wire (the chip streams
// straight into the next page), and Read does the boundary slicing for
// arbitrary ranges.
func (f *Flash) ReadPage(ctx context.Context, addr uint32, buf []byte) error {
	if err := f.readPageStart(ctx, addr, buf, nil); err != nil {
		return err
	}
	return f.endTransaction(ctx)
}

// ReadPageAsync submits the same read as ReadPage and returns as soon as
// the data phase is queued. buf must not be touched until the returned
// operation completes; chip select stays asserted the whole time.
func (f *Flash) ReadPageAsync(ctx context.Context, addr uint32, buf []byte) (*AsyncOp, error) {
	op, err := claimAsyncSlot(f)
	if err != nil {
		return nil, err
	}
	if err := f.readPageStart(ctx, addr, buf, f.completeAsync); err != nil {
		releaseAsyncSlot(op)
		return nil, err
	}
	return op, nil
}

// readPageStart issues the READ command frame and starts the data phase. On
// success the transaction is left open: the synchronous caller closes it
// itself, and an asynchronous caller's completion path closes it when
// notify fires. On error the transaction is already closed.
func (f *Flash) readPageStart(ctx context.Context, addr uint32, buf []byte, notify func()) error {
	var frame [4]byte
	putCommandAddress(frame[:], opRead, addr)

	if err := f.beginTransaction(ctx); err != nil {
		return err
	}
	if err := f.bus.Transfer(ctx, frame[:], nil); err != nil {
		return multierr.Combine(err, f.endTransaction(ctx))
	}
	if notify == nil {
		if err := f.bus.Transfer(ctx, nil, buf); err != nil {
			return multierr.Combine(err, f.endTransaction(ctx))
		}
		return nil
	}
	if err := f.bus.TransferAsync(ctx, nil, buf, notify); err != nil {
		return multierr.Combine(err, f.endTransaction(ctx))
	}
	return nil
}

// WritePage programs up to one page's worth of bytes at addr, blocking
// until the chip's internal program cycle finishes. Chip select rising only
// starts that cycle, so the trailing status poll is what makes this call
// truly synchronous.
//
// Caller contract: 1 <= len(buf) <= 256, and addr+len(buf) must stay inside
// one 256-byte page. The chip's program address counter wraps at the page
// boundary, so a write that runs past the end of a page circles back and
// overwrites the start of that same page. This layer does not defend
// against that; see Write for how it bites multi-page ranges.
func (f *Flash) WritePage(ctx context.Context, addr uint32, buf []byte) error {
	if err := f.WaitForWriteComplete(ctx); err != nil {
		return err
	}
	if err := f.writePageStart(ctx, addr, buf, nil); err != nil {
		return err
	}
	if err := f.endTransaction(ctx); err != nil {
		return err
	}
	return f.WaitForWriteComplete(ctx)
}

// WritePageAsync programs a page like WritePage but returns once the data
// phase is queued. Any prior write still gets waited out synchronously
// first; the chip has no interrupt for write completion, only status
// polling, so there is no way to defer that wait.
//
// Completion means buf has been shifted out and may be reused. The program
// cycle inside the chip may still be running at that point; check
// IsWriteInProgress or call WaitForWriteComplete before trusting the bytes
// to be durable.
func (f *Flash) WritePageAsync(ctx context.Context, addr uint32, buf []byte) (*AsyncOp, error) {
	if err := f.WaitForWriteComplete(ctx); err != nil {
		return nil, err
	}
	op, err := claimAsyncSlot(f)
	if err != nil {
		return nil, err
	}
	if err := f.writePageStart(ctx, addr, buf, f.completeAsync); err != nil {
		releaseAsyncSlot(op)
		return nil, err
	}
	return op, nil
}

// writePageStart sets the write enable latch, issues the PAGE PROGRAM
// frame, and starts the data phase. Same transaction contract as
// readPageStart.
func (f *Flash) writePageStart(ctx context.Context, addr uint32, buf []byte, notify func()) error {
	var frame [4]byte
	putCommandAddress(frame[:], opPageProgram, addr)

	if err := f.writeEnable(ctx); err != nil {
		return err
	}
	if err := f.beginTransaction(ctx); err != nil {
		return err
	}
	if err := f.bus.Transfer(ctx, frame[:], nil); err != nil {
		return multierr.Combine(err, f.endTransaction(ctx))
	}
	if notify == nil {
		if err := f.bus.Transfer(ctx, buf, nil); err != nil {
			return multierr.Combine(err, f.endTransaction(ctx))
		}
		return nil
	}
	if err := f.bus.TransferAsync(ctx, buf, nil, notify); err != nil {
		return multierr.Combine(err, f.endTransaction(ctx))
	}
	return nil
}
