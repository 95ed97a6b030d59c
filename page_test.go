package spiflash_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/viam-labs/spiflash"
	"github.com/viam-labs/spiflash/fake"
)

// newTestFlash wires a driver to a simulated chip on a dedicated bus and
// runs the power-on setup.
func newTestFlash(t *testing.T) (*spiflash.Flash, *fake.Chip) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	chip := fake.NewChip(logger)
	flash := spiflash.New(chip, chip.ChipSelectPin(), spiflash.Config{}, logger)
	test.That(t, flash.Begin(context.Background()), test.ShouldBeNil)
	return flash, chip
}

func TestReadPage(t *testing.T) {
	flash, chip := newTestFlash(t)
	ctx := context.Background()

	for i := 0; i < 64; i++ {
		chip.Data[0x300+i] = byte(i)
	}
	buf := make([]byte, 64)
	test.That(t, flash.ReadPage(ctx, 0x300, buf), test.ShouldBeNil)
	test.That(t, buf, test.ShouldResemble, chip.Data[0x300:0x340])

	// One transaction: the command frame plus the clocked-out data phase.
	frames := chip.Frames()
	test.That(t, len(frames), test.ShouldEqual, 1)
	test.That(t, frames[0][:4], test.ShouldResemble, []byte{0x03, 0x00, 0x03, 0x00})
	test.That(t, len(frames[0]), test.ShouldEqual, 4+64)
}

func TestReadPageStreamsAcrossBoundary(t *testing.T) {
	flash, chip := newTestFlash(t)
	ctx := context.Background()

	// The wire protocol has no page limit on reads: the chip streams
	// straight into the next page.
	for i := 0; i < 20; i++ {
		chip.Data[250+i] = byte(0x40 + i)
	}
	buf := make([]byte, 20)
	test.That(t, flash.ReadPage(ctx, 250, buf), test.ShouldBeNil)
	test.That(t, buf, test.ShouldResemble, chip.Data[250:270])
}

func TestWritePage(t *testing.T) {
	flash, chip := newTestFlash(t)
	ctx := context.Background()

	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	test.That(t, flash.WritePage(ctx, 0x0420, data), test.ShouldBeNil)
	test.That(t, chip.Data[0x420:0x424], test.ShouldResemble, data)

	// Leading status poll, write enable, the program itself, then status
	// polls until the program cycle inside the chip clears.
	frames := chip.Frames()
	test.That(t, len(frames), test.ShouldEqual, 5)
	test.That(t, frames[0], test.ShouldResemble, []byte{0x05, 0x00})
	test.That(t, frames[1], test.ShouldResemble, []byte{0x06})
	test.That(t, frames[2], test.ShouldResemble, append([]byte{0x02, 0x00, 0x04, 0x20}, data...))
	test.That(t, frames[3], test.ShouldResemble, []byte{0x05, 0x00})
	test.That(t, frames[4], test.ShouldResemble, []byte{0x05, 0x00})
}

func TestWritePageOnlyClearsBits(t *testing.T) {
	flash, chip := newTestFlash(t)
	ctx := context.Background()

	chip.Data[0x500] = 0xF0
	test.That(t, flash.WritePage(ctx, 0x500, []byte{0x0F}), test.ShouldBeNil)
	test.That(t, chip.Data[0x500], test.ShouldEqual, byte(0x00))

	chip.Data[0x501] = 0xAB
	test.That(t, flash.WritePage(ctx, 0x501, []byte{0xFF}), test.ShouldBeNil)
	test.That(t, chip.Data[0x501], test.ShouldEqual, byte(0xAB))
}

func TestWritePageWrapHazard(t *testing.T) {
	flash, chip := newTestFlash(t)
	ctx := context.Background()

	// A page program that runs past its page boundary wraps back to the
	// start of the same page instead of continuing into the next one.
	buf := make([]byte, 20)
	for i := range buf {
		buf[i] = byte(0xE0 - i)
	}
	test.That(t, flash.WritePage(ctx, 250, buf), test.ShouldBeNil)

	test.That(t, chip.Data[250:256], test.ShouldResemble, buf[:6])
	// Bytes 6 through 19 landed on the start of page zero.
	test.That(t, chip.Data[0:14], test.ShouldResemble, buf[6:20])
	// The next page is untouched.
	test.That(t, chip.Data[256:270], test.ShouldResemble, bytes.Repeat([]byte{0xFF}, 14))
}

func TestReadPageAsync(t *testing.T) {
	flash, chip := newTestFlash(t)
	ctx := context.Background()

	copy(chip.Data[64:], []byte{1, 2, 3, 4})
	buf := make([]byte, 4)
	op, err := flash.ReadPageAsync(ctx, 64, buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, chip.AsyncPending(), test.ShouldBeTrue)

	test.That(t, chip.CompleteAsync(), test.ShouldBeNil)
	test.That(t, op.Wait(ctx), test.ShouldBeNil)
	test.That(t, buf, test.ShouldResemble, []byte{1, 2, 3, 4})

	// Completion closed the transaction, sealing the frame.
	frames := chip.Frames()
	test.That(t, len(frames), test.ShouldEqual, 1)
	test.That(t, len(frames[0]), test.ShouldEqual, 8)
}

func TestWritePageAsync(t *testing.T) {
	flash, chip := newTestFlash(t)
	ctx := context.Background()

	data := []byte{0x11, 0x22, 0x33, 0x44}
	op, err := flash.WritePageAsync(ctx, 0x600, data)
	test.That(t, err, test.ShouldBeNil)

	// The data phase is queued but chip select is still low, so the
	// program has not committed inside the chip yet.
	test.That(t, chip.Data[0x600:0x604], test.ShouldResemble, bytes.Repeat([]byte{0xFF}, 4))

	test.That(t, chip.CompleteAsync(), test.ShouldBeNil)
	test.That(t, op.Wait(ctx), test.ShouldBeNil)
	// Completion deasserted chip select, which is what starts the program
	// cycle.
	test.That(t, chip.Data[0x600:0x604], test.ShouldResemble, data)

	// Completion means the buffer was shifted out, not that the bytes are
	// durable: the chip still reports a write in progress.
	busy, err := flash.IsWriteInProgress(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, busy, test.ShouldBeTrue)
	test.That(t, flash.WaitForWriteComplete(ctx), test.ShouldBeNil)
}
