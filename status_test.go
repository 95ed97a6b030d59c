package spiflash

import (
	"context"
	"testing"
	"time"

	clk "github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/test"
	goutils "go.viam.com/utils"

	"github.com/viam-labs/spiflash/testutils/inject"
)

func TestStatusRegister(t *testing.T) {
	sr := StatusRegister(0)
	test.That(t, sr.WriteInProgress(), test.ShouldBeFalse)
	test.That(t, sr.WriteEnabled(), test.ShouldBeFalse)
	test.That(t, sr.WriteDisabled(), test.ShouldBeFalse)
	test.That(t, sr.String(), test.ShouldEqual, "00000000")

	sr = StatusWriteInProgress | StatusWriteEnableLatch | StatusWriteDisable
	test.That(t, sr.WriteInProgress(), test.ShouldBeTrue)
	test.That(t, sr.WriteEnabled(), test.ShouldBeTrue)
	test.That(t, sr.WriteDisabled(), test.ShouldBeTrue)
	test.That(t, sr.String(), test.ShouldEqual, "10000011 SRWD,WEL,WIP")
}

func TestReadStatus(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx := context.Background()

	t.Run("reads the live register every time", func(t *testing.T) {
		var frames [][]byte
		bus := &inject.SPI{}
		bus.TransferFunc = func(ctx context.Context, tx, rx []byte) error {
			frames = append(frames, append([]byte{}, tx...))
			rx[1] = 0x02
			return nil
		}

		f := New(bus, noopPin(), Config{}, logger)
		sr, err := f.ReadStatus(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, sr, test.ShouldEqual, StatusRegister(0x02))
		test.That(t, sr.WriteEnabled(), test.ShouldBeTrue)

		_, err = f.ReadStatus(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, frames, test.ShouldResemble, [][]byte{{0x05, 0x00}, {0x05, 0x00}})
	})

	t.Run("bus errors still release chip select", func(t *testing.T) {
		var sets []bool
		bus := &inject.SPI{}
		bus.TransferFunc = func(ctx context.Context, tx, rx []byte) error {
			return errors.New("bus fault")
		}
		pin := &inject.GPIOPin{}
		pin.SetFunc = func(ctx context.Context, high bool) error {
			sets = append(sets, high)
			return nil
		}

		f := New(bus, pin, Config{}, logger)
		_, err := f.ReadStatus(ctx)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "bus fault")
		test.That(t, sets, test.ShouldResemble, []bool{false, true})
	})
}

func TestWaitForWriteComplete(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx := context.Background()

	t.Run("returns immediately when the chip is idle", func(t *testing.T) {
		polls := 0
		bus := &inject.SPI{}
		bus.TransferFunc = func(ctx context.Context, tx, rx []byte) error {
			polls++
			rx[1] = 0
			return nil
		}

		f := New(bus, noopPin(), Config{}, logger)
		test.That(t, f.WaitForWriteComplete(ctx), test.ShouldBeNil)
		test.That(t, polls, test.ShouldEqual, 1)
	})

	t.Run("polls until the busy bit clears", func(t *testing.T) {
		mockClock := clk.NewMock()
		polls := 0
		bus := &inject.SPI{}
		bus.TransferFunc = func(ctx context.Context, tx, rx []byte) error {
			polls++
			if polls < 4 {
				rx[1] = byte(StatusWriteInProgress)
			} else {
				rx[1] = 0
			}
			return nil
		}

		f := New(bus, noopPin(), Config{}, logger)
		f.clock = mockClock

		errCh := make(chan error)
		goutils.PanicCapturingGo(func() { errCh <- f.WaitForWriteComplete(ctx) })
		for {
			select {
			case err := <-errCh:
				test.That(t, err, test.ShouldBeNil)
				test.That(t, polls, test.ShouldEqual, 4)
				return
			default:
				// Ticks only land once the waiter has its ticker running,
				// so keep feeding time until it reports back.
				mockClock.Add(defaultPollInterval)
				time.Sleep(time.Millisecond)
			}
		}
	})

	t.Run("a context deadline bounds the otherwise unbounded wait", func(t *testing.T) {
		bus := &inject.SPI{}
		bus.TransferFunc = func(ctx context.Context, tx, rx []byte) error {
			// The busy bit never clears.
			rx[1] = byte(StatusWriteInProgress)
			return nil
		}

		f := New(bus, noopPin(), Config{}, logger)
		cctx, cancel := context.WithCancel(ctx)
		errCh := make(chan error)
		goutils.PanicCapturingGo(func() { errCh <- f.WaitForWriteComplete(cctx) })
		cancel()
		test.That(t, <-errCh, test.ShouldBeError, context.Canceled)
	})
}

func TestWriteStatus(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx := context.Background()

	var frames [][]byte
	bus := &inject.SPI{}
	bus.TransferFunc = func(ctx context.Context, tx, rx []byte) error {
		frames = append(frames, append([]byte{}, tx...))
		if rx != nil {
			rx[1] = 0
		}
		return nil
	}

	f := New(bus, noopPin(), Config{}, logger)
	test.That(t, f.WriteStatus(ctx, StatusWriteDisable), test.ShouldBeNil)

	// One status poll for the leading wait, then WRSR directly: unlike
	// program and erase, the status write is issued without a write enable.
	test.That(t, frames, test.ShouldResemble, [][]byte{
		{0x05, 0x00},
		{0x01, 0x80},
	})
}

func TestWriteEnable(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx := context.Background()

	var frames [][]byte
	var sets []bool
	bus := &inject.SPI{}
	bus.TransferFunc = func(ctx context.Context, tx, rx []byte) error {
		frames = append(frames, append([]byte{}, tx...))
		return nil
	}
	pin := &inject.GPIOPin{}
	pin.SetFunc = func(ctx context.Context, high bool) error {
		sets = append(sets, high)
		return nil
	}

	f := New(bus, pin, Config{}, logger)
	test.That(t, f.writeEnable(ctx), test.ShouldBeNil)
	test.That(t, frames, test.ShouldResemble, [][]byte{{0x06}})
	// The latch only takes effect with chip select back high, so the
	// transaction fully closes before the settle wait.
	test.That(t, sets, test.ShouldResemble, []bool{false, true})
}

func TestIsValidChip(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx := context.Background()

	newBus := func(id [3]byte) *inject.SPI {
		bus := &inject.SPI{}
		bus.TransferFunc = func(ctx context.Context, tx, rx []byte) error {
			test.That(t, len(tx), test.ShouldEqual, 4)
			test.That(t, tx[0], test.ShouldEqual, byte(0x9F))
			rx[1], rx[2], rx[3] = id[0], id[1], id[2]
			return nil
		}
		return bus
	}

	t.Run("the expected part answers", func(t *testing.T) {
		f := New(newBus([3]byte{0x9D, 0x13, 0x44}), noopPin(), Config{}, logger)

		id, err := f.ReadJEDECID(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, id, test.ShouldResemble, JEDECID{ManufacturerID: 0x9D, DeviceID1: 0x13, DeviceID2: 0x44})
		test.That(t, id.String(), test.ShouldEqual, "9d 13 44")

		ok, err := f.IsValidChip(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ok, test.ShouldBeTrue)
	})

	t.Run("some other part answers", func(t *testing.T) {
		f := New(newBus([3]byte{0xEF, 0x40, 0x14}), noopPin(), Config{}, logger)

		ok, err := f.IsValidChip(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ok, test.ShouldBeFalse)
	})

	t.Run("a dead bus reads back zeros", func(t *testing.T) {
		f := New(newBus([3]byte{0, 0, 0}), noopPin(), Config{}, logger)

		ok, err := f.IsValidChip(ctx)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, ok, test.ShouldBeFalse)
	})
}
