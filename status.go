package spiflash

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
)

// StatusRegister is the chip's 8-bit status register.
//
//	Bit | Meaning
//	----+--------------------------------------
//	7   | SRWD: status register write disable
//	6:2 | Block protect and reserved bits
//	1   | WEL: write enable latch
//	0   | WIP: write in progress
type StatusRegister byte

// Flag masks for StatusRegister.
const (
	StatusWriteInProgress  StatusRegister = 0x01
	StatusWriteEnableLatch StatusRegister = 0x02
	StatusWriteDisable     StatusRegister = 0x80
)

// WriteInProgress reports whether the chip is mid-program or mid-erase.
func (sr StatusRegister) WriteInProgress() bool { return sr&StatusWriteInProgress != 0 }

// WriteEnabled reports whether the write enable latch is set.
func (sr StatusRegister) WriteEnabled() bool { return sr&StatusWriteEnableLatch != 0 }

// WriteDisabled reports whether status register writes are locked out.
func (sr StatusRegister) WriteDisabled() bool { return sr&StatusWriteDisable != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	var flags []string
	if sr.WriteDisabled() {
		flags = append(flags, "SRWD")
	}
	if sr.WriteEnabled() {
		flags = append(flags, "WEL")
	}
	if sr.WriteInProgress() {
		flags = append(flags, "WIP")
	}
	if len(flags) == 0 {
		return b
	}
	return b + " " + strings.Join(flags, ",")
}

// JEDECID identifies a chip: one manufacturer byte plus two device bytes.
type JEDECID struct {
	ManufacturerID byte
	DeviceID1      byte
	DeviceID2      byte
}

func (id JEDECID) String() string {
	return fmt.Sprintf("%02x %02x %02x", id.ManufacturerID, id.DeviceID1, id.DeviceID2)
}

// The reference 25LQ080 part identifies itself with this signature.
var expectedJEDECID = JEDECID{ManufacturerID: 0x9D, DeviceID1: 0x13, DeviceID2: 0x44}

// ReadStatus issues RDSR and returns the live status register. The value is
// never cached; every call is a fresh bus transaction.
func (f *Flash) ReadStatus(ctx context.Context) (StatusRegister, error) {
	buf := []byte{opReadStatus, 0}
	if err := f.beginTransaction(ctx); err != nil {
		return 0, err
	}
	if err := f.bus.Transfer(ctx, buf, buf); err != nil {
		return 0, multierr.Combine(err, f.endTransaction(ctx))
	}
	if err := f.endTransaction(ctx); err != nil {
		return 0, err
	}
	return StatusRegister(buf[1]), nil
}

// IsWriteInProgress reports whether a program or erase cycle is still
// running inside the chip.
func (f *Flash) IsWriteInProgress(ctx context.Context) (bool, error) {
	sr, err := f.ReadStatus(ctx)
	if err != nil {
		return false, err
	}
	return sr.WriteInProgress(), nil
}

// WaitForWriteComplete polls the status register until the write-in-progress
// bit clears, sleeping the configured poll interval between reads. It has no
// timeout of its own; a chip that never clears WIP blocks until the context
// ends, so pass a context with a deadline to bound the wait.
func (f *Flash) WaitForWriteComplete(ctx context.Context) error {
	busy, err := f.IsWriteInProgress(ctx)
	if err != nil {
		return err
	}
	if !busy {
		return nil
	}
	ticker := f.clock.Ticker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			busy, err := f.IsWriteInProgress(ctx)
			if err != nil {
				return err
			}
			if !busy {
				return nil
			}
		}
	}
}

// WriteStatus waits out any pending write, then programs the status
// register with WRSR.
func (f *Flash) WriteStatus(ctx context.Context, sr StatusRegister) error {
	if err := f.WaitForWriteComplete(ctx); err != nil {
		return err
	}
	buf := []byte{opWriteStatus, byte(sr)}
	if err := f.beginTransaction(ctx); err != nil {
		return err
	}
	if err := f.bus.Transfer(ctx, buf, nil); err != nil {
		return multierr.Combine(err, f.endTransaction(ctx))
	}
	return f.endTransaction(ctx)
}

// writeEnable pulses WREN, setting the write enable latch. The latch only
// takes effect once chip select has been back high for tRES, so the settle
// delay comes after the transaction closes. Every program and erase calls
// this exactly once, immediately before issuing its command.
func (f *Flash) writeEnable(ctx context.Context) error {
	if err := f.beginTransaction(ctx); err != nil {
		return err
	}
	if err := f.bus.Transfer(ctx, []byte{opWriteEnable}, nil); err != nil {
		return multierr.Combine(err, f.endTransaction(ctx))
	}
	if err := f.endTransaction(ctx); err != nil {
		return err
	}
	goutils.SelectContextOrWait(ctx, writeEnableSettle)
	return nil
}

// ReadJEDECID asks the chip to identify itself.
func (f *Flash) ReadJEDECID(ctx context.Context) (JEDECID, error) {
	buf := make([]byte, 4)
	buf[0] = opJEDECID
	if err := f.beginTransaction(ctx); err != nil {
		return JEDECID{}, err
	}
	if err := f.bus.Transfer(ctx, buf, buf); err != nil {
		return JEDECID{}, multierr.Combine(err, f.endTransaction(ctx))
	}
	if err := f.endTransaction(ctx); err != nil {
		return JEDECID{}, err
	}
	return JEDECID{ManufacturerID: buf[1], DeviceID1: buf[2], DeviceID2: buf[3]}, nil
}

// IsValidChip reads the JEDEC ID and reports whether the expected part is
// answering. The command protocol has no acknowledgement of any kind, so
// this is the one explicit health check available; callers should run it
// after Begin before trusting other operations.
func (f *Flash) IsValidChip(ctx context.Context) (bool, error) {
	id, err := f.ReadJEDECID(ctx)
	if err != nil {
		return false, err
	}
	f.logger.Debugf("JEDEC ID %s", id)
	return id == expectedJEDECID, nil
}
