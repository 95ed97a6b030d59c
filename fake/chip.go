// Package fake implements an in-memory 25LQ080 flash chip behind the
// buses.SPI interface, decoding command frames at the wire level the way
// the silicon would. It exists so driver behavior (chunk splits, command
// ordering, write-enable discipline, page wrap) can be asserted against
// the raw frames a real chip would have seen.
package fake

import (
	"context"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/viam-labs/spiflash/buses"
)

// Geometry of the modeled part.
const (
	pageSize   = 256
	sectorSize = 4096
	blockSize  = 65536
	chipSize   = 1 << 20
)

// Status bits the model maintains.
const (
	statusWIP = 0x01
	statusWEL = 0x02
)

// The command set the model decodes, from the 25LQ080 instruction table.
const (
	cmdJEDECID     = 0x9F
	cmdReadStatus  = 0x05
	cmdWriteStatus = 0x01
	cmdWriteEnable = 0x06
	cmdRead        = 0x03
	cmdPageProgram = 0x02
	cmdSectorErase = 0xD7
	cmdBlockErase  = 0xD8
	cmdChipErase   = 0xC7
)

// Chip is the simulated flash chip. Drive it through the buses.SPI
// interface plus the chip select pin from ChipSelectPin: while chip select
// is asserted, transfers accumulate one command frame, and the command
// takes effect when chip select rises, as on the real part.
//
// The model enforces the chip's own rules: program and erase are ignored
// without a prior write enable, the write enable latch clears after every
// program or erase, a program that runs past its page wraps to the start of
// that page, and while a write cycle is in progress all commands except
// status reads are ignored.
//
// Exported fields may be set before use and inspected afterward; they are
// not synchronized with in-flight transfers.
type Chip struct {
	// Data is the flash array. A fresh chip is fully erased (all 0xFF).
	Data []byte

	// JEDEC is the identification signature returned for JEDEC ID reads.
	JEDEC [3]byte

	// ProgramBusyPolls and EraseBusyPolls set how many status reads will
	// observe the write-in-progress bit after a program (or status write)
	// and after an erase.
	ProgramBusyPolls int
	EraseBusyPolls   int

	mu         sync.Mutex
	csAsserted bool
	frame      []byte
	readAddr   uint32
	busyPolls  int
	wel        bool
	status     byte

	frames  [][]byte
	configs []buses.Config

	pendingNotify func()
	logger        golog.Logger
}

// NewChip returns a fully erased chip reporting the stock 25LQ080 JEDEC
// signature, with write cycles that clear by the second status poll.
func NewChip(logger golog.Logger) *Chip {
	data := make([]byte, chipSize)
	for i := range data {
		data[i] = 0xFF
	}
	return &Chip{
		Data:             data,
		JEDEC:            [3]byte{0x9D, 0x13, 0x44},
		ProgramBusyPolls: 1,
		EraseBusyPolls:   1,
		logger:           logger,
	}
}

// ChipSelectPin returns the pin wired to the model's active-low chip
// select line.
func (c *Chip) ChipSelectPin() buses.GPIOPin {
	return &chipSelectPin{chip: c}
}

type chipSelectPin struct {
	chip *Chip
}

func (p *chipSelectPin) Set(ctx context.Context, high bool) error {
	p.chip.setChipSelect(high)
	return nil
}

func (c *Chip) setChipSelect(high bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	asserted := !high
	if asserted == c.csAsserted {
		return
	}
	c.csAsserted = asserted
	if asserted {
		c.frame = nil
		return
	}
	c.commit()
}

// Configure records the applied bus settings; the model accepts any.
func (c *Chip) Configure(ctx context.Context, conf buses.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs = append(c.configs, conf)
	return nil
}

// Transfer shifts bytes through the selected chip.
func (c *Chip) Transfer(ctx context.Context, tx, rx []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferLocked(tx, rx)
}

// TransferAsync shifts the bytes immediately but holds the completion
// notification until CompleteAsync is called, so tests control exactly when
// the engine "finishes".
func (c *Chip) TransferAsync(ctx context.Context, tx, rx []byte, notify func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingNotify != nil {
		return errors.New("an asynchronous transfer is already in flight")
	}
	if err := c.transferLocked(tx, rx); err != nil {
		return err
	}
	c.pendingNotify = notify
	return nil
}

// CompleteAsync fires the held completion notification on the calling
// goroutine. It errors if no asynchronous transfer is pending.
func (c *Chip) CompleteAsync() error {
	c.mu.Lock()
	notify := c.pendingNotify
	c.pendingNotify = nil
	c.mu.Unlock()
	if notify == nil {
		return errors.New("no asynchronous transfer pending")
	}
	notify()
	return nil
}

// AsyncPending reports whether an asynchronous transfer is awaiting
// CompleteAsync.
func (c *Chip) AsyncPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingNotify != nil
}

// Frames returns the command frames received so far, one per completed
// transaction, status polls included. A frame holds every byte shifted in
// while chip select stayed asserted. The returned slices are the model's
// own; do not modify them.
func (c *Chip) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Configs returns the bus configurations applied so far.
func (c *Chip) Configs() []buses.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configs
}

func (c *Chip) transferLocked(tx, rx []byte) error {
	if !c.csAsserted {
		return errors.New("transfer with chip select deasserted")
	}
	if tx != nil && rx != nil && len(tx) != len(rx) {
		return errors.Errorf("mismatched transfer buffers: %d vs %d bytes", len(tx), len(rx))
	}
	n := len(tx)
	if len(rx) > n {
		n = len(rx)
	}
	for i := 0; i < n; i++ {
		var in byte
		if i < len(tx) {
			in = tx[i]
		}
		out := c.shiftByte(in)
		if i < len(rx) {
			rx[i] = out
		}
	}
	return nil
}

// shiftByte models one byte exchanged on the wire: the incoming byte joins
// the current frame and the outgoing byte depends on the command decoded so
// far. Commands act on the array only at commit; reads stream live.
func (c *Chip) shiftByte(in byte) byte {
	pos := len(c.frame)
	c.frame = append(c.frame, in)
	if pos == 0 {
		return 0xFF
	}
	switch c.frame[0] {
	case cmdReadStatus:
		return c.statusByte()
	case cmdJEDECID:
		if c.busyPolls > 0 {
			return 0xFF
		}
		if pos <= 3 {
			return c.JEDEC[pos-1]
		}
		return 0xFF
	case cmdRead:
		if c.busyPolls > 0 {
			return 0xFF
		}
		if pos < 4 {
			return 0xFF
		}
		if pos == 4 {
			c.readAddr = frameAddr(c.frame)
		}
		b := c.Data[int(c.readAddr%chipSize)]
		c.readAddr++
		return b
	default:
		return 0xFF
	}
}

// statusByte renders the live status register. Each read of it counts as
// one poll against the current write cycle.
func (c *Chip) statusByte() byte {
	b := c.status
	if c.busyPolls > 0 {
		b |= statusWIP
		c.busyPolls--
	}
	if c.wel {
		b |= statusWEL
	}
	return b
}

// commit executes the frame accumulated since chip select fell.
func (c *Chip) commit() {
	frame := c.frame
	c.frame = nil
	if len(frame) == 0 {
		return
	}
	c.frames = append(c.frames, frame)

	// A chip mid-write ignores everything except status reads.
	if c.busyPolls > 0 {
		return
	}

	switch frame[0] {
	case cmdWriteEnable:
		c.wel = true
	case cmdWriteStatus:
		if len(frame) < 2 {
			return
		}
		c.status = frame[1] &^ (statusWIP | statusWEL)
		c.busyPolls = c.ProgramBusyPolls
	case cmdPageProgram:
		if !c.wel || len(frame) < 5 {
			return
		}
		addr := frameAddr(frame) % chipSize
		page := addr &^ (pageSize - 1)
		off := addr & (pageSize - 1)
		// The program address counter wraps within the page: byte i lands
		// at page + (off+i) mod 256. NOR programming only clears bits.
		for i, b := range frame[4:] {
			c.Data[page+(off+uint32(i))%pageSize] &= b
		}
		c.wel = false
		c.busyPolls = c.ProgramBusyPolls
		c.logger.Debugw("page program", "addr", addr, "bytes", len(frame)-4)
	case cmdSectorErase:
		if !c.wel || len(frame) < 4 {
			return
		}
		start := (frameAddr(frame) % chipSize) &^ (sectorSize - 1)
		c.eraseRange(start, sectorSize)
		c.logger.Debugw("sector erase", "addr", start)
	case cmdBlockErase:
		if !c.wel || len(frame) < 4 {
			return
		}
		start := (frameAddr(frame) % chipSize) &^ (blockSize - 1)
		c.eraseRange(start, blockSize)
		c.logger.Debugw("block erase", "addr", start)
	case cmdChipErase:
		if !c.wel {
			return
		}
		c.eraseRange(0, chipSize)
		c.logger.Debug("chip erase")
	}
}

func (c *Chip) eraseRange(start, size uint32) {
	for i := start; i < start+size; i++ {
		c.Data[i] = 0xFF
	}
	c.wel = false
	c.busyPolls = c.EraseBusyPolls
}

func frameAddr(frame []byte) uint32 {
	return uint32(frame[1])<<16 | uint32(frame[2])<<8 | uint32(frame[3])
}
