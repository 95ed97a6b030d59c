package spiflash

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrAsyncInFlight is returned when an asynchronous read or write is
// submitted while another one has not completed yet.
var ErrAsyncInFlight = errors.New("an asynchronous flash operation is already in flight")

// AsyncOp is the in-flight handle for one asynchronous page read or write.
// Its channel closes exactly once, after the bus engine reports that the
// data phase finished and the transaction has been closed.
//
// For writes, completion means the bytes were shifted out to the chip, not
// that the internal program cycle finished; the chip can still report WIP
// afterward. Callers needing durability must follow up with
// WaitForWriteComplete.
type AsyncOp struct {
	f    *Flash
	done chan struct{}
}

// Done returns a channel that closes when the operation completes.
func (op *AsyncOp) Done() <-chan struct{} { return op.done }

// Wait blocks until the operation completes or the context ends. A context
// error abandons only the wait, not the operation: the hardware slot stays
// occupied until the engine delivers its completion.
func (op *AsyncOp) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-op.done:
		return nil
	}
}

// The transfer engine completes one asynchronous operation at a time no
// matter how many driver instances exist, so the pending slot is a process
// singleton. An empty slot is idle; a populated one is pending. Submissions
// that find it occupied fail with ErrAsyncInFlight rather than clobbering
// the in-flight operation.
var asyncSlot struct {
	mu sync.Mutex
	op *AsyncOp
}

func claimAsyncSlot(f *Flash) (*AsyncOp, error) {
	asyncSlot.mu.Lock()
	defer asyncSlot.mu.Unlock()
	if asyncSlot.op != nil {
		return nil, ErrAsyncInFlight
	}
	op := &AsyncOp{f: f, done: make(chan struct{})}
	asyncSlot.op = op
	return op, nil
}

// releaseAsyncSlot abandons a claim whose submission failed before the data
// phase was queued. The operation's channel never closes.
func releaseAsyncSlot(op *AsyncOp) {
	asyncSlot.mu.Lock()
	defer asyncSlot.mu.Unlock()
	if asyncSlot.op == op {
		asyncSlot.op = nil
	}
}

// completeAsync runs on the engine's completion context. It closes the
// still-open transaction for the owning instance, frees the slot, and then
// signals the operation's channel. It must stay minimal: anything wanting
// to start another transfer has to do so from its own goroutine, not from
// here.
func (f *Flash) completeAsync() {
	asyncSlot.mu.Lock()
	op := asyncSlot.op
	if op == nil || op.f != f {
		asyncSlot.mu.Unlock()
		f.logger.Errorw("asynchronous completion arrived with no matching operation")
		return
	}
	if err := f.endTransaction(context.Background()); err != nil {
		f.logger.Errorw("failed to release chip select after asynchronous transfer", "error", err)
	}
	asyncSlot.op = nil
	asyncSlot.mu.Unlock()
	close(op.done)
}
