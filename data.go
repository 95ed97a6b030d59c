package spiflash

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// Read fills buf with the chip contents starting at addr. The range is
// split into page-bounded chunks, each covering at most the remainder of
// the page its address falls in, so the result is exactly the linear
// content of [addr, addr+len(buf)).
func (f *Flash) Read(ctx context.Context, addr uint32, buf []byte) error {
	for len(buf) > 0 {
		pageOffset := addr % PageSize
		pageStart := addr - pageOffset

		count := (pageStart + PageSize) - addr
		if count > uint32(len(buf)) {
			count = uint32(len(buf))
		}
		if err := f.ReadPage(ctx, addr, buf[:count]); err != nil {
			return err
		}
		addr += count
		buf = buf[count:]
	}
	return nil
}

// Write programs buf to the chip starting at addr, chunked with exactly
// the same page-offset arithmetic as Read: an unaligned first chunk up to
// the page boundary, then page-sized chunks. No write-specific realignment
// or validation is layered on top.
//
// Correctness hazard: each chunk this loop generates stays inside a single
// page, and that arithmetic is the only thing standing between a write and
// the chip's page-wrap behavior. WritePage called directly with a range
// crossing a page boundary wraps back and corrupts the start of that page
// (see its contract). Programming only clears bits, so the range must be
// erased first.
func (f *Flash) Write(ctx context.Context, addr uint32, buf []byte) error {
	for len(buf) > 0 {
		pageOffset := addr % PageSize
		pageStart := addr - pageOffset

		count := (pageStart + PageSize) - addr
		if count > uint32(len(buf)) {
			count = uint32(len(buf))
		}
		if err := f.WritePage(ctx, addr, buf[:count]); err != nil {
			return err
		}
		addr += count
		buf = buf[count:]
	}
	return nil
}

// Size returns the chip capacity in bytes.
func (f *Flash) Size() int64 {
	return NumBlocks * BlockSize
}

// ReadAt implements io.ReaderAt over the chip's address space using a
// background context. Unlike Read, offsets past the end of the chip do not
// wrap: the read is truncated at the end and returns io.EOF.
func (f *Flash) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= f.Size() {
		return 0, io.EOF
	}
	n := len(p)
	atEnd := false
	if int64(n) > f.Size()-off {
		n = int(f.Size() - off)
		atEnd = true
	}
	if err := f.Read(context.Background(), uint32(off), p[:n]); err != nil {
		return 0, err
	}
	if atEnd {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt over the chip's address space using a
// background context. Writes past the end of the chip are truncated and
// return io.ErrShortWrite. Write's page alignment hazard applies.
func (f *Flash) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= f.Size() {
		return 0, io.ErrShortWrite
	}
	n := len(p)
	short := false
	if int64(n) > f.Size()-off {
		n = int(f.Size() - off)
		short = true
	}
	if err := f.Write(context.Background(), uint32(off), p[:n]); err != nil {
		return 0, err
	}
	if short {
		return n, io.ErrShortWrite
	}
	return n, nil
}
