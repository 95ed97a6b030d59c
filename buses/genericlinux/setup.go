//go:build linux

// Package genericlinux implements the bus interfaces on top of periph.io,
// using the kernel's spidev and GPIO character devices. It works on any
// Linux board periph.io supports (Raspberry Pi, Jetson, BeagleBone, etc.).
package genericlinux

import (
	"sync"

	"periph.io/x/host/v3"
)

var (
	hostInitOnce sync.Once
	hostInitErr  error
)

// initHost loads the periph.io host drivers. Safe to call from every
// constructor; the underlying init runs once.
func initHost() error {
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	return hostInitErr
}
