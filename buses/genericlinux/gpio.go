//go:build linux

package genericlinux

import (
	"context"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
)

// GPIOPin is a single output pin resolved from the periph.io registry.
type GPIOPin struct {
	pin gpio.PinIO
}

// NewGPIOPin looks up a pin by name, e.g. "GPIO22" or "22".
func NewGPIOPin(name string) (*GPIOPin, error) {
	if err := initHost(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize periph host drivers")
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, errors.Errorf("no GPIO pin found for %q", name)
	}
	return &GPIOPin{pin: pin}, nil
}

// Set drives the pin high or low.
func (p *GPIOPin) Set(ctx context.Context, high bool) error {
	l := gpio.Low
	if high {
		l = gpio.High
	}
	return p.pin.Out(l)
}
