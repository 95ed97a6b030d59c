package inject

import (
	"context"

	"github.com/viam-labs/spiflash/buses"
)

// GPIOPin is an injected GPIO pin.
type GPIOPin struct {
	buses.GPIOPin
	SetFunc func(ctx context.Context, high bool) error
}

// Set calls the injected Set or the real version.
func (p *GPIOPin) Set(ctx context.Context, high bool) error {
	if p.SetFunc == nil {
		return p.GPIOPin.Set(ctx, high)
	}
	return p.SetFunc(ctx, high)
}
