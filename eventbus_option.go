package dragonscale

import "github.com/ZanzyTHEbar/dragonscale-assist/internal/eventbus"

// WithEventBus sets the bus instructions are reported on. A bus supplied
// here is not closed by DragonScale.Close.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(d *DragonScale) {
		d.eventBus = bus
	}
}
