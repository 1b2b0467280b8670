package devices

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/moodcall/internal/core"
)

const (
	KindSynthetic = "synthetic"
	KindHardware  = "hardware"
)

// Open returns the provider named by kind. The registrar is non-nil when the
// provider needs its own codec setup in the media engine.
func Open(kind string, clk clock.Clock) (core.DeviceProvider, core.CodecRegistrar, error) {
	switch kind {
	case "", KindSynthetic:
		return &Synthetic{Clock: clk}, nil, nil
	case KindHardware:
		h, err := NewHardware()
		if err != nil {
			return nil, nil, err
		}
		return h, h, nil
	default:
		return nil, nil, fmt.Errorf("unknown device provider %q", kind)
	}
}
