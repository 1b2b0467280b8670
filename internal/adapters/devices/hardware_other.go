//go:build !linux

package devices

import (
	"context"
	"fmt"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/pion/webrtc/v4"
)

// Hardware is unavailable off linux; NewHardware always fails.
type Hardware struct{}

var errNoHardware = fmt.Errorf("hardware capture: %w: linux only", core.ErrDeviceUnavailable)

func NewHardware() (*Hardware, error) { return nil, errNoHardware }

func (*Hardware) RegisterCodecs(*webrtc.MediaEngine) error { return errNoHardware }

func (*Hardware) Microphone(context.Context) (core.LocalTrack, error) { return nil, errNoHardware }
func (*Hardware) Camera(context.Context) (core.LocalTrack, error)     { return nil, errNoHardware }
func (*Hardware) Display(context.Context) (core.LocalTrack, error)    { return nil, errNoHardware }
