package devices

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/moodcall/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticMicWritesUntilMuted(t *testing.T) {
	clk := clock.NewMock()
	p := &Synthetic{Clock: clk}

	lt, err := p.Microphone(context.Background())
	require.NoError(t, err)
	mic := lt.(*SyntheticTrack)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, mic.Kind())
	assert.True(t, mic.Enabled())

	require.Eventually(t, func() bool {
		clk.Add(frameDuration)
		return mic.Frames() > 0
	}, 2*time.Second, time.Millisecond)

	mic.SetEnabled(false)
	n := mic.Frames()
	for i := 0; i < 10; i++ {
		clk.Add(frameDuration)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, mic.Frames())

	require.NoError(t, mic.Stop())
	require.NoError(t, mic.Stop())
	assert.False(t, mic.Enabled())
	select {
	case <-mic.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestSyntheticVideoKinds(t *testing.T) {
	p := &Synthetic{Clock: clock.NewMock()}
	ctx := context.Background()

	cam, err := p.Camera(ctx)
	require.NoError(t, err)
	screen, err := p.Display(ctx)
	require.NoError(t, err)

	assert.Equal(t, webrtc.RTPCodecTypeVideo, cam.Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, screen.Kind())
	assert.NotEqual(t, cam.ID(), screen.ID())
}

func TestSyntheticDeny(t *testing.T) {
	p := &Synthetic{Clock: clock.NewMock(), Deny: map[string]bool{"camera": true}}
	_, err := p.Camera(context.Background())
	require.ErrorIs(t, err, core.ErrPermissionDenied)
	_, err = p.Microphone(context.Background())
	require.NoError(t, err)
}

func TestShareLimitEndsScreen(t *testing.T) {
	clk := clock.NewMock()
	p := &Synthetic{Clock: clk, ShareLimit: time.Minute}

	screen, err := p.Display(context.Background())
	require.NoError(t, err)
	ended := make(chan struct{})
	screen.OnEnded(func() { close(ended) })

	clk.Add(time.Minute)
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("share did not end")
	}
	assert.False(t, screen.Enabled())
}

func TestStopDoesNotFireOnEnded(t *testing.T) {
	tr := newTrack(nil, nil)
	fired := false
	tr.OnEnded(func() { fired = true })
	require.NoError(t, tr.Stop())
	tr.End()
	assert.False(t, fired)
}

func TestOpen(t *testing.T) {
	p, reg, err := Open(KindSynthetic, nil)
	require.NoError(t, err)
	assert.IsType(t, &Synthetic{}, p)
	assert.Nil(t, reg)

	_, _, err = Open("webcam9000", nil)
	require.Error(t, err)
}
