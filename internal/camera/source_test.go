package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-edge/internal/frame"
)

type fakeDevice struct {
	mu     sync.Mutex
	value  byte
	reads  atomic.Int64
	fail   bool
	closed atomic.Bool
}

func (d *fakeDevice) Read() (frame.Frame, bool) {
	d.reads.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return frame.Frame{}, false
	}
	f := frame.New(4, 2, 3)
	for i := range f.Pix {
		f.Pix[i] = d.value
	}
	return f, true
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func (d *fakeDevice) set(v byte, fail bool) {
	d.mu.Lock()
	d.value, d.fail = v, fail
	d.mu.Unlock()
}

func openerFor(dev Device, err error) Opener {
	return func(string, int, int, int) (Device, error) {
		return dev, err
	}
}

func newTestSource(t *testing.T, opener Opener) *Source {
	t.Helper()
	return NewSource(opener, Settings{Source: "test", Width: 4, Height: 2, FPS: 200}, zerolog.Nop())
}

func TestLatestFrame_NoneBeforeFirstCapture(t *testing.T) {
	dev := &fakeDevice{}
	src := newTestSource(t, openerFor(dev, nil))
	require.NoError(t, src.Open())

	_, ok := src.LatestFrame()
	assert.False(t, ok)
}

func TestLatestFrame_ReturnsCopy(t *testing.T) {
	dev := &fakeDevice{value: 7}
	src := newTestSource(t, openerFor(dev, nil))
	require.NoError(t, src.Open())
	require.NoError(t, src.Start(context.Background()))
	defer src.Close()

	require.Eventually(t, func() bool {
		_, ok := src.LatestFrame()
		return ok
	}, time.Second, 5*time.Millisecond)

	f, ok := src.LatestFrame()
	require.True(t, ok)
	assert.Equal(t, byte(7), f.Pix[0])
	assert.NotZero(t, f.Seq)

	f.Pix[0] = 99
	g, ok := src.LatestFrame()
	require.True(t, ok)
	assert.NotEqual(t, byte(99), g.Pix[0], "callers must not alias the live slot")
}

func TestLatestFrame_LastWriterWins(t *testing.T) {
	dev := &fakeDevice{value: 1}
	src := newTestSource(t, openerFor(dev, nil))
	require.NoError(t, src.Open())
	require.NoError(t, src.Start(context.Background()))
	defer src.Close()

	dev.set(42, false)
	require.Eventually(t, func() bool {
		f, ok := src.LatestFrame()
		return ok && f.Pix[0] == 42
	}, time.Second, 5*time.Millisecond)
}

func TestLatestFrame_FailedReadsKeepLastFrame(t *testing.T) {
	dev := &fakeDevice{value: 5}
	src := newTestSource(t, openerFor(dev, nil))
	require.NoError(t, src.Open())
	require.NoError(t, src.Start(context.Background()))
	defer src.Close()

	require.Eventually(t, func() bool {
		_, ok := src.LatestFrame()
		return ok
	}, time.Second, 5*time.Millisecond)

	dev.set(0, true)
	before := dev.reads.Load()
	require.Eventually(t, func() bool { return dev.reads.Load() > before+3 }, time.Second, 5*time.Millisecond)

	f, ok := src.LatestFrame()
	require.True(t, ok)
	assert.Equal(t, byte(5), f.Pix[0])
	assert.NotZero(t, src.Stats().Failed)
}

func TestOpenFailure_PermanentlyUnavailable(t *testing.T) {
	src := newTestSource(t, openerFor(nil, errors.New("no such device")))

	err := src.Open()
	require.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, src.Available())

	assert.ErrorIs(t, src.Start(context.Background()), ErrNotOpen)
	_, ok := src.LatestFrame()
	assert.False(t, ok)
	assert.NoError(t, src.Close())
}

func TestOpenFailure_NeverReopens(t *testing.T) {
	dev := &fakeDevice{value: 1}
	calls := 0
	src := newTestSource(t, func(string, int, int, int) (Device, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("device busy")
		}
		return dev, nil
	})

	require.ErrorIs(t, src.Open(), ErrUnavailable)
	assert.ErrorIs(t, src.Open(), ErrUnavailable)
	assert.Equal(t, 1, calls)
	assert.False(t, src.Available())
	_, ok := src.LatestFrame()
	assert.False(t, ok)
}

func TestOpenAfterClose_Unavailable(t *testing.T) {
	calls := 0
	src := newTestSource(t, func(string, int, int, int) (Device, error) {
		calls++
		return &fakeDevice{}, nil
	})

	require.NoError(t, src.Open())
	require.NoError(t, src.Close())
	assert.ErrorIs(t, src.Open(), ErrUnavailable)
	assert.Equal(t, 1, calls)
	assert.False(t, src.Available())
}

func TestClose_StopsLoopAndReleasesDevice(t *testing.T) {
	dev := &fakeDevice{value: 3}
	src := newTestSource(t, openerFor(dev, nil))
	require.NoError(t, src.Open())
	require.NoError(t, src.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := src.LatestFrame()
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, src.Close())
	assert.True(t, dev.closed.Load())

	reads := dev.reads.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, reads, dev.reads.Load(), "no reads after Close returns")

	_, ok := src.LatestFrame()
	assert.False(t, ok)
}
