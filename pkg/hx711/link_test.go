package hx711

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

// fakeChip emulates the HX711 side of both lines.
type fakeChip struct {
	frames   []uint32
	frameLen int
	// busyPolls is the number of data-ready checks answered with "not ready"
	// before each frame.
	busyPolls int
	neverReady bool

	high    bool
	clocks  int
	polls   int
	failOut error
}

func newFakeChip(frameLen int, frames ...uint32) *fakeChip {
	return &fakeChip{frames: frames, frameLen: frameLen}
}

func (f *fakeChip) Out(l gpio.Level) error {
	if f.failOut != nil {
		return f.failOut
	}
	if l == gpio.High && !f.high {
		f.clocks++
	}
	f.high = bool(l)
	return nil
}

func (f *fakeChip) Read() gpio.Level {
	pos := f.clocks % f.frameLen
	if pos == 0 && !f.high {
		// Between frames: DOUT is the data-ready line.
		if f.neverReady {
			return gpio.High
		}
		if f.polls < f.busyPolls {
			f.polls++
			return gpio.High
		}
		f.polls = 0
		return gpio.Low
	}

	frame := f.frames[(f.clocks-1)/f.frameLen]
	idx := pos - 1
	if pos == 0 {
		idx = f.frameLen - 1
	}
	if idx >= dataBits {
		return gpio.Low
	}
	return gpio.Level(frame>>(dataBits-1-idx)&1 == 1)
}

func newTestLink(chip *fakeChip, opts Options) *Link {
	l := New(chip, chip, opts)
	clock := time.Unix(0, 0)
	l.now = func() time.Time { return clock }
	l.sleep = func(d time.Duration) { clock = clock.Add(d) }
	l.hold = func(time.Duration) {}
	return l
}

func TestReadRawSignExtension(t *testing.T) {
	tests := []struct {
		name  string
		frame uint32
		want  int32
	}{
		{name: "zero", frame: 0x000000, want: 0},
		{name: "small positive", frame: 0x000123, want: 0x123},
		{name: "max positive", frame: 0x7FFFFF, want: 8388607},
		{name: "minus one", frame: 0xFFFFFF, want: -1},
		{name: "min negative", frame: 0x800000, want: -8388608},
		{name: "mid negative", frame: 0xFFF000, want: -4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chip := newFakeChip(25, tt.frame)
			link := newTestLink(chip, Options{})

			got, err := link.ReadRaw(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 25, chip.clocks, "24 data pulses plus one gain pulse")
			assert.False(t, chip.high, "clock must idle low")
		})
	}
}

func TestReadRawGainPulses(t *testing.T) {
	for gain, pulses := range map[Gain]int{GainA128: 25, GainB32: 26, GainA64: 27} {
		chip := newFakeChip(pulses, 0x00ABCD, 0x00ABCD)
		link := newTestLink(chip, Options{Gain: gain})

		got, err := link.ReadRaw(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int32(0xABCD), got)
		want := pulses
		if gain != GainA128 {
			// the power-on A/128 conversion is read and dropped first
			want *= 2
		}
		assert.Equal(t, want, chip.clocks, "gain %d", gain)
	}
}

func TestFirstConversionDroppedForNonDefaultGain(t *testing.T) {
	chip := newFakeChip(27, 0x000111, 0x000222, 0x000333)
	link := newTestLink(chip, Options{Gain: GainA64})

	got, err := link.ReadRaw(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0x222), got)

	got, err = link.ReadRaw(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0x333), got)
}

func TestReadRawWaitsForDataReady(t *testing.T) {
	chip := newFakeChip(25, 0x000010)
	chip.busyPolls = 7
	link := newTestLink(chip, Options{PollInterval: time.Millisecond, ReadTimeout: time.Second})

	got, err := link.ReadRaw(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(16), got)
}

func TestReadRawTimeout(t *testing.T) {
	chip := newFakeChip(25)
	chip.neverReady = true
	link := newTestLink(chip, Options{PollInterval: time.Millisecond, ReadTimeout: 20 * time.Millisecond, Retries: 2})

	_, err := link.ReadRaw(context.Background())
	require.ErrorIs(t, err, ErrSensorTimeout)
	assert.Zero(t, chip.clocks, "no clock pulses without data ready")
}

func TestReadRawPinFailure(t *testing.T) {
	chip := newFakeChip(25, 1)
	chip.failOut = errors.New("gpio busy")
	link := newTestLink(chip, Options{Retries: 1})

	_, err := link.ReadRaw(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gpio busy")
}

func TestReadRawCanceled(t *testing.T) {
	chip := newFakeChip(25)
	chip.neverReady = true
	link := newTestLink(chip, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := link.ReadRaw(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConsecutiveFrames(t *testing.T) {
	chip := newFakeChip(25, 0x000001, 0xFFFFFE, 0x000003)
	link := newTestLink(chip, Options{})

	var got []int32
	for i := 0; i < 3; i++ {
		v, err := link.ReadRaw(context.Background())
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int32{1, -2, 3}, got)
}

func TestPowerDownLeavesClockHigh(t *testing.T) {
	chip := newFakeChip(25)
	link := newTestLink(chip, Options{})

	require.NoError(t, link.Close())
	assert.True(t, chip.high)
	assert.True(t, link.Asleep())

	require.NoError(t, link.PowerUp())
	assert.False(t, chip.high)
	assert.False(t, link.Asleep())
}

func TestReadRawWakesPoweredDownChip(t *testing.T) {
	chip := newFakeChip(25, 0x000005, 0x000007)
	link := newTestLink(chip, Options{})

	_, err := link.ReadRaw(context.Background())
	require.NoError(t, err)
	require.NoError(t, link.PowerDown())
	require.True(t, chip.high)
	// Power-down resets the chip's serial interface; forget the hold pulse.
	chip.clocks = 25

	got, err := link.ReadRaw(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(7), got)
	assert.False(t, link.Asleep())
	assert.False(t, chip.high)
}
