package ranging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

// echoSim models an HC-SR04 on a virtual clock: the echo line rises `delay`
// after the trigger falls and stays high for `width`.
type echoSim struct {
	now      time.Time
	trigFall time.Time
	fired    bool
	delay    time.Duration
	width    time.Duration // zero: never rises
	stuck    bool          // rises but never falls
}

func (s *echoSim) Out(l gpio.Level) error {
	if l == gpio.Low {
		s.trigFall = s.now
		s.fired = true
	}
	return nil
}

func (s *echoSim) edges() (rise, fall time.Time, ok bool) {
	if !s.fired || (s.width == 0 && !s.stuck) {
		return time.Time{}, time.Time{}, false
	}
	rise = s.trigFall.Add(s.delay)
	if s.stuck {
		return rise, time.Time{}, true
	}
	return rise, rise.Add(s.width), true
}

func (s *echoSim) Read() gpio.Level {
	rise, fall, ok := s.edges()
	if !ok || s.now.Before(rise) {
		return gpio.Low
	}
	if fall.IsZero() || s.now.Before(fall) {
		return gpio.High
	}
	return gpio.Low
}

func (s *echoSim) WaitForEdge(timeout time.Duration) bool {
	deadline := s.now.Add(timeout)
	rise, fall, ok := s.edges()
	if ok {
		for _, e := range []time.Time{rise, fall} {
			if !e.IsZero() && e.After(s.now) && !e.After(deadline) {
				s.now = e
				return true
			}
		}
	}
	s.now = deadline
	return false
}

func newSimSensor(sim *echoSim) *HCSR04 {
	h := NewHCSR04(sim, sim, 0)
	h.now = func() time.Time { return sim.now }
	h.hold = func(d time.Duration) { sim.now = sim.now.Add(d) }
	return h
}

func TestHCSR04Distance(t *testing.T) {
	tests := []struct {
		name  string
		width time.Duration
		want  float64
	}{
		{"30cm", 1749 * time.Microsecond, 0.3},
		{"1m", 5831 * time.Microsecond, 1.0},
		{"3m", 17493 * time.Microsecond, 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := &echoSim{now: time.Unix(1000, 0), delay: 450 * time.Microsecond, width: tt.width}
			d, err := newSimSensor(sim).Distance(context.Background())
			require.NoError(t, err)
			assert.InDelta(t, tt.want, d, 0.001)
		})
	}
}

func TestHCSR04NoEcho(t *testing.T) {
	sim := &echoSim{now: time.Unix(1000, 0)}
	_, err := newSimSensor(sim).Distance(context.Background())
	assert.ErrorIs(t, err, ErrNoEcho)

	stuck := &echoSim{now: time.Unix(1000, 0), delay: time.Millisecond, stuck: true}
	_, err = newSimSensor(stuck).Distance(context.Background())
	assert.ErrorIs(t, err, ErrNoEcho)
	assert.Contains(t, err.Error(), "stuck high")
}

func TestHCSR04Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newSimSensor(&echoSim{}).Distance(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func frame(mm int) []byte {
	h, l := byte(mm>>8), byte(mm)
	return []byte{0xFF, h, l, byte(0xFF + int(h) + int(l))}
}

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		stream  []byte
		want    int
		wantErr error
	}{
		{name: "single", stream: frame(1234), want: 1234},
		{name: "leading garbage", stream: append([]byte{0x12, 0x00, 0x34}, frame(500)...), want: 500},
		{name: "bad checksum", stream: []byte{0xFF, 0x01, 0x02, 0x00}, wantErr: ErrBadFrame},
		{name: "truncated", stream: []byte{0xFF, 0x01}, wantErr: ErrNoEcho},
		{name: "all garbage", stream: bytes.Repeat([]byte{0x01}, 100), wantErr: ErrBadFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadFrame(bytes.NewReader(tt.stream))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakePort struct {
	r      io.Reader
	closed bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if errors.Is(err, io.EOF) {
		// An idle serial port returns no bytes and no error on timeout.
		return n, nil
	}
	return n, err
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestUARTDistance(t *testing.T) {
	stream := append(frame(850), frame(2999)...)
	port := &fakePort{r: bytes.NewReader(stream)}
	u := NewUART(port)

	d, err := u.Distance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.85, d, 1e-9)

	d, err = u.Distance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.999, d, 1e-9)

	_, err = u.Distance(context.Background())
	assert.ErrorIs(t, err, ErrNoEcho)

	require.NoError(t, u.Close())
	assert.True(t, port.closed)
}
