package hx711

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
)

const (
	// dataBits is the width of one conversion frame.
	dataBits = 24

	signBit    = 0x800000
	signExtend = -0x1000000

	// powerDownHold is how long SCK must stay high before the chip powers down.
	powerDownHold = 80 * time.Microsecond
)

const (
	DefaultPulseWidth   = time.Microsecond
	DefaultPollInterval = time.Millisecond
	DefaultReadTimeout  = time.Second
)

// ErrSensorTimeout is returned when the data-ready line did not go low in time.
var ErrSensorTimeout = errors.New("hx711: data ready wait timed out")

// Gain selects the input channel and gain by the number of clock pulses that
// follow the 24 data pulses.
type Gain int

const (
	GainA128 Gain = 128
	GainA64  Gain = 64
	GainB32  Gain = 32
)

// trailingPulses returns how many extra clock pulses select g.
func (g Gain) trailingPulses() int {
	switch g {
	case GainB32:
		return 2
	case GainA64:
		return 3
	default:
		return 1
	}
}

// InputPin is the DOUT side of the link.
type InputPin interface {
	Read() gpio.Level
}

// OutputPin is the SCK side of the link.
type OutputPin interface {
	Out(l gpio.Level) error
}

type Options struct {
	// PulseWidth is one clock half-period. HX711 needs it well below 50µs.
	PulseWidth time.Duration
	// PollInterval is the pause between data-ready checks.
	PollInterval time.Duration
	// ReadTimeout bounds the data-ready wait of a single frame.
	ReadTimeout time.Duration
	// Retries is the number of extra whole-frame attempts after a failed frame.
	Retries int
	Gain    Gain
}

// Link bit-bangs the HX711 two-wire protocol.
type Link struct {
	dout InputPin
	sck  OutputPin
	opts Options

	// mu keeps frames from interleaving when the calibration path and the
	// periodic loop share the link.
	mu sync.Mutex
	// asleep is set by PowerDown. settle is set while the next conversion
	// still uses the power-on channel A gain 128 setting.
	asleep bool
	settle bool

	// test seams
	now   func() time.Time
	sleep func(time.Duration)
	hold  func(time.Duration)
}

// New returns a Link over the given pins. Zero option values take defaults.
func New(dout InputPin, sck OutputPin, opts Options) *Link {
	if opts.PulseWidth < 0 {
		opts.PulseWidth = 0
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Gain == 0 {
		opts.Gain = GainA128
	}

	return &Link{
		dout:   dout,
		sck:    sck,
		opts:   opts,
		settle: true,
		now:    time.Now,
		sleep:  time.Sleep,
		hold:   spin,
	}
}

// ReadRaw returns one signed 24-bit conversion. A failed frame is discarded
// and re-read from the start, up to Options.Retries more times. A powered-down
// chip is woken first, and the conversion right after power-up is dropped
// when a gain other than A/128 is configured.
func (l *Link) ReadRaw(ctx context.Context) (int32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.asleep {
		if err := l.wake(); err != nil {
			return 0, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= l.opts.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		raw, err := l.readFrame(ctx)
		if err == nil && l.settle {
			l.settle = false
			if l.opts.Gain != GainA128 {
				raw, err = l.readFrame(ctx)
			}
		}
		if err == nil {
			return raw, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}

		lastErr = err
		logrus.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"retries": l.opts.Retries,
		}).WithError(err).Trace("hx711 frame failed")
	}

	return 0, lastErr
}

func (l *Link) readFrame(ctx context.Context) (int32, error) {
	if err := l.sck.Out(gpio.Low); err != nil {
		return 0, pkgerrors.Wrap(err, "failed to drive clock low")
	}

	if err := l.waitReady(ctx); err != nil {
		return 0, err
	}

	var value uint32
	for i := 0; i < dataBits; i++ {
		bit, err := l.pulse(true)
		if err != nil {
			return 0, err
		}
		value <<= 1
		if bit {
			value |= 1
		}
	}

	for i := 0; i < l.opts.Gain.trailingPulses(); i++ {
		if _, err := l.pulse(false); err != nil {
			return 0, err
		}
	}

	return signExtend24(value), nil
}

// waitReady polls DOUT until the chip pulls it low.
func (l *Link) waitReady(ctx context.Context) error {
	deadline := l.now().Add(l.opts.ReadTimeout)
	for l.dout.Read() == gpio.High {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !l.now().Before(deadline) {
			return ErrSensorTimeout
		}
		l.sleep(l.opts.PollInterval)
	}
	return nil
}

// pulse drives one clock period and optionally samples DOUT while SCK is high.
func (l *Link) pulse(sample bool) (bool, error) {
	if err := l.sck.Out(gpio.High); err != nil {
		return false, pkgerrors.Wrap(err, "failed to drive clock high")
	}
	l.hold(l.opts.PulseWidth)

	var bit bool
	if sample {
		bit = l.dout.Read() == gpio.High
	}

	if err := l.sck.Out(gpio.Low); err != nil {
		return false, pkgerrors.Wrap(err, "failed to drive clock low")
	}
	l.hold(l.opts.PulseWidth)

	return bit, nil
}

// PowerDown holds SCK high long enough for the chip to enter power-down.
func (l *Link) PowerDown() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.sck.Out(gpio.Low); err != nil {
		return pkgerrors.Wrap(err, "failed to drive clock low")
	}
	if err := l.sck.Out(gpio.High); err != nil {
		return pkgerrors.Wrap(err, "failed to drive clock high")
	}
	l.sleep(powerDownHold)
	l.asleep = true
	return nil
}

// PowerUp wakes the chip. The first conversion after power-up uses channel A
// gain 128 regardless of the configured gain.
func (l *Link) PowerUp() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.wake()
}

func (l *Link) wake() error {
	if err := l.sck.Out(gpio.Low); err != nil {
		return pkgerrors.Wrap(err, "failed to drive clock low")
	}
	l.asleep = false
	l.settle = true
	return nil
}

// Asleep reports whether the chip was left powered down.
func (l *Link) Asleep() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.asleep
}

// Close powers the chip down.
func (l *Link) Close() error {
	return l.PowerDown()
}

func signExtend24(v uint32) int32 {
	raw := int32(v & 0xFFFFFF)
	if raw&signBit != 0 {
		raw |= signExtend
	}
	return raw
}

// spin busy-waits for d. time.Sleep cannot resolve microseconds reliably.
func spin(d time.Duration) {
	if d <= 0 {
		return
	}
	start := time.Now()
	for time.Since(start) < d {
	}
}
