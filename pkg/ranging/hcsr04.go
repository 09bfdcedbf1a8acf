package ranging

import (
	"context"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
)

const (
	speedOfSound = 343.0 // m/s at 20°C

	triggerPulse = 10 * time.Microsecond
	// DefaultEchoTimeout covers the 4 m rated range with margin.
	DefaultEchoTimeout = 30 * time.Millisecond
)

type TriggerPin interface {
	Out(l gpio.Level) error
}

type EchoPin interface {
	Read() gpio.Level
	WaitForEdge(timeout time.Duration) bool
}

// HCSR04 drives an ultrasonic trigger/echo sensor. The echo pin must be
// configured for both-edge detection.
type HCSR04 struct {
	trig    TriggerPin
	echo    EchoPin
	timeout time.Duration

	mu   sync.Mutex
	now  func() time.Time
	hold func(d time.Duration)
}

func NewHCSR04(trig TriggerPin, echo EchoPin, timeout time.Duration) *HCSR04 {
	if timeout <= 0 {
		timeout = DefaultEchoTimeout
	}
	return &HCSR04{
		trig:    trig,
		echo:    echo,
		timeout: timeout,
		now:     time.Now,
		hold:    spin,
	}
}

func spin(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}

func (h *HCSR04) Distance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.trig.Out(gpio.High); err != nil {
		return 0, pkgerrors.Wrap(err, "failed to raise trigger")
	}
	h.hold(triggerPulse)
	if err := h.trig.Out(gpio.Low); err != nil {
		return 0, pkgerrors.Wrap(err, "failed to lower trigger")
	}

	rise, ok := h.waitLevel(gpio.High, h.timeout)
	if !ok {
		return 0, pkgerrors.Wrap(ErrNoEcho, "echo never went high")
	}
	fall, ok := h.waitLevel(gpio.Low, h.timeout)
	if !ok {
		return 0, pkgerrors.Wrap(ErrNoEcho, "echo stuck high")
	}

	return fall.Sub(rise).Seconds() * speedOfSound / 2, nil
}

func (h *HCSR04) waitLevel(want gpio.Level, timeout time.Duration) (time.Time, bool) {
	deadline := h.now().Add(timeout)
	for {
		if h.echo.Read() == want {
			return h.now(), true
		}
		remaining := deadline.Sub(h.now())
		if remaining <= 0 {
			return time.Time{}, false
		}
		h.echo.WaitForEdge(remaining)
	}
}

// Close is a no-op; the pins belong to the board bank.
func (h *HCSR04) Close() error { return nil }
