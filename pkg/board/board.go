// Package board acquires and releases the GPIO lines used by the feeder.
package board

import (
	"sync"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Pins names the lines to acquire. Empty Trigger/Echo skip the ranging pins.
type Pins struct {
	DOUT    string
	SCK     string
	Trigger string
	Echo    string
}

// Bank holds acquired pins. It is created by Open and must be released with
// Close.
type Bank struct {
	DOUT    gpio.PinIO
	SCK     gpio.PinIO
	Trigger gpio.PinIO
	Echo    gpio.PinIO

	mu      sync.Mutex
	closed  bool
	sckHeld bool
}

var (
	hostInit = sync.OnceValue(func() error {
		_, err := host.Init()
		return err
	})
	byName = gpioreg.ByName
)

// Open initializes the host drivers and configures every named pin. On error
// any pin already configured is released.
func Open(p Pins) (*Bank, error) {
	if err := hostInit(); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to initialize gpio host drivers")
	}

	b := &Bank{}
	var err error
	defer func() {
		if err != nil {
			b.release()
		}
	}()

	if b.DOUT, err = input(p.DOUT, gpio.NoEdge); err != nil {
		return nil, err
	}
	if b.SCK, err = output(p.SCK); err != nil {
		return nil, err
	}
	if p.Trigger != "" || p.Echo != "" {
		if b.Trigger, err = output(p.Trigger); err != nil {
			return nil, err
		}
		if b.Echo, err = input(p.Echo, gpio.BothEdges); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"dout":    p.DOUT,
		"sck":     p.SCK,
		"trigger": p.Trigger,
		"echo":    p.Echo,
	}).Debug("gpio pins acquired")
	return b, nil
}

func lookup(name string) (gpio.PinIO, error) {
	if name == "" {
		return nil, pkgerrors.New("gpio pin name is empty")
	}
	pin := byName(name)
	if pin == nil {
		return nil, pkgerrors.Errorf("gpio pin %s not found", name)
	}
	return pin, nil
}

func input(name string, edge gpio.Edge) (gpio.PinIO, error) {
	pin, err := lookup(name)
	if err != nil {
		return nil, err
	}
	if err := pin.In(gpio.PullDown, edge); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to configure %s as input", name)
	}
	return pin, nil
}

func output(name string) (gpio.PinIO, error) {
	pin, err := lookup(name)
	if err != nil {
		return nil, err
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to configure %s as output", name)
	}
	return pin, nil
}

// Close drives outputs low, except a held SCK, and returns inputs to plain, edge-less inputs. It
// is safe to call more than once.
func (b *Bank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.release()
}

// HoldClock makes Close leave SCK at its current level. A load cell that was
// powered down by holding its clock high wakes up as soon as SCK goes low.
func (b *Bank) HoldClock() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sckHeld = true
}

func (b *Bank) release() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	outs := []gpio.PinIO{b.Trigger}
	if !b.sckHeld {
		outs = append(outs, b.SCK)
	}
	for _, out := range outs {
		if out != nil {
			keep(out.Out(gpio.Low))
		}
	}
	for _, in := range []gpio.PinIO{b.DOUT, b.Echo} {
		if in != nil {
			keep(in.In(gpio.PullNoChange, gpio.NoEdge))
		}
	}
	if first != nil {
		logrus.WithError(first).Warn("failed to release gpio pins")
	}
	return first
}
