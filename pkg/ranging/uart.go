package ranging

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.bug.st/serial"
)

const (
	frameHeader = 0xFF
	frameLen    = 4

	DefaultBaudRate    = 9600
	defaultReadTimeout = 200 * time.Millisecond
	// maxResync bounds how many bytes are skipped looking for a header.
	maxResync = 64
)

// UART reads a serial ultrasonic module that streams 4-byte frames
// (0xFF, high, low, checksum) carrying the distance in millimeters.
type UART struct {
	port io.ReadCloser

	mu sync.Mutex
	r  *bufio.Reader
}

// OpenUART opens name at baud (DefaultBaudRate if zero).
func OpenUART(name string, baud int) (*UART, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to open serial port %s", name)
	}
	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		_ = port.Close()
		return nil, pkgerrors.Wrapf(err, "failed to set read timeout on %s", name)
	}
	return NewUART(port), nil
}

// NewUART wraps an already-open stream.
func NewUART(port io.ReadCloser) *UART {
	return &UART{port: port, r: bufio.NewReaderSize(timeoutReader{port}, 64)}
}

// timeoutReader turns the empty read of an expired serial timeout into io.EOF.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

func (u *UART) Distance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	mm, err := ReadFrame(u.r)
	if err != nil {
		return 0, err
	}
	return float64(mm) / 1000, nil
}

func (u *UART) Close() error {
	return u.port.Close()
}

// ReadFrame returns the distance in millimeters of the next valid frame. It
// resynchronizes on the header byte and rejects frames whose checksum does
// not match.
func ReadFrame(r io.ByteReader) (int, error) {
	for skipped := 0; ; skipped++ {
		if skipped > maxResync {
			return 0, pkgerrors.Wrap(ErrBadFrame, "no frame header found")
		}

		b, err := r.ReadByte()
		if err != nil {
			return 0, eofAsNoEcho(err)
		}
		if b != frameHeader {
			continue
		}

		var buf [frameLen - 1]byte
		for i := range buf {
			if buf[i], err = r.ReadByte(); err != nil {
				return 0, eofAsNoEcho(err)
			}
		}

		sum := byte(frameHeader + int(buf[0]) + int(buf[1]))
		if sum != buf[2] {
			return 0, pkgerrors.Wrapf(ErrBadFrame, "checksum %#02x, want %#02x", buf[2], sum)
		}
		return int(buf[0])<<8 | int(buf[1]), nil
	}
}

func eofAsNoEcho(err error) error {
	if err == io.EOF {
		return pkgerrors.Wrap(ErrNoEcho, "serial read timed out")
	}
	return pkgerrors.Wrap(err, "failed to read serial frame")
}
