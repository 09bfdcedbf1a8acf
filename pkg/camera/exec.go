package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultCommand is the still-capture program used on Raspberry Pi OS.
const DefaultCommand = "libcamera-still"

// DefaultArgs disable the preview window and shorten the capture delay.
var DefaultArgs = []string{"-n", "-t", "1"}

// Exec captures frames by running an external program once per frame. The
// program receives "-o <path>" after Args.
type Exec struct {
	Command string
	Args    []string
	// Root is the image directory; sessions get a subdirectory each.
	Root string

	mu     sync.Mutex
	frames map[string]int

	run   func(ctx context.Context, name string, args ...string) ([]byte, error)
	newID func() string
	now   func() time.Time
}

func NewExec(command string, args []string, root string) *Exec {
	if command == "" {
		command = DefaultCommand
	}
	if args == nil {
		args = DefaultArgs
	}
	return &Exec{
		Command: command,
		Args:    args,
		Root:    root,
		frames:  make(map[string]int),
		run:     runCommand,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (e *Exec) StartSession(_ context.Context) (SessionHandle, error) {
	h := SessionHandle{ID: e.newID(), StartedAt: e.now()}
	h.Dir = filepath.Join(e.Root, h.StartedAt.Format("20060102-150405")+"-"+h.ID)

	if err := os.MkdirAll(h.Dir, 0o755); err != nil {
		return SessionHandle{}, pkgerrors.Wrapf(err, "failed to create session directory %s", h.Dir)
	}

	e.mu.Lock()
	e.frames[h.ID] = 0
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session": h.ID,
		"dir":     h.Dir,
	}).Debug("camera session opened")
	return h, nil
}

func (e *Exec) CaptureFrame(ctx context.Context, h SessionHandle) (ImageRef, error) {
	e.mu.Lock()
	n, ok := e.frames[h.ID]
	if ok {
		e.frames[h.ID] = n + 1
	}
	e.mu.Unlock()
	if !ok {
		return ImageRef{}, pkgerrors.Wrapf(ErrCapture, "unknown session %s", h.ID)
	}

	path := filepath.Join(h.Dir, fmt.Sprintf("%03d.jpg", n))
	args := append(append([]string{}, e.Args...), "-o", path)

	out, err := e.run(ctx, e.Command, args...)
	if err != nil {
		return ImageRef{}, pkgerrors.Wrapf(ErrCapture, "%s %s: %v: %s", e.Command, path, err, strings.TrimSpace(string(out)))
	}

	return ImageRef{Path: path, Frame: n, TakenAt: e.now()}, nil
}

func (e *Exec) EndSession(_ context.Context, h SessionHandle) error {
	e.mu.Lock()
	n, ok := e.frames[h.ID]
	delete(e.frames, h.ID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %s", h.ID)
	}

	logrus.WithFields(logrus.Fields{
		"session": h.ID,
		"frames":  n,
	}).Debug("camera session closed")
	return nil
}
