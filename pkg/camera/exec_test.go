package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExec(t *testing.T) (*Exec, *[][]string) {
	t.Helper()

	var calls [][]string
	e := NewExec("", nil, t.TempDir())
	e.newID = func() string { return "abc" }
	e.now = func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC) }
	e.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		return nil, nil
	}
	return e, &calls
}

func TestExecSessionLifecycle(t *testing.T) {
	e, calls := newTestExec(t)
	ctx := context.Background()

	h, err := e.StartSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", h.ID)
	assert.Equal(t, filepath.Join(e.Root, "20260506-070809-abc"), h.Dir)
	st, err := os.Stat(h.Dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	for i := 0; i < 3; i++ {
		ref, err := e.CaptureFrame(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, i, ref.Frame)
	}

	require.Len(t, *calls, 3)
	assert.Equal(t, []string{DefaultCommand, "-n", "-t", "1", "-o", filepath.Join(h.Dir, "002.jpg")}, (*calls)[2])

	require.NoError(t, e.EndSession(ctx, h))
	_, err = e.CaptureFrame(ctx, h)
	assert.ErrorIs(t, err, ErrCapture)
	assert.Error(t, e.EndSession(ctx, h))
}

func TestExecCommandFailureIsCaptureError(t *testing.T) {
	e, _ := newTestExec(t)
	e.run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("no cameras available\n"), errors.New("exit status 1")
	}
	ctx := context.Background()

	h, err := e.StartSession(ctx)
	require.NoError(t, err)

	_, err = e.CaptureFrame(ctx, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapture)
	assert.Contains(t, err.Error(), "no cameras available")

	// The failed frame still consumes its number.
	e.run = func(context.Context, string, ...string) ([]byte, error) { return nil, nil }
	ref, err := e.CaptureFrame(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 1, ref.Frame)
}
