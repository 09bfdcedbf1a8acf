package proximity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawsense/feeder/pkg/camera"
)

type fakeCamera struct {
	mu       sync.Mutex
	starts   int
	ends     int
	frames   int
	startErr error
	failEven bool
}

func (c *fakeCamera) StartSession(context.Context) (camera.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return camera.SessionHandle{}, c.startErr
	}
	c.starts++
	return camera.SessionHandle{ID: "sess"}, nil
}

func (c *fakeCamera) CaptureFrame(context.Context, camera.SessionHandle) (camera.ImageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.frames
	c.frames++
	if c.failEven && n%2 == 0 {
		return camera.ImageRef{}, camera.ErrCapture
	}
	return camera.ImageRef{Frame: n}, nil
}

func (c *fakeCamera) EndSession(context.Context, camera.SessionHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ends++
	return nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type harness struct {
	s     *Scheduler
	cam   *fakeCamera
	clock *manualClock
	ticks chan time.Time
	ended chan Session
}

func newHarness(cam *fakeCamera) *harness {
	h := &harness{
		cam:   cam,
		clock: &manualClock{now: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)},
		ticks: make(chan time.Time),
		ended: make(chan Session, 4),
	}
	h.s = NewScheduler(cam, Options{OnSessionEnd: func(s Session) { h.ended <- s }})
	h.s.now = h.clock.Now
	h.s.newTicker = func(time.Duration) (<-chan time.Time, func()) {
		return h.ticks, func() {}
	}
	return h
}

// tick advances the clock by d and delivers one ticker fire. It reports false
// if the session goroutine stopped listening.
func (h *harness) tick(d time.Duration) bool {
	t := h.clock.Advance(d)
	select {
	case h.ticks <- t:
		return true
	case <-time.After(time.Second):
		return false
	}
}

func (h *harness) waitEnded(t *testing.T) Session {
	t.Helper()
	select {
	case s := <-h.ended:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return Session{}
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		distance float64
		want     float64
	}{
		{0, 1},
		{0.5, 1},
		{1.75, 0.5},
		{3.0, 0},
		{10, 0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Score(tt.distance, DefaultNearThreshold, DefaultFarThreshold), 1e-12, "distance %v", tt.distance)
	}
	assert.Equal(t, 0.0, Score(1, 2, 2))
	assert.Equal(t, 1.0, Score(2, 2, 2))
}

func TestDefaultBudget(t *testing.T) {
	s := NewScheduler(&fakeCamera{}, Options{})
	assert.Equal(t, 180, s.opts.TotalFrames())
}

func TestBelowArmScoreDoesNothing(t *testing.T) {
	h := newHarness(&fakeCamera{})

	for _, score := range []float64{0, 0.5, 0.999} {
		assert.False(t, h.s.Observe(context.Background(), score))
	}
	_, ok := h.s.Current()
	assert.False(t, ok)
	assert.Equal(t, 0, h.cam.starts)
}

func TestSessionNotCancelledWhenSubjectLeaves(t *testing.T) {
	h := newHarness(&fakeCamera{})
	ctx := context.Background()

	require.True(t, h.s.Observe(ctx, 1.0))

	// Subject walks away and comes back repeatedly; nothing re-arms or cancels.
	for i := 0; i < 179; i++ {
		h.s.Observe(ctx, 0)
		if i%20 == 0 {
			assert.False(t, h.s.Observe(ctx, 1.0), "re-arm while capturing at tick %d", i)
		}
		require.True(t, h.tick(time.Second), "session stopped early at tick %d", i)
	}

	done := h.waitEnded(t)
	assert.Equal(t, 180, done.FramesTaken)
	assert.Equal(t, 180, done.TotalFrames)
	assert.Equal(t, EndFrameBudget, done.EndReason)
	assert.Equal(t, 1, h.cam.starts)
	assert.Equal(t, 1, h.cam.ends)
	assert.Equal(t, 180, h.cam.frames)

	h.s.Wait()
	_, ok := h.s.Current()
	assert.False(t, ok)
	last, ok := h.s.Last()
	require.True(t, ok)
	assert.Equal(t, done, last)

	// Idle again: the next near score opens a fresh session.
	assert.True(t, h.s.Observe(ctx, 1.0))
	assert.Equal(t, 2, h.cam.starts)
	drainSession(t, h)
}

// drainSession ends the running session through its time budget.
func drainSession(t *testing.T, h *harness) {
	t.Helper()
	for h.tick(10 * time.Minute) {
	}
	h.waitEnded(t)
	h.s.Wait()
}

func TestFailedFramesAreCounted(t *testing.T) {
	h := newHarness(&fakeCamera{failEven: true})

	require.True(t, h.s.Observe(context.Background(), 1.0))
	for i := 0; i < 179; i++ {
		require.True(t, h.tick(time.Second))
	}

	done := h.waitEnded(t)
	assert.Equal(t, 180, done.FramesTaken)
	assert.Equal(t, 90, done.FramesFailed)
}

func TestTimeBudgetEndsSlowSession(t *testing.T) {
	h := newHarness(&fakeCamera{})

	require.True(t, h.s.Observe(context.Background(), 1.0))
	// Each tick arrives 2s late: at most 90 ticks fit inside 3 minutes.
	for h.tick(2 * time.Second) {
	}

	done := h.waitEnded(t)
	assert.Equal(t, EndTimeBudget, done.EndReason)
	assert.Equal(t, 91, done.FramesTaken)
	assert.Less(t, done.FramesTaken, done.TotalFrames)
}

func TestShutdownEndsSession(t *testing.T) {
	h := newHarness(&fakeCamera{})
	ctx, cancel := context.WithCancel(context.Background())

	require.True(t, h.s.Observe(ctx, 1.0))
	require.True(t, h.tick(time.Second))
	cancel()

	done := h.waitEnded(t)
	assert.Equal(t, EndShutdown, done.EndReason)
	assert.Equal(t, 1, h.cam.ends)
	h.s.Wait()
}

func TestStartFailureStaysIdle(t *testing.T) {
	h := newHarness(&fakeCamera{startErr: errors.New("camera busy")})

	assert.False(t, h.s.Observe(context.Background(), 1.0))
	_, ok := h.s.Current()
	assert.False(t, ok)
}

// stuckCamera never finishes a frame until its context is done.
type stuckCamera struct {
	fakeCamera
}

func (c *stuckCamera) CaptureFrame(ctx context.Context, _ camera.SessionHandle) (camera.ImageRef, error) {
	<-ctx.Done()
	return camera.ImageRef{}, ctx.Err()
}

func TestHungFrameEndsAtTimeBudget(t *testing.T) {
	cam := &stuckCamera{}
	ended := make(chan Session, 1)
	s := NewScheduler(cam, Options{
		SessionDuration: 300 * time.Millisecond,
		FrameInterval:   100 * time.Millisecond,
		OnSessionEnd:    func(sess Session) { ended <- sess },
	})

	ctx := context.Background()
	require.True(t, s.Observe(ctx, 1.0))

	var done Session
	select {
	case done = <-ended:
	case <-time.After(2 * time.Second):
		cur, _ := s.Current()
		t.Fatalf("session with 300ms budget still running after 2s: %+v", cur)
	}
	s.Wait()

	assert.Equal(t, EndTimeBudget, done.EndReason)
	assert.Equal(t, 1, done.FramesTaken)
	assert.Equal(t, 1, done.FramesFailed)
	assert.Equal(t, 3, done.TotalFrames)
	assert.Equal(t, 1, cam.ends)

	// The scheduler is idle again, so a new near score re-arms it.
	require.True(t, s.Observe(ctx, 1.0))
	<-ended
	s.Wait()
}

func TestSetBudgetAppliesToNextSession(t *testing.T) {
	h := newHarness(&fakeCamera{})
	ctx := context.Background()

	require.True(t, h.s.Observe(ctx, 1.0))
	h.s.SetBudget(10*time.Second, time.Second)
	h.s.SetBudget(0, -time.Second)

	cur, ok := h.s.Current()
	require.True(t, ok)
	assert.Equal(t, 180, cur.TotalFrames, "running session keeps its budget")
	drainSession(t, h)

	dur, every := h.s.Budget()
	assert.Equal(t, 10*time.Second, dur)
	assert.Equal(t, time.Second, every)

	require.True(t, h.s.Observe(ctx, 1.0))
	cur, ok = h.s.Current()
	require.True(t, ok)
	assert.Equal(t, 10, cur.TotalFrames)
	drainSession(t, h)
}
