package proximity

import (
	"context"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pawsense/feeder/pkg/camera"
)

const (
	DefaultSessionDuration = 3 * time.Minute
	DefaultFrameInterval   = time.Second
)

// ArmScore is the score at which an idle scheduler opens a session.
const ArmScore = 1.0

type EndReason string

const (
	EndFrameBudget EndReason = "frames"   // all frames taken
	EndTimeBudget  EndReason = "timeout"  // session duration elapsed
	EndShutdown    EndReason = "shutdown" // parent context done
)

// Session is the state of one capture window.
type Session struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt,omitempty"`
	TotalFrames  int       `json:"totalFrames"`
	FramesTaken  int       `json:"framesTaken"`
	FramesFailed int       `json:"framesFailed"`
	EndReason    EndReason `json:"endReason,omitempty"`
}

type Options struct {
	SessionDuration time.Duration
	FrameInterval   time.Duration
	// OnSessionEnd, if set, receives every finished session. It runs on the
	// session goroutine.
	OnSessionEnd func(Session)
}

// TotalFrames is the frame budget of one session.
func (o Options) TotalFrames() int {
	if o.FrameInterval <= 0 {
		return 0
	}
	return int(o.SessionDuration / o.FrameInterval)
}

// Scheduler owns at most one capture session at a time. Once armed, a session
// runs to its frame or time budget regardless of later scores; only the
// context passed to Observe can end it early.
type Scheduler struct {
	cam  camera.Driver
	opts Options

	mu      sync.Mutex
	current *Session
	last    *Session
	wg      sync.WaitGroup

	now       func() time.Time
	newTicker func(d time.Duration) (<-chan time.Time, func())
}

func NewScheduler(cam camera.Driver, opts Options) *Scheduler {
	if opts.SessionDuration <= 0 {
		opts.SessionDuration = DefaultSessionDuration
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	return &Scheduler{
		cam:       cam,
		opts:      opts,
		now:       time.Now,
		newTicker: realTicker,
	}
}

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Observe feeds one proximity score. It returns true when this score opened a
// new session. Scores while a session is running are ignored.
func (s *Scheduler) Observe(ctx context.Context, score float64) bool {
	if score < ArmScore {
		return false
	}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return false
	}

	h, err := s.cam.StartSession(ctx)
	if err != nil {
		s.mu.Unlock()
		logrus.WithError(err).Error("failed to start capture session")
		return false
	}

	opts := s.opts
	sess := &Session{
		ID:          h.ID,
		StartedAt:   s.now(),
		TotalFrames: opts.TotalFrames(),
	}
	s.current = sess
	s.wg.Add(1)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session": sess.ID,
		"frames":  sess.TotalFrames,
		"budget":  opts.SessionDuration.String(),
	}).Info("capture session armed")

	go s.run(ctx, sess, h, opts)
	return true
}

// SetBudget changes the session duration and frame interval of later
// sessions. A running session keeps its budget. Non-positive values are
// ignored.
func (s *Scheduler) SetBudget(duration, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if duration > 0 {
		s.opts.SessionDuration = duration
	}
	if interval > 0 {
		s.opts.FrameInterval = interval
	}
}

// Budget returns the session duration and frame interval of the next session.
func (s *Scheduler) Budget() (duration, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.SessionDuration, s.opts.FrameInterval
}

func (s *Scheduler) run(ctx context.Context, sess *Session, h camera.SessionHandle, opts Options) {
	defer s.wg.Done()

	ticks, stop := s.newTicker(opts.FrameInterval)
	defer stop()

	reason := s.loop(ctx, sess, h, ticks, opts.SessionDuration)

	if err := s.cam.EndSession(context.WithoutCancel(ctx), h); err != nil {
		logrus.WithError(err).WithField("session", sess.ID).Warn("failed to end capture session")
	}

	s.mu.Lock()
	sess.EndedAt = s.now()
	sess.EndReason = reason
	done := *sess
	s.last = &done
	s.current = nil
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session": done.ID,
		"taken":   done.FramesTaken,
		"failed":  done.FramesFailed,
		"reason":  done.EndReason,
	}).Info("capture session ended")

	if opts.OnSessionEnd != nil {
		opts.OnSessionEnd(done)
	}
}

func (s *Scheduler) loop(ctx context.Context, sess *Session, h camera.SessionHandle, ticks <-chan time.Time, budget time.Duration) EndReason {
	if ctx.Err() != nil {
		return EndShutdown
	}
	if s.capture(ctx, sess, h, budget) {
		return EndTimeBudget
	}

	for {
		if s.taken(sess) >= sess.TotalFrames {
			return EndFrameBudget
		}

		select {
		case <-ctx.Done():
			return EndShutdown
		case <-ticks:
		}

		if s.now().Sub(sess.StartedAt) > budget {
			return EndTimeBudget
		}
		if s.capture(ctx, sess, h, budget) {
			return EndTimeBudget
		}
	}
}

// capture takes one frame, bounded by what is left of the session budget. A
// failure still consumes the slot. It reports true when the frame was cut off
// by the budget.
func (s *Scheduler) capture(ctx context.Context, sess *Session, h camera.SessionHandle, budget time.Duration) bool {
	remaining := budget - s.now().Sub(sess.StartedAt)
	fctx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	ref, err := s.cam.CaptureFrame(fctx, h)
	expired := err != nil && ctx.Err() == nil && pkgerrors.Is(fctx.Err(), context.DeadlineExceeded)

	s.mu.Lock()
	sess.FramesTaken++
	if err != nil {
		sess.FramesFailed++
	}
	n := sess.FramesTaken
	s.mu.Unlock()

	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"session": sess.ID,
			"frame":   n,
			"expired": expired,
		}).Warn("frame capture failed")
		return expired
	}
	logrus.WithFields(logrus.Fields{
		"session": sess.ID,
		"frame":   n,
		"path":    ref.Path,
	}).Trace("frame captured")
	return false
}

func (s *Scheduler) taken(sess *Session) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sess.FramesTaken
}

// Current returns a copy of the running session.
func (s *Scheduler) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

// Last returns the most recently finished session.
func (s *Scheduler) Last() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Session{}, false
	}
	return *s.last, true
}

// Wait blocks until the running session, if any, has ended.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
