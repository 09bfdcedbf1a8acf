package daemon

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	defaultLead             = time.Minute * 5 // defaultLead is how long before a run OnUpcoming fires.
	defaultPreCheckRetries  = 30
	defaultPreCheckInterval = time.Second * 10
)

// TaskFunc represents a runnable task.
type TaskFunc func() error

type SchedulerOptions struct {
	Lead time.Duration
	// PreCheckRetries is how many more times a failing pre-check is retried
	// before the run is given up and the schedule advances.
	PreCheckRetries  int
	PreCheckInterval time.Duration
}

// Scheduler runs Task on a cron schedule, gated by PreCheck.
type Scheduler struct {
	OnUpcoming func(runAt time.Time) // called Lead before a run
	OnError    func(err error)       // called on pre-check or task failure
	Task       TaskFunc
	PreCheck   TaskFunc

	opts   SchedulerOptions
	parser cron.Parser

	mu       sync.Mutex
	expr     string
	schedule cron.Schedule
	nextRun  time.Time
	running  bool

	controlCh chan controlMsg
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type controlKind int

const (
	ctrlRecalculate controlKind = iota // schedule changed or disabled
	ctrlPostpone                       // current run moved later
	ctrlSkip                           // current run dropped
)

func (k controlKind) String() string {
	switch k {
	case ctrlRecalculate:
		return "recalculate"
	case ctrlPostpone:
		return "postpone"
	case ctrlSkip:
		return "skip"
	default:
		return "unknown"
	}
}

type controlMsg struct {
	kind controlKind
	at   time.Time
}

func NewScheduler(task, preCheck TaskFunc, opts SchedulerOptions) *Scheduler {
	if task == nil {
		panic("task function cannot be nil")
	}
	if opts.Lead < 0 {
		opts.Lead = 0
	}
	if opts.PreCheckRetries < 0 {
		opts.PreCheckRetries = 0
	}
	if opts.PreCheckInterval <= 0 {
		opts.PreCheckInterval = defaultPreCheckInterval
	}

	return &Scheduler{
		Task:      task,
		PreCheck:  preCheck,
		opts:      opts,
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		controlCh: make(chan controlMsg, 4),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the scheduling goroutine. It is a no-op when already started
// or stopped.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	select {
	case <-s.stopCh:
		return
	default:
	}
	s.running = true
	go s.run()
}

// Stop stops the scheduling goroutine and waits for it to return. A task
// that is already executing is not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if running {
		<-s.doneCh
	}
}

// Schedule replaces the schedule. An empty expression disables it.
func (s *Scheduler) Schedule(expr string) error {
	if expr == "" {
		s.Disable()
		return nil
	}

	sh, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}

	s.mu.Lock()
	s.expr = expr
	s.schedule = sh
	s.nextRun = sh.Next(time.Now())
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlRecalculate, time.Time{})
	}
	return nil
}

// Disable clears the schedule; nothing runs until Schedule is called again.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	s.expr = ""
	s.schedule = nil
	s.nextRun = time.Time{}
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlRecalculate, time.Time{})
	}
}

// Expr returns the active cron expression, empty when disabled.
func (s *Scheduler) Expr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expr
}

// Postpone moves the next run later by d. The postponed run must still come
// before the one after it.
func (s *Scheduler) Postpone(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("postpone duration must be positive")
	}

	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() || !s.running {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to postpone")
	}
	orig := s.nextRun
	following := s.schedule.Next(orig).Truncate(time.Second)
	s.mu.Unlock()

	pp := orig.Add(d).Truncate(time.Second)
	if !pp.Before(following) {
		return fmt.Errorf("postpone duration too long, next run is at %s", following.Format(time.DateTime))
	}

	s.mu.Lock()
	s.nextRun = pp
	s.mu.Unlock()
	s.trySendControl(ctrlPostpone, pp)
	return nil
}

// Skip drops the next scheduled run.
func (s *Scheduler) Skip() error {
	s.mu.Lock()
	if s.schedule == nil || s.nextRun.IsZero() {
		s.mu.Unlock()
		return fmt.Errorf("no active schedule to skip")
	}
	s.nextRun = s.schedule.Next(s.nextRun)
	running := s.running
	s.mu.Unlock()

	if running {
		s.trySendControl(ctrlSkip, time.Time{})
	}
	return nil
}

func (s *Scheduler) Status() (nextRun time.Time, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nextRun, s.running
}

func (s *Scheduler) run() {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
		logrus.Debug("scheduler stopped")
	}()

	logrus.Debug("scheduler started")

	for {
		nextRun := s.next()

		// A nil channel blocks forever while no schedule is active.
		var timer *time.Timer
		var fire <-chan time.Time
		if !nextRun.IsZero() {
			wait := time.Until(nextRun) - s.opts.Lead
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		if !s.waitAndRun(nextRun, timer, fire) {
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// waitAndRun drives one scheduled run through its lead, pre-check and task
// phases. It returns false when the scheduler is stopping.
func (s *Scheduler) waitAndRun(runAt time.Time, timer *time.Timer, fire <-chan time.Time) bool {
	leading := s.opts.Lead > 0
	attempts := 0
	var lastPreCheckErr error

	for {
		select {
		case <-s.stopCh:
			return false

		case msg := <-s.controlCh:
			logrus.WithFields(logrus.Fields{
				"kind": msg.kind,
				"at":   msg.at,
			}).Debug("received control msg")

			if msg.kind == ctrlPostpone && timer != nil {
				runAt = msg.at
				leading = false
				timer.Reset(time.Until(runAt))
				continue
			}
			return true

		case <-fire:
			if leading {
				logrus.Debugf("upcoming scheduled task at %s", runAt.Format(time.DateTime))
				leading = false
				s.notifyUpcoming(runAt)
				timer.Reset(max(time.Until(runAt), 0))
				continue
			}

			logrus.Debugf("running scheduled task at %s", runAt.Format(time.DateTime))

			if s.PreCheck != nil {
				if err := s.PreCheck(); err != nil {
					if lastPreCheckErr == nil || err.Error() != lastPreCheckErr.Error() {
						lastPreCheckErr = err
						s.notifyError(fmt.Errorf("precheck failed: %w", err))
					}

					attempts++
					if attempts <= s.opts.PreCheckRetries {
						logrus.Debugf("precheck failed (%d/%d): %v; retrying in %s", attempts, s.opts.PreCheckRetries, err, s.opts.PreCheckInterval)
						timer.Reset(s.opts.PreCheckInterval)
						continue
					}

					logrus.WithError(err).Warn("precheck kept failing, giving up this run")
					s.advance(runAt)
					return true
				}
			}

			go func() {
				if err := s.Task(); err != nil {
					s.notifyError(fmt.Errorf("task failed: %w", err))
				}
			}()
			s.advance(runAt)
			return true
		}
	}
}

func (s *Scheduler) next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// advance moves nextRun past ranAt unless the schedule was replaced meanwhile.
func (s *Scheduler) advance(ranAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedule == nil {
		return
	}
	if s.nextRun.After(ranAt) {
		return
	}
	s.nextRun = s.schedule.Next(ranAt)
}

func (s *Scheduler) notifyUpcoming(runAt time.Time) {
	if s.OnUpcoming == nil {
		return
	}
	go s.OnUpcoming(runAt)
}

func (s *Scheduler) notifyError(err error) {
	if s.OnError == nil {
		return
	}
	go s.OnError(err)
}

func (s *Scheduler) trySendControl(kind controlKind, at time.Time) {
	select {
	case s.controlCh <- controlMsg{kind: kind, at: at}:
	default:
	}
}
