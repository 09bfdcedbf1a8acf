package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/pawsense/feeder/pkg/board"
	"github.com/pawsense/feeder/pkg/calibration"
	"github.com/pawsense/feeder/pkg/camera"
	"github.com/pawsense/feeder/pkg/config"
	"github.com/pawsense/feeder/pkg/events"
	"github.com/pawsense/feeder/pkg/feeding"
	"github.com/pawsense/feeder/pkg/hx711"
	"github.com/pawsense/feeder/pkg/proximity"
	"github.com/pawsense/feeder/pkg/ranging"
	"github.com/pawsense/feeder/pkg/records"
	"github.com/pawsense/feeder/pkg/scale"
	"github.com/pawsense/feeder/pkg/sink"
)

const (
	shutdownTimeout       = 5 * time.Second
	defaultDeliverTimeout = 15 * time.Second
)

// Daemon owns the two sensor pipelines and the administrative surface. The
// weight loop and the ranging loop share no state; the status fields below
// are written by the loops and only read elsewhere.
type Daemon struct {
	conf    config.Config
	raw     calibration.RawReader
	model   *calibration.Model
	scale   *scale.Scale
	ranger  ranging.Sensor
	capture *proximity.Scheduler
	sink    sink.Sink
	hub     *events.Hub
	tare    *Scheduler
	ticks   *TickRecorder

	// adminMu serializes tare and calibrate. calibrating pauses the weight
	// loop; resync makes it start a new detector.
	adminMu     sync.Mutex
	calibrating atomic.Bool
	resync      atomic.Bool

	// set on reload, the loops reset their tickers
	weightRetime  atomic.Bool
	rangingRetime atomic.Bool

	statusMu      sync.RWMutex
	detector      feeding.Snapshot
	lastReading   scale.Reading
	lastReadingOK bool
	lastWeightErr string
	lastIntake    *records.Intake
	lastDistance  float64
	lastScore     float64

	// weight loop only
	lastPrintedState     feeding.State
	lastUncalibratedWarn time.Time

	intakes        chan pendingIntake
	deliverTimeout time.Duration

	ctx context.Context
	now func() time.Time
}

// Components are the collaborators of a Daemon.
type Components struct {
	Raw    calibration.RawReader
	Model  *calibration.Model
	Ranger ranging.Sensor
	Camera camera.Driver
	Sink   sink.Sink
	Hub    *events.Hub
}

// New wires a Daemon. Nothing runs until Start.
func New(conf config.Config, c Components) *Daemon {
	if c.Hub == nil {
		c.Hub = events.NewHub()
	}
	if c.Sink == nil {
		c.Sink = sink.Multi{}
	}

	d := &Daemon{
		conf:           conf,
		raw:            c.Raw,
		model:          c.Model,
		scale:          scale.New(c.Raw, c.Model, conf.SampleCount()),
		ranger:         c.Ranger,
		sink:           c.Sink,
		hub:            c.Hub,
		ticks:          NewTickRecorder(tickRecordCount, conf.WeightInterval()),
		intakes:        make(chan pendingIntake, deliverQueueSize),
		deliverTimeout: defaultDeliverTimeout,
		ctx:            context.Background(),
		now:            time.Now,
	}
	d.detector = feeding.Snapshot{State: feeding.StateIdle}
	d.capture = proximity.NewScheduler(c.Camera, proximity.Options{
		SessionDuration: conf.CaptureDuration(),
		FrameInterval:   conf.CaptureFrameInterval(),
		OnSessionEnd:    d.onSessionEnd,
	})
	d.tare = d.newTareScheduler()
	return d
}

// Start runs the loops until ctx is done. wait blocks until every loop and
// capture session has returned and queued intakes are delivered.
func (d *Daemon) Start(ctx context.Context) (wait func()) {
	d.ctx = ctx

	if err := d.tare.Schedule(d.conf.AutoTareCron()); err != nil {
		logrus.WithError(err).Error("failed to schedule auto tare, auto tare disabled")
	}
	d.tare.Start()

	var loops sync.WaitGroup
	var deliver sync.WaitGroup

	deliver.Add(1)
	go func() {
		defer deliver.Done()
		d.deliverLoop()
	}()

	loops.Add(2)
	go func() {
		defer loops.Done()
		d.startupTare(ctx)
		d.weightLoop(ctx)
	}()
	go func() {
		defer loops.Done()
		d.rangingLoop(ctx)
	}()

	return func() {
		loops.Wait()
		d.capture.Wait()
		d.tare.Stop()
		close(d.intakes)
		deliver.Wait()
	}
}

// reload applies a reloaded configuration. Loop intervals, the sample count,
// detector thresholds and the auto tare schedule change in place, and capture
// budgets apply from the next session. Pins, gain, pulse width, read timeout
// and retries, the ranging source, the camera command, the data and
// calibration paths and the sinks are bound at startup and need a restart.
func (d *Daemon) reload() {
	if err := d.tare.Schedule(d.conf.AutoTareCron()); err != nil {
		logrus.WithError(err).Error("failed to apply auto tare schedule")
	}
	d.scale.SetSampleCount(d.conf.SampleCount())
	d.capture.SetBudget(d.conf.CaptureDuration(), d.conf.CaptureFrameInterval())
	d.ticks.SetInterval(d.conf.WeightInterval())
	d.weightRetime.Store(true)
	d.rangingRetime.Store(true)
	d.resync.Store(true)
}

// hardware is everything acquired from the board.
type hardware struct {
	bank   *board.Bank
	link   *hx711.Link
	ranger ranging.Sensor
}

func openHardware(conf config.Config) (*hardware, error) {
	pins := board.Pins{DOUT: conf.DOUTPin(), SCK: conf.SCKPin()}
	if conf.RangingSource() == config.RangingGPIO {
		pins.Trigger, pins.Echo = conf.TriggerPin(), conf.EchoPin()
	}

	bank, err := board.Open(pins)
	if err != nil {
		return nil, err
	}
	hw := &hardware{bank: bank}

	hw.link = hx711.New(bank.DOUT, bank.SCK, hx711.Options{
		PulseWidth:  conf.PulseWidth(),
		ReadTimeout: conf.ReadTimeout(),
		Retries:     conf.ReadRetries(),
		Gain:        hx711.Gain(conf.Gain()),
	})
	// A previous run may have left the chip powered down.
	if err := hw.link.PowerUp(); err != nil {
		_ = hw.Close()
		return nil, pkgerrors.Wrap(err, "failed to power up load cell")
	}

	switch conf.RangingSource() {
	case config.RangingUART:
		u, err := ranging.OpenUART(conf.UARTPort(), ranging.DefaultBaudRate)
		if err != nil {
			_ = hw.Close()
			return nil, err
		}
		hw.ranger = u
	default:
		hw.ranger = ranging.NewHCSR04(bank.Trigger, bank.Echo, 0)
	}

	return hw, nil
}

// Close releases the hardware in reverse order of acquisition.
func (hw *hardware) Close() error {
	var errs []error
	if hw.ranger != nil {
		if err := hw.ranger.Close(); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, "failed to close ranging sensor"))
		}
	}
	if hw.link != nil {
		if err := hw.link.Close(); err != nil {
			errs = append(errs, pkgerrors.Wrap(err, "failed to power down load cell"))
		}
		if hw.link.Asleep() {
			hw.bank.HoldClock()
		}
	}
	if err := hw.bank.Close(); err != nil {
		errs = append(errs, pkgerrors.Wrap(err, "failed to release gpio"))
	}
	return errors.Join(errs...)
}

// openSinks builds the intake sinks. Broker sinks that cannot be reached at
// startup are skipped; the file sink always exists.
func openSinks(conf config.Config) sink.Multi {
	sinks := sink.Multi{sink.NewFile(filepath.Join(conf.DataDir(), "intake"))}

	if broker := conf.MQTTBroker(); broker != "" {
		m, err := sink.NewMQTT(broker, "feeder-"+conf.SerialNumber(), conf.MQTTTopic())
		if err != nil {
			logrus.WithError(err).Error("mqtt sink disabled")
		} else {
			sinks = append(sinks, m)
		}
	}

	if brokers := conf.KafkaBrokers(); len(brokers) > 0 {
		sinks = append(sinks, sink.NewKafka(brokers, conf.KafkaTopic()))
	}

	return sinks
}

func loadCalibration(model *calibration.Model, path string) {
	err := model.Load()
	switch {
	case err == nil:
		st := model.State()
		logrus.WithFields(logrus.Fields{
			"offset": st.Offset,
			"scale":  st.Scale,
			"path":   path,
		}).Info("calibration loaded")
	case errors.Is(err, os.ErrNotExist):
		logrus.WithField("path", path).Warn("no calibration found, run calibration first")
	default:
		logrus.WithError(err).WithField("path", path).Warn("calibration unusable, starting uncalibrated")
	}
}

func Run(configPath string, unixSocketPath string, allowNonRoot bool) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		logrus.Fatalf("failed to parse config during startup: %v", err)
	}
	logrus.WithFields(conf.LogrusFields()).Infof("config loaded")

	hw, err := openHardware(conf)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to open hardware")
	}
	defer func() {
		logrus.Info("releasing hardware")
		if err := hw.Close(); err != nil {
			logrus.Errorf("failed to release hardware: %v", err)
		}
	}()

	store := calibration.NewFileStore(conf.CalibrationPath())
	model := calibration.NewModel(store)
	loadCalibration(model, store.Path())

	sinks := openSinks(conf)
	defer func() {
		if err := sinks.Close(); err != nil {
			logrus.Errorf("failed to close sinks: %v", err)
		}
	}()

	hub := events.NewHub()
	defer hub.Close()

	cam := camera.NewExec(conf.CameraCommand(), camera.DefaultArgs, filepath.Join(conf.DataDir(), "images"))

	d := New(conf, Components{
		Raw:    hw.link,
		Model:  model,
		Ranger: hw.ranger,
		Camera: cam,
		Sink:   sinks,
		Hub:    hub,
	})

	// Receive SIGHUP to reload config
	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGHUP)
		for range sigc {
			err := conf.Load()
			if err != nil {
				logrus.Errorf("failed to reload config: %v", err)
				continue
			}
			d.reload()
			logrus.Infof("config reloaded")
		}
	}()

	srv := &http.Server{
		Handler: d.setupRoutes(),
	}

	// Create the socket to listen on:
	_ = os.Remove(unixSocketPath)
	l, err := net.Listen("unix", unixSocketPath)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to listen on %s", unixSocketPath)
	}

	if conf.AllowNonRootAccess() || allowNonRoot {
		logrus.Infof("non-root access is allowed, changing permissions of %s to 0777", unixSocketPath)
		err = os.Chmod(unixSocketPath, 0777)
		if err != nil {
			_ = l.Close()
			return pkgerrors.Wrapf(err, "failed to chmod %s", unixSocketPath)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wait := d.Start(ctx)

	// Serve HTTP on unix socket
	serveErr := make(chan error, 1)
	go func() {
		logrus.Infof("http server listening on %s", l.Addr().String())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Handle common process-killing signals, so we can gracefully shut down:
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	// Wait for a SIGINT or SIGTERM:
	select {
	case sig := <-sigc:
		logrus.Infof("caught signal \"%s\": shutting down.", sig)
	case err = <-serveErr:
		logrus.Errorf("http server failed: %v", err)
	}

	logrus.Info("shutting down http server")
	hub.Close() // ends open event streams
	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := srv.Shutdown(sctx); err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	scancel()

	logrus.Info("stopping sensor loops")
	cancel()
	wait()

	logrus.Info("exiting")
	return err
}

func (d *Daemon) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logrus.StandardLogger()))
	router.GET("/config", d.getConfig)
	router.GET("/status", d.getStatus)
	router.GET("/weight", d.getWeight)
	router.GET("/calibration", d.getCalibration)
	router.POST("/tare", d.postTare)
	router.POST("/calibrate", d.postCalibrate)
	router.GET("/schedule", d.getSchedule)
	router.PUT("/schedule", d.setSchedule)
	router.POST("/schedule/skip", d.skipSchedule)
	router.POST("/schedule/postpone", d.postponeSchedule)
	router.GET("/capture", d.getCapture)
	router.GET("/events", d.streamEvents)
	router.GET("/version", getVersion)

	return router
}
