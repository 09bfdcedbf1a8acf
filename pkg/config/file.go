package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/pawsense/feeder/pkg/utils/ptr"
)

var (
	defaultFileConfig = &RawFileConfig{
		SerialNumber:               ptr.To("SN0001"),
		DOUTPin:                    ptr.To("GPIO15"),
		SCKPin:                     ptr.To("GPIO14"),
		PulseWidthMicros:           ptr.To(1),
		ReadTimeoutMillis:          ptr.To(1000),
		ReadRetries:                ptr.To(2),
		Gain:                       ptr.To(128),
		SampleCount:                ptr.To(5),
		TareTimes:                  ptr.To(15),
		TareOnStart:                ptr.To(false),
		WeightIntervalMillis:       ptr.To(100),
		ChangeThresholdGrams:       ptr.To(5.0),
		QuiescenceSeconds:          ptr.To(3.0),
		RangingSource:              ptr.To(RangingGPIO),
		TriggerPin:                 ptr.To("GPIO24"),
		EchoPin:                    ptr.To("GPIO23"),
		UARTPort:                   ptr.To("/dev/ttyS0"),
		ProximityIntervalMillis:    ptr.To(100),
		NearThresholdMeters:        ptr.To(0.5),
		FarThresholdMeters:         ptr.To(3.0),
		CaptureDurationSeconds:     ptr.To(180),
		CaptureFrameIntervalMillis: ptr.To(1000),
		CameraCommand:              ptr.To("libcamera-still"),
		DataDir:                    ptr.To("/var/lib/feeder/data"),
		CalibrationPath:            ptr.To("/var/lib/feeder/calibration"),
		AutoTareCron:               ptr.To(""),
		AutoTareMaxDriftGrams:      ptr.To(20.0),
		MQTTBroker:                 ptr.To(""),
		MQTTTopic:                  ptr.To("feeder/intake"),
		KafkaBrokers:               &[]string{},
		KafkaTopic:                 ptr.To("feeder.intake"),
		AllowNonRootAccess:         ptr.To(false),
	}
)

var _ Config = &File{}

type File struct {
	c        *RawFileConfig
	mu       *sync.RWMutex
	filepath string
}

func NewFile(configPath string) (*File, error) {
	f := &File{
		filepath: configPath,
		mu:       &sync.RWMutex{},
	}
	err := f.Load()
	if err != nil {
		return nil, err
	}

	return f, nil
}

func NewFileFromConfig(c *RawFileConfig, configPath string) *File {
	if c == nil {
		c = &RawFileConfig{}
	}

	f := &File{
		c:        c,
		mu:       &sync.RWMutex{},
		filepath: configPath,
	}

	return f
}

// NewRawFileConfigFromConfig returns the effective values of c, defaults
// included.
func NewRawFileConfigFromConfig(c Config) (*RawFileConfig, error) {
	if c == nil {
		return nil, pkgerrors.New("config is nil")
	}

	rawConfig := &RawFileConfig{
		SerialNumber:               ptr.To(c.SerialNumber()),
		DOUTPin:                    ptr.To(c.DOUTPin()),
		SCKPin:                     ptr.To(c.SCKPin()),
		PulseWidthMicros:           ptr.To(int(c.PulseWidth() / time.Microsecond)),
		ReadTimeoutMillis:          ptr.To(int(c.ReadTimeout() / time.Millisecond)),
		ReadRetries:                ptr.To(c.ReadRetries()),
		Gain:                       ptr.To(c.Gain()),
		SampleCount:                ptr.To(c.SampleCount()),
		TareTimes:                  ptr.To(c.TareTimes()),
		TareOnStart:                ptr.To(c.TareOnStart()),
		WeightIntervalMillis:       ptr.To(int(c.WeightInterval() / time.Millisecond)),
		ChangeThresholdGrams:       ptr.To(c.ChangeThresholdGrams()),
		QuiescenceSeconds:          ptr.To(c.Quiescence().Seconds()),
		RangingSource:              ptr.To(c.RangingSource()),
		TriggerPin:                 ptr.To(c.TriggerPin()),
		EchoPin:                    ptr.To(c.EchoPin()),
		UARTPort:                   ptr.To(c.UARTPort()),
		ProximityIntervalMillis:    ptr.To(int(c.ProximityInterval() / time.Millisecond)),
		NearThresholdMeters:        ptr.To(c.NearThresholdMeters()),
		FarThresholdMeters:         ptr.To(c.FarThresholdMeters()),
		CaptureDurationSeconds:     ptr.To(int(c.CaptureDuration() / time.Second)),
		CaptureFrameIntervalMillis: ptr.To(int(c.CaptureFrameInterval() / time.Millisecond)),
		CameraCommand:              ptr.To(c.CameraCommand()),
		DataDir:                    ptr.To(c.DataDir()),
		CalibrationPath:            ptr.To(c.CalibrationPath()),
		MQTTBroker:                 ptr.To(c.MQTTBroker()),
		MQTTTopic:                  ptr.To(c.MQTTTopic()),
		KafkaBrokers:               ptr.To(c.KafkaBrokers()),
		KafkaTopic:                 ptr.To(c.KafkaTopic()),
		AutoTareCron:               ptr.To(c.AutoTareCron()),
		AutoTareMaxDriftGrams:      ptr.To(c.AutoTareMaxDriftGrams()),
		AllowNonRootAccess:         ptr.To(c.AllowNonRootAccess()),
	}

	return rawConfig, nil
}

type RawFileConfig struct {
	SerialNumber *string `json:"serialNumber,omitempty" yaml:"serialNumber,omitempty"`

	DOUTPin              *string  `json:"doutPin,omitempty" yaml:"doutPin,omitempty"`
	SCKPin               *string  `json:"sckPin,omitempty" yaml:"sckPin,omitempty"`
	PulseWidthMicros     *int     `json:"pulseWidthMicros,omitempty" yaml:"pulseWidthMicros,omitempty"`
	ReadTimeoutMillis    *int     `json:"readTimeoutMillis,omitempty" yaml:"readTimeoutMillis,omitempty"`
	ReadRetries          *int     `json:"readRetries,omitempty" yaml:"readRetries,omitempty"`
	Gain                 *int     `json:"gain,omitempty" yaml:"gain,omitempty"`
	SampleCount          *int     `json:"sampleCount,omitempty" yaml:"sampleCount,omitempty"`
	TareTimes            *int     `json:"tareTimes,omitempty" yaml:"tareTimes,omitempty"`
	TareOnStart          *bool    `json:"tareOnStart,omitempty" yaml:"tareOnStart,omitempty"`
	WeightIntervalMillis *int     `json:"weightIntervalMillis,omitempty" yaml:"weightIntervalMillis,omitempty"`
	ChangeThresholdGrams *float64 `json:"changeThresholdGrams,omitempty" yaml:"changeThresholdGrams,omitempty"`
	QuiescenceSeconds    *float64 `json:"quiescenceSeconds,omitempty" yaml:"quiescenceSeconds,omitempty"`

	RangingSource              *string  `json:"rangingSource,omitempty" yaml:"rangingSource,omitempty"`
	TriggerPin                 *string  `json:"triggerPin,omitempty" yaml:"triggerPin,omitempty"`
	EchoPin                    *string  `json:"echoPin,omitempty" yaml:"echoPin,omitempty"`
	UARTPort                   *string  `json:"uartPort,omitempty" yaml:"uartPort,omitempty"`
	ProximityIntervalMillis    *int     `json:"proximityIntervalMillis,omitempty" yaml:"proximityIntervalMillis,omitempty"`
	NearThresholdMeters        *float64 `json:"nearThresholdMeters,omitempty" yaml:"nearThresholdMeters,omitempty"`
	FarThresholdMeters         *float64 `json:"farThresholdMeters,omitempty" yaml:"farThresholdMeters,omitempty"`
	CaptureDurationSeconds     *int     `json:"captureDurationSeconds,omitempty" yaml:"captureDurationSeconds,omitempty"`
	CaptureFrameIntervalMillis *int     `json:"captureFrameIntervalMillis,omitempty" yaml:"captureFrameIntervalMillis,omitempty"`
	CameraCommand              *string  `json:"cameraCommand,omitempty" yaml:"cameraCommand,omitempty"`

	DataDir         *string   `json:"dataDir,omitempty" yaml:"dataDir,omitempty"`
	CalibrationPath *string   `json:"calibrationPath,omitempty" yaml:"calibrationPath,omitempty"`
	MQTTBroker      *string   `json:"mqttBroker,omitempty" yaml:"mqttBroker,omitempty"`
	MQTTTopic       *string   `json:"mqttTopic,omitempty" yaml:"mqttTopic,omitempty"`
	KafkaBrokers    *[]string `json:"kafkaBrokers,omitempty" yaml:"kafkaBrokers,omitempty"`
	KafkaTopic      *string   `json:"kafkaTopic,omitempty" yaml:"kafkaTopic,omitempty"`

	AutoTareCron          *string  `json:"autoTareCron,omitempty" yaml:"autoTareCron,omitempty"`
	AutoTareMaxDriftGrams *float64 `json:"autoTareMaxDriftGrams,omitempty" yaml:"autoTareMaxDriftGrams,omitempty"`
	AllowNonRootAccess    *bool    `json:"allowNonRootAccess,omitempty" yaml:"allowNonRootAccess,omitempty"`
}

// value returns the field chosen by pick, falling back to its default.
func value[T any](f *File, pick func(*RawFileConfig) *T) T {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if v := pick(f.c); v != nil {
		return *v
	}
	return *pick(defaultFileConfig)
}

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (f *File) SerialNumber() string {
	return value(f, func(c *RawFileConfig) *string { return c.SerialNumber })
}

func (f *File) DOUTPin() string {
	return value(f, func(c *RawFileConfig) *string { return c.DOUTPin })
}

func (f *File) SCKPin() string {
	return value(f, func(c *RawFileConfig) *string { return c.SCKPin })
}

func (f *File) PulseWidth() time.Duration {
	return time.Duration(value(f, func(c *RawFileConfig) *int { return c.PulseWidthMicros })) * time.Microsecond
}

func (f *File) ReadTimeout() time.Duration {
	return millis(value(f, func(c *RawFileConfig) *int { return c.ReadTimeoutMillis }))
}

func (f *File) ReadRetries() int {
	return value(f, func(c *RawFileConfig) *int { return c.ReadRetries })
}

func (f *File) Gain() int {
	return value(f, func(c *RawFileConfig) *int { return c.Gain })
}

func (f *File) SampleCount() int {
	return value(f, func(c *RawFileConfig) *int { return c.SampleCount })
}

func (f *File) TareTimes() int {
	return value(f, func(c *RawFileConfig) *int { return c.TareTimes })
}

func (f *File) TareOnStart() bool {
	return value(f, func(c *RawFileConfig) *bool { return c.TareOnStart })
}

func (f *File) WeightInterval() time.Duration {
	return millis(value(f, func(c *RawFileConfig) *int { return c.WeightIntervalMillis }))
}

func (f *File) ChangeThresholdGrams() float64 {
	return value(f, func(c *RawFileConfig) *float64 { return c.ChangeThresholdGrams })
}

func (f *File) Quiescence() time.Duration {
	s := value(f, func(c *RawFileConfig) *float64 { return c.QuiescenceSeconds })
	return time.Duration(s * float64(time.Second))
}

func (f *File) RangingSource() string {
	return value(f, func(c *RawFileConfig) *string { return c.RangingSource })
}

func (f *File) TriggerPin() string {
	return value(f, func(c *RawFileConfig) *string { return c.TriggerPin })
}

func (f *File) EchoPin() string {
	return value(f, func(c *RawFileConfig) *string { return c.EchoPin })
}

func (f *File) UARTPort() string {
	return value(f, func(c *RawFileConfig) *string { return c.UARTPort })
}

func (f *File) ProximityInterval() time.Duration {
	return millis(value(f, func(c *RawFileConfig) *int { return c.ProximityIntervalMillis }))
}

func (f *File) NearThresholdMeters() float64 {
	return value(f, func(c *RawFileConfig) *float64 { return c.NearThresholdMeters })
}

func (f *File) FarThresholdMeters() float64 {
	return value(f, func(c *RawFileConfig) *float64 { return c.FarThresholdMeters })
}

func (f *File) CaptureDuration() time.Duration {
	return time.Duration(value(f, func(c *RawFileConfig) *int { return c.CaptureDurationSeconds })) * time.Second
}

func (f *File) CaptureFrameInterval() time.Duration {
	return millis(value(f, func(c *RawFileConfig) *int { return c.CaptureFrameIntervalMillis }))
}

func (f *File) CameraCommand() string {
	return value(f, func(c *RawFileConfig) *string { return c.CameraCommand })
}

func (f *File) DataDir() string {
	return value(f, func(c *RawFileConfig) *string { return c.DataDir })
}

func (f *File) CalibrationPath() string {
	return value(f, func(c *RawFileConfig) *string { return c.CalibrationPath })
}

func (f *File) MQTTBroker() string {
	return value(f, func(c *RawFileConfig) *string { return c.MQTTBroker })
}

func (f *File) MQTTTopic() string {
	return value(f, func(c *RawFileConfig) *string { return c.MQTTTopic })
}

func (f *File) KafkaBrokers() []string {
	brokers := value(f, func(c *RawFileConfig) *[]string { return c.KafkaBrokers })
	return append([]string(nil), brokers...)
}

func (f *File) KafkaTopic() string {
	return value(f, func(c *RawFileConfig) *string { return c.KafkaTopic })
}

func (f *File) AutoTareCron() string {
	return value(f, func(c *RawFileConfig) *string { return c.AutoTareCron })
}

func (f *File) AutoTareMaxDriftGrams() float64 {
	return value(f, func(c *RawFileConfig) *float64 { return c.AutoTareMaxDriftGrams })
}

func (f *File) AllowNonRootAccess() bool {
	return value(f, func(c *RawFileConfig) *bool { return c.AllowNonRootAccess })
}

func (f *File) SetTareOnStart(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.TareOnStart = &b
}

func (f *File) SetAutoTareCron(expr string) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.c.AutoTareCron = &expr
}

func (f *File) SetAllowNonRootAccess(b bool) {
	if f.c == nil {
		panic("config is nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.c.AllowNonRootAccess = &b
}

// isYAML reports whether the file should be read and written as YAML.
func (f *File) isYAML() bool {
	switch strings.ToLower(filepath.Ext(f.filepath)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (f *File) Load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fp, err := os.Open(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			// If the file does not exist, return the empty config.
			// Do not make f.c a nil.
			f.c = &RawFileConfig{}
			return nil
		}
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	b, err := io.ReadAll(fp)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to read file %s", f.filepath)
	}

	if strings.TrimSpace(string(b)) == "" {
		f.c = &RawFileConfig{}
		return nil
	}

	conf := RawFileConfig{}
	if f.isYAML() {
		err = yaml.Unmarshal(b, &conf)
	} else {
		err = json.Unmarshal(b, &conf)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to unmarshal config from file %s", f.filepath)
	}
	if err := conf.validate(); err != nil {
		return pkgerrors.Wrapf(err, "invalid config in file %s", f.filepath)
	}
	f.c = &conf

	return nil
}

func (c *RawFileConfig) validate() error {
	if c.RangingSource != nil && *c.RangingSource != RangingGPIO && *c.RangingSource != RangingUART {
		return pkgerrors.Errorf("rangingSource must be %q or %q, got %q", RangingGPIO, RangingUART, *c.RangingSource)
	}
	if c.Gain != nil && *c.Gain != 128 && *c.Gain != 64 && *c.Gain != 32 {
		return pkgerrors.Errorf("gain must be 128, 64 or 32, got %d", *c.Gain)
	}
	if c.SampleCount != nil && *c.SampleCount < 1 {
		return pkgerrors.Errorf("sampleCount must be positive, got %d", *c.SampleCount)
	}
	for _, p := range []struct {
		name string
		v    *int
	}{
		{"weightIntervalMillis", c.WeightIntervalMillis},
		{"proximityIntervalMillis", c.ProximityIntervalMillis},
		{"captureDurationSeconds", c.CaptureDurationSeconds},
		{"captureFrameIntervalMillis", c.CaptureFrameIntervalMillis},
	} {
		if p.v != nil && *p.v <= 0 {
			return pkgerrors.Errorf("%s must be positive, got %d", p.name, *p.v)
		}
	}
	near, far := effective(c.NearThresholdMeters, defaultFileConfig.NearThresholdMeters), effective(c.FarThresholdMeters, defaultFileConfig.FarThresholdMeters)
	if far <= near {
		return pkgerrors.Errorf("farThresholdMeters (%g) must be greater than nearThresholdMeters (%g)", far, near)
	}
	return nil
}

func effective[T any](v, def *T) T {
	if v != nil {
		return *v
	}
	return *def
}

func (f *File) Save() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.c == nil {
		return pkgerrors.New("config is nil")
	}

	fp, err := os.OpenFile(f.filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to open file %s", f.filepath)
	}
	defer func(fp *os.File) {
		err := fp.Close()
		if err != nil {
			logrus.Warnf("failed to close file %s", f.filepath)
		}
	}(fp)

	if f.isYAML() {
		enc := yaml.NewEncoder(fp)
		enc.SetIndent(2)
		err = enc.Encode(f.c)
		if err == nil {
			err = enc.Close()
		}
	} else {
		enc := json.NewEncoder(fp)
		enc.SetIndent("", "  ")
		err = enc.Encode(f.c)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to encode config to file %s", f.filepath)
	}

	return nil
}

func (f *File) LogrusFields() logrus.Fields {
	if f.c == nil {
		panic("config is nil")
	}

	return logrus.Fields{
		"serialNumber":       f.SerialNumber(),
		"doutPin":            f.DOUTPin(),
		"sckPin":             f.SCKPin(),
		"gain":               f.Gain(),
		"sampleCount":        f.SampleCount(),
		"weightInterval":     f.WeightInterval().String(),
		"rangingSource":      f.RangingSource(),
		"proximityInterval":  f.ProximityInterval().String(),
		"nearThreshold":      f.NearThresholdMeters(),
		"captureDuration":    f.CaptureDuration().String(),
		"calibrationPath":    f.CalibrationPath(),
		"dataDir":            f.DataDir(),
		"autoTareCron":       f.AutoTareCron(),
		"mqttBroker":         f.MQTTBroker(),
		"kafkaBrokers":       f.KafkaBrokers(),
		"allowNonRootAccess": f.AllowNonRootAccess(),
	}
}
