package config

import "time"

type Config interface {
	SerialNumber() string

	// Load cell
	DOUTPin() string
	SCKPin() string
	PulseWidth() time.Duration
	ReadTimeout() time.Duration
	ReadRetries() int
	Gain() int
	SampleCount() int
	TareTimes() int
	TareOnStart() bool
	WeightInterval() time.Duration
	ChangeThresholdGrams() float64
	Quiescence() time.Duration

	// Ranging and capture
	RangingSource() string
	TriggerPin() string
	EchoPin() string
	UARTPort() string
	ProximityInterval() time.Duration
	NearThresholdMeters() float64
	FarThresholdMeters() float64
	CaptureDuration() time.Duration
	CaptureFrameInterval() time.Duration
	CameraCommand() string

	// Storage and delivery
	DataDir() string
	CalibrationPath() string
	MQTTBroker() string
	MQTTTopic() string
	KafkaBrokers() []string
	KafkaTopic() string

	AutoTareCron() string
	AutoTareMaxDriftGrams() float64
	AllowNonRootAccess() bool

	SetTareOnStart(bool)
	SetAutoTareCron(string)
	SetAllowNonRootAccess(bool)

	// Load reads the configuration from the source.
	Load() error
	// Save saves the configuration to the source.
	Save() error
}

const (
	RangingGPIO = "gpio"
	RangingUART = "uart"
)
