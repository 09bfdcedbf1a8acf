package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWhenFileMissing(t *testing.T) {
	f, err := NewFile(filepath.Join(t.TempDir(), "feeder.json"))
	require.NoError(t, err)

	assert.Equal(t, "SN0001", f.SerialNumber())
	assert.Equal(t, "GPIO15", f.DOUTPin())
	assert.Equal(t, "GPIO14", f.SCKPin())
	assert.Equal(t, time.Microsecond, f.PulseWidth())
	assert.Equal(t, time.Second, f.ReadTimeout())
	assert.Equal(t, 128, f.Gain())
	assert.Equal(t, 5, f.SampleCount())
	assert.Equal(t, 15, f.TareTimes())
	assert.Equal(t, 100*time.Millisecond, f.WeightInterval())
	assert.Equal(t, 5.0, f.ChangeThresholdGrams())
	assert.Equal(t, 3*time.Second, f.Quiescence())
	assert.Equal(t, RangingGPIO, f.RangingSource())
	assert.Equal(t, 0.5, f.NearThresholdMeters())
	assert.Equal(t, 3.0, f.FarThresholdMeters())
	assert.Equal(t, 3*time.Minute, f.CaptureDuration())
	assert.Equal(t, time.Second, f.CaptureFrameInterval())
	assert.Empty(t, f.AutoTareCron())
	assert.Empty(t, f.KafkaBrokers())
	assert.False(t, f.AllowNonRootAccess())
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeder.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"serialNumber": "SN1234",
		"quiescenceSeconds": 2.5,
		"kafkaBrokers": ["k1:9092", "k2:9092"],
		"rangingSource": "uart"
	}`), 0o644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SN1234", f.SerialNumber())
	assert.Equal(t, 2500*time.Millisecond, f.Quiescence())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, f.KafkaBrokers())
	assert.Equal(t, RangingUART, f.RangingSource())
	assert.Equal(t, "GPIO15", f.DOUTPin(), "unset keys fall back to defaults")
}

func TestLoadYAMLAndSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeder.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serialNumber: SN77\nsampleCount: 9\nmqttBroker: tcp://broker:1883\n"), 0o644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SN77", f.SerialNumber())
	assert.Equal(t, 9, f.SampleCount())
	assert.Equal(t, "tcp://broker:1883", f.MQTTBroker())

	f.SetAutoTareCron("0 4 * * *")
	f.SetTareOnStart(true)
	require.NoError(t, f.Save())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "autoTareCron:")
	assert.NotContains(t, string(b), "{", "written as yaml")

	g, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0 4 * * *", g.AutoTareCron())
	assert.True(t, g.TareOnStart())
	assert.Equal(t, 9, g.SampleCount())
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"syntax", `{"gain": `},
		{"gain", `{"gain": 100}`},
		{"ranging source", `{"rangingSource": "lidar"}`},
		{"sample count", `{"sampleCount": 0}`},
		{"thresholds", `{"nearThresholdMeters": 2, "farThresholdMeters": 1}`},
		{"near beyond default far", `{"nearThresholdMeters": 5}`},
		{"far below default near", `{"farThresholdMeters": 0.2}`},
		{"weight interval", `{"weightIntervalMillis": 0}`},
		{"proximity interval", `{"proximityIntervalMillis": -10}`},
		{"capture duration", `{"captureDurationSeconds": 0}`},
		{"capture frame interval", `{"captureFrameIntervalMillis": 0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "feeder.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := NewFile(path)
			assert.Error(t, err)
		})
	}
}

func TestEmptyFileIsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeder.json")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SN0001", f.SerialNumber())
}

func TestRawFileConfigFromConfigHasEffectiveValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeder.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"weightIntervalMillis": 250, "quiescenceSeconds": 4}`), 0o644))

	f, err := NewFile(path)
	require.NoError(t, err)

	raw, err := NewRawFileConfigFromConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 250, *raw.WeightIntervalMillis)
	assert.Equal(t, 4.0, *raw.QuiescenceSeconds)
	assert.Equal(t, 1, *raw.PulseWidthMicros)
	assert.Equal(t, 180, *raw.CaptureDurationSeconds)
	assert.Equal(t, "SN0001", *raw.SerialNumber)

	_, err = NewRawFileConfigFromConfig(nil)
	assert.Error(t, err)
}
