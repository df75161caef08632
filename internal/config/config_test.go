package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
device:
  id: bench-device
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bench-device", cfg.Device.ID)
	assert.Equal(t, "mem", cfg.Transport.Kind)
	assert.Equal(t, "file", cfg.Store.Kind)
	assert.Equal(t, "devices", cfg.Store.BaseDir)
	assert.Equal(t, 5*time.Second, cfg.Engine.ResponseTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 8090, cfg.API.Port)

	require.NotNil(t, cfg.Transport.MQTT.QoS)
	assert.Equal(t, 1, *cfg.Transport.MQTT.QoS)
}

func TestExplicitQoSZeroPreserved(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
transport:
  kind: mqtt
  mqtt:
    broker_url: tcp://localhost:1883
    qos: 0
`))
	require.NoError(t, err)

	require.NotNil(t, cfg.Transport.MQTT.QoS)
	assert.Equal(t, 0, *cfg.Transport.MQTT.QoS)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
device:
  id: thermostat-01
transport:
  kind: mqtt
  mqtt:
    broker_url: tls://broker.example.com:8883
    connect_timeout: 20s
    qos: 1
store:
  kind: postgres
  dsn: postgres://shadow@localhost/shadow
engine:
  response_timeout: 3s
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mqtt", cfg.Transport.Kind)
	assert.Equal(t, "tls://broker.example.com:8883", cfg.Transport.MQTT.BrokerURL)
	assert.Equal(t, 20*time.Second, cfg.Transport.MQTT.ConnectTimeout)
	assert.Equal(t, "postgres", cfg.Store.Kind)
	assert.Equal(t, 3*time.Second, cfg.Engine.ResponseTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "unknown transport",
			content: `
transport:
  kind: carrier-pigeon
`,
		},
		{
			name: "mqtt without broker url",
			content: `
transport:
  kind: mqtt
`,
		},
		{
			name: "nats without url",
			content: `
transport:
  kind: nats
`,
		},
		{
			name: "postgres without dsn",
			content: `
store:
  kind: postgres
`,
		},
		{
			name: "invalid qos",
			content: `
transport:
  kind: mqtt
  mqtt:
    broker_url: tcp://localhost:1883
    qos: 5
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SHADOW_DEVICE_ID", "env-device")
	t.Setenv("NATS_URL", "nats://env-host:4222")
	t.Setenv("SHADOW_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, `
device:
  id: file-device
`))
	require.NoError(t, err)

	assert.Equal(t, "env-device", cfg.Device.ID)
	assert.Equal(t, "nats", cfg.Transport.Kind)
	assert.Equal(t, "nats://env-host:4222", cfg.Transport.NATS.URL)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
