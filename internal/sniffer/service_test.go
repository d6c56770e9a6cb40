package sniffer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taida957789/maplesniffer/internal/config"
)

func testConfig(t *testing.T, iface string) *config.Config {
	t.Helper()
	return &config.Config{
		Capture: config.CaptureConfig{
			Iface:      iface,
			LocalIP:    "10.0.0.5",
			RemoteIP:   "10.0.0.10",
			RemotePort: 8484,
			SnapLen:    65536,
			BPFFilter:  "tcp",
		},
		Logging: config.LoggingConfig{ConsoleLevel: "error"},
		Control: config.ControlConfig{BindIP: "127.0.0.1", Port: 0},
		PcapSink: config.PcapSinkConfig{Enabled: false},
	}
}

func TestNewServiceWiresEveryComponent(t *testing.T) {
	svc, err := NewService(testConfig(t, "lo"))
	require.NoError(t, err)
	assert.NotNil(t, svc.dispatcher)
	assert.NotNil(t, svc.capture)
	assert.NotNil(t, svc.pcapSink)
	assert.NotNil(t, svc.control)
	assert.NotNil(t, svc.output)
}

func TestServiceStatsSnapshotBeforeStart(t *testing.T) {
	svc, err := NewService(testConfig(t, "lo"))
	require.NoError(t, err)

	stats := svc.StatsSnapshot()
	assert.Equal(t, uint64(0), stats["packets_decoded"])
	assert.Equal(t, 0, stats["sessions"])
}

func TestServiceStartFailsOnUnknownInterface(t *testing.T) {
	svc, err := NewService(testConfig(t, "definitely-not-a-real-interface-0"))
	require.NoError(t, err)

	err = svc.Start(context.Background())
	assert.Error(t, err)
}

func TestServiceOnRecordsUpdatesCounters(t *testing.T) {
	svc, err := NewService(testConfig(t, "lo"))
	require.NoError(t, err)

	svc.onRecords(nil)
	stats := svc.StatsSnapshot()
	assert.Equal(t, uint64(0), stats["packets_decoded"])
}
