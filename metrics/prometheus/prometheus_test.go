package prometheus

import (
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardconsumer/kcl/logger"
)

func newTestLogger() logger.Logger {
	return logger.GetDefaultLogger()
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestNewMonitoringService_BackwardCompat(t *testing.T) {
	svc := NewMonitoringService(":0", "us-east-1", newTestLogger())

	assert.NotNil(t, svc)
	assert.Equal(t, ":0", svc.listenAddress)
	assert.Equal(t, "us-east-1", svc.region)
	assert.True(t, svc.startServer)
	assert.Equal(t, prom.DefaultRegisterer, svc.registerer)
	assert.Equal(t, prom.DefaultGatherer, svc.gatherer)
}

func TestNewMonitoringServiceWithOptions_ExternalRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	svc := NewMonitoringServiceWithOptions(
		WithRegistry(reg),
		WithRegion("us-west-2"),
		WithLogger(newTestLogger()),
	)

	assert.NotNil(t, svc)
	assert.False(t, svc.startServer)
	assert.Equal(t, prom.Registerer(reg), svc.registerer)
	assert.Equal(t, prom.Gatherer(reg), svc.gatherer)
}

func TestInit_ExternalRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	svc := NewMonitoringServiceWithOptions(
		WithRegistry(reg),
		WithRegion("us-east-1"),
		WithLogger(newTestLogger()),
	)

	err := svc.Init("testapp", "my-stream", "worker-1")
	require.NoError(t, err)

	svc.IncrRecordsProcessed("shard-0", 1)
	svc.IncrBytesProcessed("shard-0", 1)
	svc.MillisBehindLatest("shard-0", 0)
	svc.OwnershipGained("shard-0")
	svc.CheckpointSaved("shard-0")
	svc.RecordGetRecordsTime("shard-0", 0)
	svc.RecordProcessRecordsTime("shard-0", 0)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := metricFamilyNames(families)
	assert.Contains(t, names, "testapp_processed_bytes")
	assert.Contains(t, names, "testapp_processed_records")
	assert.Contains(t, names, "testapp_behind_latest_millis")
	assert.Contains(t, names, "testapp_shards_owned")
	assert.Contains(t, names, "testapp_checkpoints_saved")
	assert.Contains(t, names, "testapp_get_records_duration_milliseconds")
	assert.Contains(t, names, "testapp_process_records_duration_milliseconds")
}

func TestMetricRecording_ExternalRegistry(t *testing.T) {
	reg := prom.NewRegistry()
	svc := NewMonitoringServiceWithOptions(
		WithRegistry(reg),
		WithRegion("us-east-1"),
		WithLogger(newTestLogger()),
	)
	require.NoError(t, svc.Init("rectest", "stream-1", "worker-1"))

	svc.IncrRecordsProcessed("shard-0", 5)
	svc.IncrRecordsProcessed("shard-0", 3)
	svc.IncrBytesProcessed("shard-0", 1024)
	svc.MillisBehindLatest("shard-0", 42.5)
	svc.OwnershipGained("shard-0")
	svc.CheckpointSaved("shard-0")

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := indexFamilies(families)

	assertCounterValue(t, byName, "rectest_processed_records", 8)
	assertCounterValue(t, byName, "rectest_processed_bytes", 1024)
	assertGaugeValue(t, byName, "rectest_behind_latest_millis", 42.5)
	assertGaugeValue(t, byName, "rectest_shards_owned", 1)
	assertCounterValue(t, byName, "rectest_checkpoints_saved", 1)
}

func TestMetricRecording_OwnershipLost(t *testing.T) {
	reg := prom.NewRegistry()
	svc := NewMonitoringServiceWithOptions(
		WithRegistry(reg),
		WithRegion("us-east-1"),
		WithLogger(newTestLogger()),
	)
	require.NoError(t, svc.Init("ownertest", "stream-1", "worker-1"))

	svc.OwnershipGained("shard-0")
	svc.OwnershipGained("shard-0")
	svc.OwnershipLost("shard-0")

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := indexFamilies(families)

	assertGaugeValue(t, byName, "ownertest_shards_owned", 1)
}

func TestDeleteMetricMillisBehindLatest(t *testing.T) {
	reg := prom.NewRegistry()
	svc := NewMonitoringServiceWithOptions(
		WithRegistry(reg),
		WithRegion("us-east-1"),
		WithLogger(newTestLogger()),
	)
	require.NoError(t, svc.Init("deltest", "stream-1", "worker-1"))

	svc.MillisBehindLatest("shard-0", 100)
	svc.DeleteMetricMillisBehindLatest("shard-0")

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := indexFamilies(families)

	_, exists := byName["deltest_behind_latest_millis"]
	assert.False(t, exists, "metric family should be absent after deletion")
}

func TestStart_Standalone_ServesMetrics(t *testing.T) {
	addr := freePort(t)
	reg := prom.NewRegistry()

	svc := &MonitoringService{
		listenAddress: addr,
		region:        "us-east-1",
		logger:        newTestLogger(),
		registerer:    reg,
		gatherer:      reg,
		startServer:   true,
	}
	require.NoError(t, svc.Init("srvtest", "stream-1", "worker-1"))
	require.NoError(t, svc.Start())
	defer svc.Shutdown()

	svc.IncrRecordsProcessed("shard-0", 1)

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 50*time.Millisecond)
}

func TestMetricRecording_RegionAndStreamAreConstLabels(t *testing.T) {
	reg := prom.NewRegistry()
	svc := NewMonitoringServiceWithOptions(
		WithRegistry(reg),
		WithRegion("eu-west-1"),
		WithLogger(newTestLogger()),
	)
	require.NoError(t, svc.Init("consttest", "stream-1", "worker-1"))

	svc.IncrRecordsProcessed("shard-0", 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := indexFamilies(families)

	fam, ok := byName["consttest_processed_records"]
	require.True(t, ok)
	require.NotEmpty(t, fam.GetMetric())
	labels := labelMap(fam.GetMetric()[0])
	assert.Equal(t, "eu-west-1", labels["region"])
	assert.Equal(t, "stream-1", labels["stream"])
	assert.Equal(t, "shard-0", labels["shard"])
}

func TestHandlesFor_CachesPerShard(t *testing.T) {
	reg := prom.NewRegistry()
	svc := NewMonitoringServiceWithOptions(
		WithRegistry(reg),
		WithLogger(newTestLogger()),
	)
	require.NoError(t, svc.Init("cachetest", "stream-1", "worker-1"))

	first := svc.handlesFor("shard-0")
	second := svc.handlesFor("shard-0")
	assert.Same(t, first, second)

	svc.DeleteMetricMillisBehindLatest("shard-0")
	third := svc.handlesFor("shard-0")
	assert.NotSame(t, first, third)
}

func TestShutdown_NilServer(t *testing.T) {
	svc := NewMonitoringServiceWithOptions(
		WithRegistry(prom.NewRegistry()),
		WithLogger(newTestLogger()),
	)
	svc.Shutdown()
}

func metricFamilyNames(families []*dto.MetricFamily) []string {
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	return names
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func indexFamilies(families []*dto.MetricFamily) map[string]*dto.MetricFamily {
	m := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		m[f.GetName()] = f
	}
	return m
}

func assertCounterValue(t *testing.T, families map[string]*dto.MetricFamily, name string, expected float64) {
	t.Helper()
	fam, ok := families[name]
	require.True(t, ok, "metric family %q not found", name)
	require.NotEmpty(t, fam.GetMetric())
	actual := fam.GetMetric()[0].GetCounter().GetValue()
	assert.InDelta(t, expected, actual, 0.001, "counter %s", name)
}

func assertGaugeValue(t *testing.T, families map[string]*dto.MetricFamily, name string, expected float64) {
	t.Helper()
	fam, ok := families[name]
	require.True(t, ok, "metric family %q not found", name)
	require.NotEmpty(t, fam.GetMetric())
	actual := fam.GetMetric()[0].GetGauge().GetValue()
	assert.InDelta(t, expected, actual, 0.001, "gauge %s", name)
}
