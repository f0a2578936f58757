package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	req := require.New(t)
	m := New(prometheus.NewRegistry())

	m.Sent()
	m.Delivered(PathLive)
	m.Delivered(PathReplay)
	m.Delivered(PathReplay)
	m.PushFailed(PathLive)
	m.Broadcast(3)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Ignored("malformed")

	req.Equal(1.0, testutil.ToFloat64(m.MessagesSent))
	req.Equal(1.0, testutil.ToFloat64(m.MessagesDelivered.WithLabelValues(PathLive)))
	req.Equal(2.0, testutil.ToFloat64(m.MessagesDelivered.WithLabelValues(PathReplay)))
	req.Equal(1.0, testutil.ToFloat64(m.PushFailures.WithLabelValues(PathLive)))
	req.Equal(3.0, testutil.ToFloat64(m.SessionsOnline))
	req.Equal(1.0, testutil.ToFloat64(m.PresenceBroadcasts))
	req.Equal(1.0, testutil.ToFloat64(m.Connections))
	req.Equal(1.0, testutil.ToFloat64(m.FramesIgnored.WithLabelValues("malformed")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Sent()
		m.Delivered(PathLive)
		m.PushFailed(PathReplay)
		m.Broadcast(1)
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.Ignored("x")
	})
}
