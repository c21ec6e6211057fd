package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRequest("formal", nil, 300*time.Millisecond)
	m.ObserveRequest("formal", errors.New("boom"), time.Second)
	m.ObserveRequest("playful", nil, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("formal", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("formal", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("playful", "success")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestDuration))
}

func TestCountersRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RouteChanges.Inc()
	m.ProbeAttempts.WithLabelValues("thread").Add(3)

	n, err := testutil.GatherAndCount(reg, "replyassist_route_changes_total", "replyassist_probe_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestServerHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RouteChanges.Inc()

	srv := NewServer(":0", reg, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "replyassist_route_changes_total 1")

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerRunStopsOnCancel(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	srv := NewServer(addr, prometheus.NewRegistry(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
