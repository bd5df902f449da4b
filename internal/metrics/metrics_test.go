package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	require.NotNil(t, m)
	assert.NotNil(t, m.Registry())

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRecording(t *testing.T) {
	t.Run("should track session lifecycle", func(t *testing.T) {
		m := NewMetrics()

		m.SessionOpened(false)
		m.SessionOpened(false)
		m.SessionOpened(true)
		m.SessionClosed(true)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsActive))
		assert.Equal(t, float64(2), testutil.ToFloat64(m.SessionsTotal))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsResumedTotal))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsExpiredTotal))
	})

	t.Run("should label transfers by status", func(t *testing.T) {
		m := NewMetrics()

		m.Transfer("send", nil, 10)
		m.Transfer("send", errors.New("rejected"), 0)
		m.Transfer("receive", nil, 20)

		assert.Equal(t, float64(1), testutil.ToFloat64(m.TransfersTotal.WithLabelValues("send", "ok")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.TransfersTotal.WithLabelValues("send", "error")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.TransfersTotal.WithLabelValues("receive", "ok")))
	})

	t.Run("should count reclaimed watchers", func(t *testing.T) {
		m := NewMetrics()

		m.WatcherOpened()
		m.WatcherOpened()
		m.WatcherClosed(true)
		m.WatcherClosed(false)

		assert.Equal(t, float64(0), testutil.ToFloat64(m.WatchersActive))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.WatchersReclaimedTotal))
	})

	t.Run("should be safe on a nil receiver", func(t *testing.T) {
		var m *Metrics
		assert.NotPanics(t, func() {
			m.MessageReceived("auth")
			m.Transfer("send", nil, 1)
			m.Delete("local", nil)
			m.AuthFailed()
			m.SessionOpened(false)
			m.SessionClosed(false)
			m.WatcherOpened()
			m.WatcherClosed(true)
		})
	})
}

func TestHandler(t *testing.T) {
	m := NewMetrics()
	m.MessageReceived("server-dir")
	m.Delete("local", errors.New("missing"))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `socket_file_sync_messages_received_total{event="server-dir"} 1`)
	assert.Contains(t, string(body), `socket_file_sync_deletes_total{origin="local",status="error"} 1`)
}
