package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigPath(t *testing.T) {
	require.Equal(t, "config/app.yaml", resolveConfigPath(""))
	require.Equal(t, "/etc/tradecore.yaml", resolveConfigPath("/etc/tradecore.yaml"))
}

func TestBuildMetricsServerDisabledWithoutAddr(t *testing.T) {
	require.Nil(t, buildMetricsServer("", prometheus.NewRegistry()))
}

func TestMetricsServerExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "tradecore_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	server := buildMetricsServer(":0", reg)
	require.NotNil(t, server)

	rec := httptest.NewRecorder()
	server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "tradecore_test_total 1")
}

func TestGracefulShutdownReportsStuckSteps(t *testing.T) {
	release := make(chan struct{})
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { <-release })
	t.Cleanup(func() {
		close(release)
		lifecycle.Wait()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	cancelled := false
	err := performGracefulShutdown(ctx, log.New(io.Discard, "", 0), gracefulShutdownConfig{
		mainCancel: func() { cancelled = true },
		lifecycle:  &lifecycle,
	})
	require.True(t, cancelled)
	require.Error(t, err)
	require.Contains(t, err.Error(), "waiting for lifecycle goroutines")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGracefulShutdownWithNothingToStop(t *testing.T) {
	require.NoError(t, performGracefulShutdown(context.Background(), log.New(io.Discard, "", 0), gracefulShutdownConfig{}))
}
