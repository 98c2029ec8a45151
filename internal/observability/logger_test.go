package observability

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/coachpo/tradecore/errs"
)

type recordingLogger struct {
	debugs int
	infos  int
	errors int
	last   []Field
}

func (r *recordingLogger) Debug(_ string, f ...Field) { r.debugs++; r.last = f }
func (r *recordingLogger) Info(_ string, f ...Field)  { r.infos++; r.last = f }
func (r *recordingLogger) Error(_ string, f ...Field) { r.errors++; r.last = f }

func TestSetLoggerOverridesGlobal(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	Log().Debug("test")
	require.Equal(t, 1, recorder.debugs)

	SetLogger(nil)
	Log().Info("noop")
	require.Equal(t, 0, recorder.infos)
}

func TestAggregateErrorsLogsAndJoins(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	first := errors.New("account read failed")
	err := AggregateErrors("fanout", []error{nil, first, errors.New("price read failed")})
	require.Error(t, err)
	require.ErrorIs(t, err, first)
	require.Equal(t, 1, recorder.errors)

	require.NoError(t, AggregateErrors("fanout", []error{nil}))
}

func TestReportErrorsTagsCodes(t *testing.T) {
	recorder := new(recordingLogger)
	SetLogger(recorder)
	t.Cleanup(func() { SetLogger(nil) })

	n := ReportErrors("coordinator.fanout", []error{
		errs.StaleData("marketdata", "quote too old"),
		nil,
		errors.New("socket closed"),
	}, Field{Key: "user_id", Value: "u1"})
	require.Equal(t, 2, n)
	require.Equal(t, 1, recorder.errors)

	byKey := make(map[string]any, len(recorder.last))
	for _, f := range recorder.last {
		byKey[f.Key] = f.Value
	}
	require.Equal(t, "u1", byKey["user_id"])
	require.Equal(t, []string{string(errs.CodeStaleData), "uncoded"}, byKey["error_codes"])

	require.Zero(t, ReportErrors("noop", nil))
	require.Equal(t, 1, recorder.errors)
}

func TestZapLoggerForwardsFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := WrapZap(zap.New(core))

	logger.Info("order committed", Field{Key: "order_id", Value: "1000000001"})
	logger.Error("background task failed", Field{Key: "error", Value: errors.New("kafka down")})

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "1000000001", entries[0].ContextMap()["order_id"])
	require.Equal(t, "kafka down", entries[1].ContextMap()["error"])
}

func TestNewZapLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewZapLogger(LogConfig{Level: "chatty"})
	require.Error(t, err)

	logger, err := NewZapLogger(LogConfig{Level: "debug"})
	require.NoError(t, err)
	logger.Debug("ok")
}
