package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderAttributesSkipEmptyValues(t *testing.T) {
	attrs := OrderAttributes("test", "EURUSD", "", "LIMIT", "")
	require.Len(t, attrs, 3)
	require.Equal(t, AttrSymbol, attrs[1].Key)
	require.Equal(t, "LIMIT", attrs[2].Value.AsString())
}

func TestOperationResultAttributesAddErrorType(t *testing.T) {
	require.Len(t, OperationResultAttributes("test", "place", ResultSuccess, ""), 3)
	attrs := OperationResultAttributes("test", "place", ResultError, "stale_data")
	require.Len(t, attrs, 4)
	require.Equal(t, "stale_data", attrs[3].Value.AsString())
}

func TestDisabledProviderRecordsEnvironment(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false, Environment: "Staging"})
	require.NoError(t, err)
	require.Equal(t, "staging", Environment())
	require.NotNil(t, p.Meter("test"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
