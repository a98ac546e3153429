package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_MetricsOnlyByDefault(t *testing.T) {
	tel, err := Setup(Config{ServiceName: "relay-test", Environment: "test"})
	require.NoError(t, err)

	// Debug exporters stay off unless asked for
	assert.Nil(t, tel.tp)
	assert.Nil(t, tel.lp)
	require.NotNil(t, tel.mp)

	// The engine's instruments are ready after setup
	assert.NotNil(t, GetGlobalMetrics().ExecutionsTotal)

	// Shutdown tolerates the providers that were never built
	assert.NoError(t, tel.Shutdown(context.Background()))
}
