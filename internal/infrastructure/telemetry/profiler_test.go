package telemetry

import (
	"context"
	"runtime/pprof"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewProfiler_Disabled(t *testing.T) {
	p, err := NewProfiler(ProfilerConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.False(t, p.IsEnabled())
	assert.NoError(t, p.Stop())
	assert.NoError(t, p.Stop())
}

func TestNewProfiler_RequiresAddressAndName(t *testing.T) {
	_, err := NewProfiler(ProfilerConfig{Enabled: true, ApplicationName: "solar-crm"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "server address is required")

	_, err = NewProfiler(ProfilerConfig{Enabled: true, ServerAddress: "http://localhost:4040"}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "application name is required")
}

func TestSanitizeLabels(t *testing.T) {
	long := strings.Repeat("x", MaxLabelValueLength+10)

	pairs := sanitizeLabels(map[string]string{
		ProfilingLabelRoute:  "/api/v1/customers/:id",
		ProfilingLabelMethod: "PATCH",
		"customer_id":        "c1",
		"empty":              "",
		"operation":          long,
	})

	assert.Equal(t, []string{
		"method", "PATCH",
		"operation", long[:MaxLabelValueLength],
		"route", "/api/v1/customers/:id",
	}, pairs)
	assert.Empty(t, sanitizeLabels(nil))
}

func TestWithProfilingLabels(t *testing.T) {
	var got map[string]string
	WithProfilingLabels(context.Background(), HTTPRequestLabels("/api/v1/sync/flush", "POST"), func(ctx context.Context) {
		got = map[string]string{}
		pprof.ForLabels(ctx, func(key, value string) bool {
			got[key] = value
			return true
		})
	})
	assert.Equal(t, map[string]string{"route": "/api/v1/sync/flush", "method": "POST"}, got)

	called := false
	WithProfilingLabels(context.Background(), nil, func(context.Context) { called = true })
	assert.True(t, called)
}

func TestOperationLabels(t *testing.T) {
	assert.Equal(t, map[string]string{"operation": "flush"}, OperationLabels("flush"))
	assert.Empty(t, HTTPRequestLabels("", ""))
}
