package observability

import (
	"context"
	"testing"

	"clawboard/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupTracing_DisabledIsNoOp(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = false

	shutdown, err := SetupTracing(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracing_EnabledBuildsProvider(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.Enabled = true
	cfg.Monitoring.Tracing.Endpoint = ""

	// gRPC 导出器惰性连接，这里只确认初始化路径可用
	shutdown, err := SetupTracing(context.Background(), cfg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:4317", "localhost:4317"},
		{"https://otel-collector:4317", "otel-collector:4317"},
		{"127.0.0.1:4317", "127.0.0.1:4317"},
		{"", ""},
		{"http://", "http://"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, endpointHost(tt.input))
		})
	}
}

func TestSampleRatioAndServiceName(t *testing.T) {
	assert.Equal(t, 0.1, sampleRatio(-1))
	assert.Equal(t, 0.1, sampleRatio(0))
	assert.Equal(t, 0.1, sampleRatio(1.5))
	assert.Equal(t, 0.5, sampleRatio(0.5))

	cfg := config.GetDefaultConfig()
	cfg.Monitoring.Tracing.ServiceName = "  "
	assert.Equal(t, "clawboard", ServiceName(cfg))
	cfg.Monitoring.Tracing.ServiceName = "board-api"
	assert.Equal(t, "board-api", ServiceName(cfg))
}
