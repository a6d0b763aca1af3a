package telemetry

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestNewMeterProvider_DisabledIsNoop(t *testing.T) {
	t.Parallel()

	mp, err := NewMeterProvider(context.Background(), Config{}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	_, ok := mp.(noop.MeterProvider)
	assert.True(t, ok, "expected no-op meter provider")
	assert.NoError(t, Shutdown(context.Background(), mp))
}

// collector records the OTLP export requests it receives.
type collector struct {
	mu       sync.Mutex
	paths    []string
	ctypes   []string
	received int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)

	c.mu.Lock()
	c.paths = append(c.paths, r.URL.Path)
	c.ctypes = append(c.ctypes, r.Header.Get("Content-Type"))
	c.received++
	c.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func TestNewMeterProvider_ExportsOnShutdown(t *testing.T) {
	col := &collector{}
	srv := httptest.NewServer(col)
	t.Cleanup(srv.Close)

	ctx := context.Background()

	mp, err := NewMeterProvider(ctx, Config{
		Enabled:        true,
		Endpoint:       strings.TrimPrefix(srv.URL, "http://"),
		Insecure:       true,
		Interval:       time.Hour,
		ServiceVersion: "test",
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	_, ok := mp.(*sdkmetric.MeterProvider)
	require.True(t, ok, "expected SDK meter provider")

	counter, err := mp.Meter("kscoord-test").Int64Counter("ksc_dispatch_total")
	require.NoError(t, err)
	counter.Add(ctx, 1)

	require.NoError(t, Shutdown(ctx, mp))

	col.mu.Lock()
	defer col.mu.Unlock()

	require.GreaterOrEqual(t, col.received, 1, "shutdown flushes the pending interval")
	assert.Equal(t, "/v1/metrics", col.paths[0])
	assert.Equal(t, "application/x-protobuf", col.ctypes[0])
}
