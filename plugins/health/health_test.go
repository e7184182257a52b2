package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	xerrors "appbase/internal/errors"
	"appbase/pkg/plugin"
	"appbase/pkg/plugin/plugintest"
)

func status(t *testing.T, h http.Handler, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func configured(t *testing.T, args ...string) (*Plugin, *plugin.Context) {
	t.Helper()
	p := New()
	ctx := plugintest.Context(t, p, append([]string{"--health-listen=127.0.0.1:0", "--health-min-free-mb=0"}, args...)...)
	require.NoError(t, p.Configure(ctx))
	return p, ctx
}

func TestRejectsInvalidListen(t *testing.T) {
	p := New()
	ctx := plugintest.Context(t, p, "--health-listen=:::")
	err := p.Configure(ctx)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestReadinessFollowsLifecycle(t *testing.T) {
	p, ctx := configured(t)
	h := p.Handler()

	assert.Equal(t, http.StatusOK, status(t, h, "/live"))
	assert.Equal(t, http.StatusServiceUnavailable, status(t, h, "/ready"))

	require.NoError(t, p.Start(ctx))
	assert.Equal(t, http.StatusOK, status(t, h, "/ready"))

	ctx.Reactor.Stop()
	assert.Equal(t, http.StatusServiceUnavailable, status(t, h, "/ready"))

	require.NoError(t, p.Stop(ctx))
	assert.Equal(t, http.StatusServiceUnavailable, status(t, h, "/ready"))
}

func TestNotReadyWhenDiskIsLow(t *testing.T) {
	p := New()
	ctx := plugintest.Context(t, p, "--health-listen=127.0.0.1:0", "--health-min-free-mb=1099511627776")
	require.NoError(t, p.Configure(ctx))
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { _ = p.Stop(ctx) })

	assert.Equal(t, http.StatusServiceUnavailable, status(t, p.Handler(), "/ready"))
	assert.Equal(t, http.StatusOK, status(t, p.Handler(), "/live"))
}

func TestServesHTTP(t *testing.T) {
	p, ctx := configured(t)
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { _ = p.Stop(ctx) })

	resp, err := http.Get("http://" + p.HTTPAddr().String() + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGRPCHealth(t *testing.T) {
	p, ctx := configured(t, "--health-grpc-listen=127.0.0.1:0")
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { _ = p.Stop(ctx) })
	require.NotNil(t, p.GRPCAddr())

	conn, err := grpc.NewClient(p.GRPCAddr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(cctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestStopWithoutStart(t *testing.T) {
	p, ctx := configured(t)
	assert.NoError(t, p.Stop(ctx))
}
