package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/core-tools/hsu-host/pkg/errors"
	"github.com/core-tools/hsu-host/pkg/logging"
	"github.com/core-tools/hsu-host/pkg/supervisor"
)

func startBufconn(t *testing.T) (*Server, *Client) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(0, logging.NewNopLogger())
	require.NoError(t, srv.Serve(lis))
	t.Cleanup(srv.Stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "bufnet", grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return srv, NewClient(conn, logging.NewNopLogger())
}

func TestControl_HostServing(t *testing.T) {
	_, client := startBufconn(t)

	st, err := client.Status(context.Background(), HostService)
	require.NoError(t, err)
	assert.Equal(t, "SERVING", st)

	assert.NoError(t, client.WaitReady(context.Background(), 3, 10*time.Millisecond))
}

func TestControl_ServiceStates(t *testing.T) {
	srv, client := startBufconn(t)
	ctx := context.Background()

	_, err := client.Status(ctx, "fs")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))

	srv.OnStateChange("fs", supervisor.StateRunning)
	st, err := client.Status(ctx, "fs")
	require.NoError(t, err)
	assert.Equal(t, "SERVING", st)

	for _, state := range []supervisor.State{supervisor.StateRestartScheduled, supervisor.StateFailed, supervisor.StateStopped} {
		srv.OnStateChange("fs", state)
		st, err = client.Status(ctx, "fs")
		require.NoError(t, err)
		assert.Equal(t, "NOT_SERVING", st, string(state))
	}
}

func TestControl_ServeTwice(t *testing.T) {
	srv, _ := startBufconn(t)

	err := srv.Serve(bufconn.Listen(1024))
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

func TestControl_StartOnRealPort(t *testing.T) {
	srv := NewServer(0, logging.NewNopLogger())
	require.NoError(t, srv.Start())
	assert.NotEmpty(t, srv.Addr())
	done := srv.Done()

	srv.Stop()
	srv.Stop()
	assert.Empty(t, srv.Addr())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serving loop still running after stop")
	}
}

func TestWaitReady_Cancelled(t *testing.T) {
	srv, client := startBufconn(t)
	srv.health.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.WaitReady(ctx, 5, time.Second)
	require.Error(t, err)
	assert.True(t, errors.IsCancelledError(err))
}
