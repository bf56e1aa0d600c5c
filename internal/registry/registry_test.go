package registry

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	cfg.BindAddr = "127.0.0.1"
	r := New(cfg, testLogger())
	require.NoError(t, r.Start())
	t.Cleanup(r.Stop)
	return r
}

func dial(t *testing.T, r *Registry) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", r.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitForClients(t *testing.T, r *Registry, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.ClientCount() == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartTwiceFails(t *testing.T) {
	r := startRegistry(t, Config{})
	assert.ErrorIs(t, r.Start(), ErrAlreadyRunning)
}

func TestStopIsIdempotent(t *testing.T) {
	r := startRegistry(t, Config{})
	r.Stop()
	r.Stop()
	assert.Nil(t, r.Addr())
}

func TestStartFailsWhenPortBound(t *testing.T) {
	r := startRegistry(t, Config{})
	port := r.Addr().(*net.TCPAddr).Port

	other := New(Config{BindAddr: "127.0.0.1", Port: port}, testLogger())
	assert.Error(t, other.Start())
}

func TestBroadcastDeliversToAllClients(t *testing.T) {
	r := startRegistry(t, Config{})

	c1 := dial(t, r)
	c2 := dial(t, r)
	waitForClients(t, r, 2)

	sent := r.Broadcast([]byte("hello\n"))
	assert.Equal(t, 2, sent)

	for _, conn := range []net.Conn{c1, c2} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		line, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "hello\n", line)
	}
}

func TestBroadcastWithNoClients(t *testing.T) {
	r := startRegistry(t, Config{})
	assert.Equal(t, 0, r.Broadcast([]byte("nobody home\n")))
}

func TestDeadPeerIsEvictedOnce(t *testing.T) {
	var disconnects atomic.Int64
	r := startRegistry(t, Config{
		OnDisconnect: func(uuid.UUID, net.Addr) { disconnects.Add(1) },
	})

	conn := dial(t, r)
	waitForClients(t, r, 1)
	require.NoError(t, conn.Close())

	// The close is detected on a failed write; the first write after the
	// close may still land in the kernel buffer.
	require.Eventually(t, func() bool {
		return r.Broadcast([]byte("ping\n")) == 0
	}, 2*time.Second, 10*time.Millisecond)

	waitForClients(t, r, 0)
	assert.Equal(t, int64(1), disconnects.Load())

	// Further broadcasts never re-notify the evicted peer.
	r.Broadcast([]byte("ping\n"))
	assert.Equal(t, int64(1), disconnects.Load())
}

func TestMaxClientsRejectedAtAccept(t *testing.T) {
	var connects atomic.Int64
	r := startRegistry(t, Config{
		MaxClients: 1,
		OnConnect:  func(uuid.UUID, net.Addr) { connects.Add(1) },
	})

	dial(t, r)
	waitForClients(t, r, 1)

	rejected := dial(t, r)
	require.NoError(t, rejected.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := rejected.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 1, r.ClientCount())
	assert.Equal(t, int64(1), connects.Load())
}

func TestConnectCallbackFiresPerAccept(t *testing.T) {
	var connects atomic.Int64
	r := startRegistry(t, Config{
		OnConnect: func(uuid.UUID, net.Addr) { connects.Add(1) },
	})

	dial(t, r)
	dial(t, r)
	waitForClients(t, r, 2)

	require.Eventually(t, func() bool {
		return connects.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestStopClosesClients(t *testing.T) {
	r := startRegistry(t, Config{})
	conn := dial(t, r)
	waitForClients(t, r, 1)

	r.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, r.ClientCount())
}

func TestRestartAfterStop(t *testing.T) {
	r := startRegistry(t, Config{})
	r.Stop()

	require.NoError(t, r.Start())
	conn := dial(t, r)
	waitForClients(t, r, 1)
	_ = conn
}
