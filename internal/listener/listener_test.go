package listener

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackcast/internal/broadcast"
	"github.com/trackcast/internal/registry"
	"github.com/trackcast/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func segment(name string, x, y, z float64, occluded bool) wire.Segment {
	return wire.Segment{
		Name:     name,
		Position: wire.Position{X: x, Y: y, Z: z, Occluded: occluded},
	}
}

func frameWith(subjects ...wire.Subject) *wire.Frame {
	return &wire.Frame{FrameNumber: 1, SubjectCount: len(subjects), Subjects: subjects}
}

func newTestListener(t *testing.T, mutate func(*Config)) (*Listener, clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	cfg := DefaultConfig("localhost", 5555)
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, fc, testLogger()), fc
}

func TestApplyConvertsMillimetersToMeters(t *testing.T) {
	l, _ := newTestListener(t, nil)

	l.apply(frameWith(wire.Subject{Name: "S1", Segments: []wire.Segment{segment("Root", 1200, 2400, 50, false)}}))

	got, err := l.GetLatest(false)
	require.NoError(t, err)
	assert.Equal(t, Position3{X: 1.2, Y: 2.4, Z: 0.05}, got["S1"])
}

func TestApplyKeepsMillimetersWhenConfigured(t *testing.T) {
	l, _ := newTestListener(t, func(c *Config) { c.ConvertToMeters = false })

	l.apply(frameWith(wire.Subject{Name: "S1", Segments: []wire.Segment{segment("Root", 1200, 0, 0, false)}}))

	got, err := l.GetLatest(false)
	require.NoError(t, err)
	assert.Equal(t, Position3{X: 1200}, got["S1"])
}

func TestApplySkipsOccludedSegments(t *testing.T) {
	l, _ := newTestListener(t, nil)

	l.apply(frameWith(
		wire.Subject{Name: "Hidden", Segments: []wire.Segment{segment("Root", 1, 2, 3, true)}},
		wire.Subject{Name: "Partial", Segments: []wire.Segment{
			segment("Head", 9, 9, 9, true),
			segment("Torso", 1000, 0, 0, false),
		}},
	))

	got, err := l.GetLatest(false)
	require.NoError(t, err)
	assert.NotContains(t, got, "Hidden")
	assert.Equal(t, Position3{X: 1}, got["Partial"])
}

func TestApplyReplacesWholeModel(t *testing.T) {
	l, _ := newTestListener(t, nil)

	l.apply(frameWith(
		wire.Subject{Name: "S1", Segments: []wire.Segment{segment("Root", 1000, 0, 0, false)}},
		wire.Subject{Name: "S2", Segments: []wire.Segment{segment("Root", 2000, 0, 0, false)}},
	))
	l.apply(frameWith(
		wire.Subject{Name: "S2", Segments: []wire.Segment{segment("Root", 3000, 0, 0, false)}},
	))

	got, err := l.GetLatest(false)
	require.NoError(t, err)
	assert.NotContains(t, got, "S1")
	assert.Equal(t, Position3{X: 3}, got["S2"])
}

func TestDuplicateSubjectNameFirstWins(t *testing.T) {
	l, _ := newTestListener(t, nil)

	l.apply(frameWith(
		wire.Subject{Name: "S1", Segments: []wire.Segment{segment("Root", 1000, 0, 0, false)}},
		wire.Subject{Name: "S1", Segments: []wire.Segment{segment("Root", 9000, 0, 0, false)}},
	))

	got, err := l.GetLatest(false)
	require.NoError(t, err)
	assert.Equal(t, Position3{X: 1}, got["S1"])
}

func TestGetLatestFailsBeforeFirstFrame(t *testing.T) {
	l, _ := newTestListener(t, nil)

	_, err := l.GetLatest(true)
	assert.ErrorIs(t, err, ErrStaleData)
}

func TestGetLatestReportsStaleness(t *testing.T) {
	l, fc := newTestListener(t, nil)

	l.apply(frameWith(wire.Subject{Name: "S1", Segments: []wire.Segment{segment("Root", 1000, 0, 0, false)}}))

	_, err := l.GetLatest(true)
	require.NoError(t, err)
	assert.True(t, l.Connected())

	fc.Advance(4 * time.Second)

	_, err = l.GetLatest(true)
	assert.ErrorIs(t, err, ErrStaleData)
	assert.False(t, l.Connected())

	// A fresh frame clears the condition.
	l.apply(frameWith(wire.Subject{Name: "S1", Segments: []wire.Segment{segment("Root", 1000, 0, 0, false)}}))
	_, err = l.GetLatest(true)
	assert.NoError(t, err)
}

func TestConnectionErrorSurfacedOnce(t *testing.T) {
	l, _ := newTestListener(t, nil)

	l.apply(frameWith(wire.Subject{Name: "S1", Segments: []wire.Segment{segment("Root", 1000, 0, 0, false)}}))
	l.recordError(ErrConnection)

	_, err := l.GetLatest(true)
	assert.ErrorIs(t, err, ErrConnection)

	// Edge-triggered: the same historical error is not re-reported.
	_, err = l.GetLatest(true)
	assert.NoError(t, err)
}

func TestGetLatestWithoutCheckIgnoresErrors(t *testing.T) {
	l, _ := newTestListener(t, nil)
	l.recordError(ErrConnection)

	got, err := l.GetLatest(false)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStopIsIdempotent(t *testing.T) {
	cfg := DefaultConfig("127.0.0.1", 1) // nothing listens there
	cfg.ReconnectDelay = 10 * time.Millisecond
	l := New(cfg, nil, testLogger())

	l.Start()
	l.Stop()
	l.Stop()
	assert.Equal(t, StateClosed, l.State())
}

// startStream brings up a registry plus broadcaster on a loopback port.
func startStream(t *testing.T, port int) (*registry.Registry, *broadcast.Broadcaster, int) {
	t.Helper()
	reg := registry.New(registry.Config{BindAddr: "127.0.0.1", Port: port}, testLogger())
	require.NoError(t, reg.Start())
	t.Cleanup(reg.Stop)

	b := broadcast.New(reg, 200, nil, testLogger()) // 5ms period
	b.Start()
	t.Cleanup(b.Stop)

	return reg, b, reg.Addr().(*net.TCPAddr).Port
}

func TestEndToEndDelivery(t *testing.T) {
	_, b, port := startStream(t, 0)

	cfg := DefaultConfig("127.0.0.1", port)
	cfg.StaleDataTimeout = time.Second
	cfg.ReconnectDelay = 20 * time.Millisecond
	l := New(cfg, nil, testLogger())
	l.Start()
	t.Cleanup(l.Stop)

	b.Update(frameWith(wire.Subject{
		Name:     "S1",
		Segments: []wire.Segment{segment("Seg", 1000, 2000, 0, false)},
	}))

	require.Eventually(t, func() bool {
		got, err := l.GetLatest(true)
		return err == nil && got["S1"] == (Position3{X: 1, Y: 2, Z: 0})
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, l.Connected())
	assert.Equal(t, StateStreaming, l.State())
}

func TestReconnectAfterServerRestart(t *testing.T) {
	reg, b, port := startStream(t, 0)

	cfg := DefaultConfig("127.0.0.1", port)
	cfg.StaleDataTimeout = 300 * time.Millisecond
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	l := New(cfg, nil, testLogger())
	l.Start()
	t.Cleanup(l.Stop)

	b.Update(frameWith(wire.Subject{Name: "S1", Segments: []wire.Segment{segment("Seg", 1000, 0, 0, false)}}))
	require.Eventually(t, func() bool { return l.Connected() }, 3*time.Second, 10*time.Millisecond)

	b.Stop()
	reg.Stop()

	require.Eventually(t, func() bool { return !l.Connected() }, 2*time.Second, 10*time.Millisecond)

	// Restart the stream on the same port; the listener recovers on its own.
	_, b2, _ := startStream(t, port)
	b2.Update(frameWith(wire.Subject{Name: "S1", Segments: []wire.Segment{segment("Seg", 1000, 0, 0, false)}}))

	require.Eventually(t, func() bool { return l.Connected() }, 5*time.Second, 10*time.Millisecond)
}

func TestMalformedMessageDoesNotBreakStream(t *testing.T) {
	reg, _, port := startStream(t, 0)

	cfg := DefaultConfig("127.0.0.1", port)
	cfg.StaleDataTimeout = time.Second
	cfg.ReconnectDelay = 20 * time.Millisecond
	l := New(cfg, nil, testLogger())
	l.Start()
	t.Cleanup(l.Stop)

	require.Eventually(t, func() bool { return reg.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	reg.Broadcast([]byte("{garbage\n"))
	valid, err := wire.Encode(frameWith(wire.Subject{
		Name:     "S1",
		Segments: []wire.Segment{segment("Seg", 1000, 0, 0, false)},
	}))
	require.NoError(t, err)
	reg.Broadcast(valid)

	require.Eventually(t, func() bool {
		got, err := l.GetLatest(true)
		return err == nil && got["S1"] == (Position3{X: 1})
	}, 3*time.Second, 10*time.Millisecond)
}
