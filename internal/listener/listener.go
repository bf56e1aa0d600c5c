// Package listener consumes a tracking stream over TCP and exposes an
// always-fresh-or-explicitly-stale view of the latest subject positions.
// Transient network failures are absorbed by a fixed-interval reconnect
// loop; the embedding application only ever observes staleness.
package listener

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/trackcast/internal/wire"
)

// ErrStaleData reports that no fresh frame arrived within StaleDataTimeout.
// The caller must treat the read model as untrusted, not crash.
var ErrStaleData = errors.New("tracking data stale")

// ErrConnection wraps a connection failure recorded by the reconnect loop.
// It is surfaced once per occurrence by GetLatest and then cleared.
var ErrConnection = errors.New("tracking stream connection error")

const (
	defaultStaleDataTimeout = 3 * time.Second
	defaultReconnectDelay   = 2 * time.Second
	defaultConnectTimeout   = 5 * time.Second
	stopJoinTimeout         = 2 * time.Second
)

// State is the listener's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Position3 is one subject's last known position. Meters when the listener
// converts units, millimeters otherwise.
type Position3 struct {
	X float64
	Y float64
	Z float64
}

// Config holds listener settings. Zero durations fall back to defaults;
// use DefaultConfig for the documented defaults including unit conversion.
type Config struct {
	Host             string
	Port             int
	StaleDataTimeout time.Duration
	ReconnectDelay   time.Duration
	ConnectTimeout   time.Duration
	ConvertToMeters  bool

	// OnFrame, when set, receives every successfully decoded frame after
	// the read model was updated. Sinks (CSV, visualization) hang here.
	OnFrame func(*wire.Frame)
}

// DefaultConfig returns the documented defaults for host:port.
func DefaultConfig(host string, port int) Config {
	return Config{
		Host:             host,
		Port:             port,
		StaleDataTimeout: defaultStaleDataTimeout,
		ReconnectDelay:   defaultReconnectDelay,
		ConnectTimeout:   defaultConnectTimeout,
		ConvertToMeters:  true,
	}
}

// Listener runs the reconnect+receive state machine on a background
// goroutine and serves position reads from the embedding application.
type Listener struct {
	cfg   Config
	log   *slog.Logger
	clock clockwork.Clock

	mu        sync.Mutex
	positions map[string]Position3
	lastData  time.Time
	state     State

	errMu   sync.Mutex
	connErr error

	sockMu sync.Mutex
	sock   net.Conn

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
}

// New creates a listener. A nil clock falls back to the real clock, a nil
// logger to slog.Default.
func New(cfg Config, clock clockwork.Clock, logger *slog.Logger) *Listener {
	if cfg.StaleDataTimeout <= 0 {
		cfg.StaleDataTimeout = defaultStaleDataTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		cfg:       cfg,
		log:       logger.With("component", "listener"),
		clock:     clock,
		positions: make(map[string]Position3),
	}
}

// Start launches the reconnect loop. Starting a running listener is a no-op.
func (l *Listener) Start() {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stopChan = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(l.stopChan, l.done)
}

// Stop signals termination, closes the socket to unblock any in-progress
// read, and joins the background goroutine with a bounded wait. Idempotent
// and safe to call from any goroutine.
func (l *Listener) Stop() {
	l.runMu.Lock()
	if !l.running {
		l.runMu.Unlock()
		return
	}
	l.running = false
	close(l.stopChan)
	done := l.done
	l.runMu.Unlock()

	l.closeSock()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		l.log.Warn("listener goroutine did not exit in time")
	}
}

// Connected reports whether a frame arrived within StaleDataTimeout.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastData.IsZero() {
		return false
	}
	return l.clock.Since(l.lastData) < l.cfg.StaleDataTimeout
}

// State reports the current connection state.
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// GetLatest returns a copy of the latest positions per subject name.
//
// With checkConnection set, a connection error recorded since the previous
// call is surfaced once and cleared (edge-triggered), and stale data fails
// with ErrStaleData instead of returning positions the caller must not trust.
func (l *Listener) GetLatest(checkConnection bool) (map[string]Position3, error) {
	if checkConnection {
		l.errMu.Lock()
		if l.connErr != nil {
			err := l.connErr
			l.connErr = nil
			l.errMu.Unlock()
			return nil, err
		}
		l.errMu.Unlock()

		if !l.Connected() {
			l.mu.Lock()
			last := l.lastData
			l.mu.Unlock()
			if last.IsZero() {
				return nil, fmt.Errorf("%w: no data received yet", ErrStaleData)
			}
			return nil, fmt.Errorf("%w: last update %.1fs ago", ErrStaleData, l.clock.Since(last).Seconds())
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Position3, len(l.positions))
	for name, pos := range l.positions {
		out[name] = pos
	}
	return out, nil
}

func (l *Listener) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	addr := net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port))

	for {
		select {
		case <-stop:
			l.setState(StateClosed)
			return
		default:
		}

		l.setState(StateConnecting)
		conn, err := net.DialTimeout("tcp", addr, l.cfg.ConnectTimeout)
		if err != nil {
			l.recordError(fmt.Errorf("%w: connect %s: %v", ErrConnection, addr, err))
			l.setState(StateDisconnected)
			l.log.Warn("connect failed, retrying", "addr", addr, "delay", l.cfg.ReconnectDelay, "error", err)
			l.sleep(stop, l.cfg.ReconnectDelay)
			continue
		}

		l.setSock(conn)
		l.setState(StateStreaming)
		l.log.Info("connected", "addr", addr)

		err = l.receive(stop, conn)
		l.setSock(nil)
		_ = conn.Close()

		select {
		case <-stop:
			l.setState(StateClosed)
			return
		default:
		}

		if err != nil {
			l.recordError(fmt.Errorf("%w: %v", ErrConnection, err))
			l.setState(StateError)
			l.log.Warn("stream lost, reconnecting", "delay", l.cfg.ReconnectDelay, "error", err)
		} else {
			l.setState(StateDisconnected)
		}
		l.sleep(stop, l.cfg.ReconnectDelay)
	}
}

// receive decodes framed messages until the stream breaks. A malformed
// message is dropped with a diagnostic; it never tears down the connection.
func (l *Listener) receive(stop <-chan struct{}, conn net.Conn) error {
	r := wire.NewReader(conn)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		msg, err := r.Next()
		if err != nil {
			return err
		}

		frame, err := wire.Decode(msg)
		if err != nil {
			l.log.Warn("dropping malformed message", "error", err)
			continue
		}

		l.apply(frame)
		if l.cfg.OnFrame != nil {
			l.cfg.OnFrame(frame)
		}
	}
}

// apply replaces the read model with this frame's subject positions.
// Subjects absent from the frame drop out; occluded segments contribute
// nothing rather than a stale or zero estimate. The first non-occluded
// segment defines a subject's position; a second subject entry under the
// same name is an anomaly in the producer and is kept out, first wins.
func (l *Listener) apply(f *wire.Frame) {
	fresh := make(map[string]Position3, len(f.Subjects))

	for _, subject := range f.Subjects {
		if _, dup := fresh[subject.Name]; dup {
			l.log.Warn("duplicate subject name in frame", "subject", subject.Name, "frame", f.FrameNumber)
			continue
		}
		for _, segment := range subject.Segments {
			if segment.Position.Occluded {
				continue
			}
			pos := Position3{X: segment.Position.X, Y: segment.Position.Y, Z: segment.Position.Z}
			if l.cfg.ConvertToMeters {
				pos.X /= 1000.0
				pos.Y /= 1000.0
				pos.Z /= 1000.0
			}
			fresh[subject.Name] = pos
			break
		}
	}

	l.mu.Lock()
	l.positions = fresh
	l.lastData = l.clock.Now()
	l.mu.Unlock()
}

func (l *Listener) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Listener) recordError(err error) {
	l.errMu.Lock()
	l.connErr = err
	l.errMu.Unlock()
}

func (l *Listener) setSock(conn net.Conn) {
	l.sockMu.Lock()
	l.sock = conn
	l.sockMu.Unlock()
}

func (l *Listener) closeSock() {
	l.sockMu.Lock()
	if l.sock != nil {
		_ = l.sock.Close()
	}
	l.sockMu.Unlock()
}

func (l *Listener) sleep(stop <-chan struct{}, d time.Duration) {
	select {
	case <-stop:
	case <-l.clock.After(d):
	}
}
