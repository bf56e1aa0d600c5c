// Package broadcast publishes the most recent tracking frame to all
// attached consumers on a fixed cadence. The broadcaster holds a single
// last-value slot, not a queue: a frame that was never published is
// silently superseded by the next one. Freshness beats completeness.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/trackcast/internal/wire"
)

const defaultRateHz = 20.0

// Publisher is the fan-out surface the broadcaster drives on each tick.
// *registry.Registry satisfies it.
type Publisher interface {
	Broadcast(data []byte) int
	ClientCount() int
}

// Stats is a point-in-time snapshot of publish counters.
type Stats struct {
	MessagesSent int64
	BytesSent    int64
}

// Broadcaster owns the publish loop.
type Broadcaster struct {
	pub    Publisher
	clock  clockwork.Clock
	log    *slog.Logger
	period time.Duration

	mu     sync.Mutex
	latest *wire.Frame

	runMu    sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}

	statsMu      sync.Mutex
	messagesSent int64
	bytesSent    int64
}

// New creates a broadcaster publishing through pub at rateHz. A nil clock
// falls back to the real clock, a nil logger to slog.Default.
func New(pub Publisher, rateHz float64, clock clockwork.Clock, logger *slog.Logger) *Broadcaster {
	if rateHz <= 0 {
		rateHz = defaultRateHz
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		pub:    pub,
		clock:  clock,
		log:    logger.With("component", "broadcaster"),
		period: time.Duration(float64(time.Second) / rateHz),
	}
}

// Start launches the publish loop. Starting a running broadcaster is a no-op.
func (b *Broadcaster) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})
	go b.run(b.stopChan, b.done)
	b.log.Info("publish loop started", "period", b.period)
}

// Stop terminates the publish loop and waits for it to exit. Idempotent.
func (b *Broadcaster) Stop() {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return
	}
	b.running = false
	close(b.stopChan)
	done := b.done
	b.runMu.Unlock()

	<-done

	s := b.Snapshot()
	b.log.Info("publish loop stopped", "messages_sent", s.MessagesSent, "bytes_sent", s.BytesSent)
}

// Update replaces the pending frame unconditionally. Memory-speed; callable
// from the producer's own timing loop without blocking it.
func (b *Broadcaster) Update(f *wire.Frame) {
	b.mu.Lock()
	b.latest = f
	b.mu.Unlock()
}

// Pause clears the pending frame so ticks emit nothing until the next Update.
// Connections stay open.
func (b *Broadcaster) Pause() {
	b.mu.Lock()
	b.latest = nil
	b.mu.Unlock()
}

// Snapshot returns the publish counters.
func (b *Broadcaster) Snapshot() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return Stats{MessagesSent: b.messagesSent, BytesSent: b.bytesSent}
}

func (b *Broadcaster) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := b.clock.NewTicker(b.period)
	defer ticker.Stop()

	var lastLog time.Time

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			b.tick(&lastLog)
		}
	}
}

// tick publishes the pending frame when one is set and at least one client
// is attached; otherwise it is a no-op. A frame may be published repeatedly
// when the producer runs slower than the publish rate.
func (b *Broadcaster) tick(lastLog *time.Time) {
	b.mu.Lock()
	f := b.latest
	b.mu.Unlock()

	if f == nil || b.pub.ClientCount() == 0 {
		return
	}

	data, err := wire.Encode(f)
	if err != nil {
		b.log.Error("failed to encode frame", "error", err)
		return
	}

	sent := b.pub.Broadcast(data)
	if sent > 0 {
		b.statsMu.Lock()
		b.messagesSent++
		b.bytesSent += int64(len(data) * sent)
		b.statsMu.Unlock()
	}

	// Diagnostics are throttled to once per second; they never affect
	// the publish schedule.
	now := b.clock.Now()
	if now.Sub(*lastLog) >= time.Second {
		b.log.Debug("broadcast", "subjects", len(f.Subjects), "clients", sent, "bytes", len(data))
		*lastLog = now
	}
}
