package source

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/trackcast/internal/wire"
)

const (
	defaultSimRateHz = 100.0
	defaultRadiusMM  = 1500.0
)

// SimConfig configures the simulated tracker.
type SimConfig struct {
	// Subjects lists the subject names to emit, each with a single "Root"
	// segment orbiting the origin.
	Subjects []string
	RateHz   float64
	// RadiusMM is the orbit radius in millimeters.
	RadiusMM float64
	// OccludeEvery marks one subject occluded every Nth frame to exercise
	// consumer occlusion handling. Zero disables it.
	OccludeEvery int64
}

// Sim generates deterministic circular-motion frames. It stands in for the
// capture SDK during development and in tests.
type Sim struct {
	cfg   SimConfig
	clock clockwork.Clock
	log   *slog.Logger
}

// NewSim creates a simulator. Nil clock and logger fall back to the real
// clock and slog.Default.
func NewSim(cfg SimConfig, clock clockwork.Clock, logger *slog.Logger) *Sim {
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = []string{"S1"}
	}
	if cfg.RateHz <= 0 {
		cfg.RateHz = defaultSimRateHz
	}
	if cfg.RadiusMM <= 0 {
		cfg.RadiusMM = defaultRadiusMM
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sim{
		cfg:   cfg,
		clock: clock,
		log:   logger.With("component", "sim_source"),
	}
}

// Run emits frames at the configured rate until ctx is cancelled.
func (s *Sim) Run(ctx context.Context, emit func(*wire.Frame)) error {
	period := time.Duration(float64(time.Second) / s.cfg.RateHz)
	ticker := s.clock.NewTicker(period)
	defer ticker.Stop()

	s.log.Info("simulated capture started", "subjects", s.cfg.Subjects, "rate_hz", s.cfg.RateHz)

	var frameNumber int64
	for {
		select {
		case <-ctx.Done():
			s.log.Info("simulated capture stopped", "frames", frameNumber)
			return nil
		case <-ticker.Chan():
			frameNumber++
			emit(s.frameAt(frameNumber, s.clock.Now()))
		}
	}
}

// frameAt builds the frame for a given frame number. Subjects are spread
// evenly around the circle and advance one degree per frame.
func (s *Sim) frameAt(frameNumber int64, now time.Time) *wire.Frame {
	subjects := make([]wire.Subject, 0, len(s.cfg.Subjects))

	for i, name := range s.cfg.Subjects {
		phase := float64(i) * 2 * math.Pi / float64(len(s.cfg.Subjects))
		theta := phase + float64(frameNumber)*math.Pi/180

		occluded := s.cfg.OccludeEvery > 0 &&
			frameNumber%s.cfg.OccludeEvery == 0 &&
			int64(i) == frameNumber/s.cfg.OccludeEvery%int64(len(s.cfg.Subjects))

		subjects = append(subjects, wire.Subject{
			Name:    name,
			Quality: 1.0,
			Segments: []wire.Segment{{
				Name: "Root",
				Position: wire.Position{
					X:        s.cfg.RadiusMM * math.Cos(theta),
					Y:        s.cfg.RadiusMM * math.Sin(theta),
					Z:        0,
					Occluded: occluded,
				},
			}},
		})
	}

	return &wire.Frame{
		Timestamp:    float64(now.UnixNano()) / float64(time.Second),
		FrameNumber:  frameNumber,
		SubjectCount: len(subjects),
		Subjects:     subjects,
	}
}
