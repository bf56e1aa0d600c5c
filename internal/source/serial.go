package source

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/trackcast/internal/wire"
)

// SerialConfig configures the serial tracker source.
type SerialConfig struct {
	PortName string
	Baud     int
}

// Serial reads "name,x,y,z" lines (millimeters) from a serial-attached
// tracker and emits one single-subject frame per line.
type Serial struct {
	cfg SerialConfig
	log *slog.Logger
}

// NewSerial creates a serial source. A nil logger falls back to slog.Default.
func NewSerial(cfg SerialConfig, logger *slog.Logger) *Serial {
	if cfg.Baud <= 0 {
		cfg.Baud = 9600
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Serial{cfg: cfg, log: logger.With("component", "serial_source")}
}

// Run reads lines until ctx is cancelled or the port fails.
func (s *Serial) Run(ctx context.Context, emit func(*wire.Frame)) error {
	port, err := serial.OpenPort(&serial.Config{Name: s.cfg.PortName, Baud: s.cfg.Baud})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.cfg.PortName, err)
	}

	// Closing the port unblocks the scanner when the context is cancelled.
	go func() {
		<-ctx.Done()
		_ = port.Close()
	}()

	s.log.Info("serial capture started", "port", s.cfg.PortName, "baud", s.cfg.Baud)

	var frameNumber int64
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		frame, err := s.parseLine(scanner.Text(), frameNumber+1)
		if err != nil {
			s.log.Warn("skipping malformed line", "error", err)
			continue
		}
		frameNumber++
		emit(frame)
	}

	if ctx.Err() != nil {
		s.log.Info("serial capture stopped", "frames", frameNumber)
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("serial read: %w", err)
	}
	return nil
}

func (s *Serial) parseLine(line string, frameNumber int64) (*wire.Frame, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("expected name,x,y,z got %q", line)
	}

	coords := make([]float64, 3)
	for i, raw := range parts[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("bad coordinate %q: %w", raw, err)
		}
		coords[i] = v
	}

	return &wire.Frame{
		Timestamp:    float64(time.Now().UnixNano()) / float64(time.Second),
		FrameNumber:  frameNumber,
		SubjectCount: 1,
		Subjects: []wire.Subject{{
			Name: strings.TrimSpace(parts[0]),
			Segments: []wire.Segment{{
				Name:     "Root",
				Position: wire.Position{X: coords[0], Y: coords[1], Z: coords[2]},
			}},
		}},
	}, nil
}
