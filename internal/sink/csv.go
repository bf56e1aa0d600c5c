// Package sink persists decoded tracking frames. The CSV writer is an
// append-only, rate-limited consumer of frames the listener already decoded;
// the core has no dependency back on it.
package sink

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/trackcast/internal/wire"
)

var csvHeader = []string{
	"ts_write", "timestamp", "frame_number", "latency_ms",
	"subject_name", "segment_name",
	"pos_x", "pos_y", "pos_z",
	"quat_x", "quat_y", "quat_z", "quat_w",
	"euler_x", "euler_y", "euler_z",
	"quality", "occluded",
}

// CSVWriter appends one row per subject/segment at a bounded rate. Frames
// arriving inside the throttle window are dropped whole, never split.
type CSVWriter struct {
	log    *slog.Logger
	period time.Duration

	mu        sync.Mutex
	file      *os.File
	w         *csv.Writer
	lastWrite time.Time
	rows      int64
	snapshots int64
	closed    bool
}

// NewCSVWriter opens (or appends to) path, creating parent directories.
// The header is written only when the file is fresh.
func NewCSVWriter(path string, rateHz float64, appendMode bool, logger *slog.Logger) (*CSVWriter, error) {
	if rateHz <= 0 {
		rateHz = 10.0
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	cw := &CSVWriter{
		log:    logger.With("component", "csv_sink", "path", path),
		period: time.Duration(float64(time.Second) / rateHz),
		file:   file,
		w:      csv.NewWriter(file),
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		if err := cw.w.Write(csvHeader); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		cw.w.Flush()
	}

	cw.log.Info("csv sink opened", "rate_hz", rateHz, "append", appendMode)
	return cw, nil
}

// WriteFrame appends the frame's segments, or drops the frame silently when
// it arrives inside the throttle window.
func (cw *CSVWriter) WriteFrame(f *wire.Frame) error {
	now := time.Now()

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.closed {
		return fmt.Errorf("csv sink closed")
	}
	if now.Sub(cw.lastWrite) < cw.period {
		return nil
	}
	cw.lastWrite = now

	wallClock := strconv.FormatFloat(float64(now.UnixNano())/float64(time.Second), 'f', 6, 64)
	for _, subject := range f.Subjects {
		for _, segment := range subject.Segments {
			if err := cw.w.Write(segmentRow(wallClock, f, subject, segment)); err != nil {
				return fmt.Errorf("failed to write row: %w", err)
			}
			cw.rows++
		}
	}
	cw.snapshots++
	cw.w.Flush()
	return cw.w.Error()
}

// Close flushes and closes the file. Safe to call twice.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed {
		return nil
	}
	cw.closed = true

	cw.w.Flush()
	err := cw.w.Error()
	if cerr := cw.file.Close(); err == nil {
		err = cerr
	}
	cw.log.Info("csv sink closed", "rows", cw.rows, "snapshots", cw.snapshots)
	return err
}

func segmentRow(wallClock string, f *wire.Frame, subject wire.Subject, segment wire.Segment) []string {
	quat := wire.Quaternion{W: 1}
	if segment.Orientation != nil {
		quat = *segment.Orientation
	}
	euler := wire.EulerXYZ{}
	if segment.EulerXYZ != nil {
		euler = *segment.EulerXYZ
	}

	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	occluded := "0"
	if segment.Position.Occluded {
		occluded = "1"
	}

	return []string{
		wallClock,
		ff(f.Timestamp),
		strconv.FormatInt(f.FrameNumber, 10),
		ff(f.LatencyMS),
		subject.Name,
		segment.Name,
		ff(segment.Position.X), ff(segment.Position.Y), ff(segment.Position.Z),
		ff(quat.X), ff(quat.Y), ff(quat.Z), ff(quat.W),
		ff(euler.X), ff(euler.Y), ff(euler.Z),
		ff(subject.Quality),
		occluded,
	}
}
