// Command trackcast-listener consumes a tracking stream, keeps the latest
// subject positions, and optionally persists frames to CSV and re-serves
// positions to browser viewers over WebSocket.
package main

import (
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/trackcast/internal/listener"
	"github.com/trackcast/internal/sink"
	"github.com/trackcast/internal/viz"
	"github.com/trackcast/internal/wire"
)

func main() {
	_ = godotenv.Load()

	host := flag.String("host", envStr("TRACKCAST_HOST", "localhost"), "streamer host")
	port := flag.Int("port", 5555, "streamer port")
	stale := flag.Duration("stale", 3*time.Second, "staleness timeout")
	reconnect := flag.Duration("reconnect", 2*time.Second, "reconnect delay")
	millimeters := flag.Bool("mm", false, "keep positions in millimeters instead of meters")
	save := flag.Bool("save", false, "save frames to CSV")
	csvPath := flag.String("csv", "data/trackcast.csv", "CSV output path")
	csvRate := flag.Float64("csv-rate", 10.0, "maximum CSV write rate in Hz")
	vizAddr := flag.String("viz", "", "serve a WebSocket position feed on this address (e.g. :8080)")
	verbose := flag.Bool("verbose", false, "log every frame")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var sinks []func(*wire.Frame)

	var csvWriter *sink.CSVWriter
	if *save {
		var err error
		csvWriter, err = sink.NewCSVWriter(*csvPath, *csvRate, false, logger)
		if err != nil {
			logger.Error("failed to open csv sink", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, func(f *wire.Frame) {
			if err := csvWriter.WriteFrame(f); err != nil {
				logger.Warn("csv write failed", "error", err)
			}
		})
	}

	var hub *viz.Hub
	hubDone := make(chan struct{})
	if *vizAddr != "" {
		hub = viz.NewHub(logger)
		go hub.Run(hubDone)

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.ServeWS)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		go func() {
			logger.Info("viz server listening", "addr", *vizAddr)
			if err := http.ListenAndServe(*vizAddr, mux); err != nil {
				logger.Error("viz server failed", "error", err)
			}
		}()

		scale := 1.0
		if !*millimeters {
			scale = 1.0 / 1000.0
		}
		sinks = append(sinks, func(f *wire.Frame) {
			for _, subject := range f.Subjects {
				for _, segment := range subject.Segments {
					if segment.Position.Occluded {
						continue
					}
					hub.Publish(subject.Name,
						segment.Position.X*scale,
						segment.Position.Y*scale,
						segment.Position.Z*scale)
					break
				}
			}
		})
	}

	if *verbose {
		sinks = append(sinks, func(f *wire.Frame) {
			logger.Info("frame", "number", f.FrameNumber, "subjects", len(f.Subjects), "latency_ms", f.LatencyMS)
		})
	}

	cfg := listener.DefaultConfig(*host, *port)
	cfg.StaleDataTimeout = *stale
	cfg.ReconnectDelay = *reconnect
	cfg.ConvertToMeters = !*millimeters
	cfg.OnFrame = func(f *wire.Frame) {
		for _, s := range sinks {
			s(f)
		}
	}

	l := listener.New(cfg, nil, logger)
	l.Start()
	logger.Info("listening for tracking data", "host", *host, "port", *port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

loop:
	for {
		select {
		case <-sig:
			logger.Info("received shutdown signal")
			break loop
		case <-statsTicker.C:
			positions, err := l.GetLatest(true)
			switch {
			case errors.Is(err, listener.ErrStaleData), errors.Is(err, listener.ErrConnection):
				logger.Warn("no fresh tracking data", "state", l.State().String(), "error", err)
			case err != nil:
				logger.Warn("read failed", "error", err)
			default:
				logger.Info("tracking", "subjects", len(positions), "connected", l.Connected())
			}
		}
	}

	l.Stop()
	close(hubDone)
	if csvWriter != nil {
		if err := csvWriter.Close(); err != nil {
			logger.Warn("csv close failed", "error", err)
		}
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
