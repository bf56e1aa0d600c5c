// Command trackcast-streamer captures tracking frames from a configured
// source (simulated, serial, or MQTT bridge) and broadcasts them to TCP
// clients as newline-delimited JSON at a bounded rate.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/trackcast/internal/broadcast"
	"github.com/trackcast/internal/registry"
	"github.com/trackcast/internal/source"
)

func main() {
	// Optional .env beside the binary overrides nothing explicit.
	_ = godotenv.Load()

	bind := flag.String("bind", envStr("TRACKCAST_BIND", "0.0.0.0"), "bind address")
	port := flag.Int("port", envInt("TRACKCAST_PORT", 5555), "TCP broadcast port")
	rate := flag.Float64("rate", 20.0, "maximum broadcast rate in Hz")
	maxClients := flag.Int("max-clients", 10, "maximum concurrent clients")
	src := flag.String("source", "sim", "frame source: sim | serial | mqtt")
	subjects := flag.String("subjects", "S1,S2", "simulated subject names (comma separated)")
	simRate := flag.Float64("sim-rate", 100.0, "simulated capture rate in Hz")
	serialPort := flag.String("serial-port", "/dev/ttyUSB0", "serial port for the tracker")
	baud := flag.Int("baud", 9600, "serial baud rate")
	broker := flag.String("broker", envStr("TRACKCAST_BROKER", "tcp://localhost:1883"), "MQTT broker URL")
	topic := flag.String("topic", "tracking/frames", "MQTT frame topic")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := newLogger(*debug)

	reg := registry.New(registry.Config{
		BindAddr:   *bind,
		Port:       *port,
		MaxClients: *maxClients,
	}, logger)
	if err := reg.Start(); err != nil {
		logger.Error("failed to start broadcast server", "error", err)
		os.Exit(1)
	}

	b := broadcast.New(reg, *rate, nil, logger)
	b.Start()

	var frames source.Source
	switch *src {
	case "sim":
		frames = source.NewSim(source.SimConfig{
			Subjects: splitNames(*subjects),
			RateHz:   *simRate,
		}, nil, logger)
	case "serial":
		frames = source.NewSerial(source.SerialConfig{PortName: *serialPort, Baud: *baud}, logger)
	case "mqtt":
		frames = source.NewMQTT(source.MQTTConfig{BrokerURL: *broker, Topic: *topic}, logger)
	default:
		logger.Error("unknown source", "source", *src)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srcDone := make(chan error, 1)
	go func() {
		srcDone <- frames.Run(ctx, b.Update)
	}()

	logger.Info("streaming", "addr", reg.Addr().String(), "rate_hz", *rate, "source", *src)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	exitCode := 0
loop:
	for {
		select {
		case <-sig:
			logger.Info("received shutdown signal")
			break loop
		case err := <-srcDone:
			if err != nil {
				logger.Error("frame source failed", "error", err)
				exitCode = 1
			}
			break loop
		case <-statsTicker.C:
			s := b.Snapshot()
			logger.Info("stats",
				"clients", reg.ClientCount(),
				"messages_sent", s.MessagesSent,
				"bytes_sent", s.BytesSent,
			)
		}
	}

	cancel()
	b.Stop()
	reg.Stop()
	os.Exit(exitCode)
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func splitNames(s string) []string {
	var names []string
	for _, part := range strings.Split(s, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
