// Command voicebridge answers Twilio calls and bridges their audio to a
// realtime speech model.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/voicebridge/pkg/config"
	"github.com/harunnryd/voicebridge/pkg/errorsx"
	"github.com/harunnryd/voicebridge/pkg/logging"
	"github.com/harunnryd/voicebridge/pkg/redact"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	dialTo := flag.String("dial_to", "", "destination number for outbound call")
	dialFrom := flag.String("dial_from", "", "caller ID for outbound call")
	dialURL := flag.String("dial_url", "", "override voice URL for outbound call")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.InitLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	redact.SetEnabled(cfg.Privacy.RedactPII)

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("startup_failed", "error", err, "reason_code", errorsx.Reason(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		logger.Error("startup_failed", "error", err, "reason_code", errorsx.Reason(err))
		os.Exit(1)
	}

	if *dialTo != "" && *dialFrom != "" {
		callSID, err := a.dialOut(ctx, *dialTo, *dialFrom, *dialURL)
		if err != nil {
			logger.Error("outbound_dial_failed", "error", err)
		} else {
			logger.Info("outbound_dial_started", "call_sid", callSID, "to", redact.Caller(*dialTo))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("signal_received", "signal", sig.String())
	if err := a.Stop(); err != nil {
		logger.Warn("shutdown_incomplete", "error", err)
	}
}
