package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/harunnryd/voicebridge/pkg/config"
	"github.com/harunnryd/voicebridge/pkg/configutil"
	"github.com/harunnryd/voicebridge/pkg/errorsx"
	"github.com/harunnryd/voicebridge/pkg/metrics"
	"github.com/harunnryd/voicebridge/pkg/notify"
	"github.com/harunnryd/voicebridge/pkg/realtime"
	"github.com/harunnryd/voicebridge/pkg/relay"
	"github.com/harunnryd/voicebridge/pkg/resilience"
	"github.com/harunnryd/voicebridge/pkg/runner"
	"github.com/harunnryd/voicebridge/pkg/session"
	"github.com/harunnryd/voicebridge/pkg/tools"
	"github.com/harunnryd/voicebridge/pkg/tools/tavily"
	"github.com/harunnryd/voicebridge/pkg/transports/twilio"
)

type tavilySettings struct {
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	MaxResults        int    `mapstructure:"max_results"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMs int    `mapstructure:"circuit_cooldown_ms"`
	TimeoutMs         int    `mapstructure:"timeout_ms"`
}

// app owns every long-lived component of the bridge.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	registry  *session.Registry
	notifier  *notify.Async
	kafka     *notify.Kafka
	relay     *relay.Engine
	transport *twilio.Transport
	runner    *runner.LifecycleRunner
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	toolRegistry, err := buildTools(cfg, logger)
	if err != nil {
		return nil, err
	}

	webhook := notify.NewWebhook(cfg.Notify.WebhookURL, time.Duration(cfg.Notify.TimeoutMS)*time.Millisecond, logger)
	kafkaSink := notify.NewKafka(notify.KafkaConfig{
		Brokers: cfg.Notify.Kafka.Brokers,
		Topic:   cfg.Notify.Kafka.Topic,
	}, logger)
	sinks := []notify.Sink{webhook}
	if kafkaSink != nil {
		sinks = append(sinks, kafkaSink)
	}
	var greeter notify.Greeter
	if webhook.Enabled() {
		greeter = webhook
	}
	notifier := notify.NewAsync(greeter, notify.NewMulti(sinks...), notify.AsyncOptions{
		Timeout: 10 * time.Second,
		Logger:  logger,
		OnDone:  m.Notification,
	})

	registry := session.NewRegistry(cfg.OpeningUtterance)
	opts := relay.Options{
		Registry:       registry,
		Dial:           realtimeDialer(cfg, logger),
		Notifier:       notifier,
		Metrics:        m,
		Logger:         logger,
		LogEventTypes:  cfg.Relay.LogEventTypes,
		ShowTimingMath: cfg.Relay.ShowTimingMath,
	}
	if toolRegistry != nil {
		opts.Tools = toolRegistry
	}
	engine := relay.New(opts)

	transport := twilio.New(twilio.Config{
		ServerAddr:     cfg.Server.Addr,
		PublicURL:      cfg.Server.PublicURL,
		AuthToken:      cfg.Twilio.AuthToken,
		AccountSID:     cfg.Twilio.AccountSID,
		VoicePath:      cfg.Server.VoicePath,
		WebsocketPath:  cfg.Server.WebsocketPath,
		StatusPath:     cfg.Server.StatusPath,
		IntroMessage:   cfg.Server.IntroMessage,
		AllowAnyOrigin: cfg.Server.AllowAnyOrigin,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		OpeningTimeout: time.Duration(cfg.Server.OpeningTimeoutMS) * time.Millisecond,
	}, twilio.Deps{
		Relay:          engine,
		Registry:       registry,
		Greeter:        notifier,
		DefaultOpening: cfg.OpeningUtterance,
		Metrics:        m,
		Logger:         logger,
	})

	a := &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		registry:  registry,
		notifier:  notifier,
		kafka:     kafkaSink,
		relay:     engine,
		transport: transport,
	}
	a.runner = runner.NewLifecycleRunner(runner.DrainerFunc(a.drain), runner.Hooks{
		OnStart: a.onStart,
		OnStop:  a.onStop,
	}, cfg.DrainTimeout())
	return a, nil
}

func (a *app) Start(ctx context.Context) error {
	if err := a.transport.Start(ctx); err != nil {
		return err
	}
	go func() {
		if err := a.runner.Run(ctx); err != nil {
			a.logger.Warn("runner_stopped_with_error", "error", err)
		}
	}()
	return nil
}

func (a *app) Stop() error {
	return a.runner.Stop()
}

func (a *app) onStart() {
	fields := []any{"message", "Voice bridge ready", "addr", a.cfg.Server.Addr}
	for k, v := range a.transport.ReadyFields() {
		fields = append(fields, k, v)
	}
	a.logger.Info("bridge_ready", fields...)
}

func (a *app) onStop() {
	if err := a.kafka.Close(); err != nil {
		a.logger.Warn("kafka_close_failed", "error", err)
	}
	a.logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_calls", a.registry.Count())
}

// drain refuses new streams and lets live calls finish, then ends what
// remains and flushes pending notifications. ctx carries the drain deadline;
// a third of it is kept for the flush.
func (a *app) drain(ctx context.Context) error {
	a.transport.SetDraining(true)
	callsCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		callsCtx, cancel = context.WithDeadline(ctx, deadline.Add(-time.Until(deadline)/3))
		defer cancel()
	}
	if !a.registry.WaitForEmpty(callsCtx, 200*time.Millisecond) {
		a.logger.Warn("drain_calls_remaining", "active_calls", a.registry.Count(), "active_streams", a.transport.ActiveStreams())
	}
	_ = a.transport.Stop()
	return a.notifier.Wait(ctx)
}

// buildTools returns nil when tools are disabled so the relay sees a nil
// tools.Registry rather than a typed nil.
func buildTools(cfg config.Config, logger *slog.Logger) (*tools.Dispatcher, error) {
	if !cfg.Tools.Enabled {
		return nil, nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Tools.Search.Provider))
	if provider != "tavily" {
		return nil, errorsx.Errorf(errorsx.ReasonConfiguration, "tools.search.provider %q is not supported", cfg.Tools.Search.Provider)
	}
	var settings tavilySettings
	if err := configutil.LoadSettings("tools.search.settings", cfg.Tools.Search.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"base_url", "max_results", "circuit_threshold", "circuit_cooldown_ms", "timeout_ms"},
	}, &settings); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfiguration)
	}
	if err := configutil.RequireString(settings.APIKey, "tools.search.settings.api_key"); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfiguration)
	}
	httpTimeout := time.Duration(settings.TimeoutMs) * time.Millisecond
	if httpTimeout <= 0 {
		httpTimeout = 15 * time.Second
	}
	client := tavily.NewClient(settings.APIKey, settings.BaseURL, &http.Client{Timeout: httpTimeout}).
		WithCircuitBreaker(resilience.NewCircuitBreaker(settings.CircuitThreshold, time.Duration(settings.CircuitCooldownMs)*time.Millisecond))

	return tools.NewDispatcher(tools.DispatcherOptions{
		Timeout:      time.Duration(cfg.Tools.TimeoutMS) * time.Millisecond,
		Retries:      cfg.Tools.Retries,
		RetryBackoff: time.Duration(cfg.Tools.RetryBackoffMS) * time.Millisecond,
		Logger:       logger,
	}, tools.NewSearch(client, settings.MaxResults)), nil
}

func realtimeDialer(cfg config.Config, logger *slog.Logger) relay.DialFunc {
	base := realtime.Config{
		URL:      cfg.Realtime.URL,
		APIKey:   cfg.Realtime.APIKey,
		AuthMode: realtime.AuthMode(strings.ToLower(cfg.Realtime.AuthMode)),
		Session: realtime.SessionConfig{
			Voice:              cfg.Realtime.Voice,
			Instructions:       cfg.Realtime.Instructions,
			Temperature:        cfg.Realtime.Temperature,
			TranscriptionModel: cfg.Realtime.TranscriptionModel,
		},
		HandshakeTimeout: time.Duration(cfg.Realtime.HandshakeTimeoutMS) * time.Millisecond,
		Logger:           logger,
	}
	return func(ctx context.Context, declared []realtime.Tool) (relay.Upstream, error) {
		rc := base
		rc.Session.Tools = declared
		client, err := realtime.Dial(ctx, rc)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

var errNoDialTarget = errors.New("dial_to and dial_from are both required")

func (a *app) dialOut(ctx context.Context, to, from, url string) (string, error) {
	if to == "" || from == "" {
		return "", errNoDialTarget
	}
	return twilio.NewDialer(twilio.Config{
		ServerAddr: a.cfg.Server.Addr,
		PublicURL:  a.cfg.Server.PublicURL,
		AuthToken:  a.cfg.Twilio.AuthToken,
		AccountSID: a.cfg.Twilio.AccountSID,
		VoicePath:  a.cfg.Server.VoicePath,
		StatusPath: a.cfg.Server.StatusPath,
	}).Dial(ctx, to, from, url)
}
