// Package twilio serves the Twilio side of a call: the voice webhook that
// answers incoming calls, the Media Streams websocket, and outbound dialing.
package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/voicebridge/pkg/errorsx"
	"github.com/harunnryd/voicebridge/pkg/logging"
	"github.com/harunnryd/voicebridge/pkg/metrics"
	"github.com/harunnryd/voicebridge/pkg/notify"
	"github.com/harunnryd/voicebridge/pkg/redact"
	"github.com/harunnryd/voicebridge/pkg/relay"
	"github.com/harunnryd/voicebridge/pkg/session"
)

const (
	statusMessage = "Twilio Media Stream Server is running!"
	unknownCaller = "Unknown"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	PublicURL      string   `mapstructure:"public_url"`
	AuthToken      string   `mapstructure:"auth_token"`
	AccountSID     string   `mapstructure:"account_sid"`
	VoicePath      string   `mapstructure:"voice_path"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	StatusPath     string   `mapstructure:"status_path"`
	IntroMessage   string   `mapstructure:"intro_message"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	OpeningTimeout time.Duration `mapstructure:"-"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":5050"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/incoming-call"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/media-stream"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/status"
	}
	if c.OpeningTimeout <= 0 {
		c.OpeningTimeout = 3 * time.Second
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// StreamServer relays one accepted media stream; *relay.Engine implements it.
type StreamServer interface {
	Serve(ctx context.Context, tel relay.Telephony) error
}

type Deps struct {
	Relay    StreamServer
	Registry *session.Registry
	// Greeter supplies personalized opening utterances; nil uses DefaultOpening.
	Greeter        notify.Greeter
	DefaultOpening string
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

type Transport struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	streams map[*MediaStream]struct{}
	byCall  map[string]*MediaStream

	draining atomic.Bool
}

func New(cfg Config, deps Deps) *Transport {
	cfg = cfg.withDefaults()
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry(deps.DefaultOpening)
	}
	t := &Transport{
		cfg:    cfg,
		deps:   deps,
		logger: logging.NewComponentLogger(deps.Logger, "twilio"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		streams: make(map[*MediaStream]struct{}),
		byCall:  make(map[string]*MediaStream),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

// ReadyFields reports the URLs Twilio must be configured with.
func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.publicHTTPURL(t.cfg.StatusPath),
	}
}

// Handler routes every endpoint the transport serves.
func (t *Transport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleRoot)
	mux.HandleFunc(t.cfg.VoicePath, t.handleIncomingCall)
	mux.HandleFunc(t.cfg.WebsocketPath, t.handleMediaStream)
	mux.HandleFunc(t.cfg.StatusPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", t.deps.Metrics.Handler())
	return mux
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.deps.Relay == nil {
		return errorsx.Wrap(errors.New("twilio transport: relay is required"), errorsx.ReasonConfiguration)
	}
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           t.Handler(),
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Stop refuses new streams, closes the listener and ends every live stream.
func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	live := make([]*MediaStream, 0, len(t.streams))
	for ms := range t.streams {
		live = append(live, ms)
	}
	t.mu.Unlock()
	for _, ms := range live {
		_ = ms.Close()
	}
	return nil
}

// SetDraining makes new media streams fail with 503 while live ones finish.
func (t *Transport) SetDraining(v bool) { t.draining.Store(v) }

func (t *Transport) ActiveStreams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

func (t *Transport) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": statusMessage})
}

func (t *Transport) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	caller := strings.TrimSpace(r.FormValue("From"))
	if caller == "" {
		caller = unknownCaller
	}
	callSID := strings.TrimSpace(r.FormValue("CallSid"))

	opening := t.openingUtterance(r.Context(), caller)
	if callSID != "" {
		t.deps.Registry.Create(callSID, caller, opening)
	}

	body, err := streamTwiML(t.cfg.IntroMessage, t.websocketURL(r), streamParams{
		CallerNumber: caller,
		FirstMessage: opening,
	})
	if err != nil {
		t.logger.Error("twilio_twiml_failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	t.deps.Metrics.CallAccepted()
	t.logger.Info("twilio_call_accepted", "call_id", callSID, "caller", redact.Caller(caller))
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(body))
}

// openingUtterance asks the greeter for a personalized greeting and falls back
// to the default on any failure.
func (t *Transport) openingUtterance(ctx context.Context, caller string) string {
	if t.deps.Greeter == nil {
		return t.deps.DefaultOpening
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.OpeningTimeout)
	defer cancel()
	msg, err := t.deps.Greeter.OpeningUtterance(ctx, caller)
	if err != nil || strings.TrimSpace(msg) == "" {
		if err != nil && !errors.Is(err, notify.ErrDisabled) {
			t.logger.Warn("twilio_opening_lookup_failed", "error", err, "reason_code", errorsx.Reason(err))
		}
		return t.deps.DefaultOpening
	}
	return msg
}

func (t *Transport) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ms := newMediaStream(conn, t.logger, t.bindCall)
	t.track(ms)
	defer t.untrack(ms)
	go ms.readLoop()

	if err := t.deps.Relay.Serve(r.Context(), ms); err != nil {
		t.logger.Warn("twilio_stream_ended_with_error", "call_id", ms.CallSID(), "error", err, "reason_code", errorsx.Reason(err))
	}
	_ = ms.Close()
}

// handleStatusCallback ends the live stream of a call Twilio reports as finished.
func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.mu.Lock()
	ms := t.byCall[callSID]
	t.mu.Unlock()
	if ms != nil {
		t.logger.Info("twilio_call_ended", "call_id", callSID, "reason", reason)
		_ = ms.Close()
	} else if t.deps.Registry.Remove(callSID) {
		// the call ended before a media stream ever bound to it
		t.logger.Info("twilio_call_ended_without_stream", "call_id", callSID, "reason", reason)
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) track(ms *MediaStream) {
	t.mu.Lock()
	t.streams[ms] = struct{}{}
	t.mu.Unlock()
}

func (t *Transport) untrack(ms *MediaStream) {
	t.mu.Lock()
	delete(t.streams, ms)
	if callSID := ms.CallSID(); callSID != "" && t.byCall[callSID] == ms {
		delete(t.byCall, callSID)
	}
	t.mu.Unlock()
}

func (t *Transport) bindCall(callSID string, ms *MediaStream) {
	if callSID == "" {
		return
	}
	t.mu.Lock()
	t.byCall[callSID] = ms
	t.mu.Unlock()
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return t.publicHTTPURL(t.cfg.VoicePath)
}

func (t *Transport) publicHTTPURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		if !strings.Contains(base, "://") {
			base = "https://" + base
		}
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

// normalizeCallEndReason maps a Twilio CallStatus to an end reason, or "" while
// the call is still live.
func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed":
		return "completed"
	case "busy":
		return "busy"
	case "no-answer", "no_answer", "noanswer":
		return "no_answer"
	case "failed", "canceled", "cancelled":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
