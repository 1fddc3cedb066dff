package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/voicebridge/pkg/errorsx"
	"github.com/harunnryd/voicebridge/pkg/frames"
)

// ErrStreamClosed is returned by Send once the media stream has ended.
var ErrStreamClosed = errorsx.Wrap(errors.New("media stream closed"), errorsx.ReasonTelephonyClosed)

const defaultWriteTimeout = 5 * time.Second

// MediaStream is one Twilio Media Streams websocket. Reads are decoded into
// frames.Inbound on a dedicated goroutine; writes are serialized.
type MediaStream struct {
	conn   *websocket.Conn
	in     chan frames.Inbound
	done   chan struct{}
	logger *slog.Logger

	writeMu sync.Mutex
	once    sync.Once
	closed  atomic.Bool

	callSID atomic.Value
	onStart func(callSID string, ms *MediaStream)
}

func newMediaStream(conn *websocket.Conn, logger *slog.Logger, onStart func(string, *MediaStream)) *MediaStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaStream{
		conn:    conn,
		in:      make(chan frames.Inbound, 64),
		done:    make(chan struct{}),
		logger:  logger,
		onStart: onStart,
	}
}

// Frames yields decoded inbound frames until the connection ends.
func (m *MediaStream) Frames() <-chan frames.Inbound { return m.in }

// CallSID is empty until the start frame arrives.
func (m *MediaStream) CallSID() string {
	v, _ := m.callSID.Load().(string)
	return v
}

func (m *MediaStream) readLoop() {
	defer close(m.in)
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			if !m.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Warn("media_stream_read_failed", "error", err)
			}
			return
		}
		in, err := frames.DecodeInbound(data)
		if err != nil {
			m.logger.Warn("media_stream_malformed_frame", "error", err, "reason_code", errorsx.Reason(err))
			continue
		}
		if in.Kind == frames.KindStart {
			m.callSID.Store(in.Start.CallSID)
			if m.onStart != nil {
				m.onStart(in.Start.CallSID, m)
			}
		}
		select {
		case m.in <- in:
		case <-m.done:
			return
		}
	}
}

func (m *MediaStream) Send(ctx context.Context, f frames.Outbound) error {
	if m.closed.Load() {
		return ErrStreamClosed
	}
	b, err := json.Marshal(f)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonTelephonySend)
	}
	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.closed.Load() {
		return ErrStreamClosed
	}
	_ = m.conn.SetWriteDeadline(deadline)
	if err := m.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		// gorilla connections are unusable after a failed write.
		return errorsx.Errorf(errorsx.ReasonTelephonyClosed, "write %s: %w", f.Event, err)
	}
	return nil
}

// Close is idempotent. It sends a normal close frame before dropping the
// connection, which ends the read loop.
func (m *MediaStream) Close() error {
	var err error
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.done)
		m.writeMu.Lock()
		_ = m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		err = m.conn.Close()
	})
	return err
}
