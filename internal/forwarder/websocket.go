package forwarder

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/gwerrors"
	"github.com/iobridge/datagate/internal/logging"
)

// WSConfig configures a WebSocket egress forwarder.
type WSConfig struct {
	URL          string            `yaml:"url"` // ws:// or wss://
	Headers      map[string]string `yaml:"headers"`
	PingInterval time.Duration     `yaml:"ping_interval"`
	PingTimeout  time.Duration     `yaml:"ping_timeout"`
	Policy       Policy            `yaml:",inline"`
}

// WSForwarder keeps one WebSocket connection alive with a heartbeat and
// writes one text frame per payload. A missed pong or any write error drops
// the connection; the next forward redials.
type WSForwarder struct {
	base
	cfg  WSConfig
	conn *websocket.Conn
	done chan struct{} // closes the heartbeat loop for the current conn
}

// NewWSForwarder builds a WebSocket forwarder for the given target.
func NewWSForwarder(targetID string, cfg WSConfig) (*WSForwarder, error) {
	if cfg.URL == "" {
		return nil, gwerrors.NewConfigError("websocket forwarder", "url is required", nil)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	return &WSForwarder{
		base: newBase(targetID, envelope.ProtocolWebSocket, cfg.Policy),
		cfg:  cfg,
	}, nil
}

// Forward writes the payload as one text frame.
func (f *WSForwarder) Forward(ctx context.Context, payload map[string]any) Result {
	return f.deliver(ctx, payload, f.send)
}

func (f *WSForwarder) send(ctx context.Context, body []byte) (int, error) {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	if f.currentState() == StateClosing {
		return 0, errClosed
	}

	conn, err := f.ensureConn(ctx)
	if err != nil {
		return 0, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		f.dropConn()
		return 0, err
	}
	return 0, nil
}

// ensureConn dials and starts the heartbeat. Caller holds connMu.
func (f *WSForwarder) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	if f.conn != nil {
		return f.conn, nil
	}
	f.setState(StateConnecting)

	dialer := *websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, f.cfg.URL, headerMap(f.cfg.Headers))
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		f.setState(StateError)
		return nil, err
	}

	done := make(chan struct{})
	f.conn = conn
	f.done = done
	f.setState(StateConnected)

	conn.SetReadDeadline(time.Now().Add(f.cfg.PingInterval + f.cfg.PingTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.PingInterval + f.cfg.PingTimeout))
	})

	// Control frames are only processed while reading. Inbound data frames
	// from the target are drained and ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				f.connMu.Lock()
				if f.conn == conn {
					f.dropConn()
				}
				f.connMu.Unlock()
				return
			}
		}
	}()
	go f.heartbeat(conn, done)

	return conn, nil
}

func (f *WSForwarder) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(f.cfg.PingTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logging.Warn("websocket heartbeat failed",
					zap.String("target_id", f.targetID),
					zap.Error(err),
				)
				f.connMu.Lock()
				if f.conn == conn {
					f.dropConn()
				}
				f.connMu.Unlock()
				return
			}
		}
	}
}

// dropConn tears down the connection and its heartbeat. Caller holds connMu.
func (f *WSForwarder) dropConn() {
	if f.done != nil {
		close(f.done)
		f.done = nil
	}
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	if f.currentState() != StateClosing {
		f.setState(StateDisconnected)
	}
}

// Close sends a close frame and drops the connection.
func (f *WSForwarder) Close() error {
	if !f.closeGuard() {
		return nil
	}
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	f.dropConn()
	f.setState(StateDisconnected)
	return nil
}

// Stats returns forwarder counters.
func (f *WSForwarder) Stats() Stats {
	s := f.snapshot()
	s.Extra = map[string]any{"url": f.cfg.URL}
	return s
}

func headerMap(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
