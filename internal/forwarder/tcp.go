package forwarder

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/gwerrors"
)

// TCPConfig configures a TCP egress forwarder.
type TCPConfig struct {
	Address   string `yaml:"address"`
	Port      int    `yaml:"port"`
	KeepAlive bool   `yaml:"keep_alive"` // reuse one connection across forwards
	Newline   string `yaml:"newline"`    // frame terminator, default "\n"
	Policy    Policy `yaml:",inline"`
}

// TCPForwarder writes one newline-terminated JSON frame per forward. With
// keep_alive the connection persists across calls; a send error drops it so
// the next attempt redials.
type TCPForwarder struct {
	base
	cfg  TCPConfig
	addr string
	conn net.Conn
}

// NewTCPForwarder builds a TCP forwarder for the given target.
func NewTCPForwarder(targetID string, cfg TCPConfig) (*TCPForwarder, error) {
	if cfg.Address == "" {
		return nil, gwerrors.NewConfigError("tcp forwarder", "address is required", nil)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, gwerrors.NewConfigError("tcp forwarder", fmt.Sprintf("invalid port %d", cfg.Port), nil)
	}
	if cfg.Newline == "" {
		cfg.Newline = "\n"
	}
	return &TCPForwarder{
		base: newBase(targetID, envelope.ProtocolTCP, cfg.Policy),
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port)),
	}, nil
}

// Forward delivers the payload as one framed JSON write.
func (f *TCPForwarder) Forward(ctx context.Context, payload map[string]any) Result {
	return f.deliver(ctx, payload, f.send)
}

func (f *TCPForwarder) send(ctx context.Context, body []byte) (int, error) {
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
	if _, err := conn.Write(append(body, f.cfg.Newline...)); err != nil {
		f.dropConn()
		return 0, err
	}
	if !f.cfg.KeepAlive {
		f.dropConn()
	}
	return 0, nil
}

// ensureConn returns the live connection, dialing if needed. Caller holds
// connMu.
func (f *TCPForwarder) ensureConn(ctx context.Context) (net.Conn, error) {
	if f.conn != nil {
		return f.conn, nil
	}
	f.setState(StateConnecting)
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		f.setState(StateError)
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok && f.cfg.KeepAlive {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}
	f.conn = conn
	f.setState(StateConnected)
	return conn, nil
}

// dropConn tears down the connection so the next attempt redials. Caller
// holds connMu.
func (f *TCPForwarder) dropConn() {
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	if f.currentState() != StateClosing {
		f.setState(StateDisconnected)
	}
}

// Close drops the connection.
func (f *TCPForwarder) Close() error {
	if !f.closeGuard() {
		return nil
	}
	f.connMu.Lock()
	defer f.connMu.Unlock()
	f.dropConn()
	f.setState(StateDisconnected)
	return nil
}

// Stats returns forwarder counters.
func (f *TCPForwarder) Stats() Stats {
	s := f.snapshot()
	s.Extra = map[string]any{"address": f.addr, "keep_alive": f.cfg.KeepAlive}
	return s
}
