package forwarder

import (
	"context"
	"fmt"
	"net"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/gwerrors"
)

// UDPConfig configures a UDP egress forwarder.
type UDPConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Policy  Policy `yaml:",inline"`
}

// UDPForwarder emits one datagram per payload. There is no application-level
// ack; success means the local send was accepted.
type UDPForwarder struct {
	base
	addr string
	conn *net.UDPConn
}

// NewUDPForwarder builds a UDP forwarder for the given target.
func NewUDPForwarder(targetID string, cfg UDPConfig) (*UDPForwarder, error) {
	if cfg.Address == "" {
		return nil, gwerrors.NewConfigError("udp forwarder", "address is required", nil)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, gwerrors.NewConfigError("udp forwarder", fmt.Sprintf("invalid port %d", cfg.Port), nil)
	}
	return &UDPForwarder{
		base: newBase(targetID, envelope.ProtocolUDP, cfg.Policy),
		addr: net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port)),
	}, nil
}

// Forward sends the payload as a single datagram.
func (f *UDPForwarder) Forward(ctx context.Context, payload map[string]any) Result {
	return f.deliver(ctx, payload, f.send)
}

func (f *UDPForwarder) send(ctx context.Context, body []byte) (int, error) {
	f.connMu.Lock()
	defer f.connMu.Unlock()

	if f.currentState() == StateClosing {
		return 0, errClosed
	}

	if f.conn == nil {
		f.setState(StateConnecting)
		raddr, err := net.ResolveUDPAddr("udp", f.addr)
		if err != nil {
			f.setState(StateError)
			return 0, err
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			f.setState(StateError)
			return 0, err
		}
		f.conn = conn
		f.setState(StateConnected)
	}

	if deadline, ok := ctx.Deadline(); ok {
		f.conn.SetWriteDeadline(deadline)
	}
	if _, err := f.conn.Write(body); err != nil {
		f.conn.Close()
		f.conn = nil
		f.setState(StateDisconnected)
		return 0, err
	}
	return 0, nil
}

// Close releases the socket.
func (f *UDPForwarder) Close() error {
	if !f.closeGuard() {
		return nil
	}
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	f.setState(StateDisconnected)
	return nil
}

// Stats returns forwarder counters.
func (f *UDPForwarder) Stats() Stats {
	s := f.snapshot()
	s.Extra = map[string]any{"address": f.addr}
	return s
}
