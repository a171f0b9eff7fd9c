package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
	"github.com/iobridge/datagate/internal/gwerrors"
	"github.com/iobridge/datagate/internal/logging"
)

// UDPConfig configures a UDP adapter.
type UDPConfig struct {
	ListenAddress string `yaml:"listen_address"`
	ListenPort    int    `yaml:"listen_port"` // 0 = OS-assigned
	BufferSize    int    `yaml:"buffer_size"` // datagram read buffer, default 4096
}

// UDPAdapter receives one envelope per datagram. Datagrams larger than the
// read buffer are truncated by the kernel; truncation is surfaced in the
// error counter, not as a crash.
type UDPAdapter struct {
	base
	cfg  UDPConfig
	conn *net.UDPConn

	mu         sync.Mutex
	actualPort int
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

// NewUDPAdapter creates a UDP adapter publishing on UDP_RECEIVED.
func NewUDPAdapter(name string, cfg UDPConfig, bus *eventbus.Bus) (*UDPAdapter, error) {
	if cfg.ListenPort < 0 || cfg.ListenPort > 65535 {
		return nil, gwerrors.NewConfigError("udp adapter", fmt.Sprintf("invalid listen_port %d", cfg.ListenPort), nil)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	return &UDPAdapter{
		base: newBase(name, envelope.ProtocolUDP, eventbus.TopicUDPReceived, bus),
		cfg:  cfg,
	}, nil
}

// Start binds the socket and launches the read loop.
func (a *UDPAdapter) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return gwerrors.ErrAlreadyRunning
	}

	addr := &net.UDPAddr{IP: net.ParseIP(a.cfg.ListenAddress), Port: a.cfg.ListenPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		a.running.Store(false)
		return fmt.Errorf("udp adapter %s: listen: %w", a.name, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.conn = conn
	a.actualPort = conn.LocalAddr().(*net.UDPAddr).Port
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go a.readLoop(loopCtx, conn)

	logging.Info("udp adapter started",
		zap.String("adapter", a.name),
		zap.Int("port", a.actualPort),
	)
	return nil
}

func (a *UDPAdapter) readLoop(ctx context.Context, conn *net.UDPConn) {
	defer a.wg.Done()
	buf := make([]byte, a.cfg.BufferSize+1)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			a.countError()
			continue
		}

		data := buf[:n]
		if n > a.cfg.BufferSize {
			// Datagram exceeded the configured buffer; keep the configured
			// prefix and account for the truncation.
			data = buf[:a.cfg.BufferSize]
			a.countError()
		}

		env := a.newEnvelope()
		env.RawData = append([]byte(nil), data...)
		env.SourceAddress = remote.IP.String()
		env.SourcePort = remote.Port
		a.publish(env)
	}
}

// Stop closes the socket and waits for the read loop to drain.
func (a *UDPAdapter) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	start := time.Now()
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()
	a.wg.Wait()
	a.logStopped(time.Since(start))
	return nil
}

// Restart stops and starts the adapter.
func (a *UDPAdapter) Restart(ctx context.Context) error {
	if err := a.Stop(); err != nil {
		return err
	}
	return a.Start(ctx)
}

// ActualPort returns the bound port, useful when listen_port was 0.
func (a *UDPAdapter) ActualPort() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.actualPort
}

// Stats returns adapter counters plus the bound port.
func (a *UDPAdapter) Stats() Stats {
	s := a.snapshot()
	s.Extra = map[string]any{"actual_port": a.ActualPort()}
	return s
}
