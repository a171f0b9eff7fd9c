package adapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
	"github.com/iobridge/datagate/internal/gwerrors"
	"github.com/iobridge/datagate/internal/logging"
)

// TCPConfig configures a TCP adapter.
type TCPConfig struct {
	ListenAddress  string `yaml:"listen_address"`
	ListenPort     int    `yaml:"listen_port"`
	MaxConnections int    `yaml:"max_connections"` // default 100
	Delimiter      string `yaml:"delimiter"`       // stream framing, default "\n"
	MaxFrameBytes  int    `yaml:"max_frame_bytes"` // scanner limit, default 1 MiB
}

// ConnInfo describes one accepted connection.
type ConnInfo struct {
	RemoteAddr  string    `json:"remote_addr"`
	RemotePort  int       `json:"remote_port"`
	ConnectedAt time.Time `json:"connected_at"`
}

// TCPAdapter accepts stream connections and splits each into frames on the
// configured delimiter; every frame becomes one envelope. Connection ids are
// generated per accept and never reused.
type TCPAdapter struct {
	base
	cfg      TCPConfig
	listener net.Listener

	mu     sync.Mutex
	conns  map[string]ConnInfo
	nConns atomic.Int64
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refused atomic.Int64
}

// NewTCPAdapter creates a TCP adapter publishing on TCP_RECEIVED.
func NewTCPAdapter(name string, cfg TCPConfig, bus *eventbus.Bus) (*TCPAdapter, error) {
	if cfg.ListenPort < 0 || cfg.ListenPort > 65535 {
		return nil, gwerrors.NewConfigError("tcp adapter", fmt.Sprintf("invalid listen_port %d", cfg.ListenPort), nil)
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = "\n"
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	return &TCPAdapter{
		base:  newBase(name, envelope.ProtocolTCP, eventbus.TopicTCPReceived, bus),
		cfg:   cfg,
		conns: make(map[string]ConnInfo),
	}, nil
}

// Start binds the listener and launches the accept loop.
func (a *TCPAdapter) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return gwerrors.ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.cfg.ListenAddress, a.cfg.ListenPort))
	if err != nil {
		a.running.Store(false)
		return fmt.Errorf("tcp adapter %s: listen: %w", a.name, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.listener = ln
	a.cancel = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go a.acceptLoop(loopCtx, ln)

	logging.Info("tcp adapter started",
		zap.String("adapter", a.name),
		zap.String("addr", ln.Addr().String()),
	)
	return nil
}

func (a *TCPAdapter) acceptLoop(ctx context.Context, ln net.Listener) {
	defer a.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.countError()
			continue
		}

		if a.nConns.Load() >= int64(a.cfg.MaxConnections) {
			// Existing connections are unaffected; only the new accept is
			// refused.
			a.refused.Add(1)
			a.countError()
			logging.Warn("tcp adapter refusing connection",
				zap.String("adapter", a.name),
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(gwerrors.ErrMaxConnections),
			)
			conn.Close()
			continue
		}

		connID := uuid.NewString()
		remote := conn.RemoteAddr().(*net.TCPAddr)
		a.mu.Lock()
		a.conns[connID] = ConnInfo{
			RemoteAddr:  remote.IP.String(),
			RemotePort:  remote.Port,
			ConnectedAt: time.Now().UTC(),
		}
		a.mu.Unlock()
		a.nConns.Add(1)

		a.wg.Add(1)
		go a.readLoop(ctx, conn, connID)
	}
}

func (a *TCPAdapter) readLoop(ctx context.Context, conn net.Conn, connID string) {
	defer a.wg.Done()

	// Per-connection context so the close watcher exits with the connection
	// rather than lingering until adapter shutdown.
	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		conn.Close()
		a.mu.Lock()
		delete(a.conns, connID)
		a.mu.Unlock()
		a.nConns.Add(-1)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		<-connCtx.Done()
		conn.Close()
	}()

	remote := conn.RemoteAddr().(*net.TCPAddr)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), a.cfg.MaxFrameBytes)
	scanner.Split(splitOnDelimiter([]byte(a.cfg.Delimiter)))

	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}
		env := a.newEnvelope()
		env.RawData = append([]byte(nil), frame...)
		env.SourceAddress = remote.IP.String()
		env.SourcePort = remote.Port
		env.ConnectionID = connID
		a.publish(env)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		a.countError()
	}
}

// splitOnDelimiter returns a bufio.SplitFunc that frames the stream on an
// arbitrary byte sequence.
func splitOnDelimiter(delim []byte) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if i := bytes.Index(data, delim); i >= 0 {
			return i + len(delim), data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// Stop closes the listener, tears down all connections, and waits for the
// loops to drain.
func (a *TCPAdapter) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	start := time.Now()
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	if a.listener != nil {
		a.listener.Close()
		a.listener = nil
	}
	a.mu.Unlock()
	a.wg.Wait()
	a.logStopped(time.Since(start))
	return nil
}

// Restart stops and starts the adapter.
func (a *TCPAdapter) Restart(ctx context.Context) error {
	if err := a.Stop(); err != nil {
		return err
	}
	return a.Start(ctx)
}

// Connections returns a copy of the live connection registry.
func (a *TCPAdapter) Connections() map[string]ConnInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]ConnInfo, len(a.conns))
	for id, info := range a.conns {
		out[id] = info
	}
	return out
}

// Addr returns the bound listener address, or empty when stopped.
func (a *TCPAdapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stats returns adapter counters plus connection gauges.
func (a *TCPAdapter) Stats() Stats {
	s := a.snapshot()
	s.Extra = map[string]any{
		"active_connections": a.nConns.Load(),
		"max_connections":    a.cfg.MaxConnections,
		"refused":            a.refused.Load(),
	}
	return s
}
