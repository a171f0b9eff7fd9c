package adapter

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
	"github.com/iobridge/datagate/internal/gwerrors"
	"github.com/iobridge/datagate/internal/logging"
)

// WebSocketConfig configures a WebSocket ingest adapter.
type WebSocketConfig struct {
	ListenAddress   string        `yaml:"listen_address"`
	ListenPort      int           `yaml:"listen_port"`
	Path            string        `yaml:"path"` // upgrade endpoint, default /ws
	MaxConnections  int           `yaml:"max_connections"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
}

// WebSocketAdapter upgrades HTTP connections and produces one envelope per
// inbound message, text or binary. Oversubscribed upgrades are refused.
type WebSocketAdapter struct {
	base
	cfg      WebSocketConfig
	upgrader websocket.Upgrader
	server   *http.Server

	mu         sync.Mutex
	listener   net.Listener
	actualPort int
	conns      map[string]ConnInfo
	sockets    map[string]*websocket.Conn
	nConns     atomic.Int64
	refused    atomic.Int64
}

// NewWebSocketAdapter creates a WebSocket adapter publishing on
// WEBSOCKET_RECEIVED.
func NewWebSocketAdapter(name string, cfg WebSocketConfig, bus *eventbus.Bus) (*WebSocketAdapter, error) {
	if cfg.ListenPort < 0 || cfg.ListenPort > 65535 {
		return nil, gwerrors.NewConfigError("websocket adapter", fmt.Sprintf("invalid listen_port %d", cfg.ListenPort), nil)
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = 4096
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	return &WebSocketAdapter{
		base: newBase(name, envelope.ProtocolWebSocket, eventbus.TopicWebSocketReceived, bus),
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:   make(map[string]ConnInfo),
		sockets: make(map[string]*websocket.Conn),
	}, nil
}

// Start binds the server socket and begins accepting upgrades.
func (a *WebSocketAdapter) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return gwerrors.ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.cfg.ListenAddress, a.cfg.ListenPort))
	if err != nil {
		a.running.Store(false)
		return fmt.Errorf("websocket adapter %s: listen: %w", a.name, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, a.handleUpgrade)
	srv := &http.Server{Handler: mux}

	a.mu.Lock()
	a.server = srv
	a.listener = ln
	a.actualPort = ln.Addr().(*net.TCPAddr).Port
	a.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("websocket adapter serve error", zap.String("adapter", a.name), zap.Error(err))
		}
	}()

	logging.Info("websocket adapter started",
		zap.String("adapter", a.name),
		zap.Int("port", a.actualPort),
		zap.String("path", a.cfg.Path),
	)
	return nil
}

func (a *WebSocketAdapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if a.nConns.Load() >= int64(a.cfg.MaxConnections) {
		a.refused.Add(1)
		a.countError()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.countError()
		return
	}

	connID := uuid.NewString()
	host, portStr, _ := net.SplitHostPort(r.RemoteAddr)
	port, _ := strconv.Atoi(portStr)

	a.mu.Lock()
	a.conns[connID] = ConnInfo{RemoteAddr: host, RemotePort: port, ConnectedAt: time.Now().UTC()}
	a.sockets[connID] = conn
	a.mu.Unlock()
	a.nConns.Add(1)

	go a.readLoop(conn, connID, host, port)
}

func (a *WebSocketAdapter) readLoop(conn *websocket.Conn, connID, host string, port int) {
	defer func() {
		conn.Close()
		a.mu.Lock()
		delete(a.conns, connID)
		delete(a.sockets, connID)
		a.mu.Unlock()
		a.nConns.Add(-1)
	}()

	conn.SetReadDeadline(time.Now().Add(a.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(a.cfg.PongTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.countError()
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(a.cfg.PongTimeout))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		env := a.newEnvelope()
		env.RawData = append([]byte(nil), data...)
		env.SourceAddress = host
		env.SourcePort = port
		env.ConnectionID = connID
		a.publish(env)
	}
}

// Stop closes every socket and shuts the server down.
func (a *WebSocketAdapter) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	start := time.Now()

	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.listener = nil
	for _, conn := range a.sockets {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
	a.mu.Unlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	a.logStopped(time.Since(start))
	return nil
}

// Restart stops and starts the adapter.
func (a *WebSocketAdapter) Restart(ctx context.Context) error {
	if err := a.Stop(); err != nil {
		return err
	}
	return a.Start(ctx)
}

// Connections returns a copy of the live connection registry.
func (a *WebSocketAdapter) Connections() map[string]ConnInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]ConnInfo, len(a.conns))
	for id, info := range a.conns {
		out[id] = info
	}
	return out
}

// ActualPort returns the bound port, useful when listen_port was 0.
func (a *WebSocketAdapter) ActualPort() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.actualPort
}

// Stats returns adapter counters plus connection gauges.
func (a *WebSocketAdapter) Stats() Stats {
	s := a.snapshot()
	s.Extra = map[string]any{
		"actual_port":        a.ActualPort(),
		"active_connections": a.nConns.Load(),
		"max_connections":    a.cfg.MaxConnections,
		"refused":            a.refused.Load(),
	}
	return s
}
