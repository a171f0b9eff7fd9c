package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/eventbus"
	"github.com/iobridge/datagate/internal/gwerrors"
	"github.com/iobridge/datagate/internal/logging"
)

// HTTPConfig configures an HTTP ingest adapter.
type HTTPConfig struct {
	ListenAddress  string        `yaml:"listen_address"`
	ListenPort     int           `yaml:"listen_port"`
	Path           string        `yaml:"path"`   // ingest endpoint, default /ingest
	Method         string        `yaml:"method"` // default POST
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	CaptureHeaders []string      `yaml:"capture_headers"` // header names copied into the envelope
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

// HTTPAdapter runs a single-endpoint HTTP server; each valid request body is
// one envelope.
type HTTPAdapter struct {
	base
	cfg    HTTPConfig
	server *http.Server

	mu         sync.Mutex
	listener   net.Listener
	actualPort int
}

// NewHTTPAdapter creates an HTTP adapter publishing on HTTP_RECEIVED.
func NewHTTPAdapter(name string, cfg HTTPConfig, bus *eventbus.Bus) (*HTTPAdapter, error) {
	if cfg.ListenPort < 0 || cfg.ListenPort > 65535 {
		return nil, gwerrors.NewConfigError("http adapter", fmt.Sprintf("invalid listen_port %d", cfg.ListenPort), nil)
	}
	if cfg.Path == "" {
		cfg.Path = "/ingest"
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return nil, gwerrors.NewConfigError("http adapter", fmt.Sprintf("path %q must start with /", cfg.Path), nil)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &HTTPAdapter{
		base: newBase(name, envelope.ProtocolHTTP, eventbus.TopicHTTPReceived, bus),
		cfg:  cfg,
	}, nil
}

// Start binds the server socket and begins serving the ingest endpoint.
func (a *HTTPAdapter) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return gwerrors.ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.cfg.ListenAddress, a.cfg.ListenPort))
	if err != nil {
		a.running.Store(false)
		return fmt.Errorf("http adapter %s: listen: %w", a.name, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, a.handleIngest)

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
	}

	a.mu.Lock()
	a.server = srv
	a.listener = ln
	a.actualPort = ln.Addr().(*net.TCPAddr).Port
	a.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("http adapter serve error", zap.String("adapter", a.name), zap.Error(err))
		}
	}()

	logging.Info("http adapter started",
		zap.String("adapter", a.name),
		zap.Int("port", a.actualPort),
		zap.String("path", a.cfg.Path),
	)
	return nil
}

func (a *HTTPAdapter) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != a.cfg.Method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, a.cfg.MaxBodyBytes))
	if err != nil {
		a.countError()
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	env := a.newEnvelope()
	env.RawData = body

	host, portStr, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr == nil {
		env.SourceAddress = host
		env.SourcePort, _ = strconv.Atoi(portStr)
	} else {
		env.SourceAddress = r.RemoteAddr
	}

	headers := map[string]string{":path": r.URL.Path, ":method": r.Method}
	for _, name := range a.cfg.CaptureHeaders {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		headers["Content-Type"] = ct
	}
	env.Headers = headers

	if src := r.Header.Get("X-Data-Source-Id"); src != "" {
		env.DataSourceID = src
	}

	if !a.publish(env) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"message_id": env.MessageID})
}

// Stop shuts the server down with a bounded drain window.
func (a *HTTPAdapter) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	start := time.Now()
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.listener = nil
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
func (a *HTTPAdapter) Restart(ctx context.Context) error {
	if err := a.Stop(); err != nil {
		return err
	}
	return a.Start(ctx)
}

// ActualPort returns the bound port, useful when listen_port was 0.
func (a *HTTPAdapter) ActualPort() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.actualPort
}

// Stats returns adapter counters plus the bound port.
func (a *HTTPAdapter) Stats() Stats {
	s := a.snapshot()
	s.Extra = map[string]any{"actual_port": a.ActualPort(), "path": a.cfg.Path}
	return s
}
