package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/gwerrors"
)

// AuthConfig selects the credential scheme applied to outbound HTTP
// requests.
type AuthConfig struct {
	Type         string            `yaml:"type"` // none, basic, bearer, api_key, custom
	Username     string            `yaml:"username"`
	Password     string            `yaml:"password"`
	Token        string            `yaml:"token"`
	APIKey       string            `yaml:"api_key"`
	APIKeyHeader string            `yaml:"api_key_header"`
	Headers      map[string]string `yaml:"headers"` // custom scheme
}

func (a AuthConfig) apply(req *http.Request) {
	switch strings.ToLower(a.Type) {
	case "", "none":
	case "basic":
		req.SetBasicAuth(a.Username, a.Password)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+a.Token)
	case "api_key":
		header := a.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, a.APIKey)
	case "custom":
		for k, v := range a.Headers {
			req.Header.Set(k, v)
		}
	}
}

func (a AuthConfig) validate() error {
	switch strings.ToLower(a.Type) {
	case "", "none", "custom":
		return nil
	case "basic":
		if a.Username == "" {
			return gwerrors.NewConfigError("http forwarder", "basic auth requires username", nil)
		}
	case "bearer":
		if a.Token == "" {
			return gwerrors.NewConfigError("http forwarder", "bearer auth requires token", nil)
		}
	case "api_key":
		if a.APIKey == "" {
			return gwerrors.NewConfigError("http forwarder", "api_key auth requires api_key", nil)
		}
	default:
		return gwerrors.NewConfigError("http forwarder", "unknown auth type "+a.Type, nil)
	}
	return nil
}

// HTTPConfig configures an HTTP egress forwarder.
type HTTPConfig struct {
	URL       string            `yaml:"url"`
	Method    string            `yaml:"method"`
	Headers   map[string]string `yaml:"headers"`
	Auth      AuthConfig        `yaml:"auth"`
	VerifySSL bool              `yaml:"verify_ssl"`
	Gzip      bool              `yaml:"gzip"`
	Policy    Policy            `yaml:",inline"`
}

// HTTPForwarder delivers one JSON request per payload. Success is any 2xx
// response; 5xx responses are retried, other statuses short-circuit.
type HTTPForwarder struct {
	base
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPForwarder builds an HTTP forwarder for the given target.
func NewHTTPForwarder(targetID string, cfg HTTPConfig) (*HTTPForwarder, error) {
	if cfg.URL == "" {
		return nil, gwerrors.NewConfigError("http forwarder", "url is required", nil)
	}
	if err := cfg.Auth.validate(); err != nil {
		return nil, err
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	f := &HTTPForwarder{
		base:   newBase(targetID, envelope.ProtocolHTTP, cfg.Policy),
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}
	f.setState(StateConnected) // stateless transport, always ready
	return f, nil
}

// Forward posts the payload as a JSON body.
func (f *HTTPForwarder) Forward(ctx context.Context, payload map[string]any) Result {
	return f.deliver(ctx, payload, f.send)
}

func (f *HTTPForwarder) send(ctx context.Context, body []byte) (int, error) {
	var reader io.Reader = bytes.NewReader(body)
	if f.cfg.Gzip {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return 0, err
		}
		if err := zw.Close(); err != nil {
			return 0, err
		}
		reader = &buf
	}

	req, err := http.NewRequestWithContext(ctx, f.cfg.Method, f.cfg.URL, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range f.cfg.Headers {
		req.Header.Set(k, v)
	}
	f.cfg.Auth.apply(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &statusError{code: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

// Close releases idle connections.
func (f *HTTPForwarder) Close() error {
	if !f.closeGuard() {
		return nil
	}
	f.client.CloseIdleConnections()
	f.setState(StateDisconnected)
	return nil
}

// Stats returns forwarder counters.
func (f *HTTPForwarder) Stats() Stats {
	s := f.snapshot()
	s.Extra = map[string]any{"url": f.cfg.URL, "method": f.cfg.Method}
	return s
}
