// Package config loads and watches the gateway configuration file.
package config

import (
	"time"

	"github.com/iobridge/datagate/internal/adapter"
	"github.com/iobridge/datagate/internal/envelope"
	"github.com/iobridge/datagate/internal/forwarder"
	"github.com/iobridge/datagate/internal/frameparser"
	"github.com/iobridge/datagate/internal/routing"
)

// Config is the root gateway configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Crypto     CryptoConfig     `yaml:"crypto"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`

	Adapters []AdapterConfig       `yaml:"adapters"`
	Schemas  []frameparser.Schema  `yaml:"frame_schemas"`
	Rules    []routing.Rule        `yaml:"routing_rules"`
	Targets  []forwarder.TargetSystem `yaml:"target_systems"`
}

// LoggingConfig mirrors the logger options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// CryptoConfig holds the master key material. MasterKey takes a base64
// 32-byte key; Passphrase+Salt derive one when MasterKey is empty. Crypto
// is disabled when both are empty.
type CryptoConfig struct {
	MasterKey  string `yaml:"master_key"`
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`
	Version    string `yaml:"version"`
}

// Enabled reports whether any key material is configured.
func (c CryptoConfig) Enabled() bool {
	return c.MasterKey != "" || c.Passphrase != ""
}

// MonitoringConfig tunes the monitoring service and its message-log sink.
type MonitoringConfig struct {
	DiskPath       string        `yaml:"disk_path"`
	SampleInterval time.Duration `yaml:"sample_interval"`
	Sink           SinkConfig    `yaml:"sink"`
	Index          IndexConfig   `yaml:"index"`
}

// SinkConfig selects the message-log persistence backend.
type SinkConfig struct {
	Type       string `yaml:"type"` // none, file, postgres
	Path       string `yaml:"path"` // file sink
	DSN        string `yaml:"dsn"`  // postgres sink
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// IndexConfig selects the message-id index backend.
type IndexConfig struct {
	Type      string `yaml:"type"` // memory, redis
	Size      int    `yaml:"size"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	Prefix    string `yaml:"prefix"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// RateLimitConfig caps ingress throughput for one adapter.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// AdapterConfig declares one protocol listener. Exactly the section
// matching Protocol is read.
type AdapterConfig struct {
	Name      string          `yaml:"name"`
	Protocol  string          `yaml:"protocol"`
	Enabled   bool            `yaml:"enabled"`
	AutoParse bool            `yaml:"auto_parse"`
	Schema    string          `yaml:"schema"` // frame schema name for auto_parse
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	UDP       adapter.UDPConfig  `yaml:"udp"`
	TCP       adapter.TCPConfig  `yaml:"tcp"`
	HTTP      adapter.HTTPConfig `yaml:"http"`
	WebSocket adapter.WebSocketConfig `yaml:"websocket"`
	MQTT      adapter.MQTTConfig `yaml:"mqtt"`
}

// DefaultConfig returns the baseline configuration before YAML overlay.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Crypto: CryptoConfig{
			Version: "1",
		},
		Monitoring: MonitoringConfig{
			DiskPath:       "/",
			SampleInterval: time.Minute,
			Sink:           SinkConfig{Type: "none"},
			Index:          IndexConfig{Type: "memory"},
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9100",
		},
		Tracing: TracingConfig{
			ServiceName: "datagate",
			SampleRatio: 1.0,
		},
	}
}

// validProtocol reports whether p names a supported adapter protocol.
func validProtocol(p string) bool {
	switch envelope.ParseProtocol(p) {
	case envelope.ProtocolUDP, envelope.ProtocolTCP, envelope.ProtocolHTTP,
		envelope.ProtocolWebSocket, envelope.ProtocolMQTT:
		return true
	}
	return false
}
