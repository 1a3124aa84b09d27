package logging

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

// SyslogConfig holds syslog remote server configuration.
type SyslogConfig struct {
	Host     string // Remote syslog server hostname or IP
	Port     int    // Remote syslog server port (default: 514)
	Protocol string // udp or tcp (default: udp)
	Tag      string // Syslog tag/app name (default: warden)
	Facility int    // Syslog facility (default: 1 = user)
}

// DefaultSyslogConfig returns sensible defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Port:     514,
		Protocol: "udp",
		Tag:      "warden",
		Facility: 1, // LOG_USER
	}
}

// SyslogWriter implements io.Writer and sends logs to a remote syslog server.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	config   SyslogConfig
	hostname string
	dial     func(network, address string, timeout time.Duration) (net.Conn, error)
}

// NewSyslogWriter creates a new syslog writer.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	return newSyslogWriter(cfg, net.DialTimeout)
}

func newSyslogWriter(cfg SyslogConfig, dial func(string, string, time.Duration) (net.Conn, error)) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	defaults := DefaultSyslogConfig()
	if cfg.Port == 0 {
		cfg.Port = defaults.Port
	}
	if cfg.Protocol == "" {
		cfg.Protocol = defaults.Protocol
	}
	if cfg.Tag == "" {
		cfg.Tag = defaults.Tag
	}
	if cfg.Facility == 0 {
		cfg.Facility = defaults.Facility
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	conn, err := dial(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog server %s: %w", addr, err)
	}

	return &SyslogWriter{
		conn:     conn,
		config:   cfg,
		hostname: hostname,
		dial:     dial,
	}, nil
}

// Write implements io.Writer for syslog.
// Formats message in RFC 3164 format: <priority>timestamp hostname tag: message
func (w *SyslogWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return 0, fmt.Errorf("syslog connection closed")
	}

	// Priority = facility * 8 + severity (INFO)
	priority := w.config.Facility*8 + 6

	timestamp := time.Now().Format(time.Stamp)
	msg := fmt.Sprintf("<%d>%s %s %s: %s", priority, timestamp, w.hostname, w.config.Tag, string(p))

	if _, err = w.conn.Write([]byte(msg)); err != nil {
		w.reconnect()
		return 0, err
	}

	return len(p), nil
}

// reconnect attempts to re-establish the syslog connection.
func (w *SyslogWriter) reconnect() {
	if w.conn != nil {
		w.conn.Close()
	}

	addr := net.JoinHostPort(w.config.Host, fmt.Sprint(w.config.Port))
	conn, err := w.dial(w.config.Protocol, addr, 5*time.Second)
	if err != nil {
		log.Printf("[syslog] Failed to reconnect: %v", err)
		w.conn = nil
		return
	}
	w.conn = conn
}

// Close closes the syslog connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		err := w.conn.Close()
		w.conn = nil
		return err
	}
	return nil
}

// MultiWriter combines multiple io.Writers (e.g., stderr + syslog).
func MultiWriter(writers ...io.Writer) io.Writer {
	return io.MultiWriter(writers...)
}
