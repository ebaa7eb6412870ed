// Package statsd provides a minimal fire-and-forget statsd client over UDP.
// Metrics are emitted as plain "name:value|type" lines. A nil client is a
// valid no-op, so callers never need to guard emission behind a nil check.
package statsd

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Client writes statsd lines to a UDP socket. All methods are best-effort:
// write errors are counted but never returned.
type Client struct {
	conn   net.Conn
	prefix string
	logger *slog.Logger
}

// New resolves addr ("host:port") and opens a connected UDP socket.
// An empty addr returns a nil client, which silently drops all metrics.
func New(addr string, prefix string) (*Client, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing statsd %s: %w", addr, err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	return &Client{
		conn:   conn,
		prefix: prefix,
		logger: slog.Default().With("component", "statsd"),
	}, nil
}

// Count emits a counter increment.
func (c *Client) Count(name string, value int64) {
	c.send(fmt.Sprintf("%s%s:%d|c", c.safePrefix(), name, value))
}

// Gauge emits a gauge value.
func (c *Client) Gauge(name string, value float64) {
	c.send(fmt.Sprintf("%s%s:%g|g", c.safePrefix(), name, value))
}

// Timing emits a timer in milliseconds.
func (c *Client) Timing(name string, d time.Duration) {
	c.send(fmt.Sprintf("%s%s:%d|ms", c.safePrefix(), name, d.Milliseconds()))
}

// Close closes the underlying socket.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) safePrefix() string {
	if c == nil {
		return ""
	}
	return c.prefix
}

func (c *Client) send(line string) {
	if c == nil || c.conn == nil {
		return
	}
	if _, err := c.conn.Write([]byte(line)); err != nil {
		// UDP writes rarely fail; when they do there is nothing to retry.
		c.logger.Debug("statsd write failed", "error", err)
	}
}
