// Package nats wraps the NATS connection used for outbound notifications.
package nats

import (
	"context"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// Config holds connection settings.
type Config struct {
	URL  string
	Name string
}

// Client is a thin wrapper over a NATS connection.
type Client struct {
	conn *natsgo.Conn
}

// Connect establishes a NATS connection with unlimited reconnects.
func Connect(cfg Config) (*Client, error) {
	conn, err := natsgo.Connect(cfg.URL,
		natsgo.Name(cfg.Name),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return &Client{conn: conn}, nil
}

// Publish sends data to subject. The context deadline, if any, bounds the
// flush that makes the publish visible.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		return c.conn.FlushTimeout(time.Until(deadline))
	}
	return c.conn.Flush()
}

// Drain flushes outstanding messages and closes the connection.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

// Close closes the connection immediately.
func (c *Client) Close() {
	c.conn.Close()
}
