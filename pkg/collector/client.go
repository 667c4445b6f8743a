// Package collector maintains the websocket link to the constraints collector.
// Newly signed commitments are pooled upstream, merged constraint frames are
// delivered back on Frames.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/preconfoor/pkg/constraints"
)

const (
	writeTimeout   = 5 * time.Second
	maxMessageSize = 4 << 20
)

// ErrNotConnected is returned when pooling while the link is down.
var ErrNotConnected = errors.New("collector link not connected")

// Client is a reconnecting websocket client for the collector.
type Client struct {
	url        string
	dialer     *websocket.Dialer
	frames     chan []byte
	retryDelay time.Duration
	log        logrus.FieldLogger

	mu         sync.Mutex
	conn       *websocket.Conn
	writeMu    sync.Mutex
	cancelFunc context.CancelFunc
	running    bool
	wg         sync.WaitGroup
}

// NewClient creates a collector client for the websocket endpoint url.
func NewClient(url string, log logrus.FieldLogger) *Client {
	return &Client{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		frames:     make(chan []byte, 64),
		retryDelay: 2 * time.Second,
		log:        log.WithField("component", "collector"),
	}
}

// Start connects to the collector and keeps the link up until Stop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	linkCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true

	c.wg.Add(1)

	go c.run(linkCtx)

	return nil
}

// Stop closes the link.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}

	if c.conn != nil {
		_ = c.conn.Close()
	}

	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
}

// Frames returns the channel merged constraint frames are delivered on.
func (c *Client) Frames() <-chan []byte {
	return c.frames
}

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil
}

// PoolConstraints sends list to the collector as a single text frame.
func (c *Client) PoolConstraints(_ context.Context, list []*constraints.SignedConstraints) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode constraints: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write constraints frame: %w", err)
	}

	return nil
}

// run dials and reads until ctx is cancelled, reconnecting on failure.
func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()

	log := c.log.WithField("url", c.url)

	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			log.Info("Connected to collector")

			c.setConn(conn)
			err = c.readLoop(ctx, conn)
			c.setConn(nil)

			_ = conn.Close()
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		log.WithError(err).Warn("Collector link error, reconnecting...")

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// readLoop forwards text frames until the connection fails.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		if msgType != websocket.TextMessage {
			continue
		}

		select {
		case c.frames <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
