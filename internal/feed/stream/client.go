// Package stream implements the websocket ingest loop shared by the venue
// feeders: dial, subscribe, read, and reconnect on any fault.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/coachpo/spreadwatch/errs"
	"github.com/coachpo/spreadwatch/internal/feed"
	"github.com/coachpo/spreadwatch/internal/observability"
	"github.com/coachpo/spreadwatch/internal/telemetry"
)

const (
	defaultReconnectBackoff = 5 * time.Second
	defaultReadLimit        = 2 * 1024 * 1024
	closeWriteTimeout       = 5 * time.Second
)

// KeepAlive describes an application-level ping some venues require on top
// of protocol pings.
type KeepAlive struct {
	Message  []byte
	Interval time.Duration
}

// Config describes one venue subscription stream.
type Config struct {
	// Venue names the feeder for error envelopes and logs.
	Venue string
	// URL is the websocket endpoint.
	URL string
	// Subscribe holds the messages sent after every (re)connect.
	Subscribe [][]byte
	// Handle consumes one raw venue message. A returned error marks the
	// message malformed; it is logged and skipped without tearing down the
	// connection.
	Handle func(data []byte) error
	// KeepAlive, when set, is written at the configured interval.
	KeepAlive KeepAlive
	// ReconnectBackoff is the constant wait between reconnect attempts.
	// Defaults to 5s.
	ReconnectBackoff time.Duration
	// ReadLimit bounds inbound frame size. Defaults to 2 MiB.
	ReadLimit int64
}

// Client owns one long-lived venue subscription. The ingest loop terminates
// only on explicit shutdown; every I/O or parse fault is recoverable.
type Client struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.Mutex

	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}
}

// NewClient validates the configuration and prepares a stopped client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errs.New(cfg.Venue, errs.CodeConfig, errs.WithMessage("stream URL required"))
	}
	if cfg.Handle == nil {
		return nil, errs.New(cfg.Venue, errs.CodeConfig, errs.WithMessage("stream handler required"))
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return &Client{
		cfg:    cfg,
		ctx:    nil,
		cancel: nil,
		conn:   nil,
		connMu: sync.Mutex{},
		done:   make(chan struct{}),
	}, nil
}

// Start launches the ingest loop and returns once it is running. It does not
// wait for the first message. A second call returns an error.
func (c *Client) Start(parent context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errs.New(c.cfg.Venue, errs.CodeUnavailable, errs.WithMessage("stream already started"))
	}
	if parent == nil {
		parent = context.Background()
	}
	c.ctx, c.cancel = context.WithCancel(parent)
	go c.run()
	return nil
}

// State reports the current connection state.
func (c *Client) State() feed.State {
	return feed.State(c.state.Load())
}

// Close stops the ingest loop and waits for it to finish or ctx to expire.
func (c *Client) Close(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}
	c.cancel()
	c.closeConn(websocket.StatusNormalClosure, "shutdown")
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return errs.New(c.cfg.Venue, errs.CodeUnavailable,
			errs.WithMessage("ingest loop did not stop within grace period"), errs.WithCause(ctx.Err()))
	}
}

func (c *Client) run() {
	defer close(c.done)
	defer c.state.Store(int32(feed.StateDisconnected))

	policy := backoff.NewConstantBackOff(c.cfg.ReconnectBackoff)
	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(c.ctx, c.cfg.URL, nil)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.reportFault("dial venue stream", err)
			if !c.waitBackoff(policy.NextBackOff()) {
				return
			}
			continue
		}
		conn.SetReadLimit(c.cfg.ReadLimit)
		c.setConn(conn)

		if err := c.subscribeAll(conn); err != nil {
			c.reportFault("send subscriptions", err)
			c.dropConn(conn)
			if !c.waitBackoff(policy.NextBackOff()) {
				return
			}
			continue
		}

		c.state.Store(int32(feed.StateConnected))
		observability.Log().Info("venue stream connected", observability.F("venue", c.cfg.Venue))

		err = c.consume(conn)
		c.dropConn(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.reportFault("venue stream interrupted", err)
		if !c.waitBackoff(policy.NextBackOff()) {
			return
		}
	}
}

// consume reads messages until the connection fails. Handler rejections are
// logged and skipped; only transport errors end the session.
func (c *Client) consume(conn *websocket.Conn) error {
	sessionCtx, sessionCancel := context.WithCancel(c.ctx)
	defer sessionCancel()

	var keepAliveWG sync.WaitGroup
	if len(c.cfg.KeepAlive.Message) > 0 && c.cfg.KeepAlive.Interval > 0 {
		keepAliveWG.Add(1)
		go func() {
			defer keepAliveWG.Done()
			c.keepAliveLoop(sessionCtx, conn)
		}()
	}
	defer keepAliveWG.Wait()

	for {
		_, data, err := conn.Read(sessionCtx)
		if err != nil {
			return err
		}
		if err := c.cfg.Handle(data); err != nil {
			observability.Log().Error("venue message rejected",
				observability.F("venue", c.cfg.Venue),
				observability.F("error", err))
		}
	}
}

func (c *Client) keepAliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.KeepAlive.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, closeWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, c.cfg.KeepAlive.Message)
			cancel()
			if err != nil {
				// Unblock the read loop so the session reconnects.
				c.dropConn(conn)
				return
			}
		}
	}
}

func (c *Client) subscribeAll(conn *websocket.Conn) error {
	for _, msg := range c.cfg.Subscribe {
		writeCtx, cancel := context.WithTimeout(c.ctx, closeWriteTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

// waitBackoff sleeps out the reconnect interval, interruptible by shutdown.
// It reports whether the loop should continue.
func (c *Client) waitBackoff(interval time.Duration) bool {
	c.state.Store(int32(feed.StateReconnecting))
	telemetry.RecordReconnect(c.cfg.Venue)
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(interval):
		return true
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) dropConn(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "")
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) closeConn(status websocket.StatusCode, reason string) {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(status, reason)
	}
}

func (c *Client) reportFault(action string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	c.state.Store(int32(feed.StateDisconnected))
	observability.Log().Error("venue stream fault",
		observability.F("venue", c.cfg.Venue),
		observability.F("action", action),
		observability.F("error", err))
}
