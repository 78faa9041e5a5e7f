// Package pulse connects to a PulseAudio server and exposes typed sink
// operations over a session dispatcher.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/balena-io-experimental/audio/internal/logging"
	"github.com/balena-io-experimental/audio/internal/protocol"
	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/protocol/session"
)

var (
	ErrNotReady = errors.New("pulse: client not connected")
	ErrClosed   = errors.New("pulse: client closed")
)

// Client owns one connection. Open returns immediately and connects in the
// background; every operation waits for the connection to be ready.
type Client struct {
	cfg Config
	rng *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}

	mu     sync.Mutex
	d      *session.Dispatcher
	info   session.HandshakeResult
	err    error
	closed bool
}

// Open starts connecting with cfg. ctx bounds the whole connect phase
// including retries.
func Open(ctx context.Context, cfg Config) *Client {
	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:    cfg.WithDefaults(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:    cctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
	go c.run()
	return c
}

// Connect opens a client and waits for it to be ready.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	c := Open(ctx, cfg)
	if err := c.WaitReady(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) run() {
	defer close(c.ready)
	d, res, err := c.connect(c.ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && c.closed {
		_ = d.Close()
		err = ErrClosed
	}
	c.d, c.info, c.err = d, res, err
}

// Ready is closed once the connect phase has finished, successfully or not.
func (c *Client) Ready() <-chan struct{} { return c.ready }

// WaitReady blocks until the handshake completed and reports its outcome.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ready:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) dispatcher(ctx context.Context) (*session.Dispatcher, error) {
	if err := c.WaitReady(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.d == nil {
		return nil, ErrNotReady
	}
	return c.d, nil
}

// Info returns what the server reported during the handshake.
func (c *Client) Info() session.HandshakeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Done is closed when the connection is gone. It is nil before the client
// is ready.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.d == nil {
		return nil
	}
	return c.d.Done()
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	d := c.d
	c.mu.Unlock()

	c.cancel()
	if d != nil {
		return d.Close()
	}
	return nil
}

func (c *Client) connect(ctx context.Context) (*session.Dispatcher, session.HandshakeResult, error) {
	var res session.HandshakeResult
	addrs, err := ResolveServer(c.cfg.Server)
	if err != nil {
		return nil, res, err
	}
	cookie, err := LoadCookie(c.cfg)
	if err != nil {
		return nil, res, err
	}

	var attempt int
	for {
		attempt++
		d, res, err := c.attempt(ctx, addrs, cookie)
		if err == nil {
			c.cfg.Metrics.ConnectAttempt("ok")
			return d, res, nil
		}
		if isRejection(err) {
			c.cfg.Metrics.ConnectAttempt("rejected")
			logging.Errf("pulse.Client.connect attempt=%d rejected err=%v", attempt, err)
			return nil, res, err
		}
		c.cfg.Metrics.ConnectAttempt("error")
		logging.Warnf("pulse.Client.connect attempt=%d err=%v", attempt, err)
		if !c.shouldRetry(attempt) {
			return nil, res, err
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			return nil, res, err
		}
	}
}

// attempt tries each address once and returns the first that completes the
// handshake.
func (c *Client) attempt(ctx context.Context, addrs []Address, cookie []byte) (*session.Dispatcher, session.HandshakeResult, error) {
	var lastErr error
	for _, addr := range addrs {
		conn, err := c.cfg.Dial(ctx, addr.Network, addr.Addr)
		if err != nil {
			lastErr = fmt.Errorf("%w: dial %s: %w", protocol.ErrTransport, addr, err)
			continue
		}
		logging.Debugf("pulse.Client.attempt connected addr=%s", addr)

		d := session.NewDispatcher(conn, c.cfg.Session, session.WithMetrics(c.cfg.Metrics))
		d.Start()
		hctx, cancel := context.WithTimeout(ctx, c.cfg.Session.HandshakeTimeout)
		res, err := session.Handshake(hctx, d, session.HandshakeConfig{
			Cookie: cookie,
			Props:  c.cfg.clientProps(),
		})
		cancel()
		if err == nil {
			return d, res, nil
		}
		_ = d.Close()
		if isRejection(err) {
			return nil, res, err
		}
		lastErr = err
	}
	return nil, session.HandshakeResult{}, lastErr
}

// isRejection reports errors a retry cannot fix.
func isRejection(err error) bool {
	return errors.Is(err, schema.ErrAccessDenied) ||
		errors.Is(err, schema.ErrIncompatibleVersion) ||
		errors.Is(err, session.ErrIncompatibleVersion) ||
		errors.Is(err, ErrNoServer)
}

func (c *Client) shouldRetry(attempt int) bool {
	if c.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.MaxConnectAttempts
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := session.NextBackoffDelay(c.cfg.Session.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
