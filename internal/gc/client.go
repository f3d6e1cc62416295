package gc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// ErrNotConnected is returned by Request while the link is down.
var ErrNotConnected = errors.New("gc: not connected")

// ClientOptions tunes one Client. Zero values select the defaults below.
type ClientOptions struct {
	// KeepAlive enables TCP keep-alive probes. Must stay off for GC-100
	// units, which drop probed connections.
	KeepAlive       bool
	KeepAlivePeriod time.Duration
	RequestTimeout  time.Duration
	// Reconnect re-dials with exponential backoff after the link drops.
	Reconnect    bool
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// Dialer overrides the network dial, for tests.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

const (
	defaultKeepAlivePeriod = 10 * time.Second
	defaultRequestTimeout  = 5 * time.Second
	defaultReconnectMin    = time.Second
	defaultReconnectMax    = 30 * time.Second
)

// Client is a persistent control connection to one unit. Commands and
// replies are CR-terminated lines; at most one request is in flight at a
// time. Lines that arrive outside a request (sensor notifications, learner
// output) go to the OnMessage callback.
type Client struct {
	addr   string
	opts   ClientOptions
	logger *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	active    bool
	closed    bool
	gen       int

	// reqMu serializes requests; pendMu guards the reply channel the
	// read loop delivers into.
	reqMu   sync.Mutex
	pendMu  sync.Mutex
	pending chan string

	cbMu      sync.RWMutex
	onConnect func()
	onClose   func()
	onError   func(error)
	onMessage func(string)
}

// NewClient creates a client for addr in host:port form. It does not dial.
func NewClient(addr string, opts ClientOptions, logger *slog.Logger) *Client {
	if opts.KeepAlivePeriod <= 0 {
		opts.KeepAlivePeriod = defaultKeepAlivePeriod
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.Dialer == nil {
		opts.Dialer = func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: 5 * time.Second}
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Client{
		addr:   addr,
		opts:   opts,
		logger: logger.With("component", "gc", "addr", addr),
	}
}

func (c *Client) OnConnect(fn func()) {
	c.cbMu.Lock()
	c.onConnect = fn
	c.cbMu.Unlock()
}

func (c *Client) OnClose(fn func()) {
	c.cbMu.Lock()
	c.onClose = fn
	c.cbMu.Unlock()
}

func (c *Client) OnError(fn func(error)) {
	c.cbMu.Lock()
	c.onError = fn
	c.cbMu.Unlock()
}

func (c *Client) OnMessage(fn func(string)) {
	c.cbMu.Lock()
	c.onMessage = fn
	c.cbMu.Unlock()
}

// Connected reports the current link state.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the device. While connected or while a reconnect loop is
// live this is a no-op. When the first dial fails and Reconnect is set,
// the error is returned but retries continue in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.closed = false
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.opts.Dialer(ctx, c.addr)
	if err != nil {
		c.reportError(fmt.Errorf("dial: %w", err))
		if c.opts.Reconnect {
			go c.reconnectLoop(gen)
		} else {
			c.mu.Lock()
			c.active = false
			c.mu.Unlock()
		}
		return fmt.Errorf("gc: dial %s: %w", c.addr, err)
	}
	c.attach(gen, conn)
	return nil
}

// Disconnect closes the link and cancels reconnection. The close callback
// fires if the link was up.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.active = false
	c.gen++
	conn := c.conn
	c.conn = nil
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		c.fireClose()
	}
}

// attach installs a freshly dialed connection and starts its read loop.
func (c *Client) attach(gen int, conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok && c.opts.KeepAlive {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(c.opts.KeepAlivePeriod)
	}

	c.mu.Lock()
	if gen != c.gen {
		// Disconnect raced the dial.
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("connected")
	go c.readLoop(gen, conn)

	c.cbMu.RLock()
	fn := c.onConnect
	c.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// reconnectLoop re-dials with exponential backoff until it succeeds or the
// client generation changes.
func (c *Client) reconnectLoop(gen int) {
	delay := c.opts.ReconnectMin
	for {
		time.Sleep(delay)

		c.mu.Lock()
		stale := gen != c.gen || c.closed
		c.mu.Unlock()
		if stale {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, err := c.opts.Dialer(ctx, c.addr)
		cancel()
		if err == nil {
			c.attach(gen, conn)
			return
		}
		c.logger.Debug("reconnect failed", "err", err, "retry_in", delay)
		delay *= 2
		if delay > c.opts.ReconnectMax {
			delay = c.opts.ReconnectMax
		}
	}
}

func (c *Client) readLoop(gen int, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		raw, err := reader.ReadString('\r')
		if err != nil {
			break
		}
		line := strings.TrimRight(raw, "\r\n")
		line = strings.TrimLeft(line, "\n")
		if line == "" {
			continue
		}
		c.dispatch(line)
	}

	c.mu.Lock()
	if gen != c.gen {
		// Superseded by Disconnect or a newer connection.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	closed := c.closed
	if closed || !c.opts.Reconnect {
		c.active = false
	}
	c.mu.Unlock()

	conn.Close()
	if closed {
		return
	}
	c.logger.Warn("connection lost")
	c.fireClose()
	if c.opts.Reconnect {
		go c.reconnectLoop(gen)
	}
}

// dispatch routes one inbound line to the pending request or, for lines
// the device pushes on its own, to the message callback. Sensor
// notifications are always unsolicited even mid-request.
func (c *Client) dispatch(line string) {
	if !strings.HasPrefix(line, "sensornotify") {
		c.pendMu.Lock()
		ch := c.pending
		c.pendMu.Unlock()
		if ch != nil {
			select {
			case ch <- line:
			default:
				c.logger.Warn("reply buffer full, dropping line", "line", line)
			}
			return
		}
	}

	c.cbMu.RLock()
	fn := c.onMessage
	c.cbMu.RUnlock()
	if fn != nil {
		fn(line)
	} else {
		c.logger.Debug("unsolicited line", "line", line)
	}
}

// Request sends one command and waits for its reply. Multi-line getdevices
// replies are collected up to the endlistdevices terminator and joined with
// newlines. Device error replies (ERR*, unknowncommand) become errors.
func (c *Client) Request(ctx context.Context, command string) (string, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	ok := c.connected
	c.mu.Unlock()
	if !ok || conn == nil {
		return "", ErrNotConnected
	}

	ch := make(chan string, 16)
	c.pendMu.Lock()
	c.pending = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		c.pending = nil
		c.pendMu.Unlock()
	}()

	if _, err := conn.Write([]byte(command + "\r")); err != nil {
		c.reportError(fmt.Errorf("write: %w", err))
		return "", fmt.Errorf("gc: send %s: %w", verb(command), err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	var lines []string
	multi := false
	for {
		select {
		case line := <-ch:
			if strings.HasPrefix(line, "ERR") || strings.HasPrefix(line, "unknowncommand") {
				return "", fmt.Errorf("gc: device rejected %s: %s", verb(command), line)
			}
			if !multi {
				if !strings.HasPrefix(line, "device,") {
					return line, nil
				}
				multi = true
			}
			if line == "endlistdevices" {
				return strings.Join(lines, "\n"), nil
			}
			lines = append(lines, line)
		case <-timer.C:
			err := fmt.Errorf("gc: timeout waiting for reply to %s", verb(command))
			c.reportError(err)
			return "", err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (c *Client) fireClose() {
	c.cbMu.RLock()
	fn := c.onClose
	c.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) reportError(err error) {
	c.cbMu.RLock()
	fn := c.onError
	c.cbMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// verb extracts the command name for log and error messages.
func verb(command string) string {
	if i := strings.IndexByte(command, ','); i >= 0 {
		return command[:i]
	}
	return command
}
