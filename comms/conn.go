// Package comms is the host side of the Proxmark command channel. A Conn
// owns the transport: a receiver goroutine decodes frames into a Ring and a
// transmit goroutine drains a single pending slot. Callers send commands and
// wait for responses by command id from any goroutine.
package comms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pm3link/pm3link/command"
	pm3log "github.com/pm3link/pm3link/internal/log"
)

// ErrClosed is returned when sending on a closed Conn.
var ErrClosed = errors.New("connection closed")

// ErrFlushTimeout is returned by Flush when a frame is still queued or being
// written at the deadline.
var ErrFlushTimeout = errors.New("flush timed out")

// Forever makes WaitForResponseTimeout wait until a match arrives.
const Forever time.Duration = -1

// DefaultPollInterval is the pause between two scans of the response buffer.
const DefaultPollInterval = 10 * time.Millisecond

// waitNotice is how long an unbounded wait runs before it says so in the log.
const waitNotice = 2 * time.Second

// Config tunes the host side buffering.
type Config struct {
	BufferSize   int           `help:"Unread responses kept before the oldest is dropped" default:"50" env:"PM3LINK_BUFFER_SIZE"`
	PollInterval time.Duration `help:"Pause between response buffer scans" default:"10ms" env:"PM3LINK_POLL_INTERVAL"`
}

// Conn is a command channel to one device.
type Conn struct {
	cfg    Config
	logger *slog.Logger
	ring   *Ring

	mu      sync.Mutex
	cond    *sync.Cond
	t       io.ReadWriteCloser
	online  bool
	pending *command.Frame
	// inflight is set while the transmit goroutine writes a dequeued frame.
	inflight bool
	closed   bool

	overflows atomic.Uint64
	wg        sync.WaitGroup
}

// New starts a connection over t. A nil t starts offline; see Reconnect.
func New(t io.ReadWriteCloser, cfg Config, logger *slog.Logger) *Conn {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Conn{
		cfg:    cfg,
		logger: logger,
		ring:   NewRing(cfg.BufferSize),
		t:      t,
		online: t != nil,
	}
	c.cond = sync.NewCond(&c.mu)
	c.wg.Add(2)
	go c.receive()
	go c.transmit()
	return c
}

// NewOffline starts a connection without transport. Sends are held in the
// pending slot until Reconnect.
func NewOffline(cfg Config, logger *slog.Logger) *Conn {
	return New(nil, cfg, logger)
}

// SendCommand queues f for transmission. Offline, it never blocks and
// replaces any frame still pending. Online, it waits only until the previous
// frame has been handed to the transport.
func (c *Conn) SendCommand(f command.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for c.online && c.pending != nil && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return ErrClosed
	}
	if c.pending != nil {
		c.logger.Debug("replacing pending command", "old", c.pending, "new", f)
	}
	c.pending = &f
	c.cond.Broadcast()
	return nil
}

// WaitForResponseTimeout returns the oldest buffered frame whose id is cmd,
// removing it from the buffer. Without a match it keeps polling until at
// least timeout has elapsed. A negative timeout waits forever.
func (c *Conn) WaitForResponseTimeout(cmd uint64, timeout time.Duration) (command.Frame, bool) {
	match := func(f command.Frame) bool { return f.Cmd == cmd }
	start := time.Now()
	noticed := false
	for {
		if f, ok := c.ring.Take(match); ok {
			return f, true
		}
		elapsed := time.Since(start)
		sleep := c.cfg.PollInterval
		if timeout >= 0 {
			if elapsed >= timeout {
				return command.Frame{}, false
			}
			sleep = min(sleep, timeout-elapsed)
		} else if !noticed && elapsed >= waitNotice {
			noticed = true
			c.logger.Info("waiting for a response from the proxmark", "cmd", command.Name(cmd))
		}
		time.Sleep(sleep)
	}
}

// WaitForResponse waits without bound for a frame whose id is cmd.
func (c *Conn) WaitForResponse(cmd uint64) command.Frame {
	f, _ := c.WaitForResponseTimeout(cmd, Forever)
	return f
}

// ClearCommandBuffer drops every unread response.
func (c *Conn) ClearCommandBuffer() {
	c.ring.Clear()
}

// Buffered returns the number of unread responses.
func (c *Conn) Buffered() int { return c.ring.Len() }

// Overflows returns how many frames were dropped because the buffer was full.
func (c *Conn) Overflows() uint64 { return c.overflows.Load() }

// Online reports whether a working transport is attached.
func (c *Conn) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Pending returns the frame waiting for transmission, if any. A frame the
// transmit goroutine is still writing is no longer pending; see Flush.
func (c *Conn) Pending() (command.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return command.Frame{}, false
	}
	return *c.pending, true
}

// Flush waits until no frame is pending and the last one handed to the
// transport has been written. A negative timeout waits forever.
func (c *Conn) Flush(timeout time.Duration) error {
	expired := false
	if timeout >= 0 {
		timer := time.AfterFunc(timeout, func() {
			c.mu.Lock()
			expired = true
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		defer timer.Stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.closed && (c.pending != nil || c.inflight) {
		if expired {
			return fmt.Errorf("%w after %s", ErrFlushTimeout, timeout)
		}
		c.cond.Wait()
	}
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Reconnect attaches a new transport. A pending frame is sent on it before
// anything else. A transport still attached is closed.
func (c *Conn) Reconnect(t io.ReadWriteCloser) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.t
	c.t = t
	c.online = t != nil
	c.cond.Broadcast()
	c.mu.Unlock()

	c.logger.Info("transport reconnected")
	if old != nil && old != t {
		if err := old.Close(); err != nil {
			return fmt.Errorf("close previous transport: %w", err)
		}
	}
	return nil
}

// Close stops both goroutines and closes the transport. A pending frame is
// discarded and a write in progress is cut off; call Flush first to deliver
// them.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	t := c.t
	c.t = nil
	c.online = false
	dropped := c.pending != nil
	c.pending = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	var result *multierror.Error
	if t != nil {
		if err := t.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close transport: %w", err))
		}
	}
	if dropped {
		c.logger.Warn("pending command discarded on close")
	}
	c.wg.Wait()
	return result.ErrorOrNil()
}

// current blocks until a transport is attached or the Conn is closed.
func (c *Conn) current() (io.ReadWriteCloser, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.closed && c.t == nil {
		c.cond.Wait()
	}
	return c.t, !c.closed
}

// lost takes t offline after an I/O error, unless it was already replaced.
func (c *Conn) lost(t io.ReadWriteCloser, err error) {
	c.mu.Lock()
	if c.closed || c.t != t {
		c.mu.Unlock()
		return
	}
	c.t = nil
	c.online = false
	c.cond.Broadcast()
	c.mu.Unlock()

	c.logger.Warn("transport lost, waiting for reconnect", "error", err)
	if cerr := t.Close(); cerr != nil {
		c.logger.Debug("closing lost transport", "error", cerr)
	}
}

func (c *Conn) receive() {
	defer c.wg.Done()
	buf := make([]byte, command.FrameSize)
	for {
		t, ok := c.current()
		if !ok {
			return
		}
		if _, err := io.ReadFull(t, buf); err != nil {
			c.lost(t, err)
			continue
		}
		var f command.Frame
		if err := f.UnmarshalBinary(buf); err != nil {
			c.logger.Error("decoding frame", "error", err)
			continue
		}
		c.received(f)
	}
}

// received handles one decoded frame: device debug output is logged, the
// rest is buffered for the waiters.
func (c *Conn) received(f command.Frame) {
	switch f.Cmd {
	case command.CmdDebugPrintString:
		c.logger.Info("#db# " + f.Text())
		return
	case command.CmdDebugPrintIntegers:
		c.logger.Info(fmt.Sprintf("#db# %08x, %08x, %08x", f.Args[0], f.Args[1], f.Args[2]))
		return
	case command.CmdDebugPrintBytes:
		n := min(f.Args[0], command.PayloadSize)
		c.logger.Info(fmt.Sprintf("#db# % x", f.Data[:n]))
		return
	}
	c.logger.Log(context.Background(), pm3log.LevelTrace, "frame received", "frame", f)
	if !c.ring.Push(f) {
		n := c.overflows.Add(1)
		c.logger.Warn("response buffer full, oldest frame dropped", "dropped", n, "capacity", c.ring.Cap())
	}
}

func (c *Conn) transmit() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for !c.closed && !(c.online && c.pending != nil) {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		f := *c.pending
		c.pending = nil
		c.inflight = true
		t := c.t
		c.cond.Broadcast()
		c.mu.Unlock()

		// MarshalBinary of a Frame value cannot fail.
		b, _ := f.MarshalBinary()
		_, err := t.Write(b)

		c.mu.Lock()
		c.inflight = false
		closed := c.closed
		if err != nil && c.pending == nil && !closed {
			c.pending = &f
		}
		c.cond.Broadcast()
		c.mu.Unlock()

		if err != nil {
			if closed {
				c.logger.Warn("command cut off by close", "frame", f, "error", err)
				return
			}
			c.lost(t, err)
			continue
		}
		c.logger.Log(context.Background(), pm3log.LevelTrace, "frame sent", "frame", f)
	}
}
