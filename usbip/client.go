package usbip

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// StatusError is a URB completed with a nonzero status.
type StatusError struct {
	Status int32
}

func (e *StatusError) Error() string {
	switch e.Status {
	case StatusStall:
		return "urb status -EPIPE (stall)"
	case StatusConnReset:
		return "urb status -ECONNRESET (unlinked)"
	}
	return fmt.Sprintf("urb status %d", e.Status)
}

// ErrStall matches a StatusError for a stalled endpoint.
var ErrStall = &StatusError{Status: StatusStall}

func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	return ok && t.Status == e.Status
}

var (
	// ErrClientClosed is returned for URBs outstanding when the client closes.
	ErrClientClosed = errors.New("usbip client closed")

	// ErrDeviceBusy is returned by Import when another client holds the device.
	ErrDeviceBusy = errors.New("device busy")
	// ErrNoSuchDevice is returned by Import for a busid the server does not export.
	ErrNoSuchDevice = errors.New("no such device")
)

// Dialer opens the TCP connection to a USB/IP server.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ListDevices asks the server at addr for its exported devices.
func ListDevices(ctx context.Context, d Dialer, addr string) ([]ExportedDevice, error) {
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := (&MgmtHeader{Version: Version, Command: OpReqDevlist}).Write(conn); err != nil {
		return nil, fmt.Errorf("write devlist request: %w", err)
	}
	if _, err := ReadMgmtHeader(conn, OpRepDevlist); err != nil {
		return nil, fmt.Errorf("read devlist reply: %w", err)
	}
	var n DevListReplyHeader
	if err := binary.Read(conn, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read device count: %w", err)
	}

	devices := make([]ExportedDevice, 0, n.NDevices)
	for i := uint32(0); i < n.NDevices; i++ {
		dev, err := ReadExportedDevice(conn, true)
		if err != nil {
			return nil, fmt.Errorf("read device %d: %w", i, err)
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// Client is an imported device. URBs may be submitted from several
// goroutines; replies are matched to their submitters by sequence number.
type Client struct {
	conn   net.Conn
	logger *slog.Logger
	device ExportedDevice

	writeMu sync.Mutex

	mu      sync.Mutex
	seq     uint32
	waiting map[uint32]waiter
	// unlinked maps the seqnum of each CMD_UNLINK in flight to the urb it
	// cancels and whether that urb was IN
	unlinked map[uint32]unlinkedURB
	err      error

	done chan struct{}
}

type unlinkedURB struct {
	seq uint32
	in  bool
}

type waiter struct {
	ch chan result
	in bool
}

type result struct {
	status int32
	data   []byte
}

// Import attaches to the device exported as busID by the server at addr.
func Import(ctx context.Context, d Dialer, addr, busID string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	dev, err := importDevice(conn, busID)
	if !stop() || err != nil {
		conn.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("import %s: %w", busID, err)
	}

	c := &Client{
		conn:     conn,
		logger:   logger,
		device:   dev,
		waiting:  map[uint32]waiter{},
		unlinked: map[uint32]unlinkedURB{},
		done:     make(chan struct{}),
	}
	go c.demux()
	return c, nil
}

func importDevice(conn net.Conn, busID string) (ExportedDevice, error) {
	var req bytes.Buffer
	_ = (&MgmtHeader{Version: Version, Command: OpReqImport}).Write(&req)
	var bus [BusIDSize]byte
	copy(bus[:], busID)
	req.Write(bus[:])
	if _, err := conn.Write(req.Bytes()); err != nil {
		return ExportedDevice{}, err
	}
	h, err := ReadMgmtHeader(conn, OpRepImport)
	if err != nil {
		return ExportedDevice{}, err
	}
	switch h.Status {
	case StOK:
	case StDevBusy:
		return ExportedDevice{}, ErrDeviceBusy
	case StNoDev:
		return ExportedDevice{}, ErrNoSuchDevice
	default:
		return ExportedDevice{}, fmt.Errorf("server refused import, status %d", h.Status)
	}
	return ReadExportedDevice(conn, false)
}

// Device returns the description the server sent on import.
func (c *Client) Device() ExportedDevice { return c.device }

// Control runs a control transfer on EP0. For IN requests the data stage is
// returned; for OUT requests data is sent as the data stage.
func (c *Client) Control(ctx context.Context, setup [8]byte, data []byte) ([]byte, error) {
	dir := uint32(DirOut)
	length := uint32(len(data))
	if setup[0]&0x80 != 0 {
		dir = DirIn
		length = uint32(setup[6]) | uint32(setup[7])<<8
		data = nil
	}
	return c.Submit(ctx, dir, 0, length, setup, data)
}

// Submit sends one CMD_SUBMIT and waits for its RET_SUBMIT. If ctx ends
// first the URB is unlinked.
func (c *Client) Submit(ctx context.Context, dir, ep, length uint32, setup [8]byte, out []byte) ([]byte, error) {
	ch := make(chan result, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	seq := c.nextSeq()
	c.waiting[seq] = waiter{ch: ch, in: dir == DirIn}
	c.mu.Unlock()

	cmd := CmdSubmit{
		Basic:             HeaderBasic{Command: CmdSubmitCode, Seqnum: seq, Dir: dir, Ep: ep},
		TransferBufferLen: length,
		Setup:             setup,
	}
	var buf bytes.Buffer
	_ = cmd.Write(&buf)
	if dir == DirOut {
		buf.Write(out)
	}
	if err := c.write(buf.Bytes()); err != nil {
		c.forget(seq)
		return nil, err
	}

	select {
	case r := <-ch:
		if r.status != StatusOK {
			return r.data, &StatusError{Status: r.status}
		}
		return r.data, nil
	case <-ctx.Done():
		c.unlink(seq)
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

// Close drops the connection. Outstanding URBs fail with ErrClientClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) nextSeq() uint32 {
	// seqnum 0 is avoided, the kernel never uses it
	c.seq++
	if c.seq == 0 {
		c.seq++
	}
	return c.seq
}

func (c *Client) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("usbip write: %w", err)
	}
	return nil
}

func (c *Client) forget(seq uint32) {
	c.mu.Lock()
	delete(c.waiting, seq)
	c.mu.Unlock()
}

func (c *Client) unlink(seq uint32) {
	c.mu.Lock()
	w, pending := c.waiting[seq]
	delete(c.waiting, seq)
	closed := c.err != nil
	var id uint32
	if pending && !closed {
		id = c.nextSeq()
		c.unlinked[id] = unlinkedURB{seq: seq, in: w.in}
	}
	c.mu.Unlock()
	if !pending || closed {
		return
	}
	cmd := CmdUnlink{Basic: HeaderBasic{Command: CmdUnlinkCode, Seqnum: id}, UnlinkSeqnum: seq}
	var buf bytes.Buffer
	_ = cmd.Write(&buf)
	if err := c.write(buf.Bytes()); err != nil {
		c.logger.Debug("unlink failed", "seq", seq, "error", err)
	}
}

// unlinkedIn reports whether the unlinked urb seq was IN. c.mu must be held.
func (c *Client) unlinkedIn(seq uint32) bool {
	for _, u := range c.unlinked {
		if u.seq == seq {
			return u.in
		}
	}
	return false
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// demux reads replies and hands each to the submitter waiting on its seqnum.
func (c *Client) demux() {
	defer close(c.done)
	err := c.readReplies()
	c.mu.Lock()
	c.err = fmt.Errorf("%w: %w", ErrClientClosed, err)
	c.waiting = map[uint32]waiter{}
	c.mu.Unlock()
	c.logger.Debug("usbip client stopped", "error", err)
}

func (c *Client) readReplies() error {
	for {
		u, err := ReadURB(c.conn)
		if err != nil {
			return err
		}
		switch u.Basic.Command {
		case RetSubmitCode:
			c.mu.Lock()
			w, ok := c.waiting[u.Basic.Seqnum]
			delete(c.waiting, u.Basic.Seqnum)
			in := w.in
			if !ok {
				in = c.unlinkedIn(u.Basic.Seqnum)
			}
			c.mu.Unlock()
			// RET_SUBMIT does not carry the direction, the payload
			// follows for IN urbs only
			var data []byte
			if in && u.ActualLength > 0 {
				data = make([]byte, u.ActualLength)
				if err := ReadExactly(c.conn, data); err != nil {
					return err
				}
			}
			if !ok {
				c.logger.Debug("dropping reply for unlinked urb", "seq", u.Basic.Seqnum, "len", len(data))
				continue
			}
			w.ch <- result{status: u.Status, data: data}
		case RetUnlinkCode:
			c.mu.Lock()
			orig := c.unlinked[u.Basic.Seqnum]
			delete(c.unlinked, u.Basic.Seqnum)
			c.mu.Unlock()
			c.logger.Debug("urb unlinked", "seq", orig.seq, "status", u.Status)
		default:
			return fmt.Errorf("unexpected urb command %#x from server", u.Basic.Command)
		}
	}
}
