// Package pm3 emulates a Proxmark3 on the USB/IP bus: the device USB stack
// runs over the register simulator and a small firmware loop answers command
// frames.
package pm3

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pm3link/pm3link/command"
	"github.com/pm3link/pm3link/usb"
	"github.com/pm3link/pm3link/usbdev"
	"github.com/pm3link/pm3link/usbip"
)

// Config configures the emulated device.
type Config struct {
	usbdev.Config `embed:""`
	Version       string `help:"Text reported for CMD_VERSION" default:"pm3link emulator" env:"PM3LINK_DEVICE_VERSION"`
}

// PM3 is an emulated Proxmark3. It implements usb.Device.
type PM3 struct {
	mu       sync.Mutex
	sim      *usbdev.Sim
	stack    *usbdev.Stack
	store    *usb.Store
	logger   *slog.Logger
	version  string
	handlers map[uint64]HandlerFunc

	rx []byte
	in [][]byte
}

// New returns an attached, unconfigured device.
func New(cfg Config, logger *slog.Logger) *PM3 {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	store := usb.NewStore(usb.Proxmark())
	sim := usbdev.NewSim()
	d := &PM3{
		sim:     sim,
		stack:   usbdev.New(sim, store, cfg.Config, logger),
		store:   store,
		logger:  logger,
		version: cfg.Version,
	}
	d.handlers = d.defaultHandlers()
	d.stack.Enable()
	d.service()
	return d
}

// Handle installs h for frames with id cmd, replacing any earlier handler.
func (d *PM3) Handle(cmd uint64, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[cmd] = h
}

func (d *PM3) GetDescriptor() *usb.Descriptor {
	return d.store.Descriptor()
}

// Reset drives a bus reset and drops partial frames and unread responses.
func (d *PM3) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sim.BusReset()
	d.service()
	d.sim.TakeIn(usbdev.EPIn)
	d.rx = d.rx[:0]
	d.in = nil
}

// Configured reports whether the host selected a configuration.
func (d *PM3) Configured() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stack.Configured()
}

// LineCoding returns the CDC line coding last set by the host.
func (d *PM3) LineCoding() usbdev.LineCoding {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stack.LineCoding()
}

func (d *PM3) HandleControl(setup [usb.SetupPacketSize]byte, out []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sim.HostSetup(setup, out)
	d.service()
	in := bytes.Join(d.sim.TakeIn(usbdev.EPControl), nil)
	if d.sim.TakeStalls(usbdev.EPControl) > 0 {
		return nil, usb.ErrStall
	}
	if setup[0]&usb.DirectionDeviceToHost == 0 {
		return nil, nil
	}
	return in, nil
}

func (d *PM3) HandleTransfer(ep uint32, dir uint32, length uint32, out []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case ep == usbdev.EPOut && dir == usbip.DirOut:
		if err := d.sim.HostOut(usbdev.EPOut, out); err != nil {
			return nil, fmt.Errorf("%w: %w", usb.ErrStall, err)
		}
		d.run()
		return nil, nil
	case ep == usbdev.EPIn && dir == usbip.DirIn:
		return d.drain(int(length))
	case ep == usbdev.EPNotify && dir == usbip.DirIn:
		// serial state notifications are never sent
		return nil, usb.ErrNAK
	}
	return nil, usb.ErrStall
}

// service lets the stack handle every pending bus event.
func (d *PM3) service() {
	for d.sim.ISR()&(usbdev.ISREP0|usbdev.ISREndBusRes) != 0 {
		d.stack.Check()
	}
}

// run is the firmware main loop: it assembles frames from the OUT endpoint
// and answers each complete one.
func (d *PM3) run() {
	for d.stack.HasData() {
		want := min(command.FrameSize-len(d.rx), d.sim.PendingOut(usbdev.EPOut))
		buf := make([]byte, want)
		n, err := d.stack.Read(buf)
		d.rx = append(d.rx, buf[:n]...)
		if err != nil {
			d.logger.Warn("firmware read failed", "error", err)
			return
		}
		if len(d.rx) < command.FrameSize {
			continue
		}
		// d.rx holds exactly one frame here, so decoding cannot fail
		var f command.Frame
		_ = f.UnmarshalBinary(d.rx)
		d.rx = d.rx[:0]
		d.dispatch(f)
	}
}

func (d *PM3) dispatch(req command.Frame) {
	d.logger.Debug("firmware command", "frame", req)
	h, ok := d.handlers[req.Cmd]
	if !ok {
		h = nack
	}
	for _, resp := range h(req) {
		b, _ := resp.MarshalBinary()
		if remaining, err := d.stack.Write(b); err != nil {
			d.logger.Warn("firmware reply aborted", "cmd", command.Name(resp.Cmd), "remaining", remaining, "error", err)
			break
		}
	}
	d.in = append(d.in, d.sim.TakeIn(usbdev.EPIn)...)
}

// drain hands transmitted IN packets to one host IN transfer. The transfer
// ends after a short packet or when length is reached.
func (d *PM3) drain(length int) ([]byte, error) {
	if len(d.in) == 0 {
		return nil, usb.ErrNAK
	}
	out := []byte{}
	for len(d.in) > 0 {
		pkt := d.in[0]
		room := length - len(out)
		if len(pkt) > room {
			if room > 0 {
				out = append(out, pkt[:room]...)
				d.in[0] = pkt[room:]
			}
			break
		}
		out = append(out, pkt...)
		d.in = d.in[1:]
		if len(pkt) < usbdev.BulkPacketSize {
			break
		}
	}
	return out, nil
}
