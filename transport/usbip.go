package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/pm3link/pm3link/usb"
	"github.com/pm3link/pm3link/usbdev"
	"github.com/pm3link/pm3link/usbip"
)

// usbipLink drives an imported device the way the kernel's cdc_acm driver
// would: configure it, raise DTR and RTS, then stream the bulk endpoints.
type usbipLink struct {
	c      *usbip.Client
	ctx    context.Context
	cancel context.CancelFunc
	chunk  uint32

	readMu sync.Mutex
	buf    []byte
}

// Control line state bits of SET_CONTROL_LINE_STATE.
const (
	lineDTR = 1 << 0
	lineRTS = 1 << 1
)

func openUSBIP(ctx context.Context, t Target, cfg Config, logger *slog.Logger) (*usbipLink, error) {
	c, err := usbip.Import(ctx, &net.Dialer{}, t.Addr, t.BusID, logger)
	if err != nil {
		return nil, err
	}
	dev := c.Device()
	if dev.IDVendor != usb.VendorID || dev.IDProduct != usb.ProductID {
		return nil, multierror.Append(fmt.Errorf("usbip %s is %04x:%04x: %w", t.BusID, dev.IDVendor, dev.IDProduct, ErrNoDevice), c.Close())
	}

	for _, sp := range []usb.SetupPacket{
		{RequestType: usb.TypeStandardToDevice, Request: usb.RequestSetConfiguration, Value: 1},
		{RequestType: usb.TypeClassToInterface, Request: usb.RequestSetLineCoding, Length: usbdev.LineCodingSize},
		{RequestType: usb.TypeClassToInterface, Request: usb.RequestSetControlLineState, Value: lineDTR | lineRTS},
	} {
		var data []byte
		if sp.Request == usb.RequestSetLineCoding {
			lc := usbdev.DefaultLineCoding
			lc.BaudRate = uint32(cfg.BaudRate)
			data = lc.Bytes()
		}
		if _, err := c.Control(ctx, sp.Bytes(), data); err != nil {
			return nil, multierror.Append(fmt.Errorf("usbip %s: %s: %w", t.BusID, sp, err), c.Close())
		}
	}

	chunk := cfg.ReadChunk
	if chunk <= 0 {
		chunk = DefaultConfig().ReadChunk
	}
	lctx, cancel := context.WithCancel(context.Background())
	return &usbipLink{c: c, ctx: lctx, cancel: cancel, chunk: uint32(chunk)}, nil
}

// Read returns buffered IN data, or blocks on a new bulk IN transfer.
func (l *usbipLink) Read(p []byte) (int, error) {
	l.readMu.Lock()
	defer l.readMu.Unlock()
	for len(l.buf) == 0 {
		in, err := l.c.Submit(l.ctx, usbip.DirIn, usbdev.EPIn, l.chunk, [8]byte{}, nil)
		if err != nil {
			return 0, err
		}
		l.buf = in
	}
	n := copy(p, l.buf)
	l.buf = l.buf[n:]
	return n, nil
}

func (l *usbipLink) Write(p []byte) (int, error) {
	if _, err := l.c.Submit(l.ctx, usbip.DirOut, usbdev.EPOut, uint32(len(p)), [8]byte{}, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (l *usbipLink) Close() error {
	l.cancel()
	return l.c.Close()
}
