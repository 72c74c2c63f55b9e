package transport

import (
	"fmt"
	"log/slog"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/pm3link/pm3link/usb"
)

// usbLink talks to the bulk endpoints of the WebUSB interface through libusb,
// leaving the CDC interfaces to the kernel.
type usbLink struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.ReadStream
	out  *gousb.OutEndpoint
}

// newContext creates a libusb context, turning the panic gousb raises when
// libusb cannot initialise into an error.
func newContext() (ctx *gousb.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return gousb.NewContext(), nil
}

func openUSB(logger *slog.Logger) (*usbLink, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}
	l := &usbLink{ctx: ctx}

	l.dev, err = ctx.OpenDeviceWithVIDPID(usb.VendorID, usb.ProductID)
	if err == nil && l.dev == nil {
		err = fmt.Errorf("usb: %w", ErrNoDevice)
	}
	if err != nil {
		return nil, multierror.Append(err, l.Close()).ErrorOrNil()
	}
	if err := l.claim(); err != nil {
		return nil, multierror.Append(err, l.Close()).ErrorOrNil()
	}
	logger.Debug("usb device claimed", "device", l.dev.String(), "interface", usb.WebUSBInterface)
	return l, nil
}

func (l *usbLink) claim() error {
	if err := l.dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("auto detach: %w", err)
	}
	var err error
	if l.cfg, err = l.dev.Config(1); err != nil {
		return fmt.Errorf("select configuration: %w", err)
	}
	if l.intf, err = l.cfg.Interface(usb.WebUSBInterface, 0); err != nil {
		return fmt.Errorf("claim interface %d: %w", usb.WebUSBInterface, err)
	}
	if l.out, err = l.intf.OutEndpoint(usb.BulkOutEndpoint & 0x0F); err != nil {
		return fmt.Errorf("out endpoint: %w", err)
	}
	in, err := l.intf.InEndpoint(usb.BulkInEndpoint & 0x0F)
	if err != nil {
		return fmt.Errorf("in endpoint: %w", err)
	}
	if l.in, err = in.NewStream(usb.BulkPacketSize*8, 2); err != nil {
		return fmt.Errorf("in stream: %w", err)
	}
	return nil
}

func (l *usbLink) Read(p []byte) (int, error) { return l.in.Read(p) }

func (l *usbLink) Write(p []byte) (int, error) { return l.out.Write(p) }

// Close releases everything openUSB acquired, in reverse order.
func (l *usbLink) Close() error {
	var errs *multierror.Error
	if l.in != nil {
		errs = multierror.Append(errs, l.in.Close())
	}
	if l.intf != nil {
		l.intf.Close()
	}
	if l.cfg != nil {
		errs = multierror.Append(errs, l.cfg.Close())
	}
	if l.dev != nil {
		errs = multierror.Append(errs, l.dev.Close())
	}
	if l.ctx != nil {
		errs = multierror.Append(errs, l.ctx.Close())
	}
	return errs.ErrorOrNil()
}
