// Package transport opens the byte stream between the host and a Proxmark:
// a CDC-ACM serial port, raw USB bulk endpoints or a USB/IP import.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/pm3link/pm3link/internal/log"
)

// ErrNoDevice is returned when no Proxmark matches the requested port.
var ErrNoDevice = errors.New("no proxmark found")

// Config tunes the transports.
type Config struct {
	BaudRate  int    `help:"Serial baud rate (ignored by CDC-ACM, kept for UART bridges)" default:"115200" env:"PM3LINK_BAUD_RATE"`
	BusID     string `help:"Default USB/IP bus id when the port URI names none" default:"1-1" env:"PM3LINK_USBIP_BUSID"`
	ReadChunk int    `help:"Bytes requested per bulk IN transfer" default:"1024" env:"PM3LINK_READ_CHUNK"`
}

// DefaultConfig returns the values the CLI defaults to.
func DefaultConfig() Config {
	return Config{BaudRate: 115200, BusID: "1-1", ReadChunk: 1024}
}

// Kind names a transport.
type Kind string

const (
	KindSerial Kind = "serial"
	KindUSB    Kind = "usb"
	KindUSBIP  Kind = "usbip"
)

// Target is a parsed port URI.
type Target struct {
	Kind Kind
	// Path is the serial device, or "auto" to search by VID/PID.
	Path string
	// Addr and BusID locate a USB/IP export.
	Addr  string
	BusID string
}

// Parse reads a port URI:
//
//	/dev/ttyACM0, COM3, serial:///dev/ttyACM0, serial://auto
//	usb://
//	usbip://host[:port][/busid]
func Parse(uri string, cfg Config) (Target, error) {
	if uri == "" {
		return Target{}, fmt.Errorf("empty port")
	}
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return Target{Kind: KindSerial, Path: uri}, nil
	}
	switch Kind(strings.ToLower(scheme)) {
	case KindSerial:
		if rest == "" {
			return Target{}, fmt.Errorf("serial port missing in %q", uri)
		}
		return Target{Kind: KindSerial, Path: rest}, nil
	case KindUSB:
		return Target{Kind: KindUSB}, nil
	case KindUSBIP:
		u, err := url.Parse(uri)
		if err != nil {
			return Target{}, fmt.Errorf("parse %q: %w", uri, err)
		}
		if u.Hostname() == "" {
			return Target{}, fmt.Errorf("usbip host missing in %q", uri)
		}
		addr := u.Host
		if u.Port() == "" {
			addr += ":3241"
		}
		busID := strings.Trim(u.Path, "/")
		if busID == "" {
			busID = cfg.BusID
		}
		return Target{Kind: KindUSBIP, Addr: addr, BusID: busID}, nil
	}
	return Target{}, fmt.Errorf("unknown transport %q", scheme)
}

func (t Target) String() string {
	switch t.Kind {
	case KindUSB:
		return "usb://"
	case KindUSBIP:
		return fmt.Sprintf("usbip://%s/%s", t.Addr, t.BusID)
	}
	return "serial://" + t.Path
}

// Open connects to the port named by uri. Traffic is hex-dumped to raw when
// it is not nil.
func Open(ctx context.Context, uri string, cfg Config, logger *slog.Logger, raw log.RawLogger) (io.ReadWriteCloser, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t, err := Parse(uri, cfg)
	if err != nil {
		return nil, err
	}

	var rw io.ReadWriteCloser
	switch t.Kind {
	case KindSerial:
		rw, err = openSerial(t.Path, cfg, logger)
	case KindUSB:
		rw, err = openUSB(logger)
	case KindUSBIP:
		rw, err = openUSBIP(ctx, t, cfg, logger)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("transport open", "port", t.String())
	return log.Tap(rw, raw), nil
}
