// Package usbip is the USB/IP wire protocol: management operations used to
// list and import devices, and the URB stream that follows an import.
package usbip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001

	// HeaderSize is the size of every URB header.
	HeaderSize = 0x30
	// BusIDSize is the size of the busid field of an import request.
	BusIDSize = 32
)

// URB status values (negated Linux errno).
const (
	StatusOK        = 0
	StatusStall     = -32  // -EPIPE
	StatusConnReset = -104 // -ECONNRESET
)

// Import reply status values.
const (
	StOK      = 0
	StDevBusy = 2
	StNoDev   = 4
)

// ErrVersion is returned for a management reply of another protocol version.
var ErrVersion = errors.New("unsupported usbip version")

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, h)
}

// ReadMgmtHeader reads a management header and checks its version and command.
func ReadMgmtHeader(r io.Reader, want uint16) (MgmtHeader, error) {
	var h MgmtHeader
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return h, err
	}
	if h.Version != Version {
		return h, fmt.Errorf("%w %#x", ErrVersion, h.Version)
	}
	if h.Command != want {
		return h, fmt.Errorf("unexpected reply command %#x", h.Command)
	}
	return h, nil
}

// DevListReplyHeader is the header after MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, d)
}

// ExportMeta carries USB-IP bus identity for an emulated device.
// Uses fixed-size arrays matching the wire protocol format.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusId    uint32
	DevId    uint32
}

// BusID returns the busid string, e.g. "1-1".
func (m *ExportMeta) BusID() string {
	return cString(m.USBBusId[:])
}

// ExportedDevice describes one exported device in devlist/import replies.
// Layout matches kernel doc, strings are fixed-size, remaining numbers are BE.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	// Interfaces: for each interface: class, subclass, protocol, pad
	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// exportedDeviceWire is the fixed part of ExportedDevice, 312 bytes.
type exportedDeviceWire struct {
	Path                [256]byte
	USBBusId            [32]byte
	BusId               uint32
	DevId               uint32
	Speed               uint32
	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8
}

func (d *ExportedDevice) wire() exportedDeviceWire {
	return exportedDeviceWire{
		Path:                d.Path,
		USBBusId:            d.USBBusId,
		BusId:               d.BusId,
		DevId:               d.DevId,
		Speed:               d.Speed,
		IDVendor:            d.IDVendor,
		IDProduct:           d.IDProduct,
		BcdDevice:           d.BcdDevice,
		BDeviceClass:        d.BDeviceClass,
		BDeviceSubClass:     d.BDeviceSubClass,
		BDeviceProtocol:     d.BDeviceProtocol,
		BConfigurationValue: d.BConfigurationValue,
		BNumConfigurations:  d.BNumConfigurations,
		BNumInterfaces:      d.BNumInterfaces,
	}
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.WriteImport(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	wire := d.wire()
	return binary.Write(w, binary.BigEndian, &wire)
}

// ReadExportedDevice reads one device entry. Devlist entries carry the
// interface triplets, import replies do not.
func ReadExportedDevice(r io.Reader, withInterfaces bool) (ExportedDevice, error) {
	var wire exportedDeviceWire
	if err := binary.Read(r, binary.BigEndian, &wire); err != nil {
		return ExportedDevice{}, err
	}
	d := ExportedDevice{
		ExportMeta: ExportMeta{
			Path:     wire.Path,
			USBBusId: wire.USBBusId,
			BusId:    wire.BusId,
			DevId:    wire.DevId,
		},
		Speed:               wire.Speed,
		IDVendor:            wire.IDVendor,
		IDProduct:           wire.IDProduct,
		BcdDevice:           wire.BcdDevice,
		BDeviceClass:        wire.BDeviceClass,
		BDeviceSubClass:     wire.BDeviceSubClass,
		BDeviceProtocol:     wire.BDeviceProtocol,
		BConfigurationValue: wire.BConfigurationValue,
		BNumConfigurations:  wire.BNumConfigurations,
		BNumInterfaces:      wire.BNumInterfaces,
	}
	if !withInterfaces {
		return d, nil
	}
	buf := make([]byte, int(wire.BNumInterfaces)*4)
	if err := ReadExactly(r, buf); err != nil {
		return ExportedDevice{}, err
	}
	for o := 0; o < len(buf); o += 4 {
		d.Interfaces = append(d.Interfaces, InterfaceDesc{Class: buf[o], SubClass: buf[o+1], Protocol: buf[o+2]})
	}
	return d, nil
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

// CmdSubmit header (before payload) length is 0x30.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, c)
}

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, r)
}

// CmdUnlink and RetUnlink
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, c)
}

func (r *RetUnlink) Write(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, r)
}

// URB is a decoded URB header. Which fields are meaningful depends on
// Basic.Command.
type URB struct {
	Basic HeaderBasic
	// CMD_SUBMIT
	TransferFlags     uint32
	TransferBufferLen uint32
	Setup             [8]byte
	// CMD_UNLINK
	UnlinkSeqnum uint32
	// RET_SUBMIT and RET_UNLINK
	Status       int32
	ActualLength uint32
}

// ReadURB reads and decodes one URB header. Payloads are left on r.
func ReadURB(r io.Reader) (URB, error) {
	var hdr [HeaderSize]byte
	if err := ReadExactly(r, hdr[:]); err != nil {
		return URB{}, err
	}
	var u URB
	_ = binary.Read(bytes.NewReader(hdr[:20]), binary.BigEndian, &u.Basic)
	be := binary.BigEndian
	switch u.Basic.Command {
	case CmdSubmitCode:
		u.TransferFlags = be.Uint32(hdr[0x14:0x18])
		u.TransferBufferLen = be.Uint32(hdr[0x18:0x1c])
		copy(u.Setup[:], hdr[0x28:0x30])
	case CmdUnlinkCode:
		u.UnlinkSeqnum = be.Uint32(hdr[0x14:0x18])
	case RetSubmitCode:
		u.Status = int32(be.Uint32(hdr[0x14:0x18]))
		u.ActualLength = be.Uint32(hdr[0x18:0x1c])
	case RetUnlinkCode:
		u.Status = int32(be.Uint32(hdr[0x14:0x18]))
	default:
		return u, fmt.Errorf("unknown urb command %#x (seq=%d)", u.Basic.Command, u.Basic.Seqnum)
	}
	return u, nil
}

func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
