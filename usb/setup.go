package usb

import (
	"encoding/binary"
	"fmt"
)

// Standard request codes (USB 2.0 table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// CDC-ACM class request codes.
const (
	RequestSetLineCoding       = 0x20
	RequestGetLineCoding       = 0x21
	RequestSetControlLineState = 0x22
)

// bmRequestType values used by the Proxmark request table.
const (
	TypeStandardToDevice    = 0x00
	TypeStandardToInterface = 0x01
	TypeStandardToEndpoint  = 0x02
	TypeStandardFromDevice  = 0x80
	TypeStandardFromIface   = 0x81
	TypeStandardFromEP      = 0x82
	TypeClassToInterface    = 0x21
	TypeClassFromInterface  = 0xA1
	TypeVendorFromDevice    = 0xC0
	DirectionDeviceToHost   = 0x80
)

// SetupPacketSize is the size of a SETUP packet in bytes.
const SetupPacketSize = 8

// SetupPacket is the decoded form of the 8 bytes that start a control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupPacket decodes a SETUP packet.
func ParseSetupPacket(data []byte) (SetupPacket, error) {
	if len(data) < SetupPacketSize {
		return SetupPacket{}, fmt.Errorf("setup packet: need %d bytes, got %d", SetupPacketSize, len(data))
	}
	return SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:4]),
		Index:       binary.LittleEndian.Uint16(data[4:6]),
		Length:      binary.LittleEndian.Uint16(data[6:8]),
	}, nil
}

// Bytes encodes the packet back to its wire form.
func (s SetupPacket) Bytes() [SetupPacketSize]byte {
	var b [SetupPacketSize]byte
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

// Key is the dispatch key (bRequest<<8 | bmRequestType).
func (s SetupPacket) Key() uint16 {
	return uint16(s.Request)<<8 | uint16(s.RequestType)
}

// IsDeviceToHost reports an IN data stage.
func (s SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&DirectionDeviceToHost != 0
}

// ValueHigh is the high byte of wValue (descriptor type for GET_DESCRIPTOR).
func (s SetupPacket) ValueHigh() uint8 { return uint8(s.Value >> 8) }

// ValueLow is the low byte of wValue (descriptor or URL index).
func (s SetupPacket) ValueLow() uint8 { return uint8(s.Value) }

func (s SetupPacket) String() string {
	return fmt.Sprintf("bm=%02x req=%02x val=%04x idx=%04x len=%d",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}
