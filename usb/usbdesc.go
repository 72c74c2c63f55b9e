// Package usb contains helpers for building USB descriptors and data.
package usb

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// USB descriptor type constants
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
	BOSDescType       = 0x0F
	CapabilityType    = 0x10
	CSInterfaceType   = 0x24
)

// Descriptor lengths in bytes (fixed by USB 2.0 chapter 9)
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
	BOSDescLen       = 5
)

// Endpoint transfer types (bmAttributes bits 1..0).
const (
	EndpointControl     = 0x00
	EndpointIsochronous = 0x01
	EndpointBulk        = 0x02
	EndpointInterrupt   = 0x03
)

// Descriptor holds all static descriptor/config data for a device.
type Descriptor struct {
	Device     DeviceDescriptor
	Config     ConfigHeader
	Interfaces []InterfaceConfig
	LangID     uint16
	Strings    map[uint8]string
}

// InterfaceConfig holds all descriptors for a single interface.
type InterfaceConfig struct {
	Descriptor InterfaceDescriptor
	// ClassDescriptors are emitted between the interface and its endpoints
	// (CDC functional descriptors).
	ClassDescriptors [][]byte
	Endpoints        []EndpointDescriptor
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor byte array.
// The resulting descriptor has the format:
//
//	Byte 0: bLength (total descriptor length)
//	Byte 1: bDescriptorType (0x03 for string)
//	Bytes 2+: UTF-16LE encoded string
func EncodeStringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2+len(units)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2+i*2:], u)
	}
	return buf
}

// EncodeLangIDDescriptor builds string descriptor zero listing a single language.
func EncodeLangIDDescriptor(langID uint16) []byte {
	return []byte{4, StringDescType, byte(langID), byte(langID >> 8)}
}

// DeviceDescriptor represents the standard USB device descriptor.
// BLength is computed dynamically; BDescriptorType is implied DeviceDescType.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE
	IDProduct          uint16 // LE
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
	Speed              uint32 // USB speed: 1=low, 2=full, 3=high, 4=super
}

// Bytes returns the binary representation of the DeviceDescriptor with BLength auto-filled.
func (d Descriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.BcdUSB)
	b.WriteByte(d.Device.BDeviceClass)
	b.WriteByte(d.Device.BDeviceSubClass)
	b.WriteByte(d.Device.BDeviceProtocol)
	b.WriteByte(d.Device.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.BcdDevice)
	b.WriteByte(d.Device.IManufacturer)
	b.WriteByte(d.Device.IProduct)
	b.WriteByte(d.Device.ISerialNumber)
	b.WriteByte(d.Device.BNumConfigurations)
	return b.Bytes()
}

// ConfigBytes returns the full configuration descriptor: header, every
// interface with its class descriptors and endpoints, and wTotalLength and
// bNumInterfaces patched to match.
func (d Descriptor) ConfigBytes() []byte {
	var b bytes.Buffer
	h := d.Config
	h.BNumInterfaces = uint8(len(d.Interfaces))
	h.Write(&b)
	for _, iface := range d.Interfaces {
		iface.Descriptor.Write(&b)
		for _, cd := range iface.ClassDescriptors {
			b.Write(cd)
		}
		for _, ep := range iface.Endpoints {
			ep.Write(&b)
		}
	}

	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}

// ConfigHeader represents the USB configuration descriptor header (9 bytes).
type ConfigHeader struct {
	WTotalLength        uint16 // LE, patched by ConfigBytes
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigHeader) Write(b *bytes.Buffer) {
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(i.BNumEndpoints)
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
}

// EndpointDescriptor (7 bytes) for each endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
}

// CDC functional descriptor subtypes.
const (
	CDCHeaderSubtype         = 0x00
	CDCCallManagementSubtype = 0x01
	CDCACMSubtype            = 0x02
	CDCUnionSubtype          = 0x06
)

// CDCHeader is the CDC header functional descriptor.
type CDCHeader struct {
	BcdCDC uint16
}

func (h CDCHeader) Bytes() []byte {
	return []byte{5, CSInterfaceType, CDCHeaderSubtype, byte(h.BcdCDC), byte(h.BcdCDC >> 8)}
}

// CDCACM is the abstract control management functional descriptor.
type CDCACM struct {
	BMCapabilities uint8
}

func (a CDCACM) Bytes() []byte {
	return []byte{4, CSInterfaceType, CDCACMSubtype, a.BMCapabilities}
}

// CDCUnion binds the communication interface to its data interface.
type CDCUnion struct {
	BMasterInterface uint8
	BSlaveInterface0 uint8
}

func (u CDCUnion) Bytes() []byte {
	return []byte{5, CSInterfaceType, CDCUnionSubtype, u.BMasterInterface, u.BSlaveInterface0}
}

// CDCCallManagement is the call management functional descriptor.
type CDCCallManagement struct {
	BMCapabilities uint8
	BDataInterface uint8
}

func (c CDCCallManagement) Bytes() []byte {
	return []byte{5, CSInterfaceType, CDCCallManagementSubtype, c.BMCapabilities, c.BDataInterface}
}
