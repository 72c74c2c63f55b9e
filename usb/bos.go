package usb

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// Platform capability UUIDs in their on-the-wire byte order.
var (
	WebUSBPlatformUUID = [16]byte{
		0x38, 0xB6, 0x08, 0x34, 0xA9, 0x09, 0xA0, 0x47,
		0x8B, 0xFD, 0xA0, 0x76, 0x88, 0x15, 0xB6, 0x65,
	}
	MSOS20PlatformUUID = [16]byte{
		0xDF, 0x60, 0xDD, 0xD8, 0x89, 0x45, 0xC7, 0x4C,
		0x9C, 0xD2, 0x65, 0x9D, 0x9E, 0x64, 0x8A, 0x9F,
	}
)

const platformCapabilityType = 0x05

// PlatformCapability is a BOS platform device capability with opaque
// capability data following the UUID.
type PlatformCapability struct {
	UUID [16]byte
	Data []byte
}

func (p PlatformCapability) Write(b *bytes.Buffer) {
	b.WriteByte(uint8(20 + len(p.Data)))
	b.WriteByte(CapabilityType)
	b.WriteByte(platformCapabilityType)
	b.WriteByte(0)
	b.Write(p.UUID[:])
	b.Write(p.Data)
}

// WebUSBCapability returns the WebUSB platform capability.
func WebUSBCapability(vendorCode, landingPage uint8) PlatformCapability {
	return PlatformCapability{
		UUID: WebUSBPlatformUUID,
		Data: []byte{0x00, 0x01, vendorCode, landingPage}, // bcdVersion 1.0
	}
}

// MSOS20Capability returns the Microsoft OS 2.0 platform capability
// announcing a descriptor set of setLength bytes.
func MSOS20Capability(windowsVersion uint32, setLength uint16, vendorCode uint8) PlatformCapability {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], windowsVersion)
	binary.LittleEndian.PutUint16(data[4:6], setLength)
	data[6] = vendorCode
	data[7] = 0 // alternate enumeration
	return PlatformCapability{UUID: MSOS20PlatformUUID, Data: data}
}

// EncodeBOS builds a BOS descriptor with the given capabilities.
func EncodeBOS(caps ...PlatformCapability) []byte {
	var b bytes.Buffer
	b.WriteByte(BOSDescLen)
	b.WriteByte(BOSDescType)
	b.Write([]byte{0, 0})
	b.WriteByte(uint8(len(caps)))
	for _, c := range caps {
		c.Write(&b)
	}
	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}

// URL schemes for WebUSB URL descriptors.
const (
	URLSchemeHTTP  = 0x00
	URLSchemeHTTPS = 0x01
)

// EncodeURLDescriptor builds a WebUSB URL descriptor.
func EncodeURLDescriptor(scheme uint8, url string) []byte {
	buf := make([]byte, 0, 3+len(url))
	buf = append(buf, uint8(3+len(url)), 0x03, scheme)
	return append(buf, url...)
}

// MS OS 2.0 descriptor types.
const (
	msos20SetHeader           = 0x00
	msos20SubsetConfiguration = 0x01
	msos20SubsetFunction      = 0x02
	msos20CompatibleID        = 0x03
	msos20RegProperty         = 0x04
)

// Registry property data types.
const (
	RegSZ      = 0x01
	RegMultiSZ = 0x07
)

// RegistryProperty is an MS OS 2.0 registry property feature descriptor.
// Values are NUL terminated on encoding; REG_MULTI_SZ gets the extra NUL.
type RegistryProperty struct {
	Type   uint16
	Name   string
	Values []string
}

func (r RegistryProperty) bytes() []byte {
	name := utf16z(r.Name)
	var data []byte
	for _, v := range r.Values {
		data = append(data, utf16z(v)...)
	}
	if r.Type == RegMultiSZ {
		data = append(data, 0, 0)
	}
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, uint16(10+len(name)+len(data)))
	_ = binary.Write(&b, binary.LittleEndian, uint16(msos20RegProperty))
	_ = binary.Write(&b, binary.LittleEndian, r.Type)
	_ = binary.Write(&b, binary.LittleEndian, uint16(len(name)))
	b.Write(name)
	_ = binary.Write(&b, binary.LittleEndian, uint16(len(data)))
	b.Write(data)
	return b.Bytes()
}

// MSOS20Function is the function subset for one interface.
type MSOS20Function struct {
	FirstInterface uint8
	CompatibleID   string
	Properties     []RegistryProperty
}

// MSOS20Set describes a Microsoft OS 2.0 descriptor set with one
// configuration subset.
type MSOS20Set struct {
	WindowsVersion uint32
	Properties     []RegistryProperty
	Configuration  uint8
	Functions      []MSOS20Function
}

// Bytes encodes the descriptor set with every length field computed.
func (s MSOS20Set) Bytes() []byte {
	var funcs bytes.Buffer
	for _, f := range s.Functions {
		var body bytes.Buffer
		var cid [20]byte
		binary.LittleEndian.PutUint16(cid[0:2], 20)
		binary.LittleEndian.PutUint16(cid[2:4], msos20CompatibleID)
		copy(cid[4:12], f.CompatibleID)
		body.Write(cid[:])
		for _, p := range f.Properties {
			body.Write(p.bytes())
		}
		writeSubsetHeader(&funcs, msos20SubsetFunction, f.FirstInterface, 8+body.Len())
		funcs.Write(body.Bytes())
	}

	var out bytes.Buffer
	out.Write(make([]byte, 10))
	for _, p := range s.Properties {
		out.Write(p.bytes())
	}
	writeSubsetHeader(&out, msos20SubsetConfiguration, s.Configuration, 8+funcs.Len())
	out.Write(funcs.Bytes())

	data := out.Bytes()
	binary.LittleEndian.PutUint16(data[0:2], 10)
	binary.LittleEndian.PutUint16(data[2:4], msos20SetHeader)
	binary.LittleEndian.PutUint32(data[4:8], s.WindowsVersion)
	binary.LittleEndian.PutUint16(data[8:10], uint16(len(data)))
	return data
}

func writeSubsetHeader(b *bytes.Buffer, typ uint16, value uint8, total int) {
	_ = binary.Write(b, binary.LittleEndian, uint16(8))
	_ = binary.Write(b, binary.LittleEndian, typ)
	b.WriteByte(value)
	b.WriteByte(0)
	_ = binary.Write(b, binary.LittleEndian, uint16(total))
}

func utf16z(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units)*2+2)
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return append(out, 0, 0)
}
