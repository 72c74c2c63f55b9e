package usb_test

import (
	"encoding/binary"
	"testing"

	"github.com/pm3link/pm3link/usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreDeclaredLengthMatches(t *testing.T) {
	store := usb.NewStore(usb.Proxmark())

	type testCase struct {
		name  string
		typ   uint8
		index uint8
		// offset and width of the length field the descriptor declares
		lenOff  int
		lenWide bool
	}
	cases := []testCase{
		{name: "device", typ: usb.DeviceDescType, index: 0},
		{name: "config", typ: usb.ConfigDescType, index: 0, lenOff: 2, lenWide: true},
		{name: "langid", typ: usb.StringDescType, index: 0},
		{name: "manufacturer", typ: usb.StringDescType, index: 1},
		{name: "product", typ: usb.StringDescType, index: 2},
		{name: "bos", typ: usb.BOSDescType, index: 0, lenOff: 2, lenWide: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, ok := store.GetDescriptor(tc.typ, tc.index)
			require.True(t, ok)
			require.Greater(t, len(d), 2)
			assert.Equal(t, tc.typ, d[1])
			var declared int
			if tc.lenWide {
				declared = int(binary.LittleEndian.Uint16(d[tc.lenOff:]))
			} else {
				declared = int(d[tc.lenOff])
			}
			assert.Equal(t, len(d), declared)
		})
	}

	t.Run("msos20 set", func(t *testing.T) {
		d, ok := store.GetVendorDescriptor(usb.VendorMSOS20, usb.MSOS20GetDescriptor)
		require.True(t, ok)
		assert.Equal(t, len(d), int(binary.LittleEndian.Uint16(d[8:10])))
	})
	t.Run("webusb url", func(t *testing.T) {
		d, ok := store.GetVendorDescriptor(usb.VendorWebUSB, 1)
		require.True(t, ok)
		assert.Equal(t, len(d), int(d[0]))
	})
}

func TestStoreUnknownLookups(t *testing.T) {
	store := usb.NewStore(usb.Proxmark())

	cases := []struct {
		name  string
		typ   uint8
		index uint8
	}{
		{"string 3", usb.StringDescType, 3},
		{"string 4", usb.StringDescType, 4},
		{"second config", usb.ConfigDescType, 1},
		{"bos index", usb.BOSDescType, 1},
		{"interface", usb.InterfaceDescType, 0},
		{"qualifier", 0x06, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := store.GetDescriptor(tc.typ, tc.index)
			assert.False(t, ok)
		})
	}

	_, ok := store.GetVendorDescriptor(usb.VendorWebUSB, 2)
	assert.False(t, ok)
	_, ok = store.GetVendorDescriptor(usb.VendorMSOS20, 0x06)
	assert.False(t, ok)
	_, ok = store.GetVendorDescriptor(0x7F, 0)
	assert.False(t, ok)
}

func TestProxmarkDeviceDescriptor(t *testing.T) {
	store := usb.NewStore(usb.Proxmark())
	d, ok := store.GetDescriptor(usb.DeviceDescType, 0)
	require.True(t, ok)

	want := []byte{
		0x12, 0x01, 0x10, 0x02, 0xef, 0x02, 0x01, 0x08,
		0xc4, 0x9a, 0x8f, 0x4b, 0x01, 0x00, 0x01, 0x02, 0x00, 0x01,
	}
	assert.Equal(t, want, d)
}

func TestProxmarkConfigLayout(t *testing.T) {
	store := usb.NewStore(usb.Proxmark())
	cfg, ok := store.GetDescriptor(usb.ConfigDescType, 0)
	require.True(t, ok)

	require.Len(t, cfg, 90)
	assert.Equal(t, uint8(3), cfg[4], "bNumInterfaces")
	assert.Equal(t, uint8(1), cfg[5], "bConfigurationValue")
	assert.Equal(t, uint8(0xB0), cfg[7])
	assert.Equal(t, uint8(0x4B), cfg[8])

	// walk the descriptor chain and collect interface classes and endpoints
	var classes []uint8
	var endpoints []uint8
	var functional int
	for off := 0; off < len(cfg); {
		l := int(cfg[off])
		require.NotZero(t, l)
		switch cfg[off+1] {
		case usb.InterfaceDescType:
			classes = append(classes, cfg[off+5])
		case usb.EndpointDescType:
			endpoints = append(endpoints, cfg[off+2])
		case usb.CSInterfaceType:
			functional++
		}
		off += l
	}
	assert.Equal(t, []uint8{0x02, 0x0A, 0xFF}, classes)
	assert.Equal(t, []uint8{0x83, 0x01, 0x82, 0x01, 0x82}, endpoints)
	assert.Equal(t, 4, functional)
}

func TestProxmarkStrings(t *testing.T) {
	store := usb.NewStore(usb.Proxmark())

	lang, _ := store.GetDescriptor(usb.StringDescType, 0)
	assert.Equal(t, []byte{4, 3, 0x09, 0x04}, lang)

	product, _ := store.GetDescriptor(usb.StringDescType, 2)
	assert.Equal(t, []byte{8, 3, 'P', 0, 'M', 0, '3', 0}, product)

	manufacturer, _ := store.GetDescriptor(usb.StringDescType, 1)
	assert.Len(t, manufacturer, 26)
}

func TestProxmarkBOS(t *testing.T) {
	store := usb.NewStore(usb.Proxmark())
	bos, ok := store.GetDescriptor(usb.BOSDescType, 0)
	require.True(t, ok)

	require.Len(t, bos, 0x39)
	assert.Equal(t, uint8(2), bos[4])

	webusb := bos[5:29]
	assert.Equal(t, uint8(0x18), webusb[0])
	assert.Equal(t, usb.WebUSBPlatformUUID[:], webusb[4:20])
	assert.Equal(t, []byte{0x00, 0x01, usb.VendorWebUSB, 0x01}, webusb[20:24])

	msos := bos[29:]
	assert.Equal(t, uint8(0x1C), msos[0])
	assert.Equal(t, usb.MSOS20PlatformUUID[:], msos[4:20])
	assert.Equal(t, []byte{0x00, 0x00, 0x03, 0x06, 0xD8, 0x00, usb.VendorMSOS20, 0x00}, msos[20:28])
}

func TestProxmarkMSOS20Set(t *testing.T) {
	store := usb.NewStore(usb.Proxmark())
	set, ok := store.GetVendorDescriptor(usb.VendorMSOS20, usb.MSOS20GetDescriptor)
	require.True(t, ok)

	require.Len(t, set, 0xD8)
	// registry property "proxmark3" follows the 10 byte header
	assert.Equal(t, uint16(0x26), binary.LittleEndian.Uint16(set[10:12]))
	// configuration subset, then function subset
	assert.Equal(t, uint16(0xA8), binary.LittleEndian.Uint16(set[54:56]))
	assert.Equal(t, uint16(0xA0), binary.LittleEndian.Uint16(set[62:64]))
	assert.Equal(t, []byte("WINUSB\x00\x00"), set[68:76])
	assert.Equal(t, uint16(0x84), binary.LittleEndian.Uint16(set[84:86]))
}

func TestProxmarkURL(t *testing.T) {
	store := usb.NewStore(usb.Proxmark())
	url, ok := store.GetVendorDescriptor(usb.VendorWebUSB, 1)
	require.True(t, ok)

	assert.Equal(t, uint8(31), url[0])
	assert.Equal(t, uint8(0x03), url[1])
	assert.Equal(t, uint8(usb.URLSchemeHTTP), url[2])
	assert.Equal(t, "localhost:8000/proxmark.html", string(url[3:]))
}

func TestParseSetupPacket(t *testing.T) {
	sp, err := usb.ParseSetupPacket([]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00})
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0680), sp.Key())
	assert.Equal(t, uint8(usb.DeviceDescType), sp.ValueHigh())
	assert.Equal(t, uint16(0x40), sp.Length)
	assert.True(t, sp.IsDeviceToHost())

	raw := sp.Bytes()
	again, err := usb.ParseSetupPacket(raw[:])
	require.NoError(t, err)
	assert.Equal(t, sp, again)

	_, err = usb.ParseSetupPacket([]byte{0x80, 0x06})
	assert.Error(t, err)
}
