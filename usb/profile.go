package usb

// Proxmark identifiers.
const (
	VendorID  = 0x9AC4
	ProductID = 0x4B8F
)

// Endpoint layout shared by the CDC data interface and the WebUSB interface.
const (
	ControlPacketSize = 8
	BulkPacketSize    = 0x40
	InterruptEndpoint = 0x83
	BulkOutEndpoint   = 0x01
	BulkInEndpoint    = 0x82
	WebUSBInterface   = 2
)

// Vendor request codes announced in the BOS platform capabilities.
const (
	VendorWebUSB = 0x01
	VendorMSOS20 = 0x02

	WebUSBGetURL        = 0x02
	MSOS20GetDescriptor = 0x07
)

// Profile collects every table the descriptor store serves.
type Profile struct {
	Descriptor Descriptor
	BOS        []PlatformCapability
	MSOS20     MSOS20Set
	URLs       map[uint8]URL
}

// URL is a WebUSB landing page entry.
type URL struct {
	Scheme uint8
	Host   string
}

// DeviceInterfaceGUID is the WinUSB device interface class advertised to
// Windows through the MS OS 2.0 descriptor set.
const DeviceInterfaceGUID = "{43222FAE-0732-4F6C-ACB6-CB91F222A77C}"

// Proxmark returns the profile of a Proxmark3 running the CDC firmware.
func Proxmark() Profile {
	bulk := func() []EndpointDescriptor {
		return []EndpointDescriptor{
			{BEndpointAddress: BulkOutEndpoint, BMAttributes: EndpointBulk, WMaxPacketSize: BulkPacketSize},
			{BEndpointAddress: BulkInEndpoint, BMAttributes: EndpointBulk, WMaxPacketSize: BulkPacketSize},
		}
	}

	desc := Descriptor{
		Device: DeviceDescriptor{
			BcdUSB:             0x0210,
			BDeviceClass:       0xEF,
			BDeviceSubClass:    0x02,
			BDeviceProtocol:    0x01,
			BMaxPacketSize0:    ControlPacketSize,
			IDVendor:           VendorID,
			IDProduct:          ProductID,
			BcdDevice:          0x0001,
			IManufacturer:      1,
			IProduct:           2,
			ISerialNumber:      0,
			BNumConfigurations: 1,
			Speed:              2,
		},
		Config: ConfigHeader{
			BConfigurationValue: 1,
			BMAttributes:        0xB0,
			BMaxPower:           0x4B,
		},
		Interfaces: []InterfaceConfig{
			{
				Descriptor: InterfaceDescriptor{
					BInterfaceNumber:   0,
					BNumEndpoints:      1,
					BInterfaceClass:    0x02,
					BInterfaceSubClass: 0x02,
					BInterfaceProtocol: 0x01,
				},
				ClassDescriptors: [][]byte{
					CDCHeader{BcdCDC: 0x0110}.Bytes(),
					CDCACM{BMCapabilities: 0x02}.Bytes(),
					CDCUnion{BMasterInterface: 0, BSlaveInterface0: 1}.Bytes(),
					CDCCallManagement{BMCapabilities: 0, BDataInterface: 1}.Bytes(),
				},
				Endpoints: []EndpointDescriptor{
					{BEndpointAddress: InterruptEndpoint, BMAttributes: EndpointInterrupt, WMaxPacketSize: 8, BInterval: 0xFF},
				},
			},
			{
				Descriptor: InterfaceDescriptor{BInterfaceNumber: 1, BNumEndpoints: 2, BInterfaceClass: 0x0A},
				Endpoints:  bulk(),
			},
			{
				Descriptor: InterfaceDescriptor{BInterfaceNumber: WebUSBInterface, BNumEndpoints: 2, BInterfaceClass: 0xFF},
				Endpoints:  bulk(),
			},
		},
		LangID: 0x0409,
		Strings: map[uint8]string{
			1: "proxmark.org",
			2: "PM3",
		},
	}

	msos := MSOS20Set{
		WindowsVersion: 0x06030000,
		Properties: []RegistryProperty{
			{Type: RegSZ, Name: "proxmark3", Values: []string{"PM3"}},
		},
		Functions: []MSOS20Function{
			{
				FirstInterface: 0,
				CompatibleID:   "WINUSB",
				Properties: []RegistryProperty{
					{Type: RegMultiSZ, Name: "DeviceInterfaceGUIDs", Values: []string{DeviceInterfaceGUID}},
				},
			},
		},
	}

	return Profile{
		Descriptor: desc,
		BOS: []PlatformCapability{
			WebUSBCapability(VendorWebUSB, 1),
			MSOS20Capability(msos.WindowsVersion, uint16(len(msos.Bytes())), VendorMSOS20),
		},
		MSOS20: msos,
		URLs: map[uint8]URL{
			1: {Scheme: URLSchemeHTTP, Host: "localhost:8000/proxmark.html"},
		},
	}
}
