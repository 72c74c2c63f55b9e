package usb

import "errors"

var (
	// ErrStall is returned by a Device that answered a transfer with a
	// protocol stall.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK is returned for an IN transfer the device has no data for yet.
	// The request stays queued and is retried.
	ErrNAK = errors.New("no data available")
)

// Device is the interface an emulated device exposes to the USB/IP server.
// Calls are serialized per device by the server.
type Device interface {
	// HandleControl runs one control transfer on EP0. For IN requests the
	// returned bytes are the data stage.
	HandleControl(setup [SetupPacketSize]byte, out []byte) (in []byte, err error)
	// HandleTransfer processes a bulk or interrupt transfer. ep is the
	// endpoint number without direction bit, dir is usbip.DirIn or
	// usbip.DirOut. IN transfers return at most length bytes.
	HandleTransfer(ep uint32, dir uint32, length uint32, out []byte) (in []byte, err error)
	// Reset signals a USB bus reset.
	Reset()
	GetDescriptor() *Descriptor
}
