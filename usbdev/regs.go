// Package usbdev is the device side of the Proxmark USB link: endpoint bank
// management, bulk transfers and the control request state machine, written
// against the register block of the AT91SAM7 USB device port.
//
// Everything in this package runs to completion on the caller's goroutine.
// A Stack and its Registers must not be shared between goroutines.
package usbdev

// Registers is the USB device port register block.
type Registers interface {
	// CSR reads the control and status register of ep.
	CSR(ep int) uint32
	// SetCSR writes the control and status register of ep. Status bits in
	// NoEffectMask are cleared by writing 0 and unaffected by writing 1.
	SetCSR(ep int, v uint32)
	ReadFIFO(ep int) byte
	WriteFIFO(ep int, b byte)
	ISR() uint32
	// ClearInterrupts writes the interrupt clear register.
	ClearInterrupts(mask uint32)
	SetAddress(v uint32)
	GlobalState() uint32
	SetGlobalState(v uint32)
	// ResetEndpoints pulses the endpoint reset register for every endpoint.
	ResetEndpoints()
	// SetPullUp connects (true) or disconnects the D+ pull-up.
	SetPullUp(on bool)
}

// CSR bits.
const (
	CSRTxComp     uint32 = 1 << 0
	CSRRxDataBk0  uint32 = 1 << 1
	CSRRxSetup    uint32 = 1 << 2
	CSRStallSent  uint32 = 1 << 3 // ISOERROR on isochronous endpoints
	CSRTxPktRdy   uint32 = 1 << 4
	CSRForceStall uint32 = 1 << 5
	CSRRxDataBk1  uint32 = 1 << 6
	CSRDir        uint32 = 1 << 7
	CSREPTypeMask uint32 = 7 << 8
	CSRDataToggle uint32 = 1 << 11
	CSREPEnabled  uint32 = 1 << 15

	CSRRxByteCountShift        = 16
	CSRRxByteCountMask  uint32 = 0x7FF
)

// Endpoint types for CSREPTypeMask.
const (
	EPTypeControl uint32 = 0 << 8
	EPTypeIsoOut  uint32 = 1 << 8
	EPTypeBulkOut uint32 = 2 << 8
	EPTypeIntOut  uint32 = 3 << 8
	EPTypeIsoIn   uint32 = 5 << 8
	EPTypeBulkIn  uint32 = 6 << 8
	EPTypeIntIn   uint32 = 7 << 8
)

// NoEffectMask lists the CSR status bits that must be written as 1 to leave them untouched.
const NoEffectMask = CSRRxDataBk0 | CSRRxDataBk1 | CSRStallSent | CSRRxSetup | CSRTxComp

// Interrupt status bits.
const (
	ISREP0       uint32 = 1 << 0
	ISREndBusRes uint32 = 1 << 12
)

// Function address and global state bits.
const (
	FAddrEnable    uint32 = 1 << 8
	GlobAddressed  uint32 = 1 << 0
	GlobConfigured uint32 = 1 << 1
)

// Endpoint numbers.
const (
	EPControl = 0
	EPOut     = 1
	EPIn      = 2
	EPNotify  = 3

	NumEndpoints = 4
)

// Packet sizes.
const (
	ControlPacketSize = 8
	BulkPacketSize    = 0x40
)

// Bank is one of the two receive buffers of a dual-bank endpoint.
type Bank uint8

const (
	Bank0 Bank = iota
	Bank1
)

// Flip returns the other bank.
func (b Bank) Flip() Bank {
	if b == Bank0 {
		return Bank1
	}
	return Bank0
}

// Flag is the CSR bit reporting that b holds received data.
func (b Bank) Flag() uint32 {
	if b == Bank0 {
		return CSRRxDataBk0
	}
	return CSRRxDataBk1
}

func (b Bank) String() string {
	if b == Bank0 {
		return "bank0"
	}
	return "bank1"
}

// EndpointState tracks bank selection and enablement of one endpoint.
type EndpointState struct {
	Bank       Bank
	Configured bool
}
