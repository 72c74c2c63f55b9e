package usbdev

import (
	"encoding/binary"

	"github.com/pm3link/pm3link/usb"
)

// ControlState is the progress of the control transfer being serviced.
type ControlState uint8

const (
	Idle ControlState = iota
	AwaitingDataStage
	Completing
)

func (c ControlState) String() string {
	switch c {
	case Idle:
		return "idle"
	case AwaitingDataStage:
		return "awaiting-data"
	case Completing:
		return "completing"
	}
	return "unknown"
}

// Dispatch keys, bRequest<<8 | bmRequestType.
const (
	keyGetStatusZero        = usb.RequestGetStatus<<8 | usb.TypeStandardFromDevice
	keyGetStatusInterface   = usb.RequestGetStatus<<8 | usb.TypeStandardFromIface
	keyGetStatusEndpoint    = usb.RequestGetStatus<<8 | usb.TypeStandardFromEP
	keyClearFeatureZero     = usb.RequestClearFeature<<8 | usb.TypeStandardToDevice
	keyClearFeatureIface    = usb.RequestClearFeature<<8 | usb.TypeStandardToInterface
	keyClearFeatureEndpoint = usb.RequestClearFeature<<8 | usb.TypeStandardToEndpoint
	keySetFeatureZero       = usb.RequestSetFeature<<8 | usb.TypeStandardToDevice
	keySetFeatureIface      = usb.RequestSetFeature<<8 | usb.TypeStandardToInterface
	keySetFeatureEndpoint   = usb.RequestSetFeature<<8 | usb.TypeStandardToEndpoint
	keySetAddress           = usb.RequestSetAddress<<8 | usb.TypeStandardToDevice
	keyGetDescriptor        = usb.RequestGetDescriptor<<8 | usb.TypeStandardFromDevice
	keyGetConfiguration     = usb.RequestGetConfiguration<<8 | usb.TypeStandardFromDevice
	keySetConfiguration     = usb.RequestSetConfiguration<<8 | usb.TypeStandardToDevice
	keySetLineCoding        = usb.RequestSetLineCoding<<8 | usb.TypeClassToInterface
	keyGetLineCoding        = usb.RequestGetLineCoding<<8 | usb.TypeClassFromInterface
	keySetControlLineState  = usb.RequestSetControlLineState<<8 | usb.TypeClassToInterface
	keyVendorWebUSB         = usb.VendorWebUSB<<8 | usb.TypeVendorFromDevice
	keyVendorMSOS20         = usb.VendorMSOS20<<8 | usb.TypeVendorFromDevice
)

// Enumerate services one control transfer if a SETUP packet is waiting on
// EP0. Every transfer ends in Idle whatever its outcome.
func (s *Stack) Enumerate() {
	if s.regs.CSR(EPControl)&CSRRxSetup == 0 {
		return
	}
	var raw [usb.SetupPacketSize]byte
	for i := range raw {
		raw[i] = s.regs.ReadFIFO(EPControl)
	}
	// ParseSetupPacket only rejects short input and raw is full size
	setup, _ := usb.ParseSetupPacket(raw[:])

	if setup.IsDeviceToHost() {
		s.setFlags(EPControl, CSRDir)
		if err := s.waitSet(EPControl, CSRDir); err != nil {
			s.logger.Warn("control direction not taken", "setup", setup)
		}
	} else if s.regs.CSR(EPControl)&CSRDir != 0 {
		s.clearFlags(EPControl, CSRDir)
	}
	s.clearFlags(EPControl, CSRRxSetup)
	if err := s.waitClear(EPControl, CSRRxSetup); err != nil {
		s.logger.Warn("setup flag stuck", "setup", setup)
	}

	s.state = Completing
	if err := s.dispatch(setup); err != nil {
		s.logger.Warn("control transfer aborted", "setup", setup, "state", s.state, "error", err)
	} else {
		s.logger.Debug("control transfer", "setup", setup)
	}
	s.state = Idle
}

func (s *Stack) dispatch(setup usb.SetupPacket) error {
	switch setup.Key() {
	case keyGetDescriptor:
		return s.getDescriptor(setup)

	case keySetAddress:
		if err := s.sendZLP(); err != nil {
			return err
		}
		s.regs.SetAddress(FAddrEnable | uint32(setup.Value))
		if setup.Value != 0 {
			s.regs.SetGlobalState(GlobAddressed)
		} else {
			s.regs.SetGlobalState(0)
		}
		return nil

	case keySetConfiguration:
		return s.setConfiguration(setup)

	case keyGetConfiguration:
		return s.reply(setup, []byte{s.configuration})

	case keyGetStatusZero, keyGetStatusInterface:
		return s.reply(setup, []byte{0, 0})

	case keyGetStatusEndpoint:
		ep := int(setup.Index & 0x0F)
		glb := s.regs.GlobalState()
		valid := (glb&GlobConfigured != 0 && ep < NumEndpoints) || (glb&GlobAddressed != 0 && ep == EPControl)
		if !valid {
			return s.stall(setup)
		}
		status := uint16(1)
		if s.regs.CSR(ep)&CSREPEnabled != 0 {
			status = 0
		}
		return s.reply(setup, binary.LittleEndian.AppendUint16(nil, status))

	case keySetFeatureZero, keyClearFeatureZero:
		return s.stall(setup)

	case keySetFeatureIface, keyClearFeatureIface:
		return s.sendZLP()

	case keySetFeatureEndpoint:
		ep, ok := featureEndpoint(setup)
		if !ok {
			return s.stall(setup)
		}
		s.regs.SetCSR(ep, 0)
		s.endpoints[ep].Configured = false
		return s.sendZLP()

	case keyClearFeatureEndpoint:
		ep, ok := featureEndpoint(setup)
		if !ok {
			return s.stall(setup)
		}
		s.regs.SetCSR(ep, CSREPEnabled|clearedType[ep])
		s.endpoints[ep].Configured = true
		return s.sendZLP()

	case keySetLineCoding:
		return s.setLineCoding()

	case keyGetLineCoding:
		return s.reply(setup, s.lineCoding.Bytes())

	case keySetControlLineState:
		s.lineState = setup.Value
		return s.sendZLP()

	case keyVendorWebUSB:
		if setup.Index != usb.WebUSBGetURL {
			return s.stall(setup)
		}
		url, ok := s.store.GetVendorDescriptor(usb.VendorWebUSB, setup.ValueLow())
		if !ok {
			return s.stall(setup)
		}
		return s.reply(setup, url)

	case keyVendorMSOS20:
		if setup.Index > 0xFF {
			return s.stall(setup)
		}
		set, ok := s.store.GetVendorDescriptor(usb.VendorMSOS20, uint8(setup.Index))
		if !ok {
			return s.stall(setup)
		}
		return s.reply(setup, set)
	}

	// SET_DESCRIPTOR, the interface requests, SYNCH_FRAME and anything unknown
	return s.stall(setup)
}

// clearedType is the endpoint type restored by CLEAR_FEATURE(ENDPOINT_HALT).
var clearedType = [NumEndpoints]uint32{
	EPOut:    EPTypeBulkOut,
	EPIn:     EPTypeBulkIn,
	EPNotify: EPTypeIsoIn,
}

func featureEndpoint(setup usb.SetupPacket) (int, bool) {
	ep := int(setup.Index & 0x0F)
	if setup.Value != 0 || ep == EPControl || ep >= NumEndpoints {
		return 0, false
	}
	return ep, true
}

func (s *Stack) getDescriptor(setup usb.SetupPacket) error {
	typ := setup.ValueHigh()
	if typ == usb.BOSDescType && setup.Index != 0 {
		return s.stall(setup)
	}
	data, ok := s.store.GetDescriptor(typ, setup.ValueLow())
	if !ok {
		return s.stall(setup)
	}
	return s.reply(setup, data)
}

func (s *Stack) setConfiguration(setup usb.SetupPacket) error {
	// without the status stage the endpoints stay as they were
	if err := s.sendZLP(); err != nil {
		return err
	}
	s.configuration = uint8(setup.Value)
	on := setup.Value != 0
	if on {
		s.regs.SetGlobalState(GlobConfigured)
	} else {
		s.regs.SetGlobalState(GlobAddressed)
	}
	types := [NumEndpoints]uint32{EPOut: EPTypeBulkOut, EPIn: EPTypeBulkIn, EPNotify: EPTypeIntIn}
	for ep := EPOut; ep < NumEndpoints; ep++ {
		if on {
			s.regs.SetCSR(ep, CSREPEnabled|types[ep])
		} else {
			s.regs.SetCSR(ep, 0)
		}
		s.endpoints[ep].Configured = on
	}
	s.logger.Debug("usb configuration set", "value", setup.Value)
	return nil
}

func (s *Stack) setLineCoding() error {
	s.state = AwaitingDataStage
	if err := s.waitSet(EPControl, CSRRxDataBk0); err != nil {
		return err
	}
	n := int((s.regs.CSR(EPControl) >> CSRRxByteCountShift) & CSRRxByteCountMask)
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = s.regs.ReadFIFO(EPControl)
	}
	s.clearFlags(EPControl, CSRRxDataBk0)
	if lc, ok := ParseLineCoding(buf); ok {
		s.lineCoding = lc
	}
	s.state = Completing
	return s.sendZLP()
}

// reply sends data truncated to the host's wLength.
func (s *Stack) reply(setup usb.SetupPacket, data []byte) error {
	if len(data) > int(setup.Length) {
		data = data[:setup.Length]
	}
	return s.sendData(data, setup.Length)
}

func (s *Stack) stall(setup usb.SetupPacket) error {
	s.logger.Debug("stalling control request", "setup", setup)
	return s.sendStall()
}

// LineCodingSize is the wire size of a CDC line coding structure.
const LineCodingSize = 7

// LineCoding is the CDC-ACM serial line configuration.
type LineCoding struct {
	BaudRate uint32
	StopBits uint8 // 0 = 1, 1 = 1.5, 2 = 2
	Parity   uint8 // 0 = none, 1 = odd, 2 = even, 3 = mark, 4 = space
	DataBits uint8
}

// DefaultLineCoding is 115200 baud 8N1.
var DefaultLineCoding = LineCoding{BaudRate: 115200, StopBits: 0, Parity: 0, DataBits: 8}

// Bytes encodes the line coding for GET_LINE_CODING.
func (l LineCoding) Bytes() []byte {
	b := make([]byte, LineCodingSize)
	binary.LittleEndian.PutUint32(b[0:4], l.BaudRate)
	b[4] = l.StopBits
	b[5] = l.Parity
	b[6] = l.DataBits
	return b
}

// ParseLineCoding decodes a SET_LINE_CODING data stage.
func ParseLineCoding(b []byte) (LineCoding, bool) {
	if len(b) < LineCodingSize {
		return LineCoding{}, false
	}
	return LineCoding{
		BaudRate: binary.LittleEndian.Uint32(b[0:4]),
		StopBits: b[4],
		Parity:   b[5],
		DataBits: b[6],
	}, true
}
