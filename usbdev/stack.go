package usbdev

import (
	"log/slog"

	"github.com/pm3link/pm3link/usb"
)

// DefaultWaitLimit is the number of register polls a hardware flag wait may
// take before the transfer is abandoned.
const DefaultWaitLimit = 1 << 16

// readRetryLimit bounds the polls of one Read call.
const readRetryLimit = 0x1fff

// Config tunes the device stack.
type Config struct {
	// WaitLimit bounds every poll loop on a hardware flag. Zero polls forever.
	WaitLimit int `help:"Register polls allowed per hardware flag wait (0 waits forever)" default:"65536" env:"PM3LINK_DEVICE_WAIT_LIMIT"`
}

// Stack is the device side USB stack: it answers control transfers from the
// descriptor store and moves bulk data through the two receive banks.
type Stack struct {
	regs      Registers
	store     *usb.Store
	logger    *slog.Logger
	waitLimit int

	state         ControlState
	configuration uint8
	lineState     uint16
	lineCoding    LineCoding
	endpoints     [NumEndpoints]EndpointState
}

// New returns a stack driving regs. It does not touch the hardware until
// Enable or Check is called.
func New(regs Registers, store *usb.Store, cfg Config, logger *slog.Logger) *Stack {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Stack{
		regs:       regs,
		store:      store,
		logger:     logger,
		waitLimit:  cfg.WaitLimit,
		lineCoding: DefaultLineCoding,
	}
}

// Enable connects the pull-up so the host sees the device, after a
// disconnect so a stale host session is dropped.
func (s *Stack) Enable() {
	s.Disable()
	s.regs.SetPullUp(true)
}

// Disable disconnects the device and drops lingering reset interrupts.
func (s *Stack) Disable() {
	s.regs.SetPullUp(false)
	if s.regs.ISR()&ISREndBusRes != 0 {
		s.regs.ClearInterrupts(ISREndBusRes)
	}
	s.configuration = 0
}

// Check services pending bus events: a bus reset reinitialises the control
// endpoint, a SETUP packet runs one control transfer. It reports whether the
// host has configured the device.
func (s *Stack) Check() bool {
	isr := s.regs.ISR()
	if isr&ISREndBusRes != 0 {
		s.regs.ClearInterrupts(ISREndBusRes)
		s.busReset()
	} else if isr&ISREP0 != 0 {
		s.regs.ClearInterrupts(ISREP0)
		s.Enumerate()
	}
	return s.configuration != 0
}

// HasData reports whether the active OUT bank holds received bytes.
func (s *Stack) HasData() bool {
	if !s.Check() {
		return false
	}
	csr := s.regs.CSR(EPOut)
	if csr&s.endpoints[EPOut].Bank.Flag() == 0 {
		return false
	}
	return (csr>>CSRRxByteCountShift)&CSRRxByteCountMask > 0
}

func (s *Stack) busReset() {
	s.regs.ResetEndpoints()
	s.regs.SetAddress(FAddrEnable)
	s.regs.SetCSR(EPControl, CSREPEnabled|EPTypeControl)
	s.configuration = 0
	s.state = Idle
	for i := range s.endpoints {
		s.endpoints[i] = EndpointState{Bank: Bank0}
	}
	s.endpoints[EPControl].Configured = true
	s.logger.Debug("usb bus reset")
}

// State returns the control transfer state.
func (s *Stack) State() ControlState { return s.state }

// Configuration returns the configuration value selected by the host.
func (s *Stack) Configuration() uint8 { return s.configuration }

// Configured reports whether a nonzero configuration is selected.
func (s *Stack) Configured() bool { return s.configuration != 0 }

// LineCoding returns the CDC line coding last set by the host.
func (s *Stack) LineCoding() LineCoding { return s.lineCoding }

// LineState returns the CDC control line state (DTR bit 0, RTS bit 1).
func (s *Stack) LineState() uint16 { return s.lineState }

// Endpoint returns the bank state of ep.
func (s *Stack) Endpoint(ep int) EndpointState { return s.endpoints[ep] }
