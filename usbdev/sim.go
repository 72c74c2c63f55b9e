package usbdev

import "fmt"

// Sim is a software model of the USB device port. The firmware side talks to
// it through Registers; the host side injects bus resets, SETUP packets and
// OUT data, and collects the IN packets and stalls the firmware produced.
//
// A Sim is not safe for concurrent use.
type Sim struct {
	eps      [NumEndpoints]simEndpoint
	isr      uint32
	faddr    uint32
	glb      uint32
	attached bool
	wedged   bool
}

type simEndpoint struct {
	ctrl      uint32
	txComp    bool
	stallSent bool
	rxSetup   bool
	txPending bool

	setup    []byte
	banks    [2][]byte
	full     [2]bool
	nextFill Bank
	nextRead Bank
	readPos  int
	queue    [][]byte

	// IN banks: the firmware writes into fill[fillBank], the host takes
	// fill[txBank] once TXPKTRDY hands it over.
	fill     [2][]byte
	fillBank Bank
	txBank   Bank
	sent     [][]byte
	stalls   int
}

// NewSim returns a detached simulator.
func NewSim() *Sim {
	return &Sim{}
}

func (s *Sim) ep(ep int) *simEndpoint {
	if ep < 0 || ep >= NumEndpoints {
		panic(fmt.Sprintf("usbdev: endpoint %d out of range", ep))
	}
	return &s.eps[ep]
}

func dualBank(ep int) bool { return ep != EPControl }

func maxPacket(ep int) int {
	if ep == EPControl {
		return ControlPacketSize
	}
	return BulkPacketSize
}

// --- Registers

func (s *Sim) CSR(ep int) uint32 {
	e := s.ep(ep)
	v := e.ctrl
	if e.txComp {
		v |= CSRTxComp
	}
	if e.txPending {
		v |= CSRTxPktRdy
	}
	if e.stallSent {
		v |= CSRStallSent
	}
	if e.rxSetup {
		v |= CSRRxSetup
	}
	if e.full[Bank0] {
		v |= CSRRxDataBk0
	}
	if e.full[Bank1] {
		v |= CSRRxDataBk1
	}
	var count int
	switch {
	case e.rxSetup:
		count = len(e.setup)
	case e.full[e.nextRead]:
		count = len(e.banks[e.nextRead]) - e.readPos
	}
	return v | (uint32(count)&CSRRxByteCountMask)<<CSRRxByteCountShift
}

func (s *Sim) SetCSR(ep int, v uint32) {
	e := s.ep(ep)
	if v&CSRTxComp == 0 {
		e.txComp = false
	}
	if v&CSRStallSent == 0 {
		e.stallSent = false
	}
	if v&CSRRxSetup == 0 && e.rxSetup {
		e.rxSetup = false
		e.setup = nil
	}
	for _, b := range []Bank{Bank0, Bank1} {
		if v&b.Flag() == 0 && e.full[b] {
			e.release(ep, b)
		}
	}

	prevStall := e.ctrl&CSRForceStall != 0
	e.ctrl = v & (CSRForceStall | CSRDir | CSREPTypeMask | CSRDataToggle | CSREPEnabled)
	if !prevStall && e.ctrl&CSRForceStall != 0 {
		e.stalls++
		if !s.wedged {
			e.stallSent = true
		}
	}
	if v&CSRTxPktRdy != 0 && !e.txPending {
		e.txPending = true
		e.txBank = e.fillBank
		if dualBank(ep) {
			e.fillBank = e.fillBank.Flip()
		}
		s.transmit(e)
	}
	e.load(ep)
}

func (s *Sim) ReadFIFO(ep int) byte {
	e := s.ep(ep)
	if e.rxSetup {
		if len(e.setup) == 0 {
			return 0
		}
		b := e.setup[0]
		e.setup = e.setup[1:]
		return b
	}
	if !e.full[e.nextRead] || e.readPos >= len(e.banks[e.nextRead]) {
		return 0
	}
	b := e.banks[e.nextRead][e.readPos]
	e.readPos++
	return b
}

func (s *Sim) WriteFIFO(ep int, b byte) {
	e := s.ep(ep)
	e.fill[e.fillBank] = append(e.fill[e.fillBank], b)
}

func (s *Sim) ISR() uint32 { return s.isr }

func (s *Sim) ClearInterrupts(mask uint32) { s.isr &^= mask }

func (s *Sim) SetAddress(v uint32) { s.faddr = v }

func (s *Sim) GlobalState() uint32 { return s.glb }

func (s *Sim) SetGlobalState(v uint32) { s.glb = v }

func (s *Sim) ResetEndpoints() {
	for i := range s.eps {
		sent, stalls := s.eps[i].sent, s.eps[i].stalls
		s.eps[i] = simEndpoint{sent: sent, stalls: stalls}
	}
}

// SetPullUp attaches or detaches the device. Attaching makes the host reset
// the bus.
func (s *Sim) SetPullUp(on bool) {
	was := s.attached
	s.attached = on
	if on && !was {
		s.BusReset()
	}
}

// --- host side

// BusReset models a USB reset driven by the host.
func (s *Sim) BusReset() {
	s.ResetEndpoints()
	s.faddr = 0
	s.glb = 0
	s.isr |= ISREndBusRes
}

// Attached reports whether the pull-up is enabled.
func (s *Sim) Attached() bool { return s.attached }

// SetWedged makes the host stop acknowledging IN packets and stalls, which
// leaves every firmware wait on TXCOMP or STALLSENT unsatisfied.
func (s *Sim) SetWedged(w bool) {
	s.wedged = w
	if w {
		return
	}
	for i := range s.eps {
		e := &s.eps[i]
		if e.txPending {
			s.transmit(e)
		}
		if e.ctrl&CSRForceStall != 0 {
			e.stallSent = true
		}
	}
}

// HostSetup delivers a SETUP packet to EP0 followed by the OUT data stage, if any.
func (s *Sim) HostSetup(setup [8]byte, data []byte) {
	e := s.ep(EPControl)
	e.rxSetup = true
	e.setup = append([]byte(nil), setup[:]...)
	// a new SETUP aborts whatever the previous transfer left behind
	e.queue = nil
	e.banks = [2][]byte{}
	e.full = [2]bool{}
	e.readPos = 0
	e.enqueue(EPControl, data)
	s.isr |= ISREP0
}

// HostOut sends data to a bulk OUT endpoint, split into max-packet packets.
func (s *Sim) HostOut(ep int, data []byte) error {
	e := s.ep(ep)
	if e.ctrl&CSREPEnabled == 0 {
		return fmt.Errorf("out ep%d: %w", ep, ErrEndpointHalted)
	}
	e.enqueue(ep, data)
	e.load(ep)
	return nil
}

// PendingOut returns the number of OUT bytes the firmware has not read yet.
func (s *Sim) PendingOut(ep int) int {
	e := s.ep(ep)
	n := 0
	for _, b := range []Bank{Bank0, Bank1} {
		if e.full[b] {
			n += len(e.banks[b])
			if b == e.nextRead {
				n -= e.readPos
			}
		}
	}
	for _, p := range e.queue {
		n += len(p)
	}
	return n
}

// TakeIn returns and forgets the IN packets transmitted on ep. A zero-length
// packet shows up as an empty slice.
func (s *Sim) TakeIn(ep int) [][]byte {
	e := s.ep(ep)
	out := e.sent
	e.sent = nil
	return out
}

// PeekIn returns the IN packets transmitted on ep without consuming them.
func (s *Sim) PeekIn(ep int) [][]byte {
	return s.ep(ep).sent
}

// TakeStalls returns and resets the number of stalls issued on ep.
func (s *Sim) TakeStalls(ep int) int {
	e := s.ep(ep)
	n := e.stalls
	e.stalls = 0
	return n
}

// Address returns the function address register.
func (s *Sim) Address() uint32 { return s.faddr }

// --- internals

func (s *Sim) transmit(e *simEndpoint) {
	if s.wedged {
		return
	}
	pkt := e.fill[e.txBank]
	if pkt == nil {
		pkt = []byte{}
	}
	e.sent = append(e.sent, pkt)
	e.fill[e.txBank] = nil
	e.txPending = false
	e.txComp = true
}

func (e *simEndpoint) enqueue(ep int, data []byte) {
	mp := maxPacket(ep)
	for len(data) > 0 {
		n := min(len(data), mp)
		e.queue = append(e.queue, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
}

func (e *simEndpoint) release(ep int, b Bank) {
	e.full[b] = false
	e.banks[b] = nil
	if b == e.nextRead {
		e.readPos = 0
		if dualBank(ep) {
			e.nextRead = e.nextRead.Flip()
		}
	}
}

func (e *simEndpoint) load(ep int) {
	for len(e.queue) > 0 && !e.rxSetup && !e.full[e.nextFill] {
		e.banks[e.nextFill] = e.queue[0]
		e.full[e.nextFill] = true
		e.queue = e.queue[1:]
		if dualBank(ep) {
			e.nextFill = e.nextFill.Flip()
		}
	}
}
