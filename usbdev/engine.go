package usbdev

// Read copies received bulk OUT data into buf. It keeps draining whichever
// bank is active and flips banks after each emptied packet until buf is full.
// It stops early with ErrNotConfigured if the host deconfigures the device and
// with ErrRetriesExhausted once the poll budget is spent. n is always the
// number of bytes copied.
func (s *Stack) Read(buf []byte) (n int, err error) {
	ep := &s.endpoints[EPOut]
	for tries := 0; n < len(buf); tries++ {
		if !s.Check() {
			return n, ErrNotConfigured
		}
		csr := s.regs.CSR(EPOut)
		if csr&ep.Bank.Flag() != 0 {
			avail := int((csr >> CSRRxByteCountShift) & CSRRxByteCountMask)
			take := min(avail, len(buf)-n)
			for i := 0; i < take; i++ {
				buf[n] = s.regs.ReadFIFO(EPOut)
				n++
			}
			// a partly read packet keeps its bank for the next call
			if take == avail {
				s.clearFlags(EPOut, ep.Bank.Flag())
				ep.Bank = ep.Bank.Flip()
			}
		}
		if tries == readRetryLimit {
			return n, ErrRetriesExhausted
		}
	}
	return n, nil
}

// Write sends data on the bulk IN endpoint in max-packet chunks. The first
// chunk is marked ready right away; each following chunk is loaded into the
// second bank while the previous one is on the wire. A transfer whose length
// is a multiple of the packet size is terminated by a zero-length packet.
//
// remaining is the number of bytes never handed to the hardware. A nonzero
// remaining or a non-nil error means the write was aborted.
func (s *Stack) Write(data []byte) (remaining int, err error) {
	if len(data) == 0 {
		return 0, nil
	}
	if !s.Check() {
		return len(data), ErrNotConfigured
	}
	zlp := len(data)%BulkPacketSize == 0

	data = data[s.fill(EPIn, data, BulkPacketSize):]
	s.setFlags(EPIn, CSRTxPktRdy)

	for len(data) > 0 || zlp {
		if len(data) == 0 {
			zlp = false
		}
		data = data[s.fill(EPIn, data, BulkPacketSize):]
		if err := s.awaitTxComp(EPIn); err != nil {
			return len(data), err
		}
		s.setFlags(EPIn, CSRTxPktRdy)
	}

	if err := s.awaitTxComp(EPIn); err != nil {
		return len(data), err
	}
	return 0, nil
}

// fill loads up to size bytes of data into the FIFO of ep.
func (s *Stack) fill(ep int, data []byte, size int) int {
	n := min(len(data), size)
	for _, b := range data[:n] {
		s.regs.WriteFIFO(ep, b)
	}
	return n
}

// awaitTxComp waits for the packet in flight on ep to be acknowledged and
// clears TXCOMP. The link is checked between polls.
func (s *Stack) awaitTxComp(ep int) error {
	for i := 0; s.regs.CSR(ep)&CSRTxComp == 0; i++ {
		if !s.Check() {
			return ErrNotConfigured
		}
		if s.waitLimit > 0 && i >= s.waitLimit {
			s.logger.Warn("tx complete wait exhausted", "ep", ep)
			return ErrWaitExhausted
		}
	}
	s.clearFlags(ep, CSRTxComp)
	return s.waitClear(ep, CSRTxComp)
}

// sendData answers the data stage of a control IN transfer. requested is the
// host's wLength: a reply that is a multiple of the packet size but shorter
// than requested gets a terminating zero-length packet.
func (s *Stack) sendData(data []byte, requested uint16) error {
	zlp := len(data) > 0 && len(data)%ControlPacketSize == 0 && len(data) < int(requested)
	first := true
	for first || len(data) > 0 || zlp {
		if !first && len(data) == 0 {
			zlp = false
		}
		first = false
		data = data[s.fill(EPControl, data, ControlPacketSize):]

		if s.regs.CSR(EPControl)&CSRTxComp != 0 {
			s.clearFlags(EPControl, CSRTxComp)
			if err := s.waitClear(EPControl, CSRTxComp); err != nil {
				return err
			}
		}
		s.setFlags(EPControl, CSRTxPktRdy)

		for i := 0; ; i++ {
			csr := s.regs.CSR(EPControl)
			if csr&CSRRxDataBk0 != 0 {
				// status OUT from the host ends the data stage early
				s.clearFlags(EPControl, CSRRxDataBk0)
				return nil
			}
			if csr&CSRTxComp != 0 {
				break
			}
			if s.waitLimit > 0 && i >= s.waitLimit {
				s.logger.Warn("control data stage wait exhausted")
				return ErrWaitExhausted
			}
		}
	}

	if s.regs.CSR(EPControl)&CSRTxComp != 0 {
		s.clearFlags(EPControl, CSRTxComp)
		return s.waitClear(EPControl, CSRTxComp)
	}
	return nil
}

// sendZLP acknowledges a control transfer without data stage.
func (s *Stack) sendZLP() error {
	s.setFlags(EPControl, CSRTxPktRdy)
	if err := s.waitSet(EPControl, CSRTxComp); err != nil {
		return err
	}
	s.clearFlags(EPControl, CSRTxComp)
	return s.waitClear(EPControl, CSRTxComp)
}

// sendStall stalls the control endpoint until the host has seen it.
func (s *Stack) sendStall() error {
	s.setFlags(EPControl, CSRForceStall)
	if err := s.waitSet(EPControl, CSRStallSent); err != nil {
		return err
	}
	s.clearFlags(EPControl, CSRForceStall|CSRStallSent)
	return s.waitClear(EPControl, CSRForceStall|CSRStallSent)
}

func (s *Stack) setFlags(ep int, flags uint32) {
	s.regs.SetCSR(ep, s.regs.CSR(ep)|NoEffectMask|flags)
}

func (s *Stack) clearFlags(ep int, flags uint32) {
	s.regs.SetCSR(ep, (s.regs.CSR(ep)|NoEffectMask)&^flags)
}

// waitSet polls until any of flags is set on ep.
func (s *Stack) waitSet(ep int, flags uint32) error {
	return s.waitFor(func() bool { return s.regs.CSR(ep)&flags != 0 })
}

// waitClear polls until all of flags are clear on ep.
func (s *Stack) waitClear(ep int, flags uint32) error {
	return s.waitFor(func() bool { return s.regs.CSR(ep)&flags == 0 })
}

func (s *Stack) waitFor(cond func() bool) error {
	for i := 0; s.waitLimit == 0 || i < s.waitLimit; i++ {
		if cond() {
			return nil
		}
	}
	s.logger.Warn("hardware flag wait exhausted", "limit", s.waitLimit)
	return ErrWaitExhausted
}
