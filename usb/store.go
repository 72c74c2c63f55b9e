package usb

// Store serves the encoded descriptor tables of a Profile. Tables are built
// once by NewStore; lookups never mutate and are safe for concurrent use.
type Store struct {
	device  []byte
	config  []byte
	strings map[uint8][]byte
	bos     []byte
	msos20  []byte
	urls    map[uint8][]byte
	desc    Descriptor
}

// NewStore encodes every table of p.
func NewStore(p Profile) *Store {
	s := &Store{
		device:  p.Descriptor.Bytes(),
		config:  p.Descriptor.ConfigBytes(),
		strings: make(map[uint8][]byte, len(p.Descriptor.Strings)+1),
		bos:     EncodeBOS(p.BOS...),
		msos20:  p.MSOS20.Bytes(),
		urls:    make(map[uint8][]byte, len(p.URLs)),
		desc:    p.Descriptor,
	}
	s.strings[0] = EncodeLangIDDescriptor(p.Descriptor.LangID)
	for idx, str := range p.Descriptor.Strings {
		s.strings[idx] = EncodeStringDescriptor(str)
	}
	for idx, u := range p.URLs {
		s.urls[idx] = EncodeURLDescriptor(u.Scheme, u.Host)
	}
	return s
}

// GetDescriptor returns the descriptor of the given type and index.
func (s *Store) GetDescriptor(typ, index uint8) ([]byte, bool) {
	switch typ {
	case DeviceDescType:
		if index == 0 {
			return s.device, true
		}
	case ConfigDescType:
		if index == 0 {
			return s.config, true
		}
	case StringDescType:
		d, ok := s.strings[index]
		return d, ok
	case BOSDescType:
		if index == 0 {
			return s.bos, true
		}
	}
	return nil, false
}

// GetVendorDescriptor answers the vendor requests announced in the BOS:
// WebUSB URLs by index and the MS OS 2.0 descriptor set for its sub request.
func (s *Store) GetVendorDescriptor(kind, sub uint8) ([]byte, bool) {
	switch kind {
	case VendorWebUSB:
		d, ok := s.urls[sub]
		return d, ok
	case VendorMSOS20:
		if sub == MSOS20GetDescriptor {
			return s.msos20, true
		}
	}
	return nil, false
}

// Descriptor returns the structured descriptor the tables were built from.
func (s *Store) Descriptor() *Descriptor {
	d := s.desc
	return &d
}
