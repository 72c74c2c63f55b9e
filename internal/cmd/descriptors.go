package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/pm3link/pm3link/usb"
)

// Descriptors dumps the descriptor tables the emulated device serves.
type Descriptors struct {
	Out io.Writer `kong:"-"`
}

// Run is called by Kong when the descriptors command is executed.
func (d *Descriptors) Run() error {
	out := stdout(d.Out)
	store := usb.NewStore(usb.Proxmark())

	dump := func(name string, b []byte) {
		fmt.Fprintf(out, "%s (%d bytes)\n%s\n", name, len(b), hex.Dump(b))
	}
	get := func(name string, typ, index uint8) {
		if b, ok := store.GetDescriptor(typ, index); ok {
			dump(name, b)
		}
	}

	get("device", usb.DeviceDescType, 0)
	get("configuration", usb.ConfigDescType, 0)
	get("string 0 (languages)", usb.StringDescType, 0)
	strs := store.Descriptor().Strings
	for _, idx := range slices.Sorted(maps.Keys(strs)) {
		get(fmt.Sprintf("string %d %q", idx, strs[idx]), usb.StringDescType, idx)
	}
	get("bos", usb.BOSDescType, 0)
	if b, ok := store.GetVendorDescriptor(usb.VendorMSOS20, usb.MSOS20GetDescriptor); ok {
		dump("ms os 2.0 descriptor set", b)
	}
	for idx := uint8(1); idx != 0; idx++ {
		b, ok := store.GetVendorDescriptor(usb.VendorWebUSB, idx)
		if !ok {
			break
		}
		dump(fmt.Sprintf("webusb url %d", idx), b)
	}
	return nil
}
