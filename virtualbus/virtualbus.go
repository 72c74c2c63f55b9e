// Package virtualbus assigns USB/IP bus identities to emulated devices.
package virtualbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/pm3link/pm3link/device"
	"github.com/pm3link/pm3link/usb"
	"github.com/pm3link/pm3link/usbip"
)

const basepath = "/sys/devices/platform/pm3link/usb"

// VirtualBus is one USB bus of emulated devices, numbered like a host
// controller. Device ids are handed out from 1.
type VirtualBus struct {
	mutex           sync.Mutex
	busId           uint32
	allocatedDevIDs map[uint32]bool
	devices         []busDevice
}

// DeviceMeta exposes a registered device and its metadata for external queries.
type DeviceMeta struct {
	Dev  usb.Device
	Meta usbip.ExportMeta
}

// New creates a bus with the given number.
func New(busId uint32) *VirtualBus {
	return &VirtualBus{
		busId:           busId,
		allocatedDevIDs: make(map[uint32]bool),
	}
}

// Add registers a device and returns its lifetime context, which carries the
// export metadata (see device.GetDeviceMeta) and is cancelled on removal.
func (vb *VirtualBus) Add(dev usb.Device) (context.Context, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	for _, d := range vb.devices {
		if d.dev == dev {
			return nil, fmt.Errorf("device already registered on this bus")
		}
	}
	var devID uint32
	for i := uint32(1); ; i++ {
		if !vb.allocatedDevIDs[i] {
			devID = i
			vb.allocatedDevIDs[i] = true
			break
		}
	}

	busDevID := fmt.Sprintf("%d-%d", vb.busId, devID)
	path := fmt.Sprintf("%s%d/%s", basepath, vb.busId, busDevID)

	var meta usbip.ExportMeta
	copy(meta.Path[:], path)
	copy(meta.USBBusId[:], busDevID)
	meta.BusId = vb.busId
	meta.DevId = devID

	ctx, cancel := context.WithCancel(context.Background())
	ctx = device.WithExportMeta(ctx, &meta)

	vb.devices = append(vb.devices, busDevice{dev: dev, meta: meta, ctx: ctx, cancel: cancel})
	return ctx, nil
}

// GetAllDeviceMetas returns a copy of all registered devices with their export metadata.
func (vb *VirtualBus) GetAllDeviceMetas() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, DeviceMeta{Dev: d.dev, Meta: d.meta})
	}
	return out
}

// BusID returns the bus number for this VirtualBus.
func (vb *VirtualBus) BusID() uint32 {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	return vb.busId
}

// Lookup returns the device exported as busID ("1-1") and its context.
func (vb *VirtualBus) Lookup(busID string) (DeviceMeta, context.Context, bool) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		if d.meta.BusID() == busID {
			return DeviceMeta{Dev: d.dev, Meta: d.meta}, d.ctx, true
		}
	}
	return DeviceMeta{}, nil, false
}

// Remove unregisters a device and cancels its context, which ends any
// USB/IP session attached to it.
func (vb *VirtualBus) Remove(dev usb.Device) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i, d := range vb.devices {
		if d.dev == dev {
			d.cancel()
			delete(vb.allocatedDevIDs, d.meta.DevId)
			vb.devices = append(vb.devices[:i], vb.devices[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("device not found")
}

// Close cancels the contexts of all devices.
func (vb *VirtualBus) Close() error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		d.cancel()
	}
	vb.devices = nil
	vb.allocatedDevIDs = make(map[uint32]bool)
	return nil
}

type busDevice struct {
	dev    usb.Device
	meta   usbip.ExportMeta
	ctx    context.Context
	cancel context.CancelFunc
}
