// Package device holds what the emulated devices share with the USB/IP server.
package device

import (
	"context"

	"github.com/pm3link/pm3link/usbip"
)

type contextKey int

const exportMetaKey contextKey = iota

// WithExportMeta returns a context carrying the bus identity of an exported device.
func WithExportMeta(ctx context.Context, meta *usbip.ExportMeta) context.Context {
	return context.WithValue(ctx, exportMetaKey, meta)
}

// GetDeviceMeta extracts the device metadata from a device context.
// Returns nil if the context doesn't contain device metadata.
func GetDeviceMeta(ctx context.Context) *usbip.ExportMeta {
	if meta, ok := ctx.Value(exportMetaKey).(*usbip.ExportMeta); ok {
		return meta
	}
	return nil
}
