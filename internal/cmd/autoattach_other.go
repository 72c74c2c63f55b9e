//go:build !linux

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"runtime"

	"github.com/pm3link/pm3link/usbip"
)

var errAutoAttachUnsupported = errors.New("auto-attach is only supported on linux")

func AttachLocalhostClient(_ context.Context, _ *usbip.ExportMeta, _ uint16, _ *slog.Logger) error {
	return errAutoAttachUnsupported
}

func CheckAutoAttachPrerequisites(logger *slog.Logger) bool {
	logger.Warn("Auto-attach is not available on this platform", "os", runtime.GOOS)
	return false
}
