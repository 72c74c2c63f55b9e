//go:build linux

package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/pm3link/pm3link/usbip"
)

// AttachLocalhostClient attaches the exported device to this host through the
// vhci-hcd driver, after which cdc_acm binds it as /dev/ttyACM*.
func AttachLocalhostClient(ctx context.Context, deviceExportMeta *usbip.ExportMeta, usbipServerPort uint16, logger *slog.Logger) error {
	logger.Info("Auto-attaching localhost client", "busid", deviceExportMeta.BusID())

	cmd := exec.CommandContext(
		ctx,
		"usbip",
		"--tcp-port",
		strconv.FormatUint(uint64(usbipServerPort), 10),
		"attach",
		"-r", "localhost",
		"-b", deviceExportMeta.BusID(),
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("Failed to attach device",
			"error", err,
			"port", usbipServerPort,
			"output", string(output))
		return err
	}
	logger.Debug("usbip attach output", "output", string(output))
	return nil
}

// CheckAutoAttachPrerequisites checks if auto-attach prerequisites are met on Linux.
// Returns true if all requirements are satisfied, false otherwise with helpful log messages.
func CheckAutoAttachPrerequisites(logger *slog.Logger) bool {
	allOk := true

	if _, err := exec.LookPath("usbip"); err != nil {
		logger.Warn("USB/IP tool 'usbip' not found in PATH")
		logger.Info("Install usbip:")
		logger.Info("  Ubuntu/Debian: sudo apt install linux-tools-generic")
		logger.Info("  Arch Linux:    sudo pacman -S usbip")
		allOk = false
	}

	data, err := os.ReadFile("/proc/modules")
	if err != nil {
		logger.Debug("Could not read /proc/modules", "error", err)
	} else if !bytes.Contains(data, []byte("vhci_hcd")) {
		logger.Warn("USB/IP kernel module 'vhci-hcd' is not loaded")
		logger.Info("To load the module now, run in another terminal:")
		logger.Info("  sudo modprobe vhci-hcd")
		logger.Info("To automatically load at boot:")
		logger.Info("  echo 'vhci-hcd' | sudo tee /etc/modules-load.d/pm3link.conf")
		allOk = false
	}

	return allOk
}
