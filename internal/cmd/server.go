package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pm3link/pm3link/device"
	"github.com/pm3link/pm3link/device/pm3"
	"github.com/pm3link/pm3link/internal/log"
	"github.com/pm3link/pm3link/internal/server/usb"
	"github.com/pm3link/pm3link/virtualbus"
)

// Emulate exports an emulated Proxmark3 over USB/IP.
type Emulate struct {
	UsbServerConfig usb.ServerConfig `embed:"" prefix:"usb."`
	Device          pm3.Config       `embed:"" prefix:"device."`
	Bus             uint32           `help:"USB/IP bus number of the emulated device" default:"1" env:"PM3LINK_BUS"`
	AutoAttach      bool             `help:"Attach the emulated device to this host with usbip (Linux only)" env:"PM3LINK_AUTO_ATTACH"`
}

// Run is called by Kong when the emulate command is executed.
func (e *Emulate) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return e.StartServer(ctx, logger, rawLogger)
}

// StartServer serves until ctx is done or the listener fails.
func (e *Emulate) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	logger.Info("Starting pm3link USB-IP server", "addr", e.UsbServerConfig.Addr)

	usbSrv := usb.New(e.UsbServerConfig, logger, rawLogger)
	bus := virtualbus.New(e.Bus)
	if err := usbSrv.AddBus(bus); err != nil {
		return err
	}
	dev := pm3.New(e.Device, logger.With("device", "pm3"))
	devCtx, err := bus.Add(dev)
	if err != nil {
		return fmt.Errorf("failed to add emulated device: %w", err)
	}
	meta := device.GetDeviceMeta(devCtx)

	usbErrCh := make(chan error, 1)
	go func() {
		usbErrCh <- usbSrv.ListenAndServe()
	}()

	select {
	case err := <-usbErrCh:
		return err
	case <-usbSrv.Ready():
	}
	logger.Info("Emulated Proxmark3 exported", "busid", meta.BusID(), "port", usbSrv.GetListenPort())

	if e.AutoAttach {
		logger.Info("Auto-attach is enabled, checking prerequisites...")
		if !CheckAutoAttachPrerequisites(logger) {
			logger.Warn("Auto-attach prerequisites not met")
			logger.Info("You can disable auto-attach with --auto-attach=false")
		} else if err := AttachLocalhostClient(ctx, meta, usbSrv.GetListenPort(), logger); err != nil {
			logger.Warn("Auto-attach failed, the device stays exported", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down USB-IP server")
		_ = usbSrv.Close()
		<-usbErrCh
		return nil
	case err := <-usbErrCh:
		return err
	}
}
