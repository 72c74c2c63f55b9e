package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"text/tabwriter"
	"time"

	"github.com/pm3link/pm3link/transport"
	"github.com/pm3link/pm3link/usb"
	"github.com/pm3link/pm3link/usbip"
)

// List shows the Proxmarks reachable from this host.
type List struct {
	All     bool          `help:"Show every serial port, not only Proxmarks"`
	USBIP   string        `name:"usbip" help:"Also list the devices exported by this USB/IP server (host[:port])" env:"PM3LINK_LIST_USBIP"`
	Timeout time.Duration `help:"USB/IP query timeout" default:"5s"`

	Out io.Writer `kong:"-"`
}

// Run is called by Kong when the list command is executed.
func (l *List) Run(logger *slog.Logger) error {
	w := tabwriter.NewWriter(stdout(l.Out), 0, 4, 2, ' ', 0)
	defer w.Flush()

	ports, err := transport.ListPorts(l.All)
	if err != nil {
		// enumeration is unavailable in some containers, the USB/IP part still works
		logger.Warn("Serial port enumeration failed", "error", err)
	}
	fmt.Fprintln(w, "PORT\tVID:PID\tSERIAL\tPRODUCT\tPROXMARK")
	for _, p := range ports {
		fmt.Fprintf(w, "%s\t%s:%s\t%s\t%s\t%t\n", p.Name, p.VID, p.PID, p.Serial, p.Product, p.Proxmark)
	}

	if l.USBIP == "" {
		return nil
	}
	addr := l.USBIP
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "3241")
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.Timeout)
	defer cancel()
	devs, err := usbip.ListDevices(ctx, &net.Dialer{}, addr)
	if err != nil {
		return fmt.Errorf("list %s: %w", addr, err)
	}
	for _, d := range devs {
		pm3 := d.IDVendor == usb.VendorID && d.IDProduct == usb.ProductID
		if !l.All && !pm3 {
			continue
		}
		fmt.Fprintf(w, "usbip://%s/%s\t%04x:%04x\t\t\t%t\n", addr, d.BusID(), d.IDVendor, d.IDProduct, pm3)
	}
	return nil
}
