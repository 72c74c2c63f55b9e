package transport

import (
	"fmt"
	"log/slog"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/pm3link/pm3link/usb"
)

// Port is a serial port seen by the enumerator.
type Port struct {
	Name     string
	VID      string
	PID      string
	Serial   string
	Product  string
	Proxmark bool
}

// ListPorts returns the serial ports of the system. Unless all is set only
// Proxmarks are returned.
func ListPorts(all bool) ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	var out []Port
	for _, d := range details {
		p := Port{
			Name:     d.Name,
			VID:      d.VID,
			PID:      d.PID,
			Serial:   d.SerialNumber,
			Product:  d.Product,
			Proxmark: d.IsUSB && isProxmark(d.VID, d.PID),
		}
		if all || p.Proxmark {
			out = append(out, p)
		}
	}
	return out, nil
}

func isProxmark(vid, pid string) bool {
	return strings.EqualFold(vid, fmt.Sprintf("%04X", usb.VendorID)) &&
		strings.EqualFold(pid, fmt.Sprintf("%04X", usb.ProductID))
}

// findSerial returns the first Proxmark serial port.
func findSerial() (string, error) {
	ports, err := ListPorts(false)
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("serial: %w", ErrNoDevice)
	}
	return ports[0].Name, nil
}

func openSerial(path string, cfg Config, logger *slog.Logger) (serial.Port, error) {
	if path == "auto" {
		found, err := findSerial()
		if err != nil {
			return nil, err
		}
		logger.Debug("serial port found", "port", found)
		path = found
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return port, nil
}
