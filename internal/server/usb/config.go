package usb

import "time"

// ServerConfig represents the USB/IP server configuration.
type ServerConfig struct {
	Addr                string        `help:"USB-IP server listen address" default:":3241" env:"PM3LINK_USB_ADDR"`
	ConnectionTimeout   time.Duration `help:"Time a client has to finish the devlist or import handshake" default:"30s" env:"PM3LINK_USB_CONNECTION_TIMEOUT"`
	PendingPollInterval time.Duration `help:"Interval to retry IN transfers the device had no data for" default:"5ms" env:"PM3LINK_USB_PENDING_POLL_INTERVAL"`
}
